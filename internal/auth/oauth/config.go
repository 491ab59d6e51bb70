// Package oauth drives the authorisation-code flow that links the dashboard
// to a YouTube channel, and keeps the resulting tokens fresh for API calls.
package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	googleAuthorizeURL = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL     = "https://oauth2.googleapis.com/token"
)

// YouTubeScope grants full access to the channel's live streaming resources.
const YouTubeScope = "https://www.googleapis.com/auth/youtube.force-ssl"

// Config describes the OAuth client for the Google endpoints.
type Config struct {
	ClientID     string   `json:"clientID"`
	ClientSecret string   `json:"clientSecret"`
	RedirectURL  string   `json:"redirectURL"`
	AuthorizeURL string   `json:"authorizeURL"`
	TokenURL     string   `json:"tokenURL"`
	Scopes       []string `json:"scopes"`
}

// Validate ensures required fields are present and fills endpoint defaults.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return errors.New("oauth client ID is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return errors.New("oauth client secret is required")
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return errors.New("oauth redirect URL is required")
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = googleAuthorizeURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = googleTokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{YouTubeScope}
	}
	return nil
}

// googleClientFile matches the client-secret JSON downloaded from the Google
// console, which wraps the credentials under "web" or "installed".
type googleClientFile struct {
	Web       *googleClientSection `json:"web"`
	Installed *googleClientSection `json:"installed"`
}

type googleClientSection struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
	RedirectURIs []string `json:"redirect_uris"`
}

// ParseClientFile decodes a Google OAuth client JSON payload into a Config.
func ParseClientFile(data []byte) (Config, error) {
	var file googleClientFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("decode oauth client file: %w", err)
	}
	section := file.Web
	if section == nil {
		section = file.Installed
	}
	if section == nil {
		return Config{}, errors.New("oauth client file has neither web nor installed section")
	}
	cfg := Config{
		ClientID:     section.ClientID,
		ClientSecret: section.ClientSecret,
		AuthorizeURL: section.AuthURI,
		TokenURL:     section.TokenURI,
	}
	if len(section.RedirectURIs) > 0 {
		cfg.RedirectURL = section.RedirectURIs[0]
	}
	return cfg, nil
}

// LoadClientFile reads and parses a Google OAuth client JSON file.
func LoadClientFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read oauth client file %s: %w", path, err)
	}
	return ParseClientFile(data)
}
