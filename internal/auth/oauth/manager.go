package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrStateInvalid is returned when the state parameter is missing or expired.
var ErrStateInvalid = errors.New("oauth state invalid or expired")

// ErrNotAuthorized is returned when token material is requested before the
// channel has completed the OAuth flow.
var ErrNotAuthorized = errors.New("channel not authorized")

// Token is the credential material returned by the token endpoint.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Expired reports whether the access token needs refreshing, with a safety
// margin so in-flight requests do not race the expiry.
func (t Token) Expired() bool {
	if t.AccessToken == "" {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().After(t.Expiry.Add(-30 * time.Second))
}

// BeginResult is returned when an authorisation request is constructed.
type BeginResult struct {
	URL   string
	State string
}

// Manager coordinates the authorisation-code flow for the configured client.
type Manager struct {
	cfg      Config
	state    StateStore
	client   *http.Client
	stateTTL time.Duration
}

// Option customises the OAuth manager.
type Option func(*Manager)

// WithStateStore injects a custom state store.
func WithStateStore(store StateStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.state = store
		}
	}
}

// WithHTTPClient overrides the HTTP client used for token exchanges.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithStateTTL adjusts how long state parameters remain valid.
func WithStateTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.stateTTL = ttl
		}
	}
}

// NewManager constructs an OAuth manager for the provided configuration.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := &Manager{
		cfg:      cfg,
		state:    NewMemoryStateStore(),
		client:   &http.Client{Timeout: 10 * time.Second},
		stateTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Begin initialises an OAuth flow and returns the authorisation URL the user
// must visit. Offline access is requested so a refresh token is issued.
func (m *Manager) Begin(returnTo string) (BeginResult, error) {
	state, err := GenerateState()
	if err != nil {
		return BeginResult{}, err
	}
	if err := m.state.Put(state, StateData{ReturnTo: returnTo}, m.stateTTL); err != nil {
		return BeginResult{}, err
	}

	parsed, err := url.Parse(m.cfg.AuthorizeURL)
	if err != nil {
		return BeginResult{}, fmt.Errorf("parse authorize url: %w", err)
	}
	query := parsed.Query()
	query.Set("response_type", "code")
	query.Set("client_id", m.cfg.ClientID)
	query.Set("redirect_uri", m.cfg.RedirectURL)
	query.Set("scope", strings.Join(m.cfg.Scopes, " "))
	query.Set("state", state)
	query.Set("access_type", "offline")
	query.Set("prompt", "consent")
	parsed.RawQuery = query.Encode()

	return BeginResult{URL: parsed.String(), State: state}, nil
}

// Complete validates the state parameter and exchanges the authorisation
// code for tokens. The saved return URL is included alongside the token.
func (m *Manager) Complete(ctx context.Context, state, code string) (Token, string, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return Token{}, "", ErrStateInvalid
	}
	data, ok := m.state.Take(state)
	if !ok {
		return Token{}, "", ErrStateInvalid
	}

	payload := url.Values{}
	payload.Set("grant_type", "authorization_code")
	payload.Set("code", strings.TrimSpace(code))
	payload.Set("redirect_uri", m.cfg.RedirectURL)

	token, err := m.tokenRequest(ctx, payload)
	if err != nil {
		return Token{}, data.ReturnTo, err
	}
	return token, data.ReturnTo, nil
}

// Refresh exchanges a refresh token for a new access token.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Token{}, ErrNotAuthorized
	}
	payload := url.Values{}
	payload.Set("grant_type", "refresh_token")
	payload.Set("refresh_token", refreshToken)

	token, err := m.tokenRequest(ctx, payload)
	if err != nil {
		return Token{}, err
	}
	// Google omits the refresh token on renewal; carry the old one forward.
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (m *Manager) tokenRequest(ctx context.Context, payload url.Values) (Token, error) {
	payload.Set("client_id", m.cfg.ClientID)
	payload.Set("client_secret", m.cfg.ClientSecret)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(payload.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("create token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := m.client.Do(request)
	if err != nil {
		return Token{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("read token response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return Token{}, fmt.Errorf("token endpoint returned %s: %s", response.Status, strings.TrimSpace(string(body)))
	}

	var decoded tokenEndpointResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if decoded.AccessToken == "" {
		return Token{}, errors.New("token response missing access token")
	}

	token := Token{
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
	}
	if decoded.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(decoded.ExpiresIn) * time.Second)
	}
	return token, nil
}
