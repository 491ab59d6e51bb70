package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"loopcast/internal/auth/oauth"
)

// Authorizer runs the authorisation-code flow. Satisfied by *oauth.Manager.
type Authorizer interface {
	Begin(returnTo string) (oauth.BeginResult, error)
	Complete(ctx context.Context, state, code string) (oauth.Token, string, error)
}

// AuthHandler carries the OAuth linkage endpoints.
type AuthHandler struct {
	auth   Authorizer
	tokens *oauth.TokenCache
}

// NewAuthHandler wires the OAuth endpoints over the manager and token cache.
func NewAuthHandler(auth Authorizer, tokens *oauth.TokenCache) *AuthHandler {
	return &AuthHandler{auth: auth, tokens: tokens}
}

// Begin redirects the browser to the provider's consent screen.
func (h *AuthHandler) Begin(w http.ResponseWriter, r *http.Request) {
	returnTo := strings.TrimSpace(r.URL.Query().Get("return_to"))
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") {
		returnTo = "/"
	}
	result, err := h.auth.Begin(returnTo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("begin authorization: %w", err))
		return
	}
	http.Redirect(w, r, result.URL, http.StatusFound)
}

// Callback exchanges the authorisation code and installs the channel token.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if denied := query.Get("error"); denied != "" {
		writeError(w, http.StatusForbidden, fmt.Errorf("authorization denied: %s", denied))
		return
	}
	token, returnTo, err := h.auth.Complete(r.Context(), query.Get("state"), query.Get("code"))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, oauth.ErrStateInvalid) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	h.tokens.Set(token)
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") {
		returnTo = "/"
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// Status reports whether the dashboard holds channel credentials.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"authorized": h.tokens.Authorized()})
}
