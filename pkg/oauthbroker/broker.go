// Package oauthbroker drives the authorization-code exchange with the
// external identity provider and the token exchange/revocation calls to the
// internal auth service. It exposes the three HTTP handlers that make up
// the gateway's login flow: begin, complete, and end.
package oauthbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hivematrix/nexus-gateway/pkg/session"
)

const (
	exchangeTimeout = 5 * time.Second
	revokeTimeout   = 2 * time.Second
)

// oauthConfig abstracts *oauth2.Config so tests can substitute a fake IdP
// client without spinning up a real authorization-code exchange.
type oauthConfig interface {
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// Broker implements the /login, /auth-callback, and /logout handlers.
type Broker struct {
	cfg            oauthConfig
	sessions       *session.Store
	authServiceURL string
	endSessionURL  string
	httpClient     *http.Client
	log            logr.Logger
}

// New returns a Broker. cfg drives the IdP authorization-code exchange;
// authServiceURL is the internal auth service ("Core") used for token
// exchange and revocation; endSessionURL is the IdP's end-session endpoint,
// or "" to fall back to /login on logout.
func New(cfg *oauth2.Config, sessions *session.Store, authServiceURL, endSessionURL string, httpClient *http.Client, log logr.Logger) *Broker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Broker{
		cfg:            cfg,
		sessions:       sessions,
		authServiceURL: authServiceURL,
		endSessionURL:  endSessionURL,
		httpClient:     httpClient,
		log:            log,
	}
}

// Begin handles GET|POST /login: it generates a CSRF state, remembers the
// caller's intended destination, and redirects to the IdP.
func (b *Broker) Begin(w http.ResponseWriter, r *http.Request) {
	target := sanitizeNext(r.URL.Query().Get("next"))

	state := uuid.NewString()
	if err := b.sessions.Save(w, session.State{OAuthState: state, PostLoginTarget: target}); err != nil {
		b.log.Error(err, "Failed to save pre-login session")
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, b.cfg.AuthCodeURL(state), http.StatusFound)
}

// sanitizeNext restricts a caller-supplied post-login redirect target to a
// same-origin path, rejecting anything carrying a scheme or host so /login
// can't be used as an open redirect to an arbitrary external origin.
func sanitizeNext(next string) string {
	if next == "" {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}

// Complete handles GET /auth-callback: it validates the CSRF state,
// exchanges the authorization code with the IdP, exchanges the resulting
// access token for a gateway-local JWT via the auth service, stores it in
// the session, and redirects to the remembered target.
func (b *Broker) Complete(w http.ResponseWriter, r *http.Request) {
	state := b.sessions.Load(r)

	code := r.URL.Query().Get("code")
	gotState := r.URL.Query().Get("state")
	if gotState == "" || state.OAuthState == "" || gotState != state.OAuthState {
		b.sessions.Clear(w)
		http.Error(w, "OAuth2 state mismatch", http.StatusBadRequest)
		return
	}

	exchangeCtx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()
	idpToken, err := b.cfg.Exchange(exchangeCtx, code)
	if err != nil {
		b.log.Error(err, "IdP code exchange failed")
		b.sessions.Clear(w)
		http.Error(w, "Token exchange failed", http.StatusBadGateway)
		return
	}

	gatewayToken, err := b.exchangeWithAuthService(exchangeCtx, idpToken.AccessToken)
	if err != nil {
		b.log.Error(err, "Auth service token exchange failed")
		b.sessions.Clear(w)
		http.Error(w, "Token exchange failed", http.StatusBadGateway)
		return
	}

	target := state.PostLoginTarget
	if target == "" {
		target = "/"
	}
	if err := b.sessions.Save(w, session.State{Token: gatewayToken}); err != nil {
		b.log.Error(err, "Failed to save post-login session")
		http.Error(w, "Failed to complete login", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// End handles GET /logout: it best-effort revokes the session token, clears
// the cookie, and redirects to the IdP's end-session endpoint (or /login if
// none is configured).
func (b *Broker) End(w http.ResponseWriter, r *http.Request) {
	state := b.sessions.Load(r)
	if state.Token != "" {
		if err := b.revokeWithRetry(r.Context(), state.Token); err != nil {
			b.log.Info("Best-effort token revocation failed", "error", err.Error())
		}
	}

	b.sessions.Clear(w)

	target := b.endSessionURL
	if target == "" {
		target = "/login"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (b *Broker) exchangeWithAuthService(ctx context.Context, idpAccessToken string) (string, error) {
	body, err := json.Marshal(struct {
		AccessToken string `json:"access_token"`
	}{AccessToken: idpAccessToken})
	if err != nil {
		return "", fmt.Errorf("marshal exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.authServiceURL+"/api/token/exchange", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode exchange response: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("auth service response missing token")
	}
	return result.Token, nil
}

// revokeWithRetry calls /api/token/revoke, retrying once on any failure
// (transport error or non-2xx status).
// Both attempts are bounded by revokeTimeout; any remaining failure is
// swallowed by the caller (logout always succeeds from the browser's point
// of view).
func (b *Broker) revokeWithRetry(ctx context.Context, token string) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if lastErr = b.revoke(ctx, token); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (b *Broker) revoke(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	body, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: token})
	if err != nil {
		return fmt.Errorf("marshal revoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.authServiceURL+"/api/token/revoke", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}
	return nil
}

// RedirectURL builds the OAuth2 redirect_uri for a public gateway origin.
func RedirectURL(publicOrigin string) (string, error) {
	u, err := url.Parse(publicOrigin)
	if err != nil || !u.IsAbs() {
		return "", fmt.Errorf("oauthbroker: invalid public origin %q", publicOrigin)
	}
	u.Path = "/auth-callback"
	return u.String(), nil
}
