// Package session implements the gateway's stateless, cookie-carried
// session: an encrypted-and-authenticated payload the browser holds, never
// the server. A cookie that fails to decrypt or authenticate is treated as
// simply absent — decoding never returns an error to the caller for that
// reason, matching the fail-open-to-empty-session contract spec'd for the
// store.
package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// CookieName is the name of the single cookie carrying session state.
	CookieName = "hivegate_session"

	// maxAge bounds how long a session cookie is honored, per spec: at most
	// one hour.
	maxAge = time.Hour

	// currentVersion is the only payload version this build understands.
	// DESIGN NOTES: version the payload so the format can evolve without
	// invalidating already-deployed cookies out of band.
	currentVersion = 1
)

// State is the decrypted session payload.
type State struct {
	// Token is the bearer token issued by the auth service, or "" if the
	// caller has not completed login.
	Token string `json:"token,omitempty"`

	// OAuthState is the CSRF state for an authorization-code flow in
	// flight, or "" if none.
	OAuthState string `json:"oauth_state,omitempty"`

	// PostLoginTarget is the path+query to redirect to once login
	// completes.
	PostLoginTarget string `json:"post_login_target,omitempty"`
}

// payload is the versioned envelope that actually gets encrypted.
type payload struct {
	Version int   `json:"v"`
	State   State `json:"s"`
}

// Store encrypts and authenticates session cookies with XChaCha20-Poly1305.
// It is stateless: all session data lives in the cookie value, never on the
// server, so Store itself holds nothing but the derived AEAD key.
type Store struct {
	aead   cipher.AEAD
	secure bool
}

// NewStore derives a 32-byte XChaCha20-Poly1305 key from secret via HKDF-SHA256
// so operators can supply any secret of at least 32 bytes, not only an
// exact-length key, and builds a Store. secure controls whether issued
// cookies carry the Secure attribute (true when the listener terminates
// TLS).
func NewStore(secret []byte, secure bool) (*Store, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session: cookie secret must be at least 32 bytes, got %d", len(secret))
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("hivegate-session-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("session: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("session: init AEAD: %w", err)
	}
	return &Store{aead: aead, secure: secure}, nil
}

// Load returns the session carried by r's cookie, or an empty State if the
// cookie is missing, malformed, or fails authentication. It never returns an
// error for that reason: a bad cookie is indistinguishable from no session.
func (s *Store) Load(r *http.Request) State {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return State{}
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return State{}
	}
	if len(raw) < s.aead.NonceSize() {
		return State{}
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return State{}
	}
	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return State{}
	}
	if p.Version != currentVersion {
		return State{}
	}
	return p.State
}

// Save encrypts state and sets it as the session cookie on w.
func (s *Store) Save(w http.ResponseWriter, state State) error {
	p := payload{Version: currentVersion, State: state}
	plaintext, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("session: marshal payload: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("session: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	value := base64.RawURLEncoding.EncodeToString(sealed)

	if len(value) > 4000 {
		return fmt.Errorf("session: encoded cookie is %d bytes, exceeds the 4KiB budget", len(value))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear emits an expired cookie so the browser drops the session.
func (s *Store) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
