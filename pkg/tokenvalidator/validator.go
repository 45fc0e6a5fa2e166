// Package tokenvalidator verifies bearer tokens issued by the auth service:
// an offline signature/claims check against the auth service's JWKS,
// followed by an online revocation check.
package tokenvalidator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/hivematrix/nexus-gateway/pkg/jwks"
	"github.com/hivematrix/nexus-gateway/pkg/registry"
)

// clockSkew is the tolerance applied when checking a token's exp claim.
const clockSkew = 60 * time.Second

// validateTimeout bounds the call to the auth service's /api/token/validate
// endpoint.
const validateTimeout = 2 * time.Second

// Sentinel errors, one per §4.4 failure mode, so callers can branch with
// errors.Is instead of string matching.
var (
	ErrExpiredToken    = errors.New("tokenvalidator: token expired")
	ErrBadSignature    = errors.New("tokenvalidator: bad signature")
	ErrUnknownKid      = errors.New("tokenvalidator: unknown key id")
	ErrRevoked         = errors.New("tokenvalidator: token revoked")
	ErrIssuerMismatch  = errors.New("tokenvalidator: issuer mismatch")
	ErrAuthServiceDown = errors.New("tokenvalidator: auth service unreachable")
	ErrUnsupportedAlg  = errors.New("tokenvalidator: unsupported signing algorithm")
	ErrMalformedToken  = errors.New("tokenvalidator: malformed token")
	ErrJWKSUnavailable = errors.New("tokenvalidator: jwks refresh unavailable")
)

// Claims is the verified identity derived from a validated token.
type Claims struct {
	Subject         string
	Email           string
	PermissionLevel registry.Role
	ExpiresAt       time.Time
	TokenID         string
}

type jwtClaims struct {
	Subject    string `json:"sub"`
	Email      string `json:"email"`
	Issuer     string `json:"iss"`
	ExpiresAt  int64  `json:"exp"`
	TokenID    string `json:"jti"`
	Permission string `json:"permission_level"`
}

// Validator verifies bearer tokens per §4.4.
type Validator struct {
	keys           *jwks.Cache
	httpClient     *http.Client
	authServiceURL string
	issuer         string
}

// New returns a Validator that trusts tokens issued by issuer and checks
// revocation against authServiceURL. httpClient is used for the revocation
// call; pass nil to use http.DefaultClient.
func New(keys *jwks.Cache, authServiceURL, issuer string, httpClient *http.Client) *Validator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Validator{
		keys:           keys,
		httpClient:     httpClient,
		authServiceURL: authServiceURL,
		issuer:         issuer,
	}
}

// Validate runs the full §4.4 pipeline: parse, resolve key, verify
// signature and standard claims, then confirm non-revocation online. A
// transport error talking to the auth service is treated as a fatal
// validation failure (fail closed), not a soft pass.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	sig, err := jose.ParseSigned(rawToken, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(sig.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", ErrMalformedToken)
	}
	header := sig.Signatures[0].Header
	if header.Algorithm != string(jose.RS256) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlg, header.Algorithm)
	}

	key, err := v.keys.Key(ctx, header.KeyID)
	if err != nil {
		if errors.Is(err, jwks.ErrRefreshFailed) {
			return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnknownKid, err)
	}

	payload, err := sig.Verify(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrMalformedToken, err)
	}

	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: got %q want %q", ErrIssuerMismatch, claims.Issuer, v.issuer)
	}

	expiry := time.Unix(claims.ExpiresAt, 0)
	if time.Now().After(expiry.Add(clockSkew)) {
		return nil, fmt.Errorf("%w: expired at %s", ErrExpiredToken, expiry)
	}

	if err := v.checkRevocation(ctx, rawToken); err != nil {
		return nil, err
	}

	return &Claims{
		Subject:         claims.Subject,
		Email:           claims.Email,
		PermissionLevel: parseRole(claims.Permission),
		ExpiresAt:       expiry,
		TokenID:         claims.TokenID,
	}, nil
}

func (v *Validator) checkRevocation(ctx context.Context, rawToken string) error {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	body, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: rawToken})
	if err != nil {
		return fmt.Errorf("tokenvalidator: marshal validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.authServiceURL+"/api/token/validate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tokenvalidator: build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthServiceDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrRevoked
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrAuthServiceDown, resp.StatusCode)
	}

	var result struct {
		Valid   bool `json:"valid"`
		Revoked bool `json:"revoked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrAuthServiceDown, err)
	}
	if result.Revoked || !result.Valid {
		return ErrRevoked
	}
	return nil
}

func parseRole(s string) registry.Role {
	switch s {
	case "admin":
		return registry.RoleAdmin
	case "billing":
		return registry.RoleBilling
	default:
		return registry.RoleUser
	}
}
