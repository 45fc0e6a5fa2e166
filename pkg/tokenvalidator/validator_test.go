package tokenvalidator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/hivematrix/nexus-gateway/pkg/jwks"
)

const testIssuer = "https://auth.hivematrix.internal"

type fixture struct {
	key       *rsa.PrivateKey
	kid       string
	jwksSrv   *httptest.Server
	authSrv   *httptest.Server
	validator *Validator
	// authResponse lets each test program the /api/token/validate reply.
	authResponse func(w http.ResponseWriter, r *http.Request)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fixture{key: key, kid: "kid-1"}

	f.jwksSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
		doc := map[string]interface{}{
			"keys": []map[string]interface{}{
				{"kty": "RSA", "kid": f.kid, "alg": "RS256", "n": n, "e": e},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}))

	f.authSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.authResponse != nil {
			f.authResponse(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"valid": true, "revoked": false})
	}))

	cache := jwks.NewCache(f.jwksSrv.URL, f.jwksSrv.Client())
	f.validator = New(cache, f.authSrv.URL, testIssuer, f.authSrv.Client())
	return f
}

func (f *fixture) close() {
	f.jwksSrv.Close()
	f.authSrv.Close()
}

func (f *fixture) sign(t *testing.T, claims jwtClaims) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: f.key}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{"kid": f.kid},
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return raw
}

func validClaims() jwtClaims {
	return jwtClaims{
		Subject:    "user-1",
		Email:      "user1@example.com",
		Issuer:     testIssuer,
		ExpiresAt:  time.Now().Add(time.Hour).Unix(),
		TokenID:    "jti-1",
		Permission: "admin",
	}
}

func TestValidate_HappyPath(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	token := f.sign(t, validClaims())
	claims, err := f.validator.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "user1@example.com" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestValidate_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	c := validClaims()
	c.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	token := f.sign(t, c)

	_, err := f.validator.Validate(context.Background(), token)
	if err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestValidate_WithinClockSkewIsAccepted(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	c := validClaims()
	c.ExpiresAt = time.Now().Add(-30 * time.Second).Unix()
	token := f.sign(t, c)

	if _, err := f.validator.Validate(context.Background(), token); err != nil {
		t.Fatalf("Validate: expected clock-skew tolerance to accept token, got %v", err)
	}
}

func TestValidate_IssuerMismatch(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	c := validClaims()
	c.Issuer = "https://someone-else.example"
	token := f.sign(t, c)

	_, err := f.validator.Validate(context.Background(), token)
	if err == nil {
		t.Fatal("expected error for issuer mismatch")
	}
}

func TestValidate_Revoked(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	f.authResponse = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"valid": true, "revoked": true})
	}

	token := f.sign(t, validClaims())
	_, err := f.validator.Validate(context.Background(), token)
	if err == nil {
		t.Fatal("expected error for revoked token")
	}
}

func TestValidate_AuthServiceUnreachableFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.authSrv.Close() // make the auth service unreachable before validating

	token := f.sign(t, validClaims())
	_, err := f.validator.Validate(context.Background(), token)
	if err == nil {
		t.Fatal("expected validation to fail closed when auth service is unreachable")
	}
	f.jwksSrv.Close()
}

func TestValidate_JWKSUnreachableReturnsErrJWKSUnavailable(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	token := f.sign(t, validClaims())
	f.jwksSrv.Close() // kid lookup misses the still-empty cache and the refresh fails

	_, err := f.validator.Validate(context.Background(), token)
	if err == nil {
		t.Fatal("expected error when the JWKS endpoint is unreachable")
	}
	if !errors.Is(err, ErrJWKSUnavailable) {
		t.Errorf("Validate error = %v, want it to wrap ErrJWKSUnavailable", err)
	}
	if errors.Is(err, ErrUnknownKid) {
		t.Error("a JWKS refresh failure must not be reported as ErrUnknownKid")
	}
}

func TestValidate_MalformedTokenRejected(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	_, err := f.validator.Validate(context.Background(), "not-a-jwt")
	if err == nil {
		t.Fatal("expected error for malformed token")
	}
}
