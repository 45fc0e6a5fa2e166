// Package config loads the gateway's environment-variable configuration and
// fast-fails with a descriptive error when a required value is missing.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Config holds every externally-supplied setting the gateway needs to run.
type Config struct {
	ListenAddr  string
	MetricsAddr string
	TLSCert     string
	TLSKey      string

	CookieSecret string

	AuthServiceURL string

	IdPAuthorizationURL string
	IdPTokenURL         string
	IdPEndSessionURL    string
	IdPClientID         string
	IdPClientSecret     string

	PublicOrigin string

	RegistryPath string

	DevLogs bool
}

// requiredVar names a required environment variable and where it ended up.
type requiredVar struct {
	name string
	dest *string
}

// Load reads the process environment and returns a validated Config.
// Missing required variables are reported together so an operator sees every
// problem in one pass instead of fixing them one at a time.
func Load() (*Config, error) {
	c := &Config{
		ListenAddr:   envOr("LISTEN_ADDR", ":443"),
		MetricsAddr:  envOr("METRICS_ADDR", "127.0.0.1:9090"),
		RegistryPath: envOr("SERVICES_FILE", "services.json"),
		DevLogs:      envOr("HIVEGATE_DEV_LOGS", "") != "",
	}

	required := []requiredVar{
		{"TLS_CERT", &c.TLSCert},
		{"TLS_KEY", &c.TLSKey},
		{"COOKIE_SECRET", &c.CookieSecret},
		{"AUTH_SERVICE_URL", &c.AuthServiceURL},
		{"IDP_AUTHORIZATION_URL", &c.IdPAuthorizationURL},
		{"IDP_TOKEN_URL", &c.IdPTokenURL},
		{"IDP_CLIENT_ID", &c.IdPClientID},
		{"IDP_CLIENT_SECRET", &c.IdPClientSecret},
		{"PUBLIC_ORIGIN", &c.PublicOrigin},
	}

	var missing []string
	for _, rv := range required {
		v := os.Getenv(rv.name)
		if v == "" {
			missing = append(missing, rv.name)
			continue
		}
		*rv.dest = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	// IDP_END_SESSION_URL is optional: logout falls back to /login when absent.
	c.IdPEndSessionURL = os.Getenv("IDP_END_SESSION_URL")

	if len(c.CookieSecret) < 32 {
		return nil, fmt.Errorf("COOKIE_SECRET must be at least 32 bytes, got %d", len(c.CookieSecret))
	}

	for _, u := range []struct {
		name, val string
	}{
		{"AUTH_SERVICE_URL", c.AuthServiceURL},
		{"IDP_AUTHORIZATION_URL", c.IdPAuthorizationURL},
		{"IDP_TOKEN_URL", c.IdPTokenURL},
		{"PUBLIC_ORIGIN", c.PublicOrigin},
	} {
		parsed, err := url.Parse(u.val)
		if err != nil || !parsed.IsAbs() {
			return nil, fmt.Errorf("%s must be an absolute URL, got %q", u.name, u.val)
		}
	}

	return c, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
