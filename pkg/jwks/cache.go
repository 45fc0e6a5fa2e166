// Package jwks fetches and caches the auth service's JSON Web Key Set,
// coalescing concurrent refreshes for the same key id behind a single
// in-flight HTTP call.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

const fetchTimeout = 5 * time.Second

// ErrRefreshFailed wraps a failure of the refresh call itself (transport
// error, bad status, undecodable body) so callers can tell it apart from a
// kid that is genuinely absent from a successfully fetched key set.
var ErrRefreshFailed = errors.New("jwks: refresh failed")

// RefreshRecorder observes JWKS refresh outcomes, implemented by
// pkg/metrics.Metrics. Declared here, at the point of use, so this package
// doesn't need to import metrics' full dependency surface.
type RefreshRecorder interface {
	RecordJWKSRefresh(result string)
}

// Cache holds the most recently fetched JWKS for one issuer and refreshes it
// on a kid miss. Lookups take a read lock; a refresh holds the write lock
// only around the point where the new key set is swapped in, never across
// the network call itself (§5: no shared lock held across I/O).
type Cache struct {
	jwksURL string
	client  *http.Client

	// Recorder, if set, observes each refresh's outcome. Optional: nil is
	// a valid no-op.
	Recorder RefreshRecorder

	mu           sync.RWMutex
	keys         map[string]*rsa.PublicKey
	lastRefresh  time.Time
	refreshGroup singleflight.Group
}

// NewCache returns a Cache that fetches jwksURL on demand. client is used for
// the fetch; pass nil to use http.DefaultClient.
func NewCache(jwksURL string, client *http.Client) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{
		jwksURL: jwksURL,
		client:  client,
		keys:    map[string]*rsa.PublicKey{},
	}
}

// Key returns the RSA public key for kid, refreshing the key set at most
// once per call even when many goroutines miss on the same kid
// concurrently: all callers for the same kid join the one in-flight
// refresh's singleflight.Group.Do call and observe its result.
func (c *Cache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}

	v, err, _ := c.refreshGroup.Do(kid, func() (interface{}, error) {
		refreshErr := c.refresh(ctx)
		if c.Recorder != nil {
			if refreshErr != nil {
				c.Recorder.RecordJWKSRefresh("error")
			} else {
				c.Recorder.RecordJWKSRefresh("ok")
			}
		}
		return nil, refreshErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: kid %q: %v", ErrRefreshFailed, kid, err)
	}
	_ = v

	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("jwks: unknown kid %q after refresh", kid)
}

func (c *Cache) lookup(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok
}

// refresh fetches and parses the JWKS document and swaps it into the cache.
func (c *Cache) refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Algorithm != "" && k.Algorithm != "RS256" {
			continue
		}
		rsaKey, ok := k.Key.(*rsa.PublicKey)
		if !ok {
			continue
		}
		keys[k.KeyID] = rsaKey
	}

	c.mu.Lock()
	c.keys = keys
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}
