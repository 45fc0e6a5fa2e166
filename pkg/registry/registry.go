// Package registry loads and serves the service registry: the mapping from
// a short service name to the backend origin it proxies to, together with
// the visibility and permission metadata the navigation panel and backend
// proxy need.
package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"sync/atomic"
)

// Permission is the minimum caller permission level a service requires.
// It is expressed as an ordered enum rather than independent booleans so
// comparisons compose cleanly (admin ⊇ billing ⊇ user).
type Permission int

const (
	PermissionNone Permission = iota
	PermissionBillingOrAdmin
	PermissionAdminOnly
)

// Role is the caller's own permission level, derived from validated claims.
type Role int

const (
	RoleUser Role = iota
	RoleBilling
	RoleAdmin
)

// Satisfies reports whether a caller holding role may reach a service that
// requires perm.
func (r Role) Satisfies(perm Permission) bool {
	switch perm {
	case PermissionAdminOnly:
		return r >= RoleAdmin
	case PermissionBillingOrAdmin:
		return r >= RoleBilling
	default:
		return true
	}
}

// Entry describes one backend service.
type Entry struct {
	Name       string
	Origin     *url.URL
	Visible    bool
	Permission Permission
}

var nameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// rawEntry mirrors the on-disk JSON shape of a single registry entry.
type rawEntry struct {
	URL                string `json:"url"`
	Visible            bool   `json:"visible"`
	AdminOnly          bool   `json:"admin_only"`
	BillingOrAdminOnly bool   `json:"billing_or_admin_only"`
}

// snapshot is the immutable, atomically-swapped state of a Registry.
type snapshot struct {
	byName map[string]Entry
	sorted []Entry // stable, name-ordered, for deterministic nav-panel iteration
}

// Registry is a read-mostly, process-wide snapshot of the service registry.
// Reloads replace the whole snapshot with a single atomic pointer swap so
// readers never observe a partially-updated map.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// New returns an empty Registry. Call Load or Reload before use.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{byName: map[string]Entry{}})
	return r
}

// Load reads and parses the registry document at path and publishes it.
// It is equivalent to Reload on a fresh Registry.
func (r *Registry) Load(path string) error {
	return r.Reload(path)
}

// Reload re-reads the registry document at path, validates it, and swaps it
// in atomically. On any validation error the previous snapshot is left in
// place. A service name that appears more than once in the document is not
// rejected: encoding/json keeps the last value for a repeated key.
func (r *Registry) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry %q: %w", path, err)
	}

	var raw map[string]rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse registry %q: %w", path, err)
	}

	byName := make(map[string]Entry, len(raw))
	for name, re := range raw {
		if !nameRe.MatchString(name) {
			return fmt.Errorf("registry %q: invalid service name %q (must match %s)", path, name, nameRe.String())
		}
		origin, err := url.Parse(re.URL)
		if err != nil || !origin.IsAbs() {
			return fmt.Errorf("registry %q: service %q has non-absolute url %q", path, name, re.URL)
		}
		perm := PermissionNone
		switch {
		case re.AdminOnly:
			perm = PermissionAdminOnly
		case re.BillingOrAdminOnly:
			perm = PermissionBillingOrAdmin
		}
		byName[name] = Entry{
			Name:       name,
			Origin:     origin,
			Visible:    re.Visible,
			Permission: perm,
		}
	}

	sorted := make([]Entry, 0, len(byName))
	for _, e := range byName {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	r.snap.Store(&snapshot{byName: byName, sorted: sorted})
	return nil
}

// Lookup returns the entry named name, or false if it is not registered.
func (r *Registry) Lookup(name string) (Entry, bool) {
	s := r.snap.Load()
	e, ok := s.byName[name]
	return e, ok
}

// VisibleFor returns the visible entries role is permitted to reach, in
// stable name order.
func (r *Registry) VisibleFor(role Role) []Entry {
	s := r.snap.Load()
	out := make([]Entry, 0, len(s.sorted))
	for _, e := range s.sorted {
		if e.Visible && role.Satisfies(e.Permission) {
			out = append(out, e)
		}
	}
	return out
}

// FirstVisibleFor returns the first (name-ordered) visible entry role may
// reach, used by the "/" redirect. The second return is false if none match.
func (r *Registry) FirstVisibleFor(role Role) (Entry, bool) {
	vis := r.VisibleFor(role)
	if len(vis) == 0 {
		return Entry{}, false
	}
	return vis[0], true
}
