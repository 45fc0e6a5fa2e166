// Package composer rewrites text/html backend responses: it injects the
// global stylesheet links, stamps a per-user theme onto <html>, and wraps
// the body in a navigation frame listing the services the caller may reach.
//
// Rewriting is done at the token level with golang.org/x/net/html's
// streaming tokenizer rather than by building a full DOM: the composer only
// ever needs to locate the <html>, <head>, and <body> start tags and emit a
// few extra tokens around them, so a tree isn't necessary.
package composer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/html"

	"github.com/hivematrix/nexus-gateway/pkg/registry"
)

const (
	themeTimeout = 500 * time.Millisecond
	defaultTheme = "light"
)

var globalStylesheets = []string{
	"/static/css/global.css",
	"/static/css/side-panel.css",
}

// iconGlyphs maps known HiveMatrix service names to a small Unicode glyph
// for the navigation panel. Unknown names fall back to genericGlyph.
var iconGlyphs = map[string]string{
	"codex":    "▣",
	"ledger":   "☷",
	"helm":     "⎈",
	"keystone": "⚿",
}

const genericGlyph = "▸"

// Registry is the subset of *registry.Registry the composer needs: the
// navigation panel is built from the services the caller may reach.
type Registry interface {
	VisibleFor(role registry.Role) []registry.Entry
}

// ThemeLookup resolves a caller's preferred theme, defaulting to "light" on
// any failure (timeout, transport error, malformed response) per §4.8 step 2
// and §7's "Theme lookup failure → Default theme 'light' → success".
type ThemeLookup struct {
	endpoint string // e.g. "http://preferences.internal/api/public/user/theme"
	client   *http.Client
}

// NewThemeLookup returns a ThemeLookup that queries endpoint with
// ?email=<email>.
func NewThemeLookup(endpoint string, client *http.Client) *ThemeLookup {
	if client == nil {
		client = http.DefaultClient
	}
	return &ThemeLookup{endpoint: endpoint, client: client}
}

// Resolve returns the caller's preferred theme, or "light" if the lookup
// fails or times out.
func (t *ThemeLookup) Resolve(ctx context.Context, email string) string {
	if t == nil || t.endpoint == "" || email == "" {
		return defaultTheme
	}
	ctx, cancel := context.WithTimeout(ctx, themeTimeout)
	defer cancel()

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return defaultTheme
	}
	q := u.Query()
	q.Set("email", email)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return defaultTheme
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return defaultTheme
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return defaultTheme
	}

	var result struct {
		Theme string `json:"theme"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.Theme == "" {
		return defaultTheme
	}
	return result.Theme
}

// Composer rewrites HTML backend responses.
type Composer struct {
	registry Registry
	theme    *ThemeLookup
}

// New returns a Composer that draws the navigation panel from reg and
// resolves themes via theme (may be nil to always use the default theme).
func New(reg Registry, theme *ThemeLookup) *Composer {
	return &Composer{registry: reg, theme: theme}
}

// Compose rewrites body for entry and the caller described by role/email. If
// body fails to parse as HTML, it is returned unchanged — the composer never
// fails the request.
func (c *Composer) Compose(body []byte, entry registry.Entry, role registry.Role, email string) []byte {
	return c.compose(context.Background(), body, role, email)
}

// compose is the implementation behind Compose; split out so tests can pass
// a context with a deadline for the theme lookup.
func (c *Composer) compose(ctx context.Context, body []byte, role registry.Role, email string) (out []byte) {
	out = body
	defer func() {
		// A malformed or adversarial document must never fail the request;
		// any panic unwinds back to the original body.
		if recover() != nil {
			out = body
		}
	}()

	rewritten, ok := rewriteTokens(body, func(w *tokenWriter, tok html.Token) bool {
		switch {
		case tok.Data == "html" && tok.Type == html.StartTagToken:
			theme := defaultTheme
			if c.theme != nil {
				theme = c.theme.Resolve(ctx, email)
			}
			tok.Attr = setAttr(tok.Attr, "data-theme", theme)
			w.writeTag(tok)
			return true

		case tok.Data == "head" && tok.Type == html.StartTagToken:
			w.writeTag(tok)
			w.injectStylesheets()
			return true

		case tok.Data == "body" && tok.Type == html.StartTagToken:
			w.writeTag(tok)
			w.injectNavOpen(c.navEntries(role))
			return true

		case tok.Data == "body" && tok.Type == html.EndTagToken:
			w.injectNavClose()
			w.writeTag(tok)
			return true

		default:
			return false
		}
	})
	if !ok {
		return body
	}
	return rewritten
}

func (c *Composer) navEntries(role registry.Role) []registry.Entry {
	if c.registry == nil {
		return nil
	}
	return c.registry.VisibleFor(role)
}

func setAttr(attrs []html.Attribute, key, val string) []html.Attribute {
	for i := range attrs {
		if attrs[i].Key == key {
			attrs[i].Val = val
			return attrs
		}
	}
	return append(attrs, html.Attribute{Key: key, Val: val})
}
