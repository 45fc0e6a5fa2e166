package composer

import (
	"bytes"
	"fmt"

	"golang.org/x/net/html"

	"github.com/hivematrix/nexus-gateway/pkg/registry"
)

// navMarker is written onto the injected navigation wrapper so a second
// composer pass can detect it and skip re-wrapping — this is what makes
// compose(compose(D)) == compose(D).
const navMarker = `id="hivegate-nav"`

// interceptFn is called for every token. It returns true if it wrote the
// token itself (possibly along with extra tokens), false to let the caller
// fall through to the default passthrough write.
type interceptFn func(w *tokenWriter, tok html.Token) bool

// rewriteTokens re-tokenizes body, calling intercept for every token and
// falling back to a byte-for-byte passthrough otherwise. ok is false if body
// did not parse as HTML at all (§4.8 step 1: "If parsing fails, return the
// input unchanged").
func rewriteTokens(body []byte, intercept interceptFn) (out []byte, ok bool) {
	z := html.NewTokenizer(bytes.NewReader(body))
	w := &tokenWriter{
		buf:               &bytes.Buffer{},
		stylesheetsSeen:   existingStylesheets(body),
		navAlreadyWrapped: bytes.Contains(body, []byte(navMarker)),
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err().Error() == "EOF" {
				return w.buf.Bytes(), true
			}
			return nil, false
		}
		// Copy the raw bytes before Token(), which may modify the tokenizer's
		// buffer in place.
		raw := append([]byte(nil), z.Raw()...)
		tok := z.Token()
		if !intercept(w, tok) {
			w.buf.Write(raw)
		}
	}
}

// existingStylesheets reports, for each global stylesheet href, whether it
// already appears in body — used to keep head injection idempotent without
// a second tokenizer pass.
func existingStylesheets(body []byte) map[string]bool {
	seen := make(map[string]bool, len(globalStylesheets))
	for _, href := range globalStylesheets {
		seen[href] = bytes.Contains(body, []byte(href))
	}
	return seen
}

// tokenWriter accumulates the rewritten document and knows how to emit the
// composer's injected fragments.
type tokenWriter struct {
	buf               *bytes.Buffer
	stylesheetsSeen   map[string]bool
	navAlreadyWrapped bool
}

func (w *tokenWriter) writeTag(tok html.Token) {
	w.buf.WriteString(tok.String())
}

// injectStylesheets writes the global/side-panel stylesheet links, skipping
// any href already present in the document (idempotence).
func (w *tokenWriter) injectStylesheets() {
	for _, href := range globalStylesheets {
		if w.stylesheetsSeen[href] {
			continue
		}
		fmt.Fprintf(w.buf, `<link rel="stylesheet" href="%s">`, href)
	}
}

// injectNavOpen writes the navigation-panel/content-region wrapper opening
// tags, unless the document already carries one (idempotence).
func (w *tokenWriter) injectNavOpen(entries []registry.Entry) {
	if w.navAlreadyWrapped {
		return
	}
	w.buf.WriteString(`<div ` + navMarker + ` class="hivegate-nav"><nav class="hivegate-nav-panel">`)
	for _, e := range entries {
		glyph, ok := iconGlyphs[e.Name]
		if !ok {
			glyph = genericGlyph
		}
		fmt.Fprintf(w.buf, `<a href="/%s/"><span class="hivegate-nav-icon">%s</span><span class="hivegate-nav-label">%s</span></a>`,
			e.Name, glyph, capitalize(e.Name))
	}
	w.buf.WriteString(`</nav><div class="hivegate-nav-content">`)
}

// injectNavClose closes the wrapper opened by injectNavOpen.
func (w *tokenWriter) injectNavClose() {
	if w.navAlreadyWrapped {
		return
	}
	w.buf.WriteString(`</div></div>`)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
