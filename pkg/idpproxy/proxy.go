// Package idpproxy reverse-proxies /idp/* to the external identity
// provider, rewriting URLs, cookies, and HTML/CSS bodies so the IdP can
// remain off the public Internet while the browser still believes it is
// talking to one origin.
package idpproxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

const prefix = "/idp"

// rewritableBody is the set of content types whose bodies get a literal
// scheme+authority substitution. Spec is explicit this is NOT structural
// HTML/CSS parsing, just string replacement.
var rewritableBody = []string{"text/html", "text/css"}

// New returns a reverse proxy for the IdP at target, stripping the /idp
// prefix from inbound requests and rewriting outbound Location/Set-Cookie
// headers and html/css bodies to keep the browser inside /idp/.
func New(target *url.URL, log logr.Logger) *httputil.ReverseProxy {
	authority := target.Scheme + "://" + target.Host

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = strings.TrimPrefix(req.URL.Path, prefix)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
			req.Host = target.Host
			req.Header.Set("Host", target.Host)
			req.Header.Set("Origin", authority)
			req.Header.Del("X-Forwarded-Host")
		},
		ModifyResponse: func(resp *http.Response) error {
			rewriteLocation(resp, authority)
			rewriteSetCookie(resp)
			return rewriteBody(resp, authority)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error(err, "IdP proxy request failed", "path", r.URL.Path)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
	return rp
}

// rewriteLocation rewrites a redirect Location that references the IdP's
// own authority to instead point back through /idp/.
func rewriteLocation(resp *http.Response, authority string) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return
	}
	if strings.HasPrefix(loc, authority) {
		resp.Header.Set("Location", prefix+strings.TrimPrefix(loc, authority))
	}
}

// rewriteSetCookie re-roots cookie paths under /idp/ and strips the Domain
// attribute so the browser continues to send the cookie only to the
// gateway, scoped to the proxied path.
func rewriteSetCookie(resp *http.Response) {
	cookies := resp.Header.Values("Set-Cookie")
	if len(cookies) == 0 {
		return
	}
	resp.Header.Del("Set-Cookie")
	for _, c := range cookies {
		resp.Header.Add("Set-Cookie", rewriteOneCookie(c))
	}
}

func rewriteOneCookie(raw string) string {
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "domain="):
			continue // Domain is stripped entirely.
		case strings.HasPrefix(lower, "path="):
			out = append(out, "Path="+prefix+"/")
		default:
			out = append(out, p)
		}
	}
	// If no explicit Path attribute was present, root one at /idp/ anyway:
	// the spec requires paths rooted at "/" to become "/idp/", and an
	// absent Path attribute defaults to "/" per RFC 6265.
	hasPath := false
	for _, p := range out {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(p)), "path=") {
			hasPath = true
			break
		}
	}
	if !hasPath {
		out = append(out, "Path="+prefix+"/")
	}
	return strings.Join(out, "; ")
}

// rewriteBody replaces the IdP's scheme+authority with /idp inside
// text/html and text/css response bodies.
func rewriteBody(resp *http.Response, authority string) error {
	ct := resp.Header.Get("Content-Type")
	if !matchesAny(ct, rewritableBody) {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	resp.Body.Close()

	rewritten := bytes.ReplaceAll(body, []byte(authority), []byte(prefix))
	resp.Body = io.NopCloser(bytes.NewReader(rewritten))
	resp.ContentLength = int64(len(rewritten))
	resp.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	return nil
}

func matchesAny(contentType string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(contentType, p) {
			return true
		}
	}
	return false
}
