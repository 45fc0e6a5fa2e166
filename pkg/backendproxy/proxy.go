// Package backendproxy reverse-proxies authenticated requests to the
// backend microservice matched by the service registry, injecting
// forwarded headers and the caller's bearer token, streaming Server-Sent
// Events untouched, and handing text/html responses to the HTML composer.
package backendproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/hivematrix/nexus-gateway/pkg/registry"
)

const (
	connectTimeout   = 5 * time.Second
	firstByteTimeout = 30 * time.Second

	// htmlBufferCap bounds how much of an HTML response the composer will
	// buffer before giving up and streaming it through unmodified.
	htmlBufferCap = 8 << 20 // 8 MiB

	readBufferSize = 64 << 10 // 64 KiB
)

// totalTimeout bounds a non-SSE round trip; it never applies to an
// event-stream response. A var, not a const, so tests can shrink it.
var totalTimeout = 5 * time.Minute

// Composer rewrites an HTML document for a given service entry and caller.
// Implemented by pkg/composer.Composer; declared here as an interface so
// this package doesn't need composer's golang.org/x/net/html dependency on
// code paths that never touch HTML.
type Composer interface {
	Compose(body []byte, entry registry.Entry, role registry.Role, email string) []byte
}

type ctxKey int

const (
	composeCtxKey ctxKey = iota
	deadlineCtrlKey
)

// composeCtx carries the per-request identity the HTML composer needs,
// threaded through context.Context because ReverseProxy.ModifyResponse only
// receives the *http.Response, not the caller's original identity.
type composeCtx struct {
	entry registry.Entry
	role  registry.Role
	email string
}

// deadlineCtrl lets modifyResponse call off the total-duration timeout once
// it knows a response is SSE. totalTimeout is armed optimistically at the
// start of every request; an event-stream response disarms it so a
// long-lived SSE connection is never canceled mid-stream (§4.7/§5: SSE has
// no total cap).
type deadlineCtrl struct {
	sse atomic.Bool
}

// Proxies caches one *httputil.ReverseProxy (and therefore one connection
// pool) per backend origin, per §5's "one bounded HTTP client pool per
// distinct backend origin".
type Proxies struct {
	mu       sync.Mutex
	byOrigin map[string]*httputil.ReverseProxy
	composer Composer
	log      logr.Logger

	// Metrics, if set, observes how long each proxied round trip takes.
	// Optional: nil is a valid no-op.
	Metrics DurationRecorder
}

// DurationRecorder observes per-backend proxy latency, implemented by
// pkg/metrics.Metrics. Declared here, at the point of use, so this package
// doesn't need to import metrics' full dependency surface.
type DurationRecorder interface {
	ObserveProxyDuration(service string, d time.Duration)
}

// New returns a Proxies that hands text/html bodies to composer.
func New(composer Composer, log logr.Logger) *Proxies {
	return &Proxies{
		byOrigin: map[string]*httputil.ReverseProxy{},
		composer: composer,
		log:      log,
	}
}

// ForEntry proxies r to entry's origin, with the /<name> prefix stripped,
// injecting Authorization and X-Forwarded-* headers. role and email
// describe the caller and are threaded through to the HTML composer.
func (p *Proxies) ForEntry(w http.ResponseWriter, r *http.Request, entry registry.Entry, token string, role registry.Role, email string) {
	rp := p.reverseProxyFor(entry)

	prefix := "/" + entry.Name
	req := r.Clone(r.Context())
	req.URL.Path = strings.TrimPrefix(req.URL.Path, prefix)
	if req.URL.Path == "" {
		req.URL.Path = "/"
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Forwarded-Proto", forwardedProto(r))
	req.Header.Set("X-Forwarded-Host", r.Host)
	req.Header.Set("X-Forwarded-Prefix", prefix)
	appendForwardedFor(req, r)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	ctrl := &deadlineCtrl{}
	timer := time.AfterFunc(totalTimeout, func() {
		if !ctrl.sse.Load() {
			cancel()
		}
	})
	defer timer.Stop()

	ctx = context.WithValue(ctx, composeCtxKey, composeCtx{entry: entry, role: role, email: email})
	ctx = context.WithValue(ctx, deadlineCtrlKey, ctrl)
	req = req.WithContext(ctx)

	start := time.Now()
	rp.ServeHTTP(w, req)
	if p.Metrics != nil {
		p.Metrics.ObserveProxyDuration(entry.Name, time.Since(start))
	}
}

func (p *Proxies) reverseProxyFor(entry registry.Entry) *httputil.ReverseProxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rp, ok := p.byOrigin[entry.Origin.String()]; ok {
		return rp
	}

	target := entry.Origin
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: firstByteTimeout,
		MaxIdleConnsPerHost:   64,
		MaxConnsPerHost:       256,
	}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
		},
		Transport:      transport,
		FlushInterval:  -1, // flush immediately; SSE must never be buffered
		ModifyResponse: p.modifyResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Error(err, "Backend request failed", "service", entry.Name)
			body := errorPage(entry.Name)
			if cc, ok := r.Context().Value(composeCtxKey).(composeCtx); ok {
				body = p.composer.Compose(body, cc.entry, cc.role, cc.email)
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			w.Write(body)
		},
	}
	p.byOrigin[entry.Origin.String()] = rp
	return rp
}

// modifyResponse implements §4.7's response-handling branch: SSE passes
// through unmodified with immediate flushing (the ReverseProxy's negative
// FlushInterval already guarantees that), text/html below the size cap goes
// to the composer, everything else streams through unmodified.
func (p *Proxies) modifyResponse(resp *http.Response) error {
	if isEventStream(resp) {
		if ctrl, ok := resp.Request.Context().Value(deadlineCtrlKey).(*deadlineCtrl); ok {
			ctrl.sse.Store(true)
		}
		return nil
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") || resp.StatusCode >= 500 {
		return nil
	}

	cc, ok := resp.Request.Context().Value(composeCtxKey).(composeCtx)
	if !ok {
		return nil
	}

	limited := io.LimitReader(resp.Body, htmlBufferCap+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("backendproxy: read html body: %w", err)
	}

	if len(body) > htmlBufferCap {
		p.log.Info("HTML response exceeds composer cap, streaming unmodified", "service", cc.entry.Name, "size", len(body))
		resp.Body = struct {
			io.Reader
			io.Closer
		}{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), Closer: resp.Body}
		return nil
	}
	resp.Body.Close()

	rewritten := p.composer.Compose(body, cc.entry, cc.role, cc.email)

	resp.Body = io.NopCloser(bytes.NewReader(rewritten))
	resp.ContentLength = int64(len(rewritten))
	resp.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	return nil
}

// isEventStream matches §4.7's SSE detection: an explicit
// text/event-stream content type, or a chunked response whose body begins
// with "data:".
func isEventStream(resp *http.Response) bool {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return true
	}
	if !chunkedTransferEncoding(resp) {
		return false
	}
	br := bufio.NewReaderSize(resp.Body, readBufferSize)
	peek, _ := br.Peek(5)
	resp.Body = struct {
		io.Reader
		io.Closer
	}{Reader: br, Closer: resp.Body}
	return bytes.HasPrefix(peek, []byte("data:"))
}

func chunkedTransferEncoding(resp *http.Response) bool {
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return false
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func appendForwardedFor(req *http.Request, orig *http.Request) {
	clientIP := orig.RemoteAddr
	if host, _, err := net.SplitHostPort(orig.RemoteAddr); err == nil {
		clientIP = host
	}
	if existing := orig.Header.Get("X-Forwarded-For"); existing != "" {
		req.Header.Set("X-Forwarded-For", existing+", "+clientIP)
	} else {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
}

func errorPage(service string) []byte {
	return []byte(fmt.Sprintf(`<!doctype html><html><head><title>Bad Gateway</title></head><body><h1>Service unavailable</h1><p>%s did not respond.</p></body></html>`, service))
}
