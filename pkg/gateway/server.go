// Package gateway wires the registry, session store, token validator, OAuth2
// broker, and the two reverse proxies into the routing table described in
// §4.1: a single net/http.ServeMux, a small ordered middleware chain, and the
// handlers that make up the request pipeline.
package gateway

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/hivematrix/nexus-gateway/pkg/backendproxy"
	"github.com/hivematrix/nexus-gateway/pkg/metrics"
	"github.com/hivematrix/nexus-gateway/pkg/oauthbroker"
	"github.com/hivematrix/nexus-gateway/pkg/registry"
	"github.com/hivematrix/nexus-gateway/pkg/session"
	"github.com/hivematrix/nexus-gateway/pkg/tokenvalidator"
)

//go:embed static
var staticAssets embed.FS

// ReadTimeout bounds how long the server waits to read a request. There is
// intentionally no WriteTimeout: SSE responses are long-lived.
const readTimeout = 30 * time.Second

// Registry is the subset of *registry.Registry the server needs.
type Registry interface {
	Lookup(name string) (registry.Entry, bool)
	VisibleFor(role registry.Role) []registry.Entry
	FirstVisibleFor(role registry.Role) (registry.Entry, bool)
}

// Validator verifies a bearer token and returns the caller's claims.
type Validator interface {
	Validate(ctx context.Context, rawToken string) (*tokenvalidator.Claims, error)
}

// Server holds every dependency the routing table needs and builds the
// http.Handler described by §4.1.
type Server struct {
	Registry  Registry
	Sessions  *session.Store
	Validator Validator
	Broker    *oauthbroker.Broker
	IdP       http.Handler
	Backends  *backendproxy.Proxies
	Metrics   *metrics.Metrics
	Log       logr.Logger
}

// Handler builds the full routing table, wrapped by the ordered middleware
// chain (metrics, panic recovery, request logging).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /login", s.Broker.Begin)
	mux.HandleFunc("POST /login", s.Broker.Begin)
	mux.HandleFunc("GET /auth-callback", s.Broker.Complete)
	mux.HandleFunc("GET /logout", s.Broker.End)
	mux.Handle("/idp/", s.IdP)
	mux.Handle("GET /static/", http.FileServerFS(staticAssets))
	mux.HandleFunc("/", s.handleRoot)

	return s.withRequestLog(s.withRecover(s.withMetrics(mux)))
}

// handleRoot dispatches "/<name>/*" to the backend proxy, and the bare "/" to
// a redirect to the first visible service, per §4.1 routing steps 7-9.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	name, _, hasPrefix := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if r.URL.Path == "/" {
		s.handleIndex(w, r)
		return
	}
	if !hasPrefix {
		name = strings.TrimPrefix(r.URL.Path, "/")
	}

	entry, ok := s.Registry.Lookup(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	claims, token := s.authenticate(w, r)
	if claims == nil {
		return
	}
	if !claims.PermissionLevel.Satisfies(entry.Permission) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.Backends.ForEntry(w, r, entry, token, claims.PermissionLevel, claims.Email)
}

// handleIndex implements §4.1 step 8: redirect to the first visible service
// the caller may reach, or 404 if the registry has none for their role.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	claims, _ := s.authenticate(w, r)
	if claims == nil {
		return
	}
	entry, ok := s.Registry.FirstVisibleFor(claims.PermissionLevel)
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/"+entry.Name+"/", http.StatusFound)
}

// authenticate loads the session and validates its token. A bad token
// clears the session and redirects to /login; a JWKS refresh failure serves
// a 503 for this request only, leaving the session intact, per §7's
// taxonomy. It returns a nil Claims after having written a response if
// authentication failed; on success it also returns the raw bearer token
// for the backend proxy to forward.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*tokenvalidator.Claims, string) {
	state := s.Sessions.Load(r)
	if state.Token == "" {
		s.redirectToLogin(w, r)
		return nil, ""
	}

	claims, err := s.Validator.Validate(r.Context(), state.Token)
	if err != nil {
		if errors.Is(err, tokenvalidator.ErrJWKSUnavailable) {
			w.Header().Set("Retry-After", "5")
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
			return nil, ""
		}
		s.Sessions.Clear(w)
		s.redirectToLogin(w, r)
		return nil, ""
	}

	return claims, state.Token
}

func (s *Server) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	next := r.URL.Path
	if r.URL.RawQuery != "" {
		next += "?" + r.URL.RawQuery
	}
	target := "/login?next=" + url.QueryEscape(next)
	http.Redirect(w, r, target, http.StatusFound)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}

// withMetrics records a request counter keyed by request path and response
// status.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	if s.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.RecordRequest(r.URL.Path, fmt.Sprintf("%d", rec.status))
	})
}

// withRecover converts a panic in any downstream handler into a 500 so a
// single bad backend response or composer bug can't take down the listener.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.Log.Error(fmt.Errorf("panic: %v", rec), "Handler panicked", "stack", string(debug.Stack()))
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withRequestLog logs every request at Info level with method, path, and
// remote address.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Log.Info("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start).String())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ErrTLSLoad and ErrBind distinguish the two ways Listen can fail to start,
// so the caller can map them to spec.md §6's distinct exit codes (4 and 3).
var (
	ErrTLSLoad = errors.New("gateway: failed to load TLS materials")
	ErrBind    = errors.New("gateway: failed to bind listener")
)

// Listen terminates TLS on addr and serves handler until ctx is canceled.
// TLS materials are loaded once at startup; SIGHUP reload is explicitly out
// of scope (spec.md §4.1).
func Listen(ctx context.Context, addr, certFile, keyFile string, handler http.Handler, log logr.Logger) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTLSLoad, err)
	}

	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: readTimeout,
		TLSConfig:   &tls.Config{Certificates: []tls.Certificate{cert}},
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	tlsLn := tls.NewListener(ln, srv.TLSConfig)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Gateway listening", "addr", addr)
		errCh <- srv.Serve(tlsLn)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
