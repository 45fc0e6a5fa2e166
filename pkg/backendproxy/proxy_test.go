package backendproxy

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/hivematrix/nexus-gateway/pkg/registry"
)

type fakeComposer struct {
	called bool
	role   registry.Role
	email  string
}

func (f *fakeComposer) Compose(body []byte, entry registry.Entry, role registry.Role, email string) []byte {
	f.called = true
	f.role = role
	f.email = email
	return append([]byte("<!-- composed -->"), body...)
}

func entryFor(t *testing.T, srv *httptest.Server, name string) registry.Entry {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return registry.Entry{Name: name, Origin: u, Visible: true}
}

func TestForEntry_StripsPrefixAndInjectsHeaders(t *testing.T) {
	var gotPath, gotAuth, gotPrefix, gotProto string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotPrefix = r.Header.Get("X-Forwarded-Prefix")
		gotProto = r.Header.Get("X-Forwarded-Proto")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := New(&fakeComposer{}, logr.Discard())
	entry := entryFor(t, backend, "codex")

	req := httptest.NewRequest(http.MethodGet, "/codex/companies", nil)
	rec := httptest.NewRecorder()
	p.ForEntry(rec, req, entry, "jwt-token", registry.RoleUser, "user@example.com")

	if gotPath != "/companies" {
		t.Errorf("upstream path = %q, want /companies", gotPath)
	}
	if gotAuth != "Bearer jwt-token" {
		t.Errorf("Authorization = %q, want Bearer jwt-token", gotAuth)
	}
	if gotPrefix != "/codex" {
		t.Errorf("X-Forwarded-Prefix = %q, want /codex", gotPrefix)
	}
	if gotProto != "http" {
		t.Errorf("X-Forwarded-Proto = %q, want http", gotProto)
	}
}

func TestForEntry_EmptyTailBecomesSlash(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := New(&fakeComposer{}, logr.Discard())
	entry := entryFor(t, backend, "codex")

	req := httptest.NewRequest(http.MethodGet, "/codex", nil)
	rec := httptest.NewRecorder()
	p.ForEntry(rec, req, entry, "jwt-token", registry.RoleUser, "user@example.com")

	if gotPath != "/" {
		t.Errorf("upstream path = %q, want /", gotPath)
	}
}

func TestForEntry_HTMLGoesToComposer(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>hi</body></html>"))
	}))
	defer backend.Close()

	composer := &fakeComposer{}
	p := New(composer, logr.Discard())
	entry := entryFor(t, backend, "codex")

	req := httptest.NewRequest(http.MethodGet, "/codex/", nil)
	rec := httptest.NewRecorder()
	p.ForEntry(rec, req, entry, "jwt-token", registry.RoleAdmin, "admin@example.com")

	if !composer.called {
		t.Fatal("expected composer to be called for text/html response")
	}
	if composer.role != registry.RoleAdmin || composer.email != "admin@example.com" {
		t.Errorf("composer saw role=%v email=%q", composer.role, composer.email)
	}
	if !strings.Contains(rec.Body.String(), "composed") {
		t.Errorf("body = %q, expected composed marker", rec.Body.String())
	}
}

func TestForEntry_ErrorStatusSkipsComposer(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("<html><body>boom</body></html>"))
	}))
	defer backend.Close()

	composer := &fakeComposer{}
	p := New(composer, logr.Discard())
	entry := entryFor(t, backend, "codex")

	req := httptest.NewRequest(http.MethodGet, "/codex/", nil)
	rec := httptest.NewRecorder()
	p.ForEntry(rec, req, entry, "jwt-token", registry.RoleUser, "user@example.com")

	if composer.called {
		t.Error("composer should not run on a >=500 response")
	}
}

func TestForEntry_SSEStreamsWithoutBuffering(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: 1\n\n")
		flusher.Flush()
		time.Sleep(80 * time.Millisecond)
		fmt.Fprint(w, "data: 2\n\n")
		flusher.Flush()
	}))
	defer backend.Close()

	p := New(&fakeComposer{}, logr.Discard())
	entry := entryFor(t, backend, "codex")

	req := httptest.NewRequest(http.MethodGet, "/codex/stream", nil)
	rec := newFlushRecorder()
	start := time.Now()
	p.ForEntry(rec, req, entry, "jwt-token", registry.RoleUser, "user@example.com")
	elapsed := time.Since(start)

	if elapsed < 70*time.Millisecond {
		t.Errorf("expected the handler to take at least ~80ms to observe both flushed chunks, took %v", elapsed)
	}

	got := parseDataLines(rec.Body.String())
	want := []string{"1", "2"}
	if len(got) != len(want) {
		t.Fatalf("data lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("data line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestForEntry_SSEOutlivesTotalTimeout(t *testing.T) {
	orig := totalTimeout
	totalTimeout = 50 * time.Millisecond
	defer func() { totalTimeout = orig }()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: 1\n\n")
		flusher.Flush()
		time.Sleep(150 * time.Millisecond) // longer than the shrunk totalTimeout
		fmt.Fprint(w, "data: 2\n\n")
		flusher.Flush()
	}))
	defer backend.Close()

	p := New(&fakeComposer{}, logr.Discard())
	entry := entryFor(t, backend, "codex")

	req := httptest.NewRequest(http.MethodGet, "/codex/stream", nil)
	rec := newFlushRecorder()
	p.ForEntry(rec, req, entry, "jwt-token", registry.RoleUser, "user@example.com")

	got := parseDataLines(rec.Body.String())
	want := []string{"1", "2"}
	if len(got) != len(want) {
		t.Fatalf("data lines = %v, want %v (SSE must not be canceled by totalTimeout)", got, want)
	}
}

func TestForEntry_NonSSEIsCanceledByTotalTimeout(t *testing.T) {
	orig := totalTimeout
	totalTimeout = 50 * time.Millisecond
	defer func() { totalTimeout = orig }()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("too slow"))
	}))
	defer backend.Close()

	p := New(&fakeComposer{}, logr.Discard())
	entry := entryFor(t, backend, "codex")

	req := httptest.NewRequest(http.MethodGet, "/codex/slow", nil)
	rec := httptest.NewRecorder()
	p.ForEntry(rec, req, entry, "jwt-token", registry.RoleUser, "user@example.com")

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 once totalTimeout cancels a non-SSE round trip", rec.Code)
	}
}

func TestForEntry_502ErrorPageGoesToComposer(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	backend.Close() // unreachable, the simplest way to force ErrorHandler

	composer := &fakeComposer{}
	p := New(composer, logr.Discard())
	entry := entryFor(t, backend, "codex")

	req := httptest.NewRequest(http.MethodGet, "/codex/", nil)
	rec := httptest.NewRecorder()
	p.ForEntry(rec, req, entry, "jwt-token", registry.RoleAdmin, "admin@example.com")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !composer.called {
		t.Error("expected the 502 error page to be routed through the composer")
	}
	if composer.role != registry.RoleAdmin || composer.email != "admin@example.com" {
		t.Errorf("composer saw role=%v email=%q, want the caller's identity", composer.role, composer.email)
	}
	if !strings.Contains(rec.Body.String(), "composed") {
		t.Errorf("body = %q, expected composed marker", rec.Body.String())
	}
}

// flushRecorder is an httptest.ResponseRecorder that also implements
// http.Flusher, needed because httputil.ReverseProxy only flushes
// proactively (FlushInterval<0) when the underlying ResponseWriter supports
// it.
type flushRecorder struct {
	*httptest.ResponseRecorder
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func (f *flushRecorder) Flush() {}

func parseDataLines(body string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}
