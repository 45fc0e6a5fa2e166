package idpproxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-logr/logr"
)

func TestProxy_StripsPrefixAndForwards(t *testing.T) {
	var gotPath string
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer idp.Close()

	target, _ := url.Parse(idp.URL)
	rp := New(target, logr.Discard())

	req := httptest.NewRequest(http.MethodGet, "/idp/realms/x/foo", nil)
	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, req)

	if gotPath != "/realms/x/foo" {
		t.Errorf("upstream path = %q, want /realms/x/foo", gotPath)
	}
}

func TestProxy_RewritesLocationHeader(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://"+r.Host+"/realms/x/foo")
		w.WriteHeader(http.StatusFound)
	}))
	defer idp.Close()

	target, _ := url.Parse(idp.URL)
	rp := New(target, logr.Discard())

	req := httptest.NewRequest(http.MethodGet, "/idp/login", nil)
	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, req)

	want := "/idp/realms/x/foo"
	if got := rec.Header().Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestProxy_RewritesSetCookie(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "KC_SESSION=v; Path=/; Domain="+r.Host)
		w.WriteHeader(http.StatusOK)
	}))
	defer idp.Close()

	target, _ := url.Parse(idp.URL)
	rp := New(target, logr.Discard())

	req := httptest.NewRequest(http.MethodGet, "/idp/login", nil)
	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, req)

	got := rec.Header().Get("Set-Cookie")
	want := "KC_SESSION=v; Path=/idp/"
	if got != want {
		t.Errorf("Set-Cookie = %q, want %q", got, want)
	}
}

func TestProxy_RewritesHTMLBody(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<a href="http://` + r.Host + `/login">login</a>`))
	}))
	defer idp.Close()

	target, _ := url.Parse(idp.URL)
	rp := New(target, logr.Discard())

	req := httptest.NewRequest(http.MethodGet, "/idp/page", nil)
	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, req)

	want := `<a href="/idp/login">login</a>`
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}
