// Package metrics exposes the gateway's ambient Prometheus metrics on a
// separate, internal-only listener (§6 of the expanded spec): request
// counts by route and status, backend proxy latency, and JWKS refresh
// outcomes.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	ProxyDuration *prometheus.HistogramVec
	JWKSRefreshes *prometheus.CounterVec
}

// New registers the gateway's collectors against a fresh registry and
// returns both.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hivegate_requests_total",
			Help: "Total requests handled by the gateway, by route and response status.",
		}, []string{"route", "status"}),

		ProxyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hivegate_proxy_duration_seconds",
			Help:    "Time spent proxying a request to a backend service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),

		JWKSRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hivegate_jwks_refresh_total",
			Help: "JWKS cache refresh attempts, by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m, reg
}

// ObserveProxyDuration records how long a backend round trip to service
// took.
func (m *Metrics) ObserveProxyDuration(service string, d time.Duration) {
	m.ProxyDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RecordRequest increments the request counter for route/status.
func (m *Metrics) RecordRequest(route, status string) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

// RecordJWKSRefresh increments the JWKS refresh counter for the given
// outcome ("ok" or "error").
func (m *Metrics) RecordJWKSRefresh(result string) {
	m.JWKSRefreshes.WithLabelValues(result).Inc()
}

// Serve runs the internal metrics listener until ctx is canceled. On
// cancellation it returns the result of http.Server.Shutdown (nil on a clean
// stop); if the listener fails first, it returns that error.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log logr.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Metrics listener starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
