// Package metrics exposes Prometheus collectors for the admin API and the
// plugin registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"MetaHost/pkg/plugin"
)

// Metrics holds every collector the host exports.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	PluginEventsTotal *prometheus.CounterVec
	PluginLoadsTotal  *prometheus.CounterVec
	PluginsLive       prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry together
// with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metahost_http_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"handler", "method", "code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metahost_http_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"handler", "method"},
		),
		PluginEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metahost_plugin_events_total",
				Help: "Plugin lifecycle events by kind",
			},
			[]string{"kind"},
		),
		PluginLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metahost_plugin_loads_total",
				Help: "Plugin load attempts by resulting status",
			},
			[]string{"status"},
		),
		PluginsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metahost_plugins_live",
			Help: "Plugins currently holding an open module handle",
		}),
	}
	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PluginEventsTotal,
		m.PluginLoadsTotal,
		m.PluginsLive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Observe implements plugin.Observer.
func (m *Metrics) Observe(e plugin.Event) {
	m.PluginEventsTotal.WithLabelValues(e.Kind.String()).Inc()
	switch e.Kind {
	case plugin.EventLoaded:
		m.PluginLoadsTotal.WithLabelValues(e.Plugin.Status.String()).Inc()
		if e.Plugin.Status.Live() {
			m.PluginsLive.Inc()
		}
	case plugin.EventReleasing:
		m.PluginsLive.Dec()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request count and latency under the given handler name.
func (m *Metrics) Middleware(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
