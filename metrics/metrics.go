// Package metrics exposes the streaming core's bookkeeping and HTTP traffic
// as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petal-labs/jarvis/hub"
)

// Metrics owns a Prometheus registry with hub gauges and API counters.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates the metrics for a hub. snapshot is called on every scrape.
func New(snapshot func() hub.Snapshot) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jarvis_api_requests_total",
				Help: "Total number of API requests by method and status",
			},
			[]string{"method", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jarvis_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	gauge := func(name, help string, f func(hub.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return f(snapshot())
		})
	}
	counter := func(name, help string, f func(hub.Snapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return f(snapshot())
		})
	}

	m.registry.MustRegister(
		m.requests,
		m.duration,
		collectors.NewGoCollector(),
		gauge("jarvis_streams_active", "Number of live stream entries",
			func(s hub.Snapshot) float64 { return float64(s.Streams) }),
		gauge("jarvis_turns_running", "Number of running turn goroutines",
			func(s hub.Snapshot) float64 { return float64(s.Turns) }),
		gauge("jarvis_bus_subscribers", "Number of bus subscriptions outside the store wiring",
			func(s hub.Snapshot) float64 { return float64(s.Subscribers) }),
		gauge("jarvis_store_waiters", "Number of blocked long-poll waiters",
			func(s hub.Snapshot) float64 { return float64(s.Waiters) }),
		gauge("jarvis_store_events", "Number of events retained in the long-poll store",
			func(s hub.Snapshot) float64 { return float64(s.StoreLen) }),
		gauge("jarvis_bus_backlog_events", "Number of events retained in the bus backlog",
			func(s hub.Snapshot) float64 { return float64(s.Bus.BacklogLen) }),
		gauge("jarvis_bus_last_seq", "Sequence number of the most recent event",
			func(s hub.Snapshot) float64 { return float64(s.LastSeq) }),
		counter("jarvis_events_published_total", "Total number of published events",
			func(s hub.Snapshot) float64 { return float64(s.Bus.Published) }),
		counter("jarvis_events_delivered_total", "Total number of subscriber deliveries",
			func(s hub.Snapshot) float64 { return float64(s.Bus.Delivered) }),
		counter("jarvis_subscriber_failures_total", "Total number of failed subscriber callbacks",
			func(s hub.Snapshot) float64 { return float64(s.Bus.Failures) }),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests and records their duration.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.duration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status. It forwards Flush so
// streaming handlers keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
