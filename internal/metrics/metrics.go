// Package metrics exports Prometheus counters, gauges and histograms for
// the session, reflector and transport layers, following the
// promauto-registered-at-construction idiom: every metric is built once
// in New and handed out as a typed field, never looked up by name at
// call sites.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide set of exported series. Nil-safe: a nil
// *Metrics receiver on every method below is a no-op, so callers don't
// need to branch on whether metrics are enabled.
type Metrics struct {
	sessionsTotal      *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	sessionDuration    prometheus.Histogram
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	authFailuresTotal  prometheus.Counter
	bytesReflected     *prometheus.CounterVec
	reflectorSessions  prometheus.Gauge
	reflectorViewers   prometheus.Gauge
	retransmitsTotal   prometheus.Counter
	packetsDroppedJit  prometheus.Counter
}

// Config names the Prometheus namespace/subsystem these series are
// registered under.
type Config struct {
	Namespace string
	Subsystem string
}

// New registers every series against the default registry and returns
// the handle callers hold. Passing a zero Config uses "rtspd"/"server".
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "rtspd"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "server"
	}

	return &Metrics{
		sessionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sessions_total",
			Help:      "Total number of RTSP sessions created, by role.",
		}, []string{"role"}),

		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sessions_active",
			Help:      "Number of RTSP sessions currently open.",
		}),

		sessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of a session from SETUP to TEARDOWN.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}),

		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "requests_total",
			Help:      "RTSP requests handled, by method and status code.",
		}, []string{"method", "status"}),

		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "request_duration_seconds",
			Help:      "Time to dispatch and answer one RTSP request.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),

		authFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "auth_failures_total",
			Help:      "Requests rejected by the Basic/Digest challenge.",
		}),

		bytesReflected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "reflector",
			Name:      "bytes_total",
			Help:      "Bytes fanned out to outputs, by direction.",
		}, []string{"direction"}),

		reflectorSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "reflector",
			Name:      "sources_active",
			Help:      "Number of distinct source_id reflector sessions live.",
		}),

		reflectorViewers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "reflector",
			Name:      "viewers_active",
			Help:      "Number of is_client outputs attached across all sources.",
		}),

		retransmitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "retransmits_total",
			Help:      "RTP packets resent under reliable-UDP retransmit.",
		}),

		packetsDroppedJit: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "packets_dropped_total",
			Help:      "Inbound RTP packets dropped as sequence-number duplicates.",
		}),
	}
}

// Handler returns the promhttp handler to mount on the metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) SessionCreated(role string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(role).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(started time.Time) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) RequestHandled(method, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method).Observe(took.Seconds())
}

func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailuresTotal.Inc()
}

func (m *Metrics) BytesReflected(direction string, n int) {
	if m == nil {
		return
	}
	m.bytesReflected.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) SetReflectorSources(n int) {
	if m == nil {
		return
	}
	m.reflectorSessions.Set(float64(n))
}

func (m *Metrics) SetReflectorViewers(n int) {
	if m == nil {
		return
	}
	m.reflectorViewers.Set(float64(n))
}

func (m *Metrics) RetransmitSent() {
	if m == nil {
		return
	}
	m.retransmitsTotal.Inc()
}

func (m *Metrics) PacketDropped() {
	if m == nil {
		return
	}
	m.packetsDroppedJit.Inc()
}
