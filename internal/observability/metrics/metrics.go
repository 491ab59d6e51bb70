package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the Prometheus collectors for session lifecycle activity and
// the HTTP surface.
type Recorder struct {
	registry *prometheus.Registry

	sessionsStarted prometheus.Counter
	sessionsStopped prometheus.Counter
	sessionsFailed  *prometheus.CounterVec
	activeSessions  prometheus.Gauge

	stateTransitions *prometheus.CounterVec
	handshakeSeconds prometheus.Histogram
	encoderWait      prometheus.Histogram

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates and registers the Loopcast collectors on a fresh registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcast_sessions_started_total",
			Help: "Total number of stream sessions that reached the active state",
		}),
		sessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcast_sessions_stopped_total",
			Help: "Total number of stream sessions stopped by request",
		}),
		sessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_sessions_failed_total",
			Help: "Total number of stream sessions that ended in failure",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loopcast_active_sessions",
			Help: "Number of sessions currently holding a transcoder process",
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_session_transitions_total",
			Help: "Session state machine transitions by target state",
		}, []string{"state"}),
		handshakeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loopcast_broadcast_handshake_seconds",
			Help:    "Duration of the create/create/bind broadcast handshake",
			Buckets: prometheus.DefBuckets,
		}),
		encoderWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loopcast_encoder_wait_seconds",
			Help:    "Time between transcoder launch and the encoder-active signal",
			Buckets: []float64{1, 3, 6, 12, 30, 60, 90, 120},
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_http_requests_total",
			Help: "HTTP requests by method, path, and status",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loopcast_http_request_duration_seconds",
			Help:    "HTTP request latency by method and path",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	registry.MustRegister(
		r.sessionsStarted,
		r.sessionsStopped,
		r.sessionsFailed,
		r.activeSessions,
		r.stateTransitions,
		r.handshakeSeconds,
		r.encoderWait,
		r.requestsTotal,
		r.requestDuration,
	)
	return r
}

// Handler exposes the registry for the /metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) SessionStarted() { r.sessionsStarted.Inc() }
func (r *Recorder) SessionStopped() { r.sessionsStopped.Inc() }

// SessionFailed records a terminal failure labelled with its reason
// (e.g. bind, launch, timeout, external).
func (r *Recorder) SessionFailed(reason string) {
	r.sessionsFailed.WithLabelValues(reason).Inc()
}

func (r *Recorder) SetActiveSessions(n int) { r.activeSessions.Set(float64(n)) }

func (r *Recorder) StateTransition(state string) {
	r.stateTransitions.WithLabelValues(state).Inc()
}

func (r *Recorder) ObserveHandshake(d time.Duration) {
	r.handshakeSeconds.Observe(d.Seconds())
}

func (r *Recorder) ObserveEncoderWait(d time.Duration) {
	r.encoderWait.Observe(d.Seconds())
}
