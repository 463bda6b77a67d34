// Package metrics exports call session events to Prometheus.
package metrics

import (
	"net/http"

	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callkit"

// Recorder implements session.Observer on a private registry, so several
// recorders can coexist in one process and in tests.
type Recorder struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	active          prometheus.Gauge
	acquireFailures *prometheus.CounterVec
	tracksEnded     *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	endedTotal      *prometheus.CounterVec
}

var _ session.Observer = (*Recorder)(nil)

// NewRecorder registers the session collectors on reg. A nil registry
// gets a fresh one.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session status transitions",
			},
			[]string{"from", "to"},
		),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions started and not yet ended",
		}),
		acquireFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acquire_failures_total",
				Help:      "Media acquisition failures by kind",
			},
			[]string{"kind"},
		),
		tracksEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracks_ended_total",
				Help:      "Local tracks that ended outside the application",
			},
			[]string{"kind"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of ended sessions that acquired media",
				Buckets:   []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"call_type"},
		),
		endedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_ended_total",
				Help:      "Ended sessions by the status they ended from",
			},
			[]string{"last_status", "fatal"},
		),
	}
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// StatusChanged implements session.Observer.
func (r *Recorder) StatusChanged(from, to session.Status) {
	r.transitions.WithLabelValues(from.String(), to.String()).Inc()
	switch {
	case from == session.StatusIdle && to != session.StatusEnded:
		r.active.Inc()
	case to == session.StatusEnded && from != session.StatusIdle:
		r.active.Dec()
	}
}

// AcquireFailed implements session.Observer.
func (r *Recorder) AcquireFailed(kind media.ErrorKind) {
	r.acquireFailures.WithLabelValues(kind.String()).Inc()
}

// TrackEnded implements session.Observer.
func (r *Recorder) TrackEnded(kind media.TrackKind) {
	r.tracksEnded.WithLabelValues(kind.String()).Inc()
}

// SessionEnded implements session.Observer.
func (r *Recorder) SessionEnded(summary session.Summary) {
	fatal := "false"
	if summary.Reason != nil {
		fatal = "true"
	}
	r.endedTotal.WithLabelValues(summary.LastStatus.String(), fatal).Inc()
	if !summary.StartedAt.IsZero() {
		r.duration.WithLabelValues(summary.CallType.String()).Observe(summary.Duration.Seconds())
	}
}
