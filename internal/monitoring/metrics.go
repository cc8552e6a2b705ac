package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registration cycle outcomes used as the "outcome" label.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
)

// Frame discard reasons used as the "reason" label.
const (
	DiscardLate        = "late"
	DiscardOverflow    = "overflow"
	DiscardUnknownDev  = "unknown_device"
	DiscardInvalidSize = "invalid_size"
)

// Metrics groups the collectors exported by a running session. A dedicated
// registry keeps tests independent of the global default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	TicksEmitted       prometheus.Counter
	TicksDropped       prometheus.Counter
	FramesDiscarded    *prometheus.CounterVec
	RegistrationCycles *prometheus.CounterVec
	Residual           *prometheus.GaugeVec
	TransformVersion   *prometheus.GaugeVec
	FusedPoints        prometheus.Histogram
}

// NewMetrics creates and registers the session collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TicksEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depthfuse_ticks_emitted_total",
			Help: "Synchronized ticks emitted by the clock aligner.",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depthfuse_ticks_dropped_total",
			Help: "Ticks dropped because the reference frame was missing.",
		}),
		FramesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthfuse_frames_discarded_total",
			Help: "Frames discarded before tick selection.",
		}, []string{"reason"}),
		RegistrationCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthfuse_registration_cycles_total",
			Help: "Registration cycles by device and outcome.",
		}, []string{"device", "outcome"}),
		Residual: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "depthfuse_registration_residual_meters",
			Help: "Mean residual of the committed transform.",
		}, []string{"device"}),
		TransformVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "depthfuse_transform_version",
			Help: "Version of the committed transform.",
		}, []string{"device"}),
		FusedPoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "depthfuse_fused_points",
			Help:    "Points per fused cloud.",
			Buckets: prometheus.ExponentialBuckets(1000, 2, 12),
		}),
	}
	m.Registry.MustRegister(
		m.TicksEmitted,
		m.TicksDropped,
		m.FramesDiscarded,
		m.RegistrationCycles,
		m.Residual,
		m.TransformVersion,
		m.FusedPoints,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
