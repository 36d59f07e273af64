// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// used by the fusion pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle outcomes.
const (
	OutcomeFused   = "fused"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// Box results.
const (
	BoxReceived      = "received"
	BoxMalformed     = "malformed"
	BoxLowConfidence = "low_confidence"
	BoxUnmatched     = "unmatched"
	BoxEstimated     = "estimated"
)

// Message statuses.
const (
	MessageAccepted  = "accepted"
	MessageMalformed = "malformed"
	MessageDropped   = "dropped"
	MessageIgnored   = "ignored"
)

// Metrics holds all Prometheus metrics for the fusion stage. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	staleGeometry prometheus.Counter

	boxesTotal      *prometheus.CounterVec
	pointsProjected prometheus.Histogram

	liveTracks    *prometheus.GaugeVec
	tracksCreated prometheus.Counter
	tracksLost    prometheus.Counter

	messagesTotal *prometheus.CounterVec
	configReloads *prometheus.CounterVec
	sinkErrors    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fusion_cycles_total",
				Help: "Fusion cycles by outcome",
			},
			[]string{"outcome"},
		),

		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fusion_cycle_duration_seconds",
				Help:    "Wall time spent in one fusion cycle",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),

		staleGeometry: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fusion_stale_geometry_total",
				Help: "Cycles fused against a point cloud from an earlier tick",
			},
		),

		boxesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fusion_boxes_total",
				Help: "Bounding boxes by association result",
			},
			[]string{"result"},
		),

		pointsProjected: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fusion_points_projected",
				Help:    "Points landing on the image per cycle",
				Buckets: prometheus.ExponentialBuckets(16, 4, 8),
			},
		),

		liveTracks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fusion_live_tracks",
				Help: "Tracks in the live set by state",
			},
			[]string{"state"},
		),

		tracksCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fusion_tracks_created_total",
				Help: "Tracks created",
			},
		),

		tracksLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fusion_tracks_lost_total",
				Help: "Tracks removed after exceeding the lost-cycle limit",
			},
		),

		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fusion_messages_total",
				Help: "Delivered messages by topic and status",
			},
			[]string{"topic", "status"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fusion_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),

		sinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fusion_sink_errors_total",
				Help: "Obstacle sink publish failures",
			},
			[]string{"sink"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.staleGeometry,
		m.boxesTotal,
		m.pointsProjected,
		m.liveTracks,
		m.tracksCreated,
		m.tracksLost,
		m.messagesTotal,
		m.configReloads,
		m.sinkErrors,
	)

	return m
}

// CycleMetrics captures what one fusion cycle did.
type CycleMetrics struct {
	Outcome       string
	Duration      time.Duration
	Stale         bool
	Boxes         int
	Malformed     int
	LowConfidence int
	Unmatched     int
	Estimated     int
	Projected     int
	Tentative     int
	Confirmed     int
	Created       int
	Lost          int
}

// RecordCycle records the outcome of one fusion cycle.
func (m *Metrics) RecordCycle(c CycleMetrics) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(c.Outcome).Inc()
	if c.Duration > 0 {
		m.cycleDuration.Observe(c.Duration.Seconds())
	}
	if c.Stale {
		m.staleGeometry.Inc()
	}

	m.boxesTotal.WithLabelValues(BoxReceived).Add(float64(c.Boxes))
	m.boxesTotal.WithLabelValues(BoxMalformed).Add(float64(c.Malformed))
	m.boxesTotal.WithLabelValues(BoxLowConfidence).Add(float64(c.LowConfidence))
	m.boxesTotal.WithLabelValues(BoxUnmatched).Add(float64(c.Unmatched))
	m.boxesTotal.WithLabelValues(BoxEstimated).Add(float64(c.Estimated))

	if c.Outcome == OutcomeFused {
		m.pointsProjected.Observe(float64(c.Projected))
		m.liveTracks.WithLabelValues("tentative").Set(float64(c.Tentative))
		m.liveTracks.WithLabelValues("confirmed").Set(float64(c.Confirmed))
		m.tracksCreated.Add(float64(c.Created))
		m.tracksLost.Add(float64(c.Lost))
	}
}

// RecordMessage counts one delivered message.
func (m *Metrics) RecordMessage(topic, status string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(topic, status).Inc()
}

// RecordConfigReload counts a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordSinkError counts a failed publish.
func (m *Metrics) RecordSinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
