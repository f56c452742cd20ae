package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// Metrics holds all gateway metrics
type Metrics struct {
	// Socket fan-out
	FramesPushed  atomic.Uint64
	FramesDropped atomic.Uint64
	SocketClients atomic.Int64
	StreamClients atomic.Int64

	// Image endpoints
	ImagesDetected atomic.Uint64

	violations      *prometheus.CounterVec
	tasks           *prometheus.CounterVec
	signalUpdates   *prometheus.CounterVec
	detectorLatency *prometheus.HistogramVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficmind_violations_total",
			Help: "Violations recorded, by type",
		}, []string{"type"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficmind_tasks_finished_total",
			Help: "Realtime tasks that reached a terminal status",
		}, []string{"status"}),
		signalUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficmind_signal_updates_total",
			Help: "Signal state changes applied, by source",
		}, []string{"source"}),
		detectorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trafficmind_detector_request_seconds",
			Help:    "Latency of detection backend calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}, []string{"outcome"}),
	}

	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.violations, m.tasks, m.signalUpdates, m.detectorLatency)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "trafficmind_frames_pushed_total",
			Help: "Frame events delivered to socket clients",
		},
		func() float64 { return float64(m.FramesPushed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "trafficmind_frames_dropped_total",
			Help: "Frame events dropped for slow socket clients",
		},
		func() float64 { return float64(m.FramesDropped.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "trafficmind_socket_clients",
			Help: "Connected realtime socket clients",
		},
		func() float64 { return float64(m.SocketClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "trafficmind_stream_clients",
			Help: "Connected server-sent event clients",
		},
		func() float64 { return float64(m.StreamClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "trafficmind_images_detected_total",
			Help: "Still images run through the detector",
		},
		func() float64 { return float64(m.ImagesDetected.Load()) },
	))
}

// ViolationRecorded counts one violation.
func (m *Metrics) ViolationRecorded(t model.ViolationType) {
	m.violations.WithLabelValues(string(t)).Inc()
}

// TaskFinished counts a task reaching a terminal status.
func (m *Metrics) TaskFinished(s model.TaskStatus) {
	m.tasks.WithLabelValues(string(s)).Inc()
}

// SignalUpdated counts one applied signal change.
func (m *Metrics) SignalUpdated(source string) {
	m.signalUpdates.WithLabelValues(source).Inc()
}

// ObserveDetector records one detection backend call. Its signature matches
// detector.Observer.
func (m *Metrics) ObserveDetector(elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.detectorLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
