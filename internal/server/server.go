// Package server exposes the gateway to dashboards: the JSON HTTP API, the
// WebSocket channel and an SSE stream of the same events.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/events"
	"github.com/alfredjeanlab/trafficmind/internal/media"
	"github.com/alfredjeanlab/trafficmind/internal/metrics"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/presence"
	"github.com/alfredjeanlab/trafficmind/internal/signal"
	"github.com/alfredjeanlab/trafficmind/internal/store"
	"github.com/alfredjeanlab/trafficmind/internal/task"
)

const (
	serviceName    = "TrafficMind Realtime Gateway"
	serviceVersion = "2.0.0"
)

// Options wires a Server to the rest of the gateway.
type Options struct {
	Store     store.Store
	Board     *signal.Board
	Tasks     *task.Manager
	Detector  task.Detector
	Media     media.Store
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Presence  *presence.Tracker
	Logger    *slog.Logger

	AuthToken      string
	AllowedOrigins []string
	// MaxUploadBytes bounds request bodies on the upload endpoints.
	MaxUploadBytes int64
	// Retries is the attempt budget for image detection calls.
	Retries int
}

// Server serves the dashboard protocol. It also implements task.Emitter so
// the task manager can push events through it.
type Server struct {
	opts      Options
	store     store.Store
	board     *signal.Board
	tasks     *task.Manager
	detector  task.Detector
	media     media.Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	presence  *presence.Tracker
	logger    *slog.Logger

	sseHub *sseHub
	wsHub  *wsHub
}

// New returns a server. Tasks may be attached later with SetTasks, since the
// task manager needs the server as its emitter.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = &events.NoopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Presence == nil {
		opts.Presence = presence.New()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 500 << 20
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	s := &Server{
		opts:      opts,
		store:     opts.Store,
		board:     opts.Board,
		tasks:     opts.Tasks,
		detector:  opts.Detector,
		media:     opts.Media,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		presence:  opts.Presence,
		logger:    opts.Logger,
		sseHub:    newSSEHub(),
	}
	s.wsHub = newWSHub(s, opts.AllowedOrigins)
	return s
}

// SetTasks attaches the task manager.
func (s *Server) SetTasks(m *task.Manager) {
	s.tasks = m
}

// Presence returns the client tracker.
func (s *Server) Presence() *presence.Tracker {
	return s.presence
}

// Emit fans an event out to socket subscribers, SSE clients and, for topics
// that belong on it, the message bus. Delivery is best-effort.
func (s *Server) Emit(ctx context.Context, topic, taskID string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal event", "topic", topic, "task", taskID, "error", err)
		return
	}
	s.wsHub.broadcast(topic, taskID, payload)
	s.sseHub.broadcast(topic, taskID, payload)

	if !events.OnBus(topic) {
		return
	}
	if err := s.publisher.Publish(ctx, topic, event); err != nil {
		s.logger.Warn("failed to publish event", "topic", topic, "task", taskID, "error", err)
	}
}

// OnSignalChange is a signal.Listener: it announces the new state and appends
// it to the signal change log.
func (s *Server) OnSignalChange(status model.SignalStatus, source string) {
	s.metrics.SignalUpdated(source)
	s.Emit(context.Background(), events.TopicTraffic, "", events.NewTrafficUpdate(status, source))

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordSignalChange(ctx, &model.SignalChange{
		IntersectionID:  status.IntersectionID,
		Signals:         status.Signals,
		LeftTurnSignals: status.LeftTurnSignals,
		Source:          source,
	}); err != nil {
		s.logger.Warn("failed to record signal change", "intersection", status.IntersectionID, "error", err)
	}
}

// DisconnectClient drops a dashboard client. It is used as the presence
// reaper's OnStale hook.
func (s *Server) DisconnectClient(id string) {
	s.wsHub.disconnect(id)
}

// Close disconnects every socket client.
func (s *Server) Close() {
	s.wsHub.closeAll()
}

// inputError indicates invalid user input.
// Handlers map this to 400.
type inputError string

func (e inputError) Error() string { return string(e) }
