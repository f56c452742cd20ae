// Package task runs realtime video analysis jobs: fetch the video, sample
// frames, ask the detector about each one and stream the results out.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/detector"
	"github.com/alfredjeanlab/trafficmind/internal/events"
	"github.com/alfredjeanlab/trafficmind/internal/idgen"
	"github.com/alfredjeanlab/trafficmind/internal/media"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/store"
)

var (
	// ErrNotFound is returned for unknown task IDs.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status change is not allowed,
	// e.g. stopping a task that already finished.
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrDuplicate is returned when a task ID is already in use.
	ErrDuplicate = errors.New("task already exists")
)

// Emitter delivers task events to dashboards and the bus.
type Emitter interface {
	Emit(ctx context.Context, topic, taskID string, event any)
}

// Detector judges one frame. *detector.Client implements it.
type Detector interface {
	DetectWithRetry(ctx context.Context, req detector.Request, attempts int) (*detector.Result, error)
}

// FrameSource turns a video file into frame images. *media.FrameExtractor
// implements it.
type FrameSource interface {
	Extract(ctx context.Context, videoPath, dir string) ([]string, error)
}

// SignalReader provides the signal state frames are judged against.
// *signal.Board implements it.
type SignalReader interface {
	Snapshot(intersectionID int) model.SignalStatus
}

// Recorder receives task and violation counts. *metrics.Metrics implements it.
type Recorder interface {
	ViolationRecorded(t model.ViolationType)
	TaskFinished(s model.TaskStatus)
}

// Config wires a Manager to its collaborators.
type Config struct {
	Store    store.Store
	Media    media.Store
	Frames   FrameSource
	Detector Detector
	Signals  SignalReader
	Emitter  Emitter
	Metrics  Recorder
	Logger   *slog.Logger

	// MediaDir bounds which local paths may be used as a video source.
	MediaDir string
	// WorkDir holds per-task scratch directories; empty uses os.TempDir.
	WorkDir string
	// HTTPClient downloads videos given by URL.
	HTTPClient *http.Client

	Retries       int
	JPEGQuality   int
	FrameMaxWidth int
	// PersistEvery throttles progress writes to the store to one per N frames.
	PersistEvery int
}

// StartRequest describes a new task.
type StartRequest struct {
	TaskID         string
	Source         string // media ref, http(s) URL, or path under the media dir
	IntersectionID int
	Direction      string
	RoisConfig     string
	DetectTypes    []model.ViolationType
}

// Manager starts, tracks and stops tasks.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

// NewManager returns a manager with no running tasks.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = 10
	}
	if cfg.Emitter == nil {
		cfg.Emitter = nopEmitter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		baseCtx: ctx,
		cancel:  cancel,
		runs:    make(map[string]*run),
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, string, any) {}

// Start validates req, persists the task in the starting state and launches
// its pipeline. It returns without waiting for any frame.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*model.Task, error) {
	id := strings.TrimSpace(req.TaskID)
	if id == "" {
		var err error
		if id, err = idgen.Task(); err != nil {
			return nil, err
		}
	}

	direction := model.SouthBound
	if req.Direction != "" {
		d, ok := model.ParseDirection(req.Direction)
		if !ok {
			return nil, fieldError("direction", fmt.Sprintf("invalid value %q", req.Direction))
		}
		direction = d
	}
	intersection := req.IntersectionID
	if intersection == 0 {
		intersection = 1
	}

	now := time.Now().UTC()
	t := &model.Task{
		ID:             id,
		Status:         model.TaskStarting,
		Source:         strings.TrimSpace(req.Source),
		IntersectionID: intersection,
		Direction:      direction,
		RoisConfig:     req.RoisConfig,
		DetectTypes:    req.DetectTypes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := model.ValidateTask(t); err != nil {
		return nil, err
	}
	if err := m.checkSource(t.Source); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, active := m.runs[id]; active {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is running", ErrDuplicate, id)
	}
	// Reserve the ID before the store round trip.
	r := &run{task: t, done: make(chan struct{})}
	m.runs[id] = r
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.runs, id)
		m.mu.Unlock()
		close(r.done)
	}

	existing, err := m.cfg.Store.GetTask(ctx, id)
	if err != nil {
		release()
		return nil, fmt.Errorf("get task: %w", err)
	}
	if existing != nil {
		release()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if err := m.cfg.Store.CreateTask(ctx, t); err != nil {
		release()
		return nil, fmt.Errorf("create task: %w", err)
	}

	m.cfg.Emitter.Emit(context.WithoutCancel(ctx), events.TopicTaskStatus, id, events.TaskStatusChanged{
		TaskID:  id,
		Status:  model.TaskStarting,
		Message: "task accepted",
	})

	runCtx, cancel := context.WithCancel(m.baseCtx)
	r.mu.Lock()
	r.cancel = cancel
	stopEarly := r.stopRequested
	r.mu.Unlock()
	if stopEarly {
		cancel()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			release()
		}()
		m.runPipeline(runCtx, r)
	}()

	m.logger.Info("task started", "task", id, "source", t.Source, "intersection", intersection, "direction", direction)
	return r.snapshot(), nil
}

// Get returns the task with the given ID. Running tasks report their live
// counters, which may be ahead of the stored copy.
func (m *Manager) Get(ctx context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	t, err := m.cfg.Store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

// List returns stored tasks matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter model.TaskFilter) ([]*model.Task, int, error) {
	tasks, total, err := m.cfg.Store.ListTasks(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	for i, t := range tasks {
		if r, ok := m.runs[t.ID]; ok {
			tasks[i] = r.snapshot()
		}
	}
	m.mu.Unlock()
	return tasks, total, nil
}

// Stop cancels a running task and waits for it to settle in the stopped
// state. Stopping a finished task returns ErrInvalidTransition.
func (m *Manager) Stop(ctx context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()

	if !ok {
		t, err := m.cfg.Store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, ErrNotFound
		}
		return t, fmt.Errorf("%w: task is %s", ErrInvalidTransition, t.Status)
	}

	r.requestStop()
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.snapshot(), nil
}

// Active returns the IDs of running tasks.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every running task and waits for their pipelines to exit.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func fieldError(field, msg string) error {
	return &model.ValidationError{Errors: []model.FieldError{{Field: field, Message: msg}}}
}

// run is the live state of one task.
type run struct {
	mu            sync.Mutex
	task          *model.Task
	cancel        context.CancelFunc
	stopRequested bool
	done          chan struct{}
}

func (r *run) snapshot() *model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *r.task
	if r.task.Result != nil {
		res := *r.task.Result
		c.Result = &res
	}
	return &c
}

func (r *run) requestStop() {
	r.mu.Lock()
	r.stopRequested = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// transition moves the task to status to, or returns ErrInvalidTransition.
func (r *run) transition(to model.TaskStatus, mutate func(t *model.Task)) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.task.Status
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	r.task.Status = to
	r.task.UpdatedAt = time.Now().UTC()
	if to.IsTerminal() {
		f := r.task.UpdatedAt
		r.task.FinishedAt = &f
	}
	if mutate != nil {
		mutate(r.task)
	}
	c := *r.task
	return &c, nil
}

// update applies mutate under the lock and returns a copy.
func (r *run) update(mutate func(t *model.Task)) *model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(r.task)
	r.task.UpdatedAt = time.Now().UTC()
	c := *r.task
	return &c
}
