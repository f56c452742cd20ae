package signal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// Update sources.
const (
	SourceAPI        = "api"
	SourceNATS       = "nats"
	SourceKafka      = "kafka"
	SourceSimulation = "simulation"
)

// ErrSimulationMode is returned when an external update arrives while the
// board is driven by the simulator.
var ErrSimulationMode = errors.New("signal source is in simulation mode")

// Listener is called after an update changes an intersection's colors.
type Listener func(status model.SignalStatus, source string)

// Board holds the latest signal status of every known intersection.
// It is safe for concurrent use.
type Board struct {
	mu          sync.RWMutex
	mode        model.SignalMode
	modeChanged chan struct{}
	states      map[int]model.SignalStatus
	listeners   []Listener
	defaultID   int
	now         func() time.Time
}

// NewBoard returns a board in the given mode. Updates that name no
// intersection apply to defaultID.
func NewBoard(mode model.SignalMode, defaultID int) *Board {
	if !mode.IsValid() {
		mode = model.ModeBackend
	}
	if defaultID <= 0 {
		defaultID = 1
	}
	return &Board{
		mode:        mode,
		modeChanged: make(chan struct{}),
		states:      make(map[int]model.SignalStatus),
		defaultID:   defaultID,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// DefaultIntersection is the intersection used when none is named.
func (b *Board) DefaultIntersection() int {
	return b.defaultID
}

// Mode returns the current signal source mode.
func (b *Board) Mode() model.SignalMode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mode
}

// ModeChanged returns a channel that is closed on the next mode switch.
func (b *Board) ModeChanged() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.modeChanged
}

// SetMode switches the signal source. It reports whether the mode changed.
func (b *Board) SetMode(m model.SignalMode) (bool, error) {
	if !m.IsValid() {
		return false, fmt.Errorf("invalid signal mode %q", m)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == m {
		return false, nil
	}
	slog.Info("signal source mode changed", "from", b.mode, "to", m)
	b.mode = m
	close(b.modeChanged)
	b.modeChanged = make(chan struct{})
	return true, nil
}

// OnChange registers a listener. Listeners run synchronously on the updating
// goroutine and must not call back into Apply.
func (b *Board) OnChange(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Apply stores status for the intersection. External sources are refused
// with ErrSimulationMode while the simulator owns the board. The returned
// status is the normalized snapshot that was stored.
func (b *Board) Apply(intersectionID int, status model.SignalStatus, source string) (model.SignalStatus, error) {
	if intersectionID <= 0 {
		intersectionID = b.defaultID
	}

	b.mu.Lock()
	if source != SourceSimulation && b.mode == model.ModeSimulation {
		b.mu.Unlock()
		return model.SignalStatus{}, ErrSimulationMode
	}
	if source == SourceSimulation && b.mode != model.ModeSimulation {
		b.mu.Unlock()
		return model.SignalStatus{}, fmt.Errorf("simulator update while in %s mode", b.mode)
	}

	next := status.Clone()
	next.Normalize()
	next.IntersectionID = intersectionID
	next.Mode = b.mode
	next.UpdatedAt = b.now()

	prev, known := b.states[intersectionID]
	b.states[intersectionID] = next
	changed := !known || !prev.Equal(next)
	listeners := b.listeners
	b.mu.Unlock()

	if changed {
		slog.Debug("signal state changed", "intersection", intersectionID, "source", source,
			"signals", next.Signals, "left_turn", next.LeftTurnSignals)
		for _, l := range listeners {
			l(next.Clone(), source)
		}
	}
	return next.Clone(), nil
}

// Snapshot returns the latest status of the intersection, all red if it has
// never been reported.
func (b *Board) Snapshot(intersectionID int) model.SignalStatus {
	if intersectionID <= 0 {
		intersectionID = b.defaultID
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.states[intersectionID]
	if !ok {
		s = model.AllRed(intersectionID)
		s.Mode = b.mode
		s.UpdatedAt = b.now()
		return s
	}
	return s.Clone()
}
