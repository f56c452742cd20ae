package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// Phase is one step of the simulated cycle.
type Phase struct {
	Name     string
	Through  []model.Direction
	Left     []model.Direction
	Color    model.Color
	Duration time.Duration
}

// Status renders the phase as an otherwise all-red status.
func (p Phase) Status(intersectionID int) model.SignalStatus {
	s := model.AllRed(intersectionID)
	for _, d := range p.Through {
		s.Signals[d] = p.Color
	}
	for _, d := range p.Left {
		s.LeftTurnSignals[d] = p.Color
	}
	return s
}

// Timing holds the simulated phase durations.
type Timing struct {
	Green  time.Duration
	Yellow time.Duration
	Left   time.Duration
}

// Cycle returns the standard eight-phase cycle: north/south through, then
// north/south left, then the same for east/west, each followed by yellow.
func Cycle(t Timing) []Phase {
	ns := []model.Direction{model.NorthBound, model.SouthBound}
	ew := []model.Direction{model.EastBound, model.WestBound}
	return []Phase{
		{Name: "ns-through", Through: ns, Color: model.ColorGreen, Duration: t.Green},
		{Name: "ns-through-yellow", Through: ns, Color: model.ColorYellow, Duration: t.Yellow},
		{Name: "ns-left", Left: ns, Color: model.ColorGreen, Duration: t.Left},
		{Name: "ns-left-yellow", Left: ns, Color: model.ColorYellow, Duration: t.Yellow},
		{Name: "ew-through", Through: ew, Color: model.ColorGreen, Duration: t.Green},
		{Name: "ew-through-yellow", Through: ew, Color: model.ColorYellow, Duration: t.Yellow},
		{Name: "ew-left", Left: ew, Color: model.ColorGreen, Duration: t.Left},
		{Name: "ew-left-yellow", Left: ew, Color: model.ColorYellow, Duration: t.Yellow},
	}
}

// Simulator drives one intersection through a fixed cycle while the board is
// in simulation mode. Switching back to simulation restarts the cycle.
type Simulator struct {
	board        *Board
	intersection int
	phases       []Phase
	logger       *slog.Logger
}

// NewSimulator returns a simulator for the board's default intersection.
func NewSimulator(board *Board, t Timing, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		board:        board,
		intersection: board.DefaultIntersection(),
		phases:       Cycle(t),
		logger:       logger,
	}
}

// Run blocks until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	idx := 0
	for {
		changed := s.board.ModeChanged()
		if s.board.Mode() != model.ModeSimulation {
			idx = 0
			select {
			case <-ctx.Done():
				return
			case <-changed:
				continue
			}
		}

		phase := s.phases[idx]
		if _, err := s.board.Apply(s.intersection, phase.Status(s.intersection), SourceSimulation); err != nil {
			s.logger.Debug("simulated phase not applied", "phase", phase.Name, "error", err)
		}

		timer := time.NewTimer(phase.Duration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-changed:
			timer.Stop()
		case <-timer.C:
			idx = (idx + 1) % len(s.phases)
		}
	}
}
