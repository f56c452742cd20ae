package model

import (
	"strings"
	"time"
)

// Color is a signal head color.
type Color string

const (
	ColorRed    Color = "red"
	ColorYellow Color = "yellow"
	ColorGreen  Color = "green"
)

// ParseColor maps s to a Color. Empty and unrecognized values are red.
func ParseColor(s string) Color {
	switch Color(strings.ToLower(strings.TrimSpace(s))) {
	case ColorGreen:
		return ColorGreen
	case ColorYellow:
		return ColorYellow
	}
	return ColorRed
}

// Direction is an approach direction at an intersection.
type Direction string

const (
	NorthBound Direction = "north_bound"
	SouthBound Direction = "south_bound"
	EastBound  Direction = "east_bound"
	WestBound  Direction = "west_bound"
)

// Directions lists the four approaches in display order.
var Directions = []Direction{NorthBound, SouthBound, EastBound, WestBound}

// IsValid checks whether the direction is a known value.
func (d Direction) IsValid() bool {
	switch d {
	case NorthBound, SouthBound, EastBound, WestBound:
		return true
	}
	return false
}

// ParseDirection accepts the canonical value, a compass word ("north", "SOUTH")
// or a single letter ("N"). It reports false for anything else.
func ParseDirection(s string) (Direction, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "n", "north", string(NorthBound):
		return NorthBound, true
	case "s", "south", string(SouthBound):
		return SouthBound, true
	case "e", "east", string(EastBound):
		return EastBound, true
	case "w", "west", string(WestBound):
		return WestBound, true
	}
	return "", false
}

// SignalMode selects where signal state comes from.
type SignalMode string

const (
	// ModeBackend takes signal state from external feeds.
	ModeBackend SignalMode = "backend"
	// ModeSimulation runs the built-in phase cycle and ignores feeds.
	ModeSimulation SignalMode = "simulation"
)

// IsValid checks whether the mode is a known value.
func (m SignalMode) IsValid() bool {
	return m == ModeBackend || m == ModeSimulation
}

// SignalStatus is the current light state of one intersection.
type SignalStatus struct {
	IntersectionID  int                 `json:"intersectionId"`
	Signals         map[Direction]Color `json:"signals"`
	LeftTurnSignals map[Direction]Color `json:"leftTurnSignals"`
	Mode            SignalMode          `json:"mode,omitempty"`
	UpdatedAt       time.Time           `json:"timestamp"`
}

// AllRed returns a status with every head red.
func AllRed(intersectionID int) SignalStatus {
	s := SignalStatus{IntersectionID: intersectionID}
	s.Normalize()
	return s
}

// Normalize fills every missing direction with red and coerces unknown colors
// to red.
func (s *SignalStatus) Normalize() {
	s.Signals = normalizeHeads(s.Signals)
	s.LeftTurnSignals = normalizeHeads(s.LeftTurnSignals)
}

func normalizeHeads(in map[Direction]Color) map[Direction]Color {
	out := make(map[Direction]Color, len(Directions))
	for _, d := range Directions {
		out[d] = ParseColor(string(in[d]))
	}
	return out
}

// Clone returns a deep copy of s.
func (s SignalStatus) Clone() SignalStatus {
	c := s
	c.Signals = make(map[Direction]Color, len(s.Signals))
	for k, v := range s.Signals {
		c.Signals[k] = v
	}
	c.LeftTurnSignals = make(map[Direction]Color, len(s.LeftTurnSignals))
	for k, v := range s.LeftTurnSignals {
		c.LeftTurnSignals[k] = v
	}
	return c
}

// Equal reports whether both statuses show the same colors.
func (s SignalStatus) Equal(o SignalStatus) bool {
	for _, d := range Directions {
		if ParseColor(string(s.Signals[d])) != ParseColor(string(o.Signals[d])) {
			return false
		}
		if ParseColor(string(s.LeftTurnSignals[d])) != ParseColor(string(o.LeftTurnSignals[d])) {
			return false
		}
	}
	return true
}

// SignalChange is a persisted record of an applied signal update.
type SignalChange struct {
	ID              int64               `json:"id"`
	IntersectionID  int                 `json:"intersectionId"`
	Signals         map[Direction]Color `json:"signals"`
	LeftTurnSignals map[Direction]Color `json:"leftTurnSignals"`
	Source          string              `json:"source"`
	CreatedAt       time.Time           `json:"createdAt"`
}
