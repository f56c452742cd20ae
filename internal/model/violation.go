package model

import (
	"strings"
	"time"
)

// ViolationType is the kind of traffic offence reported by the detector.
type ViolationType string

const (
	ViolationRedLight         ViolationType = "red_light_running"
	ViolationWrongWay         ViolationType = "wrong_way_driving"
	ViolationLaneChange       ViolationType = "lane_change_across_solid_line"
	ViolationWaitingAreaEntry ViolationType = "waiting_area_red_entry"
	ViolationWaitingAreaExit  ViolationType = "waiting_area_illegal_exit"
)

// ViolationTypes lists every known violation type in display order.
var ViolationTypes = []ViolationType{
	ViolationRedLight,
	ViolationWrongWay,
	ViolationLaneChange,
	ViolationWaitingAreaEntry,
	ViolationWaitingAreaExit,
}

// String returns the string representation of the violation type.
func (t ViolationType) String() string {
	return string(t)
}

// IsValid checks whether the violation type is a known value.
func (t ViolationType) IsValid() bool {
	switch t {
	case ViolationRedLight, ViolationWrongWay, ViolationLaneChange,
		ViolationWaitingAreaEntry, ViolationWaitingAreaExit:
		return true
	}
	return false
}

// ShortName is the key used for the type in image detection summaries
// ("red_light", "lane_change", ...).
func (t ViolationType) ShortName() string {
	switch t {
	case ViolationRedLight:
		return "red_light"
	case ViolationWrongWay:
		return "wrong_way"
	case ViolationLaneChange:
		return "lane_change"
	case ViolationWaitingAreaEntry:
		return "waiting_area_entry"
	case ViolationWaitingAreaExit:
		return "waiting_area_exit"
	}
	return string(t)
}

// DisplayName is the human-readable label used in statistics.
func (t ViolationType) DisplayName() string {
	switch t {
	case ViolationRedLight:
		return "Red light running"
	case ViolationWrongWay:
		return "Wrong-way driving"
	case ViolationLaneChange:
		return "Lane change across solid line"
	case ViolationWaitingAreaEntry:
		return "Waiting area entry on red"
	case ViolationWaitingAreaExit:
		return "Illegal waiting area exit"
	}
	return string(t)
}

// ParseViolationType accepts either the canonical value or its short name.
// It reports false for anything else.
func ParseViolationType(s string) (ViolationType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range ViolationTypes {
		if s == string(t) || s == t.ShortName() {
			return t, true
		}
	}
	return "", false
}

// ViolationSource records which pipeline produced a violation.
type ViolationSource string

const (
	SourceVideo ViolationSource = "video"
	SourceImage ViolationSource = "image"
)

// Violation is a single detected offence.
type Violation struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"taskId,omitempty"`
	IntersectionID int             `json:"intersectionId,omitempty"`
	Type           ViolationType   `json:"type"`
	TrackID        int             `json:"track_id"`
	Direction      Direction       `json:"direction,omitempty"`
	Confidence     float64         `json:"confidence"`
	Timestamp      time.Time       `json:"timestamp"`
	FrameNumber    int             `json:"frameNumber,omitempty"`
	Screenshot     string          `json:"screenshot,omitempty"`
	Source         ViolationSource `json:"source,omitempty"`

	// Review state. New violations are pending.
	Status      ViolationStatus `json:"status,omitempty"`
	ProcessedBy string          `json:"processedBy,omitempty"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	ReviewNotes string          `json:"reviewNotes,omitempty"`
}

// Detection is one tracked object in a frame.
type Detection struct {
	TrackID    int        `json:"track_id"`
	BBox       [4]float64 `json:"bbox"`
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	Direction  Direction  `json:"direction,omitempty"`
}

// FrameEvent is the per-frame progress notification pushed to dashboards.
type FrameEvent struct {
	TaskID      string `json:"taskId"`
	FrameNumber int    `json:"frameNumber"`
	Progress    int    `json:"progress"`
	Image       string `json:"image"`
	Violations  int    `json:"violations"`
}

// ViolationSummary counts violations by type.
type ViolationSummary struct {
	Total  int                   `json:"total"`
	ByType map[ViolationType]int `json:"byType"`
}

// NewViolationSummary returns a summary with every known type present at zero.
func NewViolationSummary() ViolationSummary {
	s := ViolationSummary{ByType: make(map[ViolationType]int, len(ViolationTypes))}
	for _, t := range ViolationTypes {
		s.ByType[t] = 0
	}
	return s
}

// Add counts one violation of type t.
func (s *ViolationSummary) Add(t ViolationType) {
	if s.ByType == nil {
		s.ByType = make(map[ViolationType]int)
	}
	s.ByType[t]++
	s.Total++
}

// Short returns the counts keyed by short name, as image detection responses
// report them.
func (s ViolationSummary) Short() map[string]int {
	out := make(map[string]int, len(s.ByType))
	for t, n := range s.ByType {
		out[t.ShortName()] = n
	}
	return out
}

// ViolationFilter specifies criteria for listing violations.
type ViolationFilter struct {
	TaskID         string
	Type           ViolationType
	IntersectionID int
	Status         ViolationStatus
	Since          time.Time
	Limit          int
	Offset         int
}
