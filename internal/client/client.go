// Package client talks to the TrafficMind gateway the way the dashboard
// screens do: an HTTP/JSON client for requests, a socket for pushed events,
// and small view models that fold those events into display state.
package client

import (
	"io"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// HealthStatus is the response of GET /health.
type HealthStatus struct {
	Status    string           `json:"status"`
	Service   string           `json:"service"`
	Version   string           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	WebSocket string           `json:"websocket"`
	Clients   int              `json:"clients"`
	Mode      model.SignalMode `json:"mode"`
}

// DetectOptions are the optional fields of an image detection request.
type DetectOptions struct {
	// Signals overrides the gateway's current lights for this image.
	Signals        *model.SignalStatus
	DetectTypes    []model.ViolationType
	IntersectionID int
	RoisConfig     string
}

// DetectResult is the response of the image detection endpoints.
type DetectResult struct {
	Success         bool               `json:"success"`
	ImageName       string             `json:"image_name"`
	ImageSize       [2]int             `json:"image_size"`
	TotalViolations int                `json:"total_violations"`
	Violations      []*model.Violation `json:"violations"`
	Summary         map[string]int     `json:"summary"`
	AnnotatedImage  string             `json:"annotated_image"`
	Timestamp       time.Time          `json:"timestamp"`
}

// StartRequest starts processing of a video the gateway can already reach.
type StartRequest struct {
	TaskID         string `json:"taskId"`
	VideoURL       string `json:"videoUrl,omitempty"`
	VideoPath      string `json:"videoPath,omitempty"`
	IntersectionID int    `json:"intersectionId,omitempty"`
	Direction      string `json:"direction,omitempty"`
	RoisConfig     string `json:"roisConfig,omitempty"`
	DetectTypes    string `json:"detectTypes,omitempty"`
}

// UploadRequest uploads a video and starts processing it.
type UploadRequest struct {
	TaskID         string
	Filename       string
	Video          io.Reader
	IntersectionID int
	Direction      string
	RoisConfig     string
	DetectTypes    []model.ViolationType
}

// StartResponse is returned when a task is accepted.
type StartResponse struct {
	Success  bool        `json:"success"`
	TaskID   string      `json:"taskId"`
	VideoRef string      `json:"videoRef,omitempty"`
	Message  string      `json:"message"`
	Task     *model.Task `json:"task"`
}

// ViolationQuery filters ListViolations.
type ViolationQuery struct {
	TaskID         string
	Type           string
	IntersectionID int
	Status         string
	Limit          int
	Offset         int
}

// ReviewRequest is a verdict on a pending violation. An empty Status confirms.
type ReviewRequest struct {
	Status      string `json:"status,omitempty"`
	ProcessedBy string `json:"processedBy,omitempty"`
	ReviewNotes string `json:"reviewNotes,omitempty"`
}

// StatsRange is an inclusive YYYY-MM-DD date range. Empty bounds use the
// gateway's defaults.
type StatsRange struct {
	StartDate string
	EndDate   string
}

// StatsOverview is the overview section of violation statistics.
type StatsOverview struct {
	StartDate  string  `json:"-"`
	EndDate    string  `json:"-"`
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Confirmed  int     `json:"confirmed"`
	Rejected   int     `json:"rejected"`
	GrowthRate float64 `json:"growthRate"`
}

// TypeStat is one row of the by-type statistics section.
type TypeStat struct {
	Type     model.ViolationType `json:"type"`
	TypeName string              `json:"typeName"`
	Count    int                 `json:"count"`
}

// ViolationList is one page of violations, newest first.
type ViolationList struct {
	Total      int                `json:"total"`
	Violations []*model.Violation `json:"violations"`
}

// TaskList is one page of tasks, newest first.
type TaskList struct {
	Total int           `json:"total"`
	Tasks []*model.Task `json:"tasks"`
}
