package model

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a realtime video task.
type TaskStatus string

const (
	TaskStarting    TaskStatus = "starting"
	TaskDownloading TaskStatus = "downloading"
	TaskProcessing  TaskStatus = "processing"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskStopped     TaskStatus = "stopped"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStarting, TaskDownloading, TaskProcessing, TaskCompleted, TaskFailed, TaskStopped:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskStopped
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStarting:    {TaskDownloading, TaskProcessing, TaskFailed, TaskStopped},
	TaskDownloading: {TaskProcessing, TaskFailed, TaskStopped},
	TaskProcessing:  {TaskCompleted, TaskFailed, TaskStopped},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is a realtime video analysis job.
type Task struct {
	ID              string          `json:"id"`
	Status          TaskStatus      `json:"status"`
	Source          string          `json:"source"`
	IntersectionID  int             `json:"intersectionId"`
	Direction       Direction       `json:"direction"`
	RoisConfig      string          `json:"roisConfig,omitempty"`
	DetectTypes     []ViolationType `json:"detectTypes,omitempty"`
	Progress        int             `json:"progress"`
	FramesTotal     int             `json:"framesTotal"`
	FramesProcessed int             `json:"framesProcessed"`
	FramesFailed    int             `json:"framesFailed"`
	ViolationCount  int             `json:"violationCount"`
	Error           string          `json:"error,omitempty"`
	Result          *TaskResult     `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
}

// TaskResult is reported when a task completes.
type TaskResult struct {
	TotalFrames      int              `json:"totalFrames"`
	ProcessedFrames  int              `json:"processedFrames"`
	ElapsedTime      float64          `json:"elapsedTime"`
	ActualFPS        float64          `json:"actualFps"`
	ViolationSummary ViolationSummary `json:"violationSummary"`
}

// MarshalResult encodes r for storage; nil encodes as nil.
func MarshalResult(r *TaskResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Status []TaskStatus
	Limit  int
	Offset int
}
