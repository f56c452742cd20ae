package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// Event topic constants
const (
	TopicFrame        = "trafficmind.frame"
	TopicViolation    = "trafficmind.violation"
	TopicTraffic      = "trafficmind.traffic"
	TopicTaskStatus   = "trafficmind.task.status"
	TopicTaskComplete = "trafficmind.task.complete"
	TopicTaskError    = "trafficmind.task.error"
)

// SocketEvent returns the dashboard channel event name for a topic.
func SocketEvent(topic string) string {
	switch topic {
	case TopicFrame:
		return "frame"
	case TopicViolation:
		return "violation"
	case TopicTraffic:
		return "traffic"
	case TopicTaskStatus:
		return "status"
	case TopicTaskComplete:
		return "complete"
	case TopicTaskError:
		return "error"
	}
	return topic
}

// OnBus reports whether events on topic are forwarded to the message bus.
// Frames carry whole JPEG payloads and stay on the dashboard channels.
func OnBus(topic string) bool {
	return topic != TopicFrame
}

// Event types

// Frame is the per-frame progress event.
type Frame = model.FrameEvent

type ViolationDetected struct {
	TaskID      string           `json:"taskId"`
	Violation   *model.Violation `json:"violation"`
	FrameNumber int              `json:"frameNumber"`
}

type TaskStatusChanged struct {
	TaskID   string           `json:"taskId"`
	Status   model.TaskStatus `json:"status"`
	Progress int              `json:"progress"`
	Message  string           `json:"message,omitempty"`
}

type TaskComplete struct {
	TaskID  string            `json:"taskId"`
	Result  *model.TaskResult `json:"result"`
	Message string            `json:"message"`
}

type TaskError struct {
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

// TrafficUpdate announces new signal state for an intersection.
type TrafficUpdate struct {
	IntersectionID  int                             `json:"intersectionId"`
	Signals         map[model.Direction]model.Color `json:"signals"`
	LeftTurnSignals map[model.Direction]model.Color `json:"leftTurnSignals"`
	Mode            model.SignalMode                `json:"mode"`
	Source          string                          `json:"source"`
	Timestamp       time.Time                       `json:"timestamp"`
}

// NewTrafficUpdate builds an update from a status snapshot.
func NewTrafficUpdate(s model.SignalStatus, source string) TrafficUpdate {
	return TrafficUpdate{
		IntersectionID:  s.IntersectionID,
		Signals:         s.Signals,
		LeftTurnSignals: s.LeftTurnSignals,
		Mode:            s.Mode,
		Source:          source,
		Timestamp:       s.UpdatedAt,
	}
}

// MarshalJSON adds the through-movement colors as flat per-direction fields
// (north_bound, ...) next to the structured maps. Dashboards read either form.
func (u TrafficUpdate) MarshalJSON() ([]byte, error) {
	type plain TrafficUpdate
	base, err := json.Marshal(plain(u))
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for _, d := range model.Directions {
		m[string(d)] = model.ParseColor(string(u.Signals[d]))
	}
	return json.Marshal(m)
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber receives raw payloads from the message bus.
type Subscriber interface {
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}
