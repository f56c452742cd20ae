package client

import (
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/events"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/signal"
)

// ViewStatus is the state a task screen renders.
type ViewStatus string

const (
	ViewIdle       ViewStatus = "idle"
	ViewStarting   ViewStatus = "starting"
	ViewProcessing ViewStatus = "processing"
	ViewCompleted  ViewStatus = "completed"
	ViewError      ViewStatus = "error"
)

// Done reports whether the view has reached a final state.
func (s ViewStatus) Done() bool { return s == ViewCompleted || s == ViewError }

// viewStatusOf maps a gateway task status onto the screen's states.
func viewStatusOf(s model.TaskStatus) ViewStatus {
	switch s {
	case model.TaskStarting, model.TaskDownloading:
		return ViewStarting
	case model.TaskProcessing:
		return ViewProcessing
	case model.TaskCompleted:
		return ViewCompleted
	case model.TaskFailed, model.TaskStopped:
		return ViewError
	}
	return ViewIdle
}

// TaskView folds socket events for one task into what a task screen shows.
// It is not safe for concurrent use.
type TaskView struct {
	TaskID       string
	Status       ViewStatus
	Progress     int
	CurrentFrame int
	// Image is the latest annotated frame (base64 JPEG).
	Image      string
	Violations *ViolationFeed
	Connected  bool
	Message    string
	Result     *model.TaskResult
}

// NewTaskView returns an idle view keeping at most maxViolations violations.
func NewTaskView(taskID string, maxViolations int) *TaskView {
	return &TaskView{
		TaskID:     taskID,
		Status:     ViewIdle,
		Violations: NewViolationFeed(maxViolations),
	}
}

// Starting marks the task as requested.
func (v *TaskView) Starting() {
	if v.Status == ViewIdle {
		v.Status = ViewStarting
	}
}

// Fail puts the view in the error state, e.g. when the start request was
// refused.
func (v *TaskView) Fail(msg string) {
	if !v.Status.Done() {
		v.Status = ViewError
		v.Message = msg
	}
}

// SetConnected records the socket's connection flag.
func (v *TaskView) SetConnected(ok bool) { v.Connected = ok }

func (v *TaskView) setProgress(p int) {
	v.Progress = max(v.Progress, min(max(p, 0), 100))
}

// Apply folds one event into the view and reports whether it changed
// anything. Events for other tasks and events after a final state are
// ignored.
func (v *TaskView) Apply(ev Event) bool {
	if v.Status.Done() {
		return false
	}
	if id := ev.TaskID(); id != "" && id != v.TaskID {
		return false
	}

	switch ev.Name {
	case "status":
		var st events.TaskStatusChanged
		if ev.Decode(&st) != nil {
			return false
		}
		next := viewStatusOf(st.Status)
		if next == ViewIdle {
			return false
		}
		v.Status = next
		v.setProgress(st.Progress)
		if st.Message != "" {
			v.Message = st.Message
		}
	case "frame":
		var f events.Frame
		if ev.Decode(&f) != nil {
			return false
		}
		v.Status = ViewProcessing
		v.CurrentFrame = max(v.CurrentFrame, f.FrameNumber)
		v.setProgress(f.Progress)
		if f.Image != "" {
			v.Image = f.Image
		}
	case "violation":
		var d events.ViolationDetected
		if ev.Decode(&d) != nil || d.Violation == nil {
			return false
		}
		v.Violations.Add(d.Violation)
	case "complete":
		var c events.TaskComplete
		if ev.Decode(&c) != nil {
			return false
		}
		v.Status = ViewCompleted
		v.Progress = 100
		v.Result = c.Result
		v.Message = c.Message
	case "error":
		var e events.TaskError
		if ev.Decode(&e) != nil {
			return false
		}
		v.Status = ViewError
		v.Message = e.Message
	default:
		return false
	}
	return true
}

// SignalPanel holds the lights a dashboard shows. Every head starts red.
type SignalPanel struct {
	status  model.SignalStatus
	Source  string
	Updated time.Time
}

// NewSignalPanel returns an all-red panel.
func NewSignalPanel() *SignalPanel {
	return &SignalPanel{status: model.AllRed(0)}
}

// Apply merges a traffic event. Both the structured form
// ({signals, leftTurnSignals}) and flat per-direction fields are accepted;
// heads the event leaves out become red.
func (p *SignalPanel) Apply(ev Event) error {
	st, err := signal.ParseFeed(ev.Data)
	if err != nil {
		return err
	}
	var meta struct {
		Source    string    `json:"source"`
		Timestamp time.Time `json:"timestamp"`
	}
	_ = ev.Decode(&meta)

	if st.IntersectionID == 0 {
		st.IntersectionID = p.status.IntersectionID
	}
	p.status = st
	p.Source = meta.Source
	p.Updated = meta.Timestamp
	if p.Updated.IsZero() {
		p.Updated = time.Now().UTC()
	}
	return nil
}

// Set replaces the panel with a fetched status.
func (p *SignalPanel) Set(st model.SignalStatus) {
	st = st.Clone()
	st.Normalize()
	p.status = st
	p.Updated = st.UpdatedAt
}

// Status returns a copy of the current lights.
func (p *SignalPanel) Status() model.SignalStatus { return p.status.Clone() }
