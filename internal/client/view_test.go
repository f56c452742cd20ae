package client

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alfredjeanlab/trafficmind/internal/events"
	"github.com/alfredjeanlab/trafficmind/internal/model"
)

func event(t *testing.T, name string, data any) Event {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return Event{Name: name, Data: raw}
}

func TestViolationFeed_Truncates(t *testing.T) {
	for _, limit := range []int{FeedSmall, FeedMedium, FeedLarge} {
		t.Run(fmt.Sprint(limit), func(t *testing.T) {
			f := NewViolationFeed(limit)
			for i := range limit + 1 {
				f.Add(&model.Violation{ID: fmt.Sprintf("vio-%d", i)})
			}
			if f.Len() != limit {
				t.Fatalf("expected %d items, got %d", limit, f.Len())
			}
			items := f.Items()
			if items[0].ID != fmt.Sprintf("vio-%d", limit) {
				t.Fatalf("expected newest first, got %s", items[0].ID)
			}
			if items[len(items)-1].ID != "vio-1" {
				t.Fatalf("expected oldest dropped, last is %s", items[len(items)-1].ID)
			}
		})
	}
}

func TestViolationFeed_ResetAndBounds(t *testing.T) {
	f := NewViolationFeed(0)
	if f.Max() != 1 {
		t.Fatalf("expected minimum bound 1, got %d", f.Max())
	}

	f = NewViolationFeed(2)
	f.Add(nil)
	if f.Len() != 0 {
		t.Fatal("nil violations should be skipped")
	}
	f.Reset([]*model.Violation{{ID: "c"}, {ID: "b"}, {ID: "a"}})
	items := f.Items()
	if len(items) != 2 || items[0].ID != "c" || items[1].ID != "b" {
		t.Fatalf("unexpected items %v", items)
	}
	items[0] = nil
	if f.Items()[0] == nil {
		t.Fatal("Items should return a copy")
	}
}

func TestTaskView_Lifecycle(t *testing.T) {
	v := NewTaskView("task-1", FeedSmall)
	if v.Status != ViewIdle {
		t.Fatalf("expected idle, got %s", v.Status)
	}
	v.Starting()
	if v.Status != ViewStarting {
		t.Fatalf("expected starting, got %s", v.Status)
	}

	steps := []struct {
		ev       Event
		status   ViewStatus
		progress int
	}{
		{event(t, "status", events.TaskStatusChanged{TaskID: "task-1", Status: model.TaskDownloading}), ViewStarting, 0},
		{event(t, "status", events.TaskStatusChanged{TaskID: "task-1", Status: model.TaskProcessing}), ViewProcessing, 0},
		{event(t, "frame", events.Frame{TaskID: "task-1", FrameNumber: 5, Progress: 40, Image: "img5"}), ViewProcessing, 40},
		// Out-of-order frames never move progress back.
		{event(t, "frame", events.Frame{TaskID: "task-1", FrameNumber: 4, Progress: 30}), ViewProcessing, 40},
		{event(t, "violation", events.ViolationDetected{TaskID: "task-1", Violation: &model.Violation{ID: "vio-1"}}), ViewProcessing, 40},
		{event(t, "complete", events.TaskComplete{TaskID: "task-1", Result: &model.TaskResult{TotalFrames: 10}, Message: "done"}), ViewCompleted, 100},
	}
	for i, step := range steps {
		if !v.Apply(step.ev) {
			t.Fatalf("step %d (%s) did not apply", i, step.ev.Name)
		}
		if v.Status != step.status || v.Progress != step.progress {
			t.Fatalf("step %d: got %s/%d, want %s/%d", i, v.Status, v.Progress, step.status, step.progress)
		}
	}

	if v.CurrentFrame != 5 || v.Image != "img5" {
		t.Fatalf("unexpected frame state %d %q", v.CurrentFrame, v.Image)
	}
	if v.Violations.Len() != 1 || v.Result.TotalFrames != 10 || v.Message != "done" {
		t.Fatalf("unexpected final view %+v", v)
	}

	// Final states do not change.
	if v.Apply(event(t, "error", events.TaskError{TaskID: "task-1", Message: "late"})) {
		t.Fatal("event after completion should be ignored")
	}
	if v.Status != ViewCompleted {
		t.Fatalf("expected completed to stick, got %s", v.Status)
	}
}

func TestTaskView_IgnoresOtherTasks(t *testing.T) {
	v := NewTaskView("task-a", FeedSmall)
	if v.Apply(event(t, "frame", events.Frame{TaskID: "task-b", FrameNumber: 1, Progress: 50})) {
		t.Fatal("frame for another task should be ignored")
	}
	if v.Apply(event(t, "traffic", map[string]string{"north_bound": "green"})) {
		t.Fatal("traffic is not a task event")
	}
	if v.Progress != 0 || v.Status != ViewIdle {
		t.Fatalf("view changed: %+v", v)
	}
}

func TestTaskView_ErrorStates(t *testing.T) {
	v := NewTaskView("task-1", FeedSmall)
	v.Apply(event(t, "error", events.TaskError{TaskID: "task-1", Message: "detector unavailable"}))
	if v.Status != ViewError || v.Message != "detector unavailable" {
		t.Fatalf("unexpected view %+v", v)
	}

	v = NewTaskView("task-2", FeedSmall)
	v.Apply(event(t, "status", events.TaskStatusChanged{TaskID: "task-2", Status: model.TaskStopped, Progress: 20}))
	if v.Status != ViewError || v.Progress != 20 {
		t.Fatalf("stopped task should show as error, got %+v", v)
	}

	v = NewTaskView("task-3", FeedSmall)
	v.Fail("start refused")
	v.Fail("second")
	if v.Status != ViewError || v.Message != "start refused" {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestTaskView_ProgressClamped(t *testing.T) {
	v := NewTaskView("task-1", FeedSmall)
	v.Apply(event(t, "frame", events.Frame{TaskID: "task-1", Progress: 250}))
	if v.Progress != 100 {
		t.Fatalf("expected clamp to 100, got %d", v.Progress)
	}
}

func TestSignalPanel(t *testing.T) {
	p := NewSignalPanel()
	for _, d := range model.Directions {
		if p.Status().Signals[d] != model.ColorRed || p.Status().LeftTurnSignals[d] != model.ColorRed {
			t.Fatalf("expected all red defaults, got %+v", p.Status())
		}
	}

	// Structured form, as the gateway sends it.
	update := events.NewTrafficUpdate(model.SignalStatus{
		IntersectionID:  2,
		Signals:         map[model.Direction]model.Color{model.NorthBound: model.ColorGreen},
		LeftTurnSignals: map[model.Direction]model.Color{model.NorthBound: model.ColorYellow},
	}, "api")
	if err := p.Apply(event(t, "traffic", update)); err != nil {
		t.Fatal(err)
	}
	st := p.Status()
	if st.IntersectionID != 2 || st.Signals[model.NorthBound] != model.ColorGreen || st.LeftTurnSignals[model.NorthBound] != model.ColorYellow {
		t.Fatalf("unexpected structured apply %+v", st)
	}
	if p.Source != "api" {
		t.Fatalf("expected source api, got %q", p.Source)
	}

	// Flat form: heads it omits go back to red.
	if err := p.Apply(event(t, "traffic", map[string]string{"east_bound": "green", "west_bound": "blue"})); err != nil {
		t.Fatal(err)
	}
	st = p.Status()
	if st.Signals[model.EastBound] != model.ColorGreen || st.Signals[model.WestBound] != model.ColorRed ||
		st.Signals[model.NorthBound] != model.ColorRed || st.LeftTurnSignals[model.NorthBound] != model.ColorRed {
		t.Fatalf("unexpected flat apply %+v", st)
	}
	if st.IntersectionID != 2 {
		t.Fatalf("intersection should be kept, got %d", st.IntersectionID)
	}

	if err := p.Apply(Event{Name: "traffic", Data: json.RawMessage(`{"nothing":"here"}`)}); err == nil {
		t.Fatal("expected unrecognized payload to fail")
	}
}

func TestSignalPanel_Set(t *testing.T) {
	p := NewSignalPanel()
	p.Set(model.SignalStatus{IntersectionID: 7, Signals: map[model.Direction]model.Color{model.SouthBound: model.ColorGreen}})
	st := p.Status()
	if st.IntersectionID != 7 || st.Signals[model.SouthBound] != model.ColorGreen || st.Signals[model.NorthBound] != model.ColorRed {
		t.Fatalf("unexpected status %+v", st)
	}
}
