package task

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/detector"
	"github.com/alfredjeanlab/trafficmind/internal/events"
	"github.com/alfredjeanlab/trafficmind/internal/media"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/store/memory"
)

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 8)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeFrames writes n small JPEG frames.
type fakeFrames struct {
	n    int
	data []byte
	err  error
}

func (f *fakeFrames) Extract(_ context.Context, _ string, dir string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for i := 1; i <= f.n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("frame_%06d.jpg", i))
		if err := os.WriteFile(p, f.data, 0o644); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type detectFunc func(ctx context.Context, req detector.Request) (*detector.Result, error)

func (f detectFunc) DetectWithRetry(ctx context.Context, req detector.Request, _ int) (*detector.Result, error) {
	return f(ctx, req)
}

type allRed struct{}

func (allRed) Snapshot(id int) model.SignalStatus { return model.AllRed(id) }

type emitted struct {
	topic  string
	taskID string
	event  any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) Emit(_ context.Context, topic, taskID string, event any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{topic, taskID, event})
}

func (e *recordingEmitter) topics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.topic
	}
	return out
}

func (e *recordingEmitter) count(topic string) int {
	n := 0
	for _, tp := range e.topics() {
		if tp == topic {
			n++
		}
	}
	return n
}

type harness struct {
	mgr     *Manager
	store   *memory.Store
	media   *media.LocalStore
	emitter *recordingEmitter
}

func newHarness(t *testing.T, frames *fakeFrames, det detectFunc) *harness {
	t.Helper()
	dir := t.TempDir()
	ms, err := media.NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ms.Put(context.Background(), media.BucketVideos, "clip.mp4", strings.NewReader("video"), 5, "video/mp4"); err != nil {
		t.Fatal(err)
	}
	if frames.data == nil {
		frames.data = jpegBytes(t)
	}
	h := &harness{store: memory.New(100), media: ms, emitter: &recordingEmitter{}}
	h.mgr = NewManager(Config{
		Store:        h.store,
		Media:        ms,
		Frames:       frames,
		Detector:     det,
		Signals:      allRed{},
		Emitter:      h.emitter,
		MediaDir:     dir,
		WorkDir:      t.TempDir(),
		PersistEvery: 2,
	})
	t.Cleanup(h.mgr.Shutdown)
	return h
}

// waitTerminal polls until the task finishes, then waits for the pipeline
// goroutine to exit so every event has been emitted.
func (h *harness) waitTerminal(t *testing.T, id string) *model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := h.mgr.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if task.Status.IsTerminal() {
			h.mgr.Shutdown()
			final, err := h.mgr.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			return final
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return nil
}

func noViolations(context.Context, detector.Request) (*detector.Result, error) {
	return &detector.Result{}, nil
}

func TestStart_CompletesAndRecordsViolations(t *testing.T) {
	shot := base64.StdEncoding.EncodeToString([]byte("screenshot"))
	var seenSignals bool
	h := newHarness(t, &fakeFrames{n: 3}, func(_ context.Context, req detector.Request) (*detector.Result, error) {
		if req.Signals[model.NorthBound] == model.ColorRed && req.TaskID == "task-demo" {
			seenSignals = true
		}
		if req.FrameNumber == 2 {
			return &detector.Result{Violations: []detector.Violation{
				{Type: "red_light", TrackID: 7, Confidence: 0.9, Direction: "north_bound", Screenshot: shot},
				{Type: "jaywalking", TrackID: 8, Confidence: 0.9},
			}}, nil
		}
		return &detector.Result{}, nil
	})

	task, err := h.mgr.Start(context.Background(), StartRequest{
		TaskID:         "task-demo",
		Source:         "videos/clip.mp4",
		IntersectionID: 2,
		Direction:      "north",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if task.Status != model.TaskStarting || task.Direction != model.NorthBound {
		t.Errorf("started task = %+v", task)
	}

	final := h.waitTerminal(t, "task-demo")
	if final.Status != model.TaskCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Error)
	}
	if final.Progress != 100 || final.FramesTotal != 3 || final.FramesProcessed != 3 || final.ViolationCount != 1 {
		t.Errorf("final = %+v", final)
	}
	if final.Result == nil || final.Result.ViolationSummary.ByType[model.ViolationRedLight] != 1 {
		t.Errorf("result = %+v", final.Result)
	}
	if !seenSignals {
		t.Error("detector never received the board's signals")
	}

	list, total, _ := h.store.ListViolations(context.Background(), model.ViolationFilter{TaskID: "task-demo"})
	if total != 1 {
		t.Fatalf("stored violations = %d, want 1", total)
	}
	v := list[0]
	if v.FrameNumber != 2 || v.IntersectionID != 2 || v.Source != model.SourceVideo {
		t.Errorf("violation = %+v", v)
	}
	var buf bytes.Buffer
	if err := h.media.Get(context.Background(), v.Screenshot, &buf); err != nil || buf.String() != "screenshot" {
		t.Errorf("screenshot %q = %q, %v", v.Screenshot, buf.String(), err)
	}

	if got := h.emitter.count(events.TopicFrame); got != 3 {
		t.Errorf("frame events = %d, want 3", got)
	}
	if got := h.emitter.count(events.TopicViolation); got != 1 {
		t.Errorf("violation events = %d, want 1", got)
	}
	if got := h.emitter.count(events.TopicTaskComplete); got != 1 {
		t.Errorf("complete events = %d, want 1", got)
	}
	topics := h.emitter.topics()
	if topics[0] != events.TopicTaskStatus || topics[len(topics)-1] != events.TopicTaskComplete {
		t.Errorf("event order = %v", topics)
	}
}

func TestStart_FrameProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, &fakeFrames{n: 7}, noViolations)
	if _, err := h.mgr.Start(context.Background(), StartRequest{TaskID: "task-p", Source: "videos/clip.mp4"}); err != nil {
		t.Fatal(err)
	}
	h.waitTerminal(t, "task-p")

	last := -1
	h.emitter.mu.Lock()
	defer h.emitter.mu.Unlock()
	for _, ev := range h.emitter.events {
		f, ok := ev.event.(events.Frame)
		if !ok {
			continue
		}
		if f.Progress < last || f.Progress > 100 {
			t.Errorf("progress went %d -> %d", last, f.Progress)
		}
		last = f.Progress
	}
	if last != 100 {
		t.Errorf("last frame progress = %d, want 100", last)
	}
}

func TestStart_FailedFramesSkipped(t *testing.T) {
	h := newHarness(t, &fakeFrames{n: 4}, func(_ context.Context, req detector.Request) (*detector.Result, error) {
		if req.FrameNumber == 3 {
			return nil, detector.ErrUnavailable
		}
		return &detector.Result{}, nil
	})
	if _, err := h.mgr.Start(context.Background(), StartRequest{TaskID: "task-skip", Source: "videos/clip.mp4"}); err != nil {
		t.Fatal(err)
	}
	final := h.waitTerminal(t, "task-skip")
	if final.Status != model.TaskCompleted || final.FramesProcessed != 3 || final.FramesFailed != 1 {
		t.Errorf("final = %+v", final)
	}
}

func TestStart_AllFramesFailing(t *testing.T) {
	h := newHarness(t, &fakeFrames{n: 2}, func(context.Context, detector.Request) (*detector.Result, error) {
		return nil, errors.New("model crashed")
	})
	if _, err := h.mgr.Start(context.Background(), StartRequest{TaskID: "task-bad", Source: "videos/clip.mp4"}); err != nil {
		t.Fatal(err)
	}
	final := h.waitTerminal(t, "task-bad")
	if final.Status != model.TaskFailed || final.Error == "" || final.FinishedAt == nil {
		t.Errorf("final = %+v", final)
	}
	if h.emitter.count(events.TopicTaskError) != 1 {
		t.Errorf("error events = %d, want 1", h.emitter.count(events.TopicTaskError))
	}
}

func TestStart_ExtractFailure(t *testing.T) {
	h := newHarness(t, &fakeFrames{err: errors.New("ffmpeg failed: moov atom not found")}, noViolations)
	if _, err := h.mgr.Start(context.Background(), StartRequest{TaskID: "task-x", Source: "videos/clip.mp4"}); err != nil {
		t.Fatal(err)
	}
	final := h.waitTerminal(t, "task-x")
	if final.Status != model.TaskFailed || !strings.Contains(final.Error, "moov atom") {
		t.Errorf("final = %+v", final)
	}
}

func TestStart_DownloadsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	h := newHarness(t, &fakeFrames{n: 1}, noViolations)
	if _, err := h.mgr.Start(context.Background(), StartRequest{TaskID: "task-url", Source: srv.URL + "/cam/1.mp4"}); err != nil {
		t.Fatal(err)
	}
	if final := h.waitTerminal(t, "task-url"); final.Status != model.TaskCompleted {
		t.Errorf("status = %s (%s)", final.Status, final.Error)
	}
}

func TestStart_DetectTypesFilter(t *testing.T) {
	h := newHarness(t, &fakeFrames{n: 1}, func(context.Context, detector.Request) (*detector.Result, error) {
		return &detector.Result{Violations: []detector.Violation{{Type: "wrong_way_driving", Confidence: 0.8}}}, nil
	})
	_, err := h.mgr.Start(context.Background(), StartRequest{
		TaskID:      "task-f",
		Source:      "videos/clip.mp4",
		DetectTypes: []model.ViolationType{model.ViolationRedLight},
	})
	if err != nil {
		t.Fatal(err)
	}
	if final := h.waitTerminal(t, "task-f"); final.ViolationCount != 0 {
		t.Errorf("ViolationCount = %d, want 0", final.ViolationCount)
	}
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t, &fakeFrames{n: 1}, noViolations)
	outside := filepath.Join(t.TempDir(), "elsewhere.mp4")
	os.WriteFile(outside, []byte("x"), 0o644)

	for _, tc := range []struct {
		name string
		req  StartRequest
	}{
		{"no source", StartRequest{TaskID: "t1"}},
		{"outside media dir", StartRequest{TaskID: "t2", Source: outside}},
		{"relative escape", StartRequest{TaskID: "t3", Source: "../../etc/passwd"}},
		{"missing local file", StartRequest{TaskID: "t4", Source: "nope.mp4"}},
		{"bad direction", StartRequest{TaskID: "t5", Source: "videos/clip.mp4", Direction: "up"}},
		{"bad rois", StartRequest{TaskID: "t6", Source: "videos/clip.mp4", RoisConfig: "../rois.json"}},
		{"id with slash", StartRequest{TaskID: "cam/1", Source: "videos/clip.mp4"}},
		{"id escaping", StartRequest{TaskID: "../x", Source: "videos/clip.mp4"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.mgr.Start(context.Background(), tc.req)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
	if len(h.mgr.Active()) != 0 {
		t.Errorf("rejected starts left active runs: %v", h.mgr.Active())
	}
}

func TestStart_LocalPathInsideMediaDir(t *testing.T) {
	h := newHarness(t, &fakeFrames{n: 1}, noViolations)
	p := filepath.Join(h.media.Root(), "videos", "clip.mp4")
	if _, err := h.mgr.Start(context.Background(), StartRequest{TaskID: "task-local", Source: p}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if final := h.waitTerminal(t, "task-local"); final.Status != model.TaskCompleted {
		t.Errorf("status = %s (%s)", final.Status, final.Error)
	}
}

// blockingDetector waits until the task is cancelled.
func blockingDetector(started chan<- struct{}) detectFunc {
	var once sync.Once
	return func(ctx context.Context, _ detector.Request) (*detector.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestStop(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, &fakeFrames{n: 50}, blockingDetector(started))
	if _, err := h.mgr.Start(context.Background(), StartRequest{TaskID: "task-stop", Source: "videos/clip.mp4"}); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.mgr.Stop(ctx, "task-stop")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if task.Status != model.TaskStopped || task.FinishedAt == nil {
		t.Errorf("stopped task = %+v", task)
	}

	stored, _ := h.store.GetTask(context.Background(), "task-stop")
	if stored.Status != model.TaskStopped {
		t.Errorf("stored status = %s", stored.Status)
	}

	if _, err := h.mgr.Stop(ctx, "task-stop"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Stop = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.mgr.Stop(ctx, "task-ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop(unknown) = %v, want ErrNotFound", err)
	}
}

func TestStart_DuplicateActive(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, &fakeFrames{n: 5}, blockingDetector(started))
	req := StartRequest{TaskID: "task-dup", Source: "videos/clip.mp4"}
	if _, err := h.mgr.Start(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	<-started
	if _, err := h.mgr.Start(context.Background(), req); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Start = %v, want ErrDuplicate", err)
	}
}

func TestStart_FinishedIDNotReused(t *testing.T) {
	h := newHarness(t, &fakeFrames{n: 1}, noViolations)
	req := StartRequest{TaskID: "task-once", Source: "videos/clip.mp4"}
	if _, err := h.mgr.Start(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if final := h.waitTerminal(t, "task-once"); final.Status != model.TaskCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Error)
	}
	if _, err := h.mgr.Start(context.Background(), req); !errors.Is(err, ErrDuplicate) {
		t.Errorf("restart of finished task = %v, want ErrDuplicate", err)
	}
}

func TestWorkDirName(t *testing.T) {
	for in, want := range map[string]string{
		"task-abc": "task-abc",
		"cam.1_n":  "cam_1_n",
		"cam/1":    "cam_1",
		`a\b`:      "a_b",
		"路口":       "__",
	} {
		if got := workDirName(in); got != want {
			t.Errorf("workDirName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShutdown_StopsRunningTasks(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, &fakeFrames{n: 5}, blockingDetector(started))
	if _, err := h.mgr.Start(context.Background(), StartRequest{TaskID: "task-sd", Source: "videos/clip.mp4"}); err != nil {
		t.Fatal(err)
	}
	<-started
	h.mgr.Shutdown()

	stored, _ := h.store.GetTask(context.Background(), "task-sd")
	if stored == nil || stored.Status != model.TaskStopped {
		t.Errorf("stored = %+v, want stopped", stored)
	}
}

func TestGet_Unknown(t *testing.T) {
	h := newHarness(t, &fakeFrames{n: 1}, noViolations)
	if _, err := h.mgr.Get(context.Background(), "task-none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestList_GeneratedIDs(t *testing.T) {
	h := newHarness(t, &fakeFrames{n: 1}, noViolations)
	task, err := h.mgr.Start(context.Background(), StartRequest{Source: "videos/clip.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(task.ID, "task-") {
		t.Errorf("generated ID = %q", task.ID)
	}
	h.waitTerminal(t, task.ID)

	tasks, total, err := h.mgr.List(context.Background(), model.TaskFilter{})
	if err != nil || total != 1 || tasks[0].ID != task.ID {
		t.Errorf("List = %v, %d, %v", tasks, total, err)
	}
}
