package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/store/memory"
)

func TestExportJSONL_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), memory.New(100), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := nonEmptyLines(buf.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (header only), got %d", len(lines))
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.Version != "1" || h.Type != "header" || h.TaskCount != 0 || h.ViolationCount != 0 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func seed(t *testing.T, violations int) *memory.Store {
	t.Helper()
	ms := memory.New(10000)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"task-zzz", "task-aaa"} {
		if err := ms.CreateTask(ctx, &model.Task{
			ID: id, Status: model.TaskCompleted, Source: "videos/clip.mp4",
			IntersectionID: 1, Direction: model.SouthBound, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}
	for i := range violations {
		if err := ms.RecordViolation(ctx, &model.Violation{
			ID:        fmt.Sprintf("vio-%04d", i),
			TaskID:    "task-aaa",
			Type:      model.ViolationRedLight,
			TrackID:   i,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}
	return ms
}

func TestExportJSONL_TasksAndViolations(t *testing.T) {
	ms := seed(t, 3)

	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), ms, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := nonEmptyLines(buf.String())
	// 1 header + 2 tasks + 3 violations
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d:\n%s", len(lines), buf.String())
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.TaskCount != 2 || h.ViolationCount != 3 {
		t.Fatalf("header counts: task=%d violation=%d", h.TaskCount, h.ViolationCount)
	}

	var types []string
	var ids []string
	for _, line := range lines[1:] {
		var rec struct {
			Type string `json:"type"`
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		types = append(types, rec.Type)
		ids = append(ids, rec.Data.ID)
	}
	if strings.Join(types, ",") != "task,task,violation,violation,violation" {
		t.Fatalf("unexpected record order %v", types)
	}
	// Tasks sorted by ID, violations oldest first.
	if strings.Join(ids, ",") != "task-aaa,task-zzz,vio-0000,vio-0001,vio-0002" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestExportJSONL_Pages(t *testing.T) {
	ms := seed(t, exportPage+20)

	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), ms, &buf); err != nil {
		t.Fatal(err)
	}
	if n := len(nonEmptyLines(buf.String())); n != 1+2+exportPage+20 {
		t.Fatalf("expected every violation exported, got %d lines", n)
	}
}

type failingSource struct{ *memory.Store }

func (failingSource) ListViolations(context.Context, model.ViolationFilter) ([]*model.Violation, int, error) {
	return nil, 0, errors.New("db down")
}

func TestExportJSONL_SourceError(t *testing.T) {
	err := ExportJSONL(context.Background(), failingSource{Store: memory.New(10)}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "list violations") {
		t.Fatalf("expected wrapped list error, got %v", err)
	}
}

func nonEmptyLines(s string) []string {
	var result []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			result = append(result, line)
		}
	}
	return result
}
