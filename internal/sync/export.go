package sync

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// exportPage is how many rows are read from the store per query.
const exportPage = 500

// Source is the read side of the store that an export needs.
// store.Store satisfies it.
type Source interface {
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, int, error)
	ListViolations(ctx context.Context, filter model.ViolationFilter) ([]*model.Violation, int, error)
}

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version        string    `json:"version"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	TaskCount      int       `json:"task_count"`
	ViolationCount int       `json:"violation_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes every stored task and violation as JSONL to w: a header
// line, then tasks sorted by ID, then violations oldest first.
func ExportJSONL(ctx context.Context, s Source, w io.Writer) error {
	var tasks []*model.Task
	for offset := 0; ; offset += exportPage {
		page, total, err := s.ListTasks(ctx, model.TaskFilter{Limit: exportPage, Offset: offset})
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, page...)
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].ID < tasks[j].ID
	})

	var violations []*model.Violation
	for offset := 0; ; offset += exportPage {
		page, total, err := s.ListViolations(ctx, model.ViolationFilter{Limit: exportPage, Offset: offset})
		if err != nil {
			return fmt.Errorf("list violations: %w", err)
		}
		violations = append(violations, page...)
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}
	sort.SliceStable(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:        "1",
		Type:           "header",
		Timestamp:      time.Now().UTC(),
		TaskCount:      len(tasks),
		ViolationCount: len(violations),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, t := range tasks {
		if err := enc.Encode(record{Type: "task", Data: t}); err != nil {
			return fmt.Errorf("encode task %s: %w", t.ID, err)
		}
	}
	for _, v := range violations {
		if err := enc.Encode(record{Type: "violation", Data: v}); err != nil {
			return fmt.Errorf("encode violation %s: %w", v.ID, err)
		}
	}
	return nil
}
