package store

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// ErrNotFound is returned by updates that target a missing row.
// Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("not found")

// ErrAlreadyReviewed is returned when a review targets a violation that is no
// longer pending.
var ErrAlreadyReviewed = errors.New("violation already reviewed")

// Store defines the persistence interface for tasks, violations and signal history.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, int, error) // returns tasks, total count, error

	// Violations
	RecordViolation(ctx context.Context, v *model.Violation) error
	GetViolation(ctx context.Context, id string) (*model.Violation, error)
	ListViolations(ctx context.Context, filter model.ViolationFilter) ([]*model.Violation, int, error) // newest first
	SummarizeViolations(ctx context.Context, taskID string) (model.ViolationSummary, error)
	ReviewViolation(ctx context.Context, id string, r model.ViolationReview) (*model.Violation, error)
	ViolationStats(ctx context.Context, q model.StatsQuery) (*model.ViolationStats, error)

	// Signal history
	RecordSignalChange(ctx context.Context, c *model.SignalChange) error
	ListSignalChanges(ctx context.Context, intersectionID int, limit int) ([]*model.SignalChange, error)

	Close() error
}
