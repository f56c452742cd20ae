// Package memory implements store.Store in process memory. It backs the
// gateway when no database is configured; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/store"
)

// maxSignalChanges bounds the per-process signal history.
const maxSignalChanges = 1000

// Store keeps tasks, the most recent violations and signal history in memory.
// Tasks and violations share the retention bound; running tasks are never
// evicted.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]*model.Task
	violations []*model.Violation // oldest first
	retention  int
	changes    []*model.SignalChange
	nextChange int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty store that keeps at most retention violations and
// retention finished tasks beyond the running ones.
func New(retention int) *Store {
	if retention <= 0 {
		retention = 1000
	}
	return &Store{
		tasks:     make(map[string]*model.Task),
		retention: retention,
	}
}

func copyTask(t *model.Task) *model.Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	c.DetectTypes = append([]model.ViolationType(nil), t.DetectTypes...)
	return &c
}

func (s *Store) CreateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = copyTask(task)
	s.pruneTasks()
	return nil
}

// pruneTasks drops the oldest finished tasks while the map is over the
// retention bound. s.mu must be held.
func (s *Store) pruneTasks() {
	over := len(s.tasks) - s.retention
	if over <= 0 {
		return
	}
	done := lo.Filter(lo.Values(s.tasks), func(t *model.Task, _ int) bool { return t.Status.IsTerminal() })
	sort.Slice(done, func(i, j int) bool { return done[i].CreatedAt.Before(done[j].CreatedAt) })
	for _, t := range done[:min(over, len(done))] {
		delete(s.tasks, t.ID)
	}
}

func (s *Store) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (s *Store) UpdateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return store.ErrNotFound
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *Store) ListTasks(_ context.Context, filter model.TaskFilter) ([]*model.Task, int, error) {
	s.mu.RLock()
	all := lo.MapToSlice(s.tasks, func(_ string, t *model.Task) *model.Task { return copyTask(t) })
	s.mu.RUnlock()

	if len(filter.Status) > 0 {
		all = lo.Filter(all, func(t *model.Task, _ int) bool { return lo.Contains(filter.Status, t.Status) })
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, filter.Offset, filter.Limit), len(all), nil
}

func copyViolation(v *model.Violation) *model.Violation {
	c := *v
	if v.ProcessedAt != nil {
		at := *v.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

func (s *Store) RecordViolation(_ context.Context, v *model.Violation) error {
	if v.Status == "" {
		v.Status = model.ViolationPending
	}
	c := copyViolation(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, c)
	if over := len(s.violations) - s.retention; over > 0 {
		s.violations = append([]*model.Violation(nil), s.violations[over:]...)
	}
	return nil
}

func (s *Store) GetViolation(_ context.Context, id string) (*model.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := lo.Find(s.violations, func(v *model.Violation) bool { return v.ID == id })
	if !ok {
		return nil, nil
	}
	return copyViolation(v), nil
}

func (s *Store) ListViolations(_ context.Context, filter model.ViolationFilter) ([]*model.Violation, int, error) {
	s.mu.RLock()
	matched := make([]*model.Violation, 0, len(s.violations))
	for i := len(s.violations) - 1; i >= 0; i-- {
		v := s.violations[i]
		if matchViolation(v, filter) {
			matched = append(matched, copyViolation(v))
		}
	}
	s.mu.RUnlock()
	return paginate(matched, filter.Offset, filter.Limit), len(matched), nil
}

func matchViolation(v *model.Violation, f model.ViolationFilter) bool {
	switch {
	case f.TaskID != "" && v.TaskID != f.TaskID:
		return false
	case f.Type != "" && v.Type != f.Type:
		return false
	case f.IntersectionID > 0 && v.IntersectionID != f.IntersectionID:
		return false
	case f.Status != "" && v.Status != f.Status:
		return false
	case !f.Since.IsZero() && v.Timestamp.Before(f.Since):
		return false
	}
	return true
}

func (s *Store) SummarizeViolations(_ context.Context, taskID string) (model.ViolationSummary, error) {
	sum := model.NewViolationSummary()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.violations {
		if taskID == "" || v.TaskID == taskID {
			sum.Add(v.Type)
		}
	}
	return sum, nil
}

func (s *Store) ReviewViolation(_ context.Context, id string, r model.ViolationReview) (*model.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := lo.Find(s.violations, func(v *model.Violation) bool { return v.ID == id })
	if !ok {
		return nil, store.ErrNotFound
	}
	if !model.CanReview(v.Status, r.Status) {
		return nil, store.ErrAlreadyReviewed
	}
	r.Apply(v)
	return copyViolation(v), nil
}

func (s *Store) ViolationStats(_ context.Context, q model.StatsQuery) (*model.ViolationStats, error) {
	b := model.NewStatsBuilder(q)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.violations {
		b.Add(v)
	}
	return b.Stats(), nil
}

func (s *Store) RecordSignalChange(_ context.Context, c *model.SignalChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChange++
	rec := *c
	rec.ID = s.nextChange
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	c.ID = rec.ID
	s.changes = append(s.changes, &rec)
	if over := len(s.changes) - maxSignalChanges; over > 0 {
		s.changes = append([]*model.SignalChange(nil), s.changes[over:]...)
	}
	return nil
}

func (s *Store) ListSignalChanges(_ context.Context, intersectionID int, limit int) ([]*model.SignalChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.SignalChange
	for i := len(s.changes) - 1; i >= 0; i-- {
		c := s.changes[i]
		if intersectionID > 0 && c.IntersectionID != intersectionID {
			continue
		}
		rec := *c
		out = append(out, &rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
