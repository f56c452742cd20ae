package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/store"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var taskRowColumns = []string{
	"id", "status", "source", "intersection_id", "direction", "rois_config",
	"detect_types", "progress", "frames_total", "frames_processed", "frames_failed",
	"violation_count", "error", "result", "created_at", "updated_at", "finished_at",
}

var violationRowColumns = []string{
	"id", "task_id", "intersection_id", "type", "track_id", "direction",
	"confidence", "frame_number", "screenshot", "source", "detected_at",
	"status", "processed_by", "processed_at", "review_notes",
}

func withTotal(cols []string) []string {
	return append([]string{"total_count"}, cols...)
}

func TestGetTask_Found(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	now := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery("SELECT .+ FROM tasks WHERE id = \\$1").WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(
			"task-1", "completed", "videos/a.mp4", 2, "south_bound", "rois_2.json",
			[]byte("{red_light,wrong_way}"), 100, 40, 39, 1,
			3, nil, []byte(`{"totalFrames":40,"processedFrames":39,"elapsedTime":4,"actualFps":9.75,"violationSummary":{"total":3,"byType":{"red_light":3}}}`),
			now, now, now,
		))

	task, err := s.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != model.TaskCompleted || task.Direction != model.SouthBound {
		t.Errorf("task = %+v", task)
	}
	if len(task.DetectTypes) != 2 || task.DetectTypes[1] != model.ViolationWrongWay {
		t.Errorf("DetectTypes = %v", task.DetectTypes)
	}
	if task.Result == nil || task.Result.ViolationSummary.ByType[model.ViolationRedLight] != 3 {
		t.Errorf("Result = %+v", task.Result)
	}
	if task.FinishedAt == nil || !task.FinishedAt.Equal(now) {
		t.Errorf("FinishedAt = %v", task.FinishedAt)
	}
	if task.RoisConfig != "rois_2.json" {
		t.Errorf("RoisConfig = %q", task.RoisConfig)
	}
}

func TestGetTask_MissingIsNil(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectQuery("SELECT .+ FROM tasks WHERE id = \\$1").WithArgs("task-x").
		WillReturnRows(sqlmock.NewRows(taskRowColumns))

	task, err := s.GetTask(context.Background(), "task-x")
	if err != nil || task != nil {
		t.Fatalf("GetTask(missing) = %v, %v; want nil, nil", task, err)
	}
}

func TestCreateTask(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	now := time.Now()

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("task-1", "starting", "http://cam/1.mp4", 1, "north_bound", nil,
			sqlmock.AnyArg(), 0, 0, 0, 0, 0, nil, nil, now, now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CreateTask(context.Background(), &model.Task{
		ID:             "task-1",
		Status:         model.TaskStarting,
		Source:         "http://cam/1.mp4",
		IntersectionID: 1,
		Direction:      model.NorthBound,
		DetectTypes:    []model.ViolationType{model.ViolationRedLight},
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectQuery("UPDATE tasks SET").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}))

	err := s.UpdateTask(context.Background(), &model.Task{ID: "task-ghost", Status: model.TaskFailed})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("UpdateTask = %v, want ErrNotFound", err)
	}
}

func TestUpdateTask_SetsUpdatedAt(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("UPDATE tasks SET").
		WithArgs("task-1", "processing", 50, 10, 5, 0, 2, nil, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(updated))

	task := &model.Task{ID: "task-1", Status: model.TaskProcessing, Progress: 50, FramesTotal: 10, FramesProcessed: 5, ViolationCount: 2}
	if err := s.UpdateTask(context.Background(), task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if !task.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v", task.UpdatedAt, updated)
	}
}

func TestListTasks_StatusFilter(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	rows := sqlmock.NewRows(withTotal(taskRowColumns)).
		AddRow(2, "task-2", "failed", "a.mp4", 1, "north_bound", nil, []byte("{}"), 0, 0, 0, 0, 0, "decode error", nil, now, now, now).
		AddRow(2, "task-1", "stopped", "b.mp4", 1, "north_bound", nil, []byte("{}"), 10, 5, 1, 0, 0, nil, nil, now, now, now)
	mock.ExpectQuery(`SELECT COUNT\(\*\) OVER\(\) AS total_count, .+ FROM tasks WHERE status IN \(\$1, \$2\) ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("failed", "stopped", 10).
		WillReturnRows(rows)

	tasks, total, err := queryListTasks(context.Background(), db, model.TaskFilter{
		Status: []model.TaskStatus{model.TaskFailed, model.TaskStopped},
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("queryListTasks: %v", err)
	}
	if total != 2 || len(tasks) != 2 {
		t.Fatalf("got %d/%d", len(tasks), total)
	}
	if tasks[0].Error != "decode error" {
		t.Errorf("Error = %q", tasks[0].Error)
	}
	if tasks[0].DetectTypes != nil {
		t.Errorf("empty array scanned as %v", tasks[0].DetectTypes)
	}
}

func TestListViolations_Filters(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	since := now.Add(-time.Hour)

	mock.ExpectQuery(`FROM violations WHERE task_id = \$1 AND type = \$2 AND intersection_id = \$3 AND status = \$4 AND detected_at >= \$5 ORDER BY detected_at DESC, id DESC LIMIT \$6 OFFSET \$7`).
		WithArgs("task-1", "red_light", 3, "confirmed", since, 5, 10).
		WillReturnRows(sqlmock.NewRows(withTotal(violationRowColumns)).
			AddRow(11, "vio-1", "task-1", 3, "red_light", 7, "east_bound", 0.93, 120, "screenshots/vio-1.jpg", "video", now,
				"confirmed", "officer-7", now, "clear plate"))

	list, total, err := queryListViolations(context.Background(), db, model.ViolationFilter{
		TaskID:         "task-1",
		Type:           model.ViolationRedLight,
		IntersectionID: 3,
		Status:         model.ViolationConfirmed,
		Since:          since,
		Limit:          5,
		Offset:         10,
	})
	if err != nil {
		t.Fatalf("queryListViolations: %v", err)
	}
	if total != 11 || len(list) != 1 {
		t.Fatalf("got %d/%d", len(list), total)
	}
	v := list[0]
	if v.TrackID != 7 || v.Direction != model.EastBound || v.Source != model.SourceVideo || v.Screenshot == "" {
		t.Errorf("violation = %+v", v)
	}
	if v.Status != model.ViolationConfirmed || v.ProcessedBy != "officer-7" || v.ProcessedAt == nil || v.ReviewNotes != "clear plate" {
		t.Errorf("review fields = %+v", v)
	}
}

func TestGetViolation_NullableColumns(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	now := time.Now()

	mock.ExpectQuery("SELECT .+ FROM violations WHERE id = \\$1").WithArgs("vio-9").
		WillReturnRows(sqlmock.NewRows(violationRowColumns).
			AddRow("vio-9", nil, 0, "wrong_way", 2, nil, 0.5, 0, nil, nil, now, "pending", nil, nil, nil))

	v, err := s.GetViolation(context.Background(), "vio-9")
	if err != nil {
		t.Fatalf("GetViolation: %v", err)
	}
	if v.TaskID != "" || v.Direction != "" || v.Type != model.ViolationWrongWay {
		t.Errorf("violation = %+v", v)
	}
	if v.Status != model.ViolationPending || v.ProcessedAt != nil {
		t.Errorf("review fields = %+v", v)
	}
}

func TestSummarizeViolations(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT type, COUNT\(\*\) FROM violations WHERE task_id = \$1 GROUP BY type`).
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"type", "count"}).
			AddRow("red_light", 4).
			AddRow("lane_change", 1))

	sum, err := querySummarizeViolations(context.Background(), db, "task-1")
	if err != nil {
		t.Fatalf("querySummarizeViolations: %v", err)
	}
	if sum.Total != 5 || sum.ByType[model.ViolationRedLight] != 4 {
		t.Errorf("summary = %+v", sum)
	}
	if n, ok := sum.ByType[model.ViolationWrongWay]; !ok || n != 0 {
		t.Errorf("unseen types should be present at zero: %v", sum.ByType)
	}
}

func TestRecordViolation_PrunesPeriodically(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db, retention: 50}
	s.recorded.Store(pruneEvery - 1)

	mock.ExpectExec("INSERT INTO violations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM violations").WithArgs(50).WillReturnResult(sqlmock.NewResult(0, 7))

	v := &model.Violation{ID: "vio-1", Type: model.ViolationRedLight, Timestamp: time.Now()}
	if err := s.RecordViolation(context.Background(), v); err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}
}

func TestRecordViolation_PruneFailureIgnored(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db, retention: 50}
	s.recorded.Store(pruneEvery - 1)

	mock.ExpectExec("INSERT INTO violations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM violations").WillReturnError(errors.New("lock timeout"))

	v := &model.Violation{ID: "vio-1", Type: model.ViolationRedLight, Timestamp: time.Now()}
	if err := s.RecordViolation(context.Background(), v); err != nil {
		t.Fatalf("RecordViolation = %v, want nil", err)
	}
}

func TestRecordViolation_DefaultsToPending(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	now := time.Now()

	mock.ExpectExec("INSERT INTO violations").
		WithArgs("vio-1", nil, 0, "red_light_running", 0, nil, 0.8, 0, nil, nil, now, "pending", nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v := &model.Violation{ID: "vio-1", Type: model.ViolationRedLight, Confidence: 0.8, Timestamp: now}
	if err := s.RecordViolation(context.Background(), v); err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}
	if v.Status != model.ViolationPending {
		t.Errorf("status = %q, want pending", v.Status)
	}
}

func TestReviewViolation(t *testing.T) {
	now := time.Now()
	review := model.ViolationReview{Status: model.ViolationConfirmed, ProcessedBy: "officer-7", ProcessedAt: now}

	t.Run("pending", func(t *testing.T) {
		db, mock := newMockDB(t)
		s := &PostgresStore{db: db}
		mock.ExpectQuery(`UPDATE violations SET .+ WHERE id = \$1 AND status = 'pending' RETURNING`).
			WithArgs("vio-1", "confirmed", "officer-7", now, nil).
			WillReturnRows(sqlmock.NewRows(violationRowColumns).
				AddRow("vio-1", "task-1", 1, "red_light_running", 3, nil, 0.9, 10, nil, "video", now, "confirmed", "officer-7", now, nil))

		v, err := s.ReviewViolation(context.Background(), "vio-1", review)
		if err != nil {
			t.Fatalf("ReviewViolation: %v", err)
		}
		if v.Status != model.ViolationConfirmed || v.ProcessedBy != "officer-7" {
			t.Errorf("violation = %+v", v)
		}
	})

	t.Run("already reviewed", func(t *testing.T) {
		db, mock := newMockDB(t)
		s := &PostgresStore{db: db}
		mock.ExpectQuery("UPDATE violations").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT .+ FROM violations WHERE id = \\$1").WithArgs("vio-1").
			WillReturnRows(sqlmock.NewRows(violationRowColumns).
				AddRow("vio-1", "task-1", 1, "red_light_running", 3, nil, 0.9, 10, nil, "video", now, "rejected", nil, now, nil))

		_, err := s.ReviewViolation(context.Background(), "vio-1", review)
		if !errors.Is(err, store.ErrAlreadyReviewed) {
			t.Errorf("err = %v, want ErrAlreadyReviewed", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		db, mock := newMockDB(t)
		s := &PostgresStore{db: db}
		mock.ExpectQuery("UPDATE violations").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT .+ FROM violations WHERE id = \\$1").WithArgs("vio-x").WillReturnError(sql.ErrNoRows)

		_, err := s.ReviewViolation(context.Background(), "vio-x", review)
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestViolationStats(t *testing.T) {
	db, mock := newMockDB(t)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM violations WHERE detected_at >= \$1 AND detected_at < \$2 GROUP BY status`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 4).
			AddRow("confirmed", 2))
	mock.ExpectQuery(`SELECT type, COUNT\(\*\) FROM violations .+ GROUP BY type ORDER BY COUNT\(\*\) DESC, type`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"type", "count"}).
			AddRow("red_light_running", 5).
			AddRow("wrong_way_driving", 1))
	mock.ExpectQuery(`SELECT date_trunc\(\$3, detected_at AT TIME ZONE 'UTC'\) AS bucket`).
		WithArgs(from, to, "hour").
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "count"}).
			AddRow(from.Add(8*time.Hour), 6))
	mock.ExpectQuery(`EXTRACT\(DOW FROM detected_at AT TIME ZONE 'UTC'\)`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"hour", "weekday", "count"}).
			AddRow(8, 0, 6))

	stats, err := queryViolationStats(context.Background(), db, model.StatsQuery{From: from, To: to, Granularity: model.GranularityHour})
	if err != nil {
		t.Fatalf("queryViolationStats: %v", err)
	}
	if stats.Total != 6 || stats.ByStatus[model.ViolationPending] != 4 || stats.ByStatus[model.ViolationRejected] != 0 {
		t.Errorf("totals = %d %v", stats.Total, stats.ByStatus)
	}
	if len(stats.ByType) != 2 || stats.ByType[0].Type != model.ViolationRedLight {
		t.Errorf("ByType = %v", stats.ByType)
	}
	if len(stats.Trend) != 1 || !stats.Trend[0].Bucket.Equal(from.Add(8*time.Hour)) {
		t.Errorf("Trend = %v", stats.Trend)
	}
	if len(stats.Heatmap) != 1 || stats.Heatmap[0] != (model.HeatCell{Hour: 8, Weekday: 0, Count: 6}) {
		t.Errorf("Heatmap = %v", stats.Heatmap)
	}
}

func TestSignalChanges(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	now := time.Now()

	mock.ExpectQuery("INSERT INTO signal_changes").
		WithArgs(1, sqlmock.AnyArg(), sqlmock.AnyArg(), "kafka").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), now))

	c := &model.SignalChange{
		IntersectionID:  1,
		Signals:         map[model.Direction]model.Color{model.NorthBound: model.ColorGreen},
		LeftTurnSignals: map[model.Direction]model.Color{model.NorthBound: model.ColorRed},
		Source:          "kafka",
	}
	if err := s.RecordSignalChange(context.Background(), c); err != nil {
		t.Fatalf("RecordSignalChange: %v", err)
	}
	if c.ID != 42 {
		t.Errorf("ID = %d, want 42", c.ID)
	}

	mock.ExpectQuery(`FROM signal_changes WHERE intersection_id = \$1 ORDER BY id DESC LIMIT \$2`).
		WithArgs(1, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "intersection_id", "signals", "left_turn_signals", "source", "created_at"}).
			AddRow(int64(42), 1, []byte(`{"north_bound":"green"}`), []byte(`{"north_bound":"red"}`), "kafka", now))

	got, err := s.ListSignalChanges(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("ListSignalChanges: %v", err)
	}
	if len(got) != 1 || got[0].Signals[model.NorthBound] != model.ColorGreen {
		t.Errorf("changes = %+v", got)
	}
}
