package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// taskFields returns scan destinations for taskColumns and a finish func that
// copies the nullable columns into t.
func taskFields(t *model.Task) ([]any, func() error) {
	var (
		rois        sql.NullString
		detectTypes pq.StringArray
		errText     sql.NullString
		result      []byte
		finishedAt  sql.NullTime
	)
	dest := []any{
		&t.ID,
		&t.Status,
		&t.Source,
		&t.IntersectionID,
		&t.Direction,
		&rois,
		&detectTypes,
		&t.Progress,
		&t.FramesTotal,
		&t.FramesProcessed,
		&t.FramesFailed,
		&t.ViolationCount,
		&errText,
		&result,
		&t.CreatedAt,
		&t.UpdatedAt,
		&finishedAt,
	}
	finish := func() error {
		t.RoisConfig = rois.String
		t.Error = errText.String
		if len(detectTypes) > 0 {
			t.DetectTypes = make([]model.ViolationType, len(detectTypes))
			for i, s := range detectTypes {
				t.DetectTypes[i] = model.ViolationType(s)
			}
		}
		if finishedAt.Valid {
			ft := finishedAt.Time
			t.FinishedAt = &ft
		}
		if len(result) > 0 {
			var r model.TaskResult
			if err := json.Unmarshal(result, &r); err != nil {
				return fmt.Errorf("decode task result: %w", err)
			}
			t.Result = &r
		}
		return nil
	}
	return dest, finish
}

// scanTask scans a single row into a model.Task.
// The row must contain columns in the order defined by taskColumns.
func scanTask(row scannable) (*model.Task, error) {
	var t model.Task
	dest, finish := taskFields(&t)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return &t, nil
}

// scanTaskWithTotal scans a row with a leading total_count column.
func scanTaskWithTotal(row scannable) (*model.Task, int, error) {
	var total int
	var t model.Task
	dest, finish := taskFields(&t)
	if err := row.Scan(append([]any{&total}, dest...)...); err != nil {
		return nil, 0, err
	}
	if err := finish(); err != nil {
		return nil, 0, err
	}
	return &t, total, nil
}

func violationFields(v *model.Violation) ([]any, func()) {
	var (
		taskID     sql.NullString
		direction  sql.NullString
		screenshot  sql.NullString
		source      sql.NullString
		processedBy sql.NullString
		processedAt sql.NullTime
		notes       sql.NullString
	)
	dest := []any{
		&v.ID,
		&taskID,
		&v.IntersectionID,
		&v.Type,
		&v.TrackID,
		&direction,
		&v.Confidence,
		&v.FrameNumber,
		&screenshot,
		&source,
		&v.Timestamp,
		&v.Status,
		&processedBy,
		&processedAt,
		&notes,
	}
	return dest, func() {
		v.TaskID = taskID.String
		v.Direction = model.Direction(direction.String)
		v.Screenshot = screenshot.String
		v.Source = model.ViolationSource(source.String)
		v.ProcessedBy = processedBy.String
		v.ReviewNotes = notes.String
		if processedAt.Valid {
			at := processedAt.Time
			v.ProcessedAt = &at
		}
	}
}

// scanViolation scans a row in violationColumns order.
func scanViolation(row scannable) (*model.Violation, error) {
	var v model.Violation
	dest, finish := violationFields(&v)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	finish()
	return &v, nil
}

func scanViolationWithTotal(row scannable) (*model.Violation, int, error) {
	var total int
	var v model.Violation
	dest, finish := violationFields(&v)
	if err := row.Scan(append([]any{&total}, dest...)...); err != nil {
		return nil, 0, err
	}
	finish()
	return &v, total, nil
}

func scanSignalChange(row scannable) (*model.SignalChange, error) {
	var (
		c        model.SignalChange
		signals  []byte
		leftTurn []byte
	)
	if err := row.Scan(&c.ID, &c.IntersectionID, &signals, &leftTurn, &c.Source, &c.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(signals, &c.Signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	if err := json.Unmarshal(leftTurn, &c.LeftTurnSignals); err != nil {
		return nil, fmt.Errorf("decode left turn signals: %w", err)
	}
	return &c, nil
}

// nullTimePtr converts a *time.Time to sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullJSON passes an empty encoding as SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func detectTypesArray(types []model.ViolationType) pq.StringArray {
	out := make(pq.StringArray, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
