package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// taskColumns is the column list used for SELECT statements on the tasks table.
const taskColumns = `id, status, source, intersection_id, direction, rois_config,
	detect_types, progress, frames_total, frames_processed, frames_failed,
	violation_count, error, result, created_at, updated_at, finished_at`

const violationColumns = `id, task_id, intersection_id, type, track_id, direction,
	confidence, frame_number, screenshot, source, detected_at,
	status, processed_by, processed_at, review_notes`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryCreateTask(ctx context.Context, db executor, t *model.Task) error {
	result, err := model.MarshalResult(t.Result)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, status, source, intersection_id, direction, rois_config,
			detect_types, progress, frames_total, frames_processed, frames_failed,
			violation_count, error, result, created_at, updated_at, finished_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17
		)`,
		t.ID,
		string(t.Status),
		t.Source,
		t.IntersectionID,
		string(t.Direction),
		nullString(t.RoisConfig),
		detectTypesArray(t.DetectTypes),
		t.Progress,
		t.FramesTotal,
		t.FramesProcessed,
		t.FramesFailed,
		t.ViolationCount,
		nullString(t.Error),
		nullJSON(result),
		t.CreatedAt,
		t.UpdatedAt,
		nullTimePtr(t.FinishedAt),
	)
	return err
}

func queryGetTask(ctx context.Context, db executor, id string) (*model.Task, error) {
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func queryUpdateTask(ctx context.Context, db executor, t *model.Task) error {
	result, err := model.MarshalResult(t.Result)
	if err != nil {
		return err
	}
	return db.QueryRowContext(ctx, `
		UPDATE tasks SET
			status = $2,
			progress = $3,
			frames_total = $4,
			frames_processed = $5,
			frames_failed = $6,
			violation_count = $7,
			error = $8,
			result = $9,
			finished_at = $10,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID,
		string(t.Status),
		t.Progress,
		t.FramesTotal,
		t.FramesProcessed,
		t.FramesFailed,
		t.ViolationCount,
		nullString(t.Error),
		nullJSON(result),
		nullTimePtr(t.FinishedAt),
	).Scan(&t.UpdatedAt)
}

func queryListTasks(ctx context.Context, db executor, filter model.TaskFilter) ([]*model.Task, int, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			placeholders[i] = nextArg()
			args = append(args, string(s))
		}
		whereClauses = append(whereClauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	dataQuery := "SELECT COUNT(*) OVER() AS total_count, " + taskColumns + " FROM tasks" + whereSQL + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		dataQuery += " LIMIT " + nextArg()
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		dataQuery += " OFFSET " + nextArg()
		args = append(args, filter.Offset)
	}

	rows, err := db.QueryContext(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	var total int
	for rows.Next() {
		t, n, err := scanTaskWithTotal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan tasks: %w", err)
		}
		total = n
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan tasks: %w", err)
	}
	return tasks, total, nil
}

func queryRecordViolation(ctx context.Context, db executor, v *model.Violation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO violations (
			id, task_id, intersection_id, type, track_id, direction,
			confidence, frame_number, screenshot, source, detected_at,
			status, processed_by, processed_at, review_notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		v.ID,
		nullString(v.TaskID),
		v.IntersectionID,
		string(v.Type),
		v.TrackID,
		nullString(string(v.Direction)),
		v.Confidence,
		v.FrameNumber,
		nullString(v.Screenshot),
		nullString(string(v.Source)),
		v.Timestamp,
		string(v.Status),
		nullString(v.ProcessedBy),
		nullTimePtr(v.ProcessedAt),
		nullString(v.ReviewNotes),
	)
	return err
}

func queryGetViolation(ctx context.Context, db executor, id string) (*model.Violation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+violationColumns+` FROM violations WHERE id = $1`, id)
	return scanViolation(row)
}

func queryListViolations(ctx context.Context, db executor, filter model.ViolationFilter) ([]*model.Violation, int, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if filter.TaskID != "" {
		whereClauses = append(whereClauses, "task_id = "+nextArg())
		args = append(args, filter.TaskID)
	}
	if filter.Type != "" {
		whereClauses = append(whereClauses, "type = "+nextArg())
		args = append(args, string(filter.Type))
	}
	if filter.IntersectionID > 0 {
		whereClauses = append(whereClauses, "intersection_id = "+nextArg())
		args = append(args, filter.IntersectionID)
	}
	if filter.Status != "" {
		whereClauses = append(whereClauses, "status = "+nextArg())
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		whereClauses = append(whereClauses, "detected_at >= "+nextArg())
		args = append(args, filter.Since)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	dataQuery := "SELECT COUNT(*) OVER() AS total_count, " + violationColumns + " FROM violations" + whereSQL + " ORDER BY detected_at DESC, id DESC"
	if filter.Limit > 0 {
		dataQuery += " LIMIT " + nextArg()
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		dataQuery += " OFFSET " + nextArg()
		args = append(args, filter.Offset)
	}

	rows, err := db.QueryContext(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []*model.Violation
	var total int
	for rows.Next() {
		v, n, err := scanViolationWithTotal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan violations: %w", err)
		}
		total = n
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan violations: %w", err)
	}
	return out, total, nil
}

func querySummarizeViolations(ctx context.Context, db executor, taskID string) (model.ViolationSummary, error) {
	sum := model.NewViolationSummary()

	query := `SELECT type, COUNT(*) FROM violations`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = $1`
		args = append(args, taskID)
	}
	query += ` GROUP BY type`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return sum, fmt.Errorf("summarize violations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ   model.ViolationType
			count int
		)
		if err := rows.Scan(&typ, &count); err != nil {
			return sum, fmt.Errorf("scan summary: %w", err)
		}
		sum.ByType[typ] = count
		sum.Total += count
	}
	return sum, rows.Err()
}

// queryReviewViolation applies r to a pending violation. It returns
// sql.ErrNoRows when id is missing or already reviewed.
func queryReviewViolation(ctx context.Context, db executor, id string, r model.ViolationReview) (*model.Violation, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE violations SET
			status = $2,
			processed_by = $3,
			processed_at = $4,
			review_notes = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING `+violationColumns,
		id,
		string(r.Status),
		nullString(r.ProcessedBy),
		r.ProcessedAt,
		nullString(r.ReviewNotes),
	)
	return scanViolation(row)
}

// statsWindow restricts a statistics query to [$1, $2).
const statsWindow = ` FROM violations WHERE detected_at >= $1 AND detected_at < $2`

func queryViolationStats(ctx context.Context, db executor, q model.StatsQuery) (*model.ViolationStats, error) {
	stats := model.NewViolationStats()

	err := eachRow(ctx, db, `SELECT status, COUNT(*)`+statsWindow+` GROUP BY status`,
		[]any{q.From, q.To}, func(rows *sql.Rows) error {
			var (
				status model.ViolationStatus
				count  int
			)
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			stats.ByStatus[status] += count
			stats.Total += count
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("violation stats by status: %w", err)
	}

	stats.ByType = []model.TypeCount{}
	err = eachRow(ctx, db, `SELECT type, COUNT(*)`+statsWindow+` GROUP BY type ORDER BY COUNT(*) DESC, type`,
		[]any{q.From, q.To}, func(rows *sql.Rows) error {
			var tc model.TypeCount
			if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
				return err
			}
			stats.ByType = append(stats.ByType, tc)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("violation stats by type: %w", err)
	}

	granularity := q.Granularity
	if granularity == "" {
		granularity = model.GranularityDay
	}
	stats.Trend = []model.TrendPoint{}
	err = eachRow(ctx, db, `SELECT date_trunc($3, detected_at AT TIME ZONE 'UTC') AS bucket, COUNT(*)`+statsWindow+
		` GROUP BY bucket ORDER BY bucket`,
		[]any{q.From, q.To, string(granularity)}, func(rows *sql.Rows) error {
			var p model.TrendPoint
			if err := rows.Scan(&p.Bucket, &p.Count); err != nil {
				return err
			}
			p.Bucket = granularity.Truncate(p.Bucket)
			stats.Trend = append(stats.Trend, p)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("violation trend: %w", err)
	}

	stats.Heatmap = []model.HeatCell{}
	err = eachRow(ctx, db, `SELECT EXTRACT(HOUR FROM detected_at AT TIME ZONE 'UTC')::int AS hour,
		EXTRACT(DOW FROM detected_at AT TIME ZONE 'UTC')::int AS weekday, COUNT(*)`+statsWindow+
		` GROUP BY hour, weekday ORDER BY hour, weekday`,
		[]any{q.From, q.To}, func(rows *sql.Rows) error {
			var c model.HeatCell
			if err := rows.Scan(&c.Hour, &c.Weekday, &c.Count); err != nil {
				return err
			}
			stats.Heatmap = append(stats.Heatmap, c)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("violation heatmap: %w", err)
	}

	return stats, nil
}

// eachRow runs query and calls fn for every result row.
func eachRow(ctx context.Context, db executor, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// queryPruneViolations deletes all but the newest keep violations.
func queryPruneViolations(ctx context.Context, db executor, keep int) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM violations WHERE id IN (
			SELECT id FROM violations ORDER BY detected_at DESC, id DESC OFFSET $1
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune violations: %w", err)
	}
	return res.RowsAffected()
}

func queryRecordSignalChange(ctx context.Context, db executor, c *model.SignalChange) error {
	signals, err := json.Marshal(c.Signals)
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	leftTurn, err := json.Marshal(c.LeftTurnSignals)
	if err != nil {
		return fmt.Errorf("encode left turn signals: %w", err)
	}
	return db.QueryRowContext(ctx, `
		INSERT INTO signal_changes (intersection_id, signals, left_turn_signals, source)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		c.IntersectionID, signals, leftTurn, c.Source,
	).Scan(&c.ID, &c.CreatedAt)
}

func queryListSignalChanges(ctx context.Context, db executor, intersectionID, limit int) ([]*model.SignalChange, error) {
	query := `SELECT id, intersection_id, signals, left_turn_signals, source, created_at FROM signal_changes`
	var args []any
	if intersectionID > 0 {
		args = append(args, intersectionID)
		query += ` WHERE intersection_id = $1`
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signal changes: %w", err)
	}
	defer rows.Close()

	var out []*model.SignalChange
	for rows.Next() {
		c, err := scanSignalChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
