// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pruneEvery is how many recorded violations pass between retention sweeps.
const pruneEvery = 100

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db        *sql.DB
	retention int
	recorded  atomic.Int64
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
// retention bounds the number of violations kept; zero keeps everything.
func New(databaseURL string, retention int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db, retention: retention}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *model.Task) error {
	return queryCreateTask(ctx, s.db, task)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := queryGetTask(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *model.Task) error {
	err := queryUpdateTask(ctx, s.db, task)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, int, error) {
	return queryListTasks(ctx, s.db, filter)
}

// RecordViolation inserts v and periodically trims the table to the
// configured retention. A failed trim is logged, not returned.
func (s *PostgresStore) RecordViolation(ctx context.Context, v *model.Violation) error {
	if v.Status == "" {
		v.Status = model.ViolationPending
	}
	if err := queryRecordViolation(ctx, s.db, v); err != nil {
		return err
	}
	if s.retention <= 0 {
		return nil
	}
	if s.recorded.Add(1)%pruneEvery != 0 {
		return nil
	}
	n, err := queryPruneViolations(ctx, s.db, s.retention)
	if err != nil {
		slog.Warn("violation retention sweep failed", "err", err)
	} else if n > 0 {
		slog.Debug("pruned violations", "count", n)
	}
	return nil
}

func (s *PostgresStore) GetViolation(ctx context.Context, id string) (*model.Violation, error) {
	v, err := queryGetViolation(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (s *PostgresStore) ListViolations(ctx context.Context, filter model.ViolationFilter) ([]*model.Violation, int, error) {
	return queryListViolations(ctx, s.db, filter)
}

func (s *PostgresStore) SummarizeViolations(ctx context.Context, taskID string) (model.ViolationSummary, error) {
	return querySummarizeViolations(ctx, s.db, taskID)
}

// ReviewViolation records a verdict on a pending violation. The update only
// matches pending rows, so concurrent reviewers cannot both succeed.
func (s *PostgresStore) ReviewViolation(ctx context.Context, id string, r model.ViolationReview) (*model.Violation, error) {
	v, err := queryReviewViolation(ctx, s.db, id, r)
	if !errors.Is(err, sql.ErrNoRows) {
		return v, err
	}
	existing, err := queryGetViolation(ctx, s.db, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, store.ErrNotFound
	case err != nil:
		return nil, err
	}
	if !model.CanReview(existing.Status, r.Status) {
		return nil, store.ErrAlreadyReviewed
	}
	return nil, fmt.Errorf("review violation %s: row changed concurrently", id)
}

func (s *PostgresStore) ViolationStats(ctx context.Context, q model.StatsQuery) (*model.ViolationStats, error) {
	return queryViolationStats(ctx, s.db, q)
}

func (s *PostgresStore) RecordSignalChange(ctx context.Context, c *model.SignalChange) error {
	return queryRecordSignalChange(ctx, s.db, c)
}

func (s *PostgresStore) ListSignalChanges(ctx context.Context, intersectionID int, limit int) ([]*model.SignalChange, error) {
	return queryListSignalChanges(ctx, s.db, intersectionID, limit)
}
