package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/tenetops/tenet/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the persistence interface the executor and CLI depend on.
type Store interface {
	CreateRun(ctx context.Context, run *engine.Run) error
	GetRun(ctx context.Context, id string) (*engine.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status engine.RunStatus, errMsg string) error
	ListRuns(ctx context.Context, tenant string, limit, offset int) ([]*engine.Run, error)

	SaveRecord(ctx context.Context, rec *engine.ExecutionRecord) error
	GetRecord(ctx context.Context, runID, stepID string) (*engine.ExecutionRecord, error)
	ListRecords(ctx context.Context, runID string) ([]*engine.ExecutionRecord, error)

	Close() error
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Open opens, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection. Synchronous mode is FULL: a record
// write that returns has reached disk, which is what makes the record
// trail trustworthy for resume after a crash.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return storeErr("opening database", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return storeErr("pinging database", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return storeErr("enabling foreign keys", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = FULL"); err != nil {
		_ = db.Close()
		return storeErr("setting synchronous mode", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration set.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return storeErr("migrating", fmt.Errorf("database not initialized"))
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return storeErr("creating migration source", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return storeErr("creating migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return storeErr("creating migration instance", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return storeErr("running migrations", err)
	}
	return nil
}

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.Run) error {
	query := `
		INSERT INTO runs (id, plan_id, tenant, mode, status, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.PlanID, run.Tenant, string(run.Mode), string(run.Status),
		run.StartedAt, run.CompletedAt, run.Error,
	)
	if err != nil {
		return storeErr("creating run", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `
		SELECT id, plan_id, tenant, mode, status, started_at, completed_at, error
		FROM runs
		WHERE id = ?
	`
	run := &engine.Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.PlanID, &run.Tenant, &run.Mode, &run.Status,
		&run.StartedAt, &run.CompletedAt, &run.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(fmt.Sprintf("run not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, storeErr("getting run", err)
	}
	return run, nil
}

// UpdateRunStatus updates the status of a run, stamping completion time on
// terminal transitions.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status engine.RunStatus, errMsg string) error {
	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), errMsg, completedAt, id,
	)
	if err != nil {
		return storeErr("updating run status", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("updating run status", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(fmt.Sprintf("run not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return nil
}

// ListRuns lists runs, newest first. An empty tenant lists all tenants.
func (s *SQLiteStore) ListRuns(ctx context.Context, tenant string, limit, offset int) ([]*engine.Run, error) {
	query := `
		SELECT id, plan_id, tenant, mode, status, started_at, completed_at, error
		FROM runs
		WHERE (? = '' OR tenant = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, tenant, tenant, limit, offset)
	if err != nil {
		return nil, storeErr("listing runs", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run := &engine.Run{}
		if err := rows.Scan(
			&run.ID, &run.PlanID, &run.Tenant, &run.Mode, &run.Status,
			&run.StartedAt, &run.CompletedAt, &run.Error,
		); err != nil {
			return nil, storeErr("scanning run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing runs", err)
	}
	return runs, nil
}

// SaveRecord upserts an execution record. The executor calls this after
// every step transition; the write is durable when it returns.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *engine.ExecutionRecord) error {
	query := `
		INSERT INTO execution_records (run_id, step_id, status, attempt_count, last_error, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.StepID, string(rec.Status), rec.AttemptCount,
		rec.LastError, rec.StartedAt, rec.UpdatedAt,
	)
	if err != nil {
		return storeErr("saving record", err)
	}
	return nil
}

// GetRecord retrieves one execution record.
func (s *SQLiteStore) GetRecord(ctx context.Context, runID, stepID string) (*engine.ExecutionRecord, error) {
	query := `
		SELECT run_id, step_id, status, attempt_count, last_error, started_at, updated_at
		FROM execution_records
		WHERE run_id = ? AND step_id = ?
	`
	rec := &engine.ExecutionRecord{}
	err := s.db.QueryRowContext(ctx, query, runID, stepID).Scan(
		&rec.RunID, &rec.StepID, &rec.Status, &rec.AttemptCount,
		&rec.LastError, &rec.StartedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("record not found: %s/%s", runID, stepID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, storeErr("getting record", err)
	}
	return rec, nil
}

// ListRecords lists a run's records in step ID order.
func (s *SQLiteStore) ListRecords(ctx context.Context, runID string) ([]*engine.ExecutionRecord, error) {
	query := `
		SELECT run_id, step_id, status, attempt_count, last_error, started_at, updated_at
		FROM execution_records
		WHERE run_id = ?
		ORDER BY step_id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, storeErr("listing records", err)
	}
	defer rows.Close()

	records := []*engine.ExecutionRecord{}
	for rows.Next() {
		rec := &engine.ExecutionRecord{}
		if err := rows.Scan(
			&rec.RunID, &rec.StepID, &rec.Status, &rec.AttemptCount,
			&rec.LastError, &rec.StartedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, storeErr("scanning record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing records", err)
	}
	return records, nil
}

func storeErr(op string, err error) error {
	return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeStoreFailed)
}
