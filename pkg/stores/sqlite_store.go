package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/taxonomy"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// dsn builds a modernc.org/sqlite data source name with per-connection
// pragmas.
func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
	}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
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

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

const runColumns = `id, operation, country, domain, version, source, status, has_changes,
	tags, document_types, storage_paths, custom_fields, rolled_back, error,
	started_at, completed_at, created_at, updated_at`

// CreateRun creates a new run record. Missing timestamps and status are
// filled in.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if run.Status == "" {
		run.Status = engine.RunStatusRunning
	}
	run.Country = strings.ToLower(run.Country)
	run.Domain = strings.ToLower(run.Domain)
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	query := `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Operation,
		run.Country,
		run.Domain,
		run.Version,
		run.Source,
		run.Status,
		run.HasChanges,
		run.Applied.Tags,
		run.Applied.DocumentTypes,
		run.Applied.StoragePaths,
		run.Applied.CustomFields,
		run.RolledBack,
		run.Error,
		run.StartedAt.UTC(),
		utcPtr(run.CompletedAt),
		run.CreatedAt.UTC(),
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// CompleteRun records the outcome of a run and its orphans in one
// transaction. status is the terminal status the engine derived for the
// run; the store does not reclassify results.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status engine.RunStatus, result *taxonomy.UpdateResult) error {
	if err := status.Validate(); err != nil {
		return err
	}
	if !status.IsTerminal() {
		return fmt.Errorf("run %s: cannot complete with status %s", id, status)
	}
	if result == nil {
		result = &taxonomy.UpdateResult{Error: "no result"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var errMsg *string
	if result.Error != "" {
		errMsg = &result.Error
	}

	query := `
		UPDATE runs
		SET status = ?, has_changes = ?, tags = ?, document_types = ?, storage_paths = ?,
		    custom_fields = ?, rolled_back = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := tx.ExecContext(ctx, query,
		status,
		result.HasChanges,
		result.Applied.Tags,
		result.Applied.DocumentTypes,
		result.Applied.StoragePaths,
		result.Applied.CustomFields,
		result.RolledBack,
		errMsg,
		now,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	if err := insertOrphans(ctx, tx, id, result.Orphans, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR country = ?)
		  AND (? = '' OR domain = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC, created_at DESC
		LIMIT ? OFFSET ?
	`

	country := strings.ToLower(filter.Country)
	domain := strings.ToLower(filter.Domain)
	status := string(filter.Status)

	rows, err := s.db.QueryContext(ctx, query,
		country, country, domain, domain, status, status, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// LastSuccessfulRun returns the newest run of a scope that left the
// definition fully installed, with or without changes.
func (s *SQLiteStore) LastSuccessfulRun(ctx context.Context, country, domain string) (*Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE country = ? AND domain = ? AND status IN (?, ?)
		ORDER BY started_at DESC, created_at DESC
		LIMIT 1
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query,
		strings.ToLower(country), strings.ToLower(domain), engine.RunStatusSucceeded, engine.RunStatusNoChanges))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("successful run for %s/%s: %w", country, domain, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last successful run: %w", err)
	}
	return run, nil
}

// DeleteRunsBefore prunes finished runs started before the cutoff together
// with their events and orphans.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE started_at < ? AND status != ?`,
		before.UTC(), engine.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	return result.RowsAffected()
}

// AddOrphans records resources a run could not clean up.
func (s *SQLiteStore) AddOrphans(ctx context.Context, runID string, orphans []taxonomy.CreatedResourceRecord) error {
	if len(orphans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertOrphans(ctx, tx, runID, orphans, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func insertOrphans(ctx context.Context, tx *sql.Tx, runID string, orphans []taxonomy.CreatedResourceRecord, at time.Time) error {
	query := `
		INSERT INTO run_orphans (run_id, kind, remote_id, natural_key, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, kind, remote_id) DO NOTHING
	`
	for _, o := range orphans {
		if _, err := tx.ExecContext(ctx, query, runID, o.Kind, o.ID, o.NaturalKey, at); err != nil {
			return fmt.Errorf("failed to record orphan %s: %w", o, err)
		}
	}
	return nil
}

// ListOrphans lists orphans of one run, or of every run when runID is
// empty, oldest first.
func (s *SQLiteStore) ListOrphans(ctx context.Context, runID string) ([]*Orphan, error) {
	query := `
		SELECT run_id, kind, remote_id, natural_key, recorded_at
		FROM run_orphans
		WHERE (? = '' OR run_id = ?)
		ORDER BY recorded_at, run_id, kind, remote_id
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphans: %w", err)
	}
	defer rows.Close()

	orphans := []*Orphan{}
	for rows.Next() {
		o := &Orphan{}
		if err := rows.Scan(&o.RunID, &o.Kind, &o.RemoteID, &o.NaturalKey, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan orphan: %w", err)
		}
		orphans = append(orphans, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orphans: %w", err)
	}

	return orphans, nil
}

// AppendEvent appends a new event to the run's log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Details == "" {
		event.Details = "{}"
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO run_events (run_id, type, level, kind, natural_key, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Type,
		event.Level,
		event.Kind,
		event.NaturalKey,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents returns up to limit events of a run in the order they were
// appended.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, run_id, type, level, kind, natural_key, message, details, timestamp
		FROM run_events
		WHERE run_id = ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Type,
			&event.Level,
			&event.Kind,
			&event.NaturalKey,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Operation,
		&run.Country,
		&run.Domain,
		&run.Version,
		&run.Source,
		&run.Status,
		&run.HasChanges,
		&run.Applied.Tags,
		&run.Applied.DocumentTypes,
		&run.Applied.StoragePaths,
		&run.Applied.CustomFields,
		&run.RolledBack,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
