package interop

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRunStore implements RunStore with PostgreSQL persistence.
type PostgresRunStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresRunStore creates a new PostgreSQL-backed run store.
func NewPostgresRunStore(config *PostgresConfig) (*PostgresRunStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresRunStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresRunStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interop_runs (
		id VARCHAR(64) PRIMARY KEY,
		task_id VARCHAR(64) NOT NULL,
		state VARCHAR(16) NOT NULL,
		job_url VARCHAR(512) NOT NULL DEFAULT '',
		upload_count INTEGER NOT NULL DEFAULT 0,
		trigger_count INTEGER NOT NULL DEFAULT 0,
		poll_attempts INTEGER NOT NULL DEFAULT 0,
		result_count BIGINT,
		result_sum BIGINT,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP WITH TIME ZONE NOT NULL,
		finished_at TIMESTAMP WITH TIME ZONE
	);

	CREATE TABLE IF NOT EXISTS interop_run_steps (
		run_id VARCHAR(64) NOT NULL REFERENCES interop_runs(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		step VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON interop_runs(started_at);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateRun inserts a fresh run row.
func (s *PostgresRunStore) CreateRun(rec RunRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO interop_runs (id, task_id, state, started_at)
	VALUES ($1, $2, $3, $4)
	`, rec.ID, rec.TaskID, rec.State, rec.StartedAt)
	return err
}

// RecordStep appends one step to a run's trail.
func (s *PostgresRunStore) RecordStep(rec StepRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO interop_run_steps (run_id, seq, step, status, detail, at)
	VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM interop_run_steps WHERE run_id = $1), $2, $3, $4, $5)
	`, rec.RunID, rec.Step, rec.Status, rec.Detail, rec.At)
	return err
}

// FinishRun updates the run with its terminal state and outcome.
func (s *PostgresRunStore) FinishRun(rec RunRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var count, sum sql.NullInt64
	if rec.HasResult {
		count = sql.NullInt64{Int64: int64(rec.ResultCount), Valid: true}
		sum = sql.NullInt64{Int64: int64(rec.ResultSum), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
	UPDATE interop_runs SET
		state = $2,
		job_url = $3,
		upload_count = $4,
		trigger_count = $5,
		poll_attempts = $6,
		result_count = $7,
		result_sum = $8,
		error = $9,
		finished_at = $10
	WHERE id = $1
	`, rec.ID, rec.State, rec.JobURL, rec.UploadCount, rec.TriggerCount,
		rec.PollAttempts, count, sum, rec.Error, rec.FinishedAt)
	return err
}

// GetRun retrieves one run and its step trail in order.
func (s *PostgresRunStore) GetRun(id string) (RunRecord, []StepRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := scanRun(s.db.QueryRowContext(ctx, `
	SELECT id, task_id, state, job_url, upload_count, trigger_count, poll_attempts,
	       result_count, result_sum, error, started_at, finished_at
	FROM interop_runs WHERE id = $1
	`, id))
	if err != nil {
		return rec, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT run_id, seq, step, status, detail, at
	FROM interop_run_steps WHERE run_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return rec, nil, err
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var step StepRecord
		if err := rows.Scan(&step.RunID, &step.Seq, &step.Step, &step.Status, &step.Detail, &step.At); err != nil {
			return rec, nil, fmt.Errorf("scanning step row: %w", err)
		}
		steps = append(steps, step)
	}
	return rec, steps, rows.Err()
}

// ListRuns retrieves the most recent runs, newest first. A non-positive
// limit returns everything.
func (s *PostgresRunStore) ListRuns(limit int) ([]RunRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// LIMIT NULL reads as LIMIT ALL
	lim := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, task_id, state, job_url, upload_count, trigger_count, poll_attempts,
	       result_count, result_sum, error, started_at, finished_at
	FROM interop_runs ORDER BY started_at DESC LIMIT $1
	`, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var count, sum sql.NullInt64
	var finished sql.NullTime
	err := row.Scan(&rec.ID, &rec.TaskID, &rec.State, &rec.JobURL,
		&rec.UploadCount, &rec.TriggerCount, &rec.PollAttempts,
		&count, &sum, &rec.Error, &rec.StartedAt, &finished)
	if err != nil {
		return rec, fmt.Errorf("scanning run row: %w", err)
	}
	if count.Valid && sum.Valid {
		rec.ResultCount = uint64(count.Int64)
		rec.ResultSum = uint64(sum.Int64)
		rec.HasResult = true
	}
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	return rec, nil
}

// Close closes the database connection.
func (s *PostgresRunStore) Close() error {
	return s.db.Close()
}
