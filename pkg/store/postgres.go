package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// PostgresStore implements DurableStore on PostgreSQL using the relational
// layout from the platform contract. UpdateEvaluation takes a row lock so
// concurrent writer instances serialize per evaluation.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to Postgres and verifies the connection
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection (used by tests)
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "pgx")}
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// evalRow mirrors the evaluations table
type evalRow struct {
	ID              string         `db:"id"`
	Status          string         `db:"status"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	Priority        string         `db:"priority"`
	Source          string         `db:"source"`
	Runtime         string         `db:"runtime"`
	TimeoutSeconds  int            `db:"timeout_s"`
	AssignedSandbox sql.NullString `db:"assigned_sandbox"`
	JobName         sql.NullString `db:"job_name"`
	ExitCode        sql.NullInt64  `db:"exit_code"`
	Output          sql.NullString `db:"output"`
	Stderr          sql.NullString `db:"stderr"`
	Error           sql.NullString `db:"error"`
	RetryCount      int            `db:"retry_count"`
}

func (r *evalRow) toEvaluation() *types.Evaluation {
	ev := &types.Evaluation{
		ID:              r.ID,
		Status:          types.Status(r.Status),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Priority:        types.Priority(r.Priority),
		Source:          r.Source,
		Runtime:         r.Runtime,
		TimeoutSeconds:  r.TimeoutSeconds,
		AssignedSandbox: r.AssignedSandbox.String,
		JobName:         r.JobName.String,
		Output:          r.Output.String,
		Stderr:          r.Stderr.String,
		Error:           r.Error.String,
		RetryCount:      r.RetryCount,
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		ev.ExitCode = &code
	}
	return ev
}

func fromEvaluation(ev *types.Evaluation) *evalRow {
	r := &evalRow{
		ID:             ev.ID,
		Status:         string(ev.Status),
		CreatedAt:      ev.CreatedAt,
		UpdatedAt:      ev.UpdatedAt,
		Priority:       string(ev.Priority),
		Source:         ev.Source,
		Runtime:        ev.Runtime,
		TimeoutSeconds: ev.TimeoutSeconds,
		RetryCount:     ev.RetryCount,
	}
	r.AssignedSandbox = toNullString(ev.AssignedSandbox)
	r.JobName = toNullString(ev.JobName)
	r.Output = toNullString(ev.Output)
	r.Stderr = toNullString(ev.Stderr)
	r.Error = toNullString(ev.Error)
	if ev.ExitCode != nil {
		r.ExitCode = sql.NullInt64{Int64: int64(*ev.ExitCode), Valid: true}
	}
	return r
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const evalColumns = `id, status, created_at, updated_at, priority, source, runtime, timeout_s,
	assigned_sandbox, job_name, exit_code, output, stderr, error, retry_count`

// CreateEvaluation persists the initial record
func (s *PostgresStore) CreateEvaluation(ctx context.Context, ev *types.Evaluation) error {
	r := fromEvaluation(ev)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO evaluations (`+evalColumns+`)
		VALUES (:id, :status, :created_at, :updated_at, :priority, :source, :runtime, :timeout_s,
			:assigned_sandbox, :job_name, :exit_code, :output, :stderr, :error, :retry_count)`, r)
	if err != nil {
		return fmt.Errorf("failed to create evaluation %s: %w", ev.ID, err)
	}
	return nil
}

// GetEvaluation fetches one evaluation
func (s *PostgresStore) GetEvaluation(ctx context.Context, id string) (*types.Evaluation, error) {
	var r evalRow
	err := s.db.GetContext(ctx, &r, `SELECT `+evalColumns+` FROM evaluations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation %s: %w", id, err)
	}
	return r.toEvaluation(), nil
}

// ListEvaluationsByStatus returns evaluations in the given status
func (s *PostgresStore) ListEvaluationsByStatus(ctx context.Context, status types.Status) ([]*types.Evaluation, error) {
	var rows []evalRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+evalColumns+` FROM evaluations WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}

	evals := make([]*types.Evaluation, 0, len(rows))
	for i := range rows {
		evals = append(evals, rows[i].toEvaluation())
	}
	return evals, nil
}

// UpdateEvaluation applies mutate under a row lock in one transaction
func (s *PostgresStore) UpdateEvaluation(ctx context.Context, id string, mutate func(ev *types.Evaluation) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var r evalRow
	err = tx.GetContext(ctx, &r, `SELECT `+evalColumns+` FROM evaluations WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock evaluation %s: %w", id, err)
	}

	ev := r.toEvaluation()
	if err := mutate(ev); err != nil {
		return err
	}

	updated := fromEvaluation(ev)
	_, err = tx.NamedExecContext(ctx, `
		UPDATE evaluations SET
			status = :status, updated_at = :updated_at,
			assigned_sandbox = :assigned_sandbox, job_name = :job_name,
			exit_code = :exit_code, output = :output, stderr = :stderr,
			error = :error, retry_count = :retry_count
		WHERE id = :id`, updated)
	if err != nil {
		return fmt.Errorf("failed to update evaluation %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update for %s: %w", id, err)
	}
	return nil
}

// RecordDeadLetter persists a dead-letter record
func (s *PostgresStore) RecordDeadLetter(ctx context.Context, rec *types.DeadLetterRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter (task_id, eval_id, exception_class, message, traceback, retry_count, first_ts, last_ts, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			message = EXCLUDED.message, retry_count = EXCLUDED.retry_count, last_ts = EXCLUDED.last_ts`,
		rec.TaskID, rec.EvalID, rec.ExceptionClass, rec.Message, rec.Traceback,
		rec.RetryCount, rec.FirstFailure, rec.LastFailure, string(meta))
	if err != nil {
		return fmt.Errorf("failed to record dead letter %s: %w", rec.TaskID, err)
	}
	return nil
}
