package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateRun is returned when a run id is recorded twice.
var ErrDuplicateRun = errors.New("ledger: duplicate run id")

const uniqueViolation = "23505"

// RunStatus is the outcome of one workflow invocation.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is one row of workflow_runs.
type Run struct {
	ID           string
	WorkflowKind string
	Origin       string
	Status       RunStatus
	StartedAt    time.Time
	FinishedAt   *time.Time
	Stats        map[string]int
	ErrorMessage string
}

// RunRepository records workflow invocations for the admin API.
type RunRepository struct {
	pool *pgxpool.Pool
}

func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

func (r *RunRepository) Start(ctx context.Context, run Run) error {
	const query = `
        INSERT INTO workflow_runs (id, workflow_kind, origin, status, started_at)
        VALUES ($1, $2, $3, 'running', $4)
    `
	if _, err := r.pool.Exec(ctx, query, run.ID, run.WorkflowKind, run.Origin, run.StartedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateRun
		}
		return fmt.Errorf("ledger: start run %s: %w", run.ID, err)
	}
	return nil
}

func (r *RunRepository) Finish(ctx context.Context, run Run) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("ledger: marshal run stats: %w", err)
	}

	const query = `
        UPDATE workflow_runs
        SET status = $2, finished_at = $3, stats = $4::jsonb, error_message = NULLIF($5, '')
        WHERE id = $1
    `
	tag, err := r.pool.Exec(ctx, query, run.ID, run.Status, run.FinishedAt, string(stats), run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("ledger: finish run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecent returns the newest runs first. An empty kind lists every workflow.
func (r *RunRepository) ListRecent(ctx context.Context, kind string, limit int) ([]Run, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	const query = `
        SELECT id::text, workflow_kind, origin, status, started_at, finished_at, stats, COALESCE(error_message, '')
        FROM workflow_runs
        WHERE ($1 = '' OR workflow_kind = $1)
        ORDER BY started_at DESC
        LIMIT $2
    `
	rows, err := r.pool.Query(ctx, query, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list runs rows: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		run   Run
		stats []byte
	)
	if err := row.Scan(&run.ID, &run.WorkflowKind, &run.Origin, &run.Status, &run.StartedAt, &run.FinishedAt, &stats, &run.ErrorMessage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("ledger: scan run: %w", err)
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &run.Stats); err != nil {
			return Run{}, fmt.Errorf("ledger: decode run stats: %w", err)
		}
	}
	return run, nil
}
