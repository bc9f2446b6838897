package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no row exists for the key.
	ErrNotFound = errors.New("ledger: not found")
	// ErrAlreadyCompleted is returned when an upsert would move a completed row to another status.
	ErrAlreadyCompleted = errors.New("ledger: already completed")
	// ErrInvalidRecord signals a record that cannot be stored.
	ErrInvalidRecord = errors.New("ledger: invalid record")
)

const recordColumns = `workflow_kind, event_id, status, COALESCE(crm_reference, ''), COALESCE(note_reference, ''),
            attempt_count, last_attempt_at, COALESCE(last_error, ''), created_at, updated_at`

// PGRepository stores processed items in Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Get(ctx context.Context, kind, eventID string) (Record, error) {
	const query = `
        SELECT ` + recordColumns + `
        FROM processed_items
        WHERE workflow_kind = $1 AND event_id = $2
    `

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, kind, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("ledger: get %s/%s: %w", kind, eventID, err)
	}
	return rec, nil
}

// Upsert creates or replaces the row for rec's key in a single statement.
// A completed row only accepts another completed write; anything else
// returns ErrAlreadyCompleted and leaves the row untouched. An empty
// NoteReference never clears a stored one.
func (r *PGRepository) Upsert(ctx context.Context, rec Record) (Record, error) {
	if err := validate(rec); err != nil {
		return Record{}, err
	}

	const query = `
        INSERT INTO processed_items (workflow_kind, event_id, status, crm_reference, note_reference,
            attempt_count, last_attempt_at, last_error)
        VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, NULLIF($8, ''))
        ON CONFLICT (workflow_kind, event_id) DO UPDATE SET
            status = EXCLUDED.status,
            crm_reference = EXCLUDED.crm_reference,
            note_reference = COALESCE(EXCLUDED.note_reference, processed_items.note_reference),
            attempt_count = EXCLUDED.attempt_count,
            last_attempt_at = EXCLUDED.last_attempt_at,
            last_error = EXCLUDED.last_error,
            updated_at = now()
        WHERE processed_items.status <> 'completed' OR EXCLUDED.status = 'completed'
        RETURNING ` + recordColumns

	row := r.pool.QueryRow(ctx, query,
		rec.WorkflowKind,
		rec.EventID,
		rec.Status,
		rec.CRMReference,
		rec.NoteReference,
		rec.AttemptCount,
		rec.LastAttemptAt,
		rec.LastError,
	)

	stored, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAlreadyCompleted
		}
		return Record{}, fmt.Errorf("ledger: upsert %s/%s: %w", rec.WorkflowKind, rec.EventID, err)
	}
	return stored, nil
}

// Delete removes a row so the event becomes eligible for reprocessing.
func (r *PGRepository) Delete(ctx context.Context, kind, eventID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM processed_items WHERE workflow_kind = $1 AND event_id = $2`, kind, eventID)
	if err != nil {
		return fmt.Errorf("ledger: delete %s/%s: %w", kind, eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) List(ctx context.Context, filter Filter) ([]Record, error) {
	where := []string{"1=1"}
	args := []any{}

	if filter.WorkflowKind != "" {
		args = append(args, filter.WorkflowKind)
		where = append(where, fmt.Sprintf("workflow_kind = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.MinAttempts > 0 {
		args = append(args, filter.MinAttempts)
		where = append(where, fmt.Sprintf("attempt_count >= $%d", len(args)))
	}
	args = append(args, filter.limit())

	query := fmt.Sprintf(`SELECT %s FROM processed_items WHERE %s ORDER BY updated_at DESC, event_id LIMIT $%d`,
		recordColumns, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list rows: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.WorkflowKind,
		&rec.EventID,
		&rec.Status,
		&rec.CRMReference,
		&rec.NoteReference,
		&rec.AttemptCount,
		&rec.LastAttemptAt,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

func validate(rec Record) error {
	switch {
	case rec.WorkflowKind == "":
		return fmt.Errorf("%w: empty workflow kind", ErrInvalidRecord)
	case rec.EventID == "":
		return fmt.Errorf("%w: empty event id", ErrInvalidRecord)
	case !rec.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalidRecord, rec.Status)
	case rec.AttemptCount < 0:
		return fmt.Errorf("%w: negative attempt count", ErrInvalidRecord)
	}
	return nil
}
