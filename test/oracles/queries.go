package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
	// RunHistory oracles read workflow_runs, whose writes are best effort
	// and may be lost when a backend is killed.
	RunHistory bool
}

// All returns queries that must come back empty while workflows run.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_completed_has_reference",
			SQL: `SELECT workflow_kind, event_id FROM processed_items
                  WHERE status = 'completed' AND COALESCE(crm_reference, '') = ''`,
		},
		{
			Name: "O2_failed_has_error",
			SQL: `SELECT workflow_kind, event_id FROM processed_items
                  WHERE status = 'failed' AND (COALESCE(last_error, '') = '' OR attempt_count = 0)`,
		},
		{
			Name: "O3_completed_was_attempted",
			SQL: `SELECT workflow_kind, event_id FROM processed_items
                  WHERE status = 'completed' AND (attempt_count < 1 OR last_attempt_at IS NULL)`,
		},
		{
			Name: "O4_completed_clears_error",
			SQL: `SELECT workflow_kind, event_id FROM processed_items
                  WHERE status = 'completed' AND COALESCE(last_error, '') <> ''`,
		},
		{
			Name: "O5_single_running_run_per_kind",
			SQL: `SELECT workflow_kind, COUNT(*) FROM workflow_runs
                  WHERE status = 'running'
                  GROUP BY workflow_kind HAVING COUNT(*) > 1`,
			RunHistory: true,
		},
		{
			Name: "O6_finished_runs_closed",
			SQL: `SELECT id FROM workflow_runs
                  WHERE (status = 'running') <> (finished_at IS NULL)
                     OR (status = 'failed' AND COALESCE(error_message, '') = '')`,
			RunHistory: true,
		},
		{
			Name: "O7_timestamps_ordered",
			SQL: `SELECT workflow_kind, event_id FROM processed_items WHERE updated_at < created_at
                  UNION ALL
                  SELECT workflow_kind, id::text FROM workflow_runs WHERE finished_at < started_at`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
// Run history oracles are skipped when lossy is set.
func Run(ctx context.Context, pool *pgxpool.Pool, lossy bool) (string, string, error) {
	for _, o := range All() {
		if lossy && o.RunHistory {
			continue
		}
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
