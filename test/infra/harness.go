package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database a stress run works against: a shared DSN
// isolated in its own schema, a container, or a local cluster.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness picks a database in that order of preference and migrates it.
// overrideDSN and STRESS_TEST_PG_DSN select a shared database.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	shared := false

	switch {
	case overrideDSN != "":
		h.dsn, shared = overrideDSN, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		h.dsn, shared = os.Getenv("STRESS_TEST_PG_DSN"), true
	case dockerAvailable(ctx):
		c, dsn, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
		h.container, h.dsn = c, dsn
	default:
		dsn, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("init local database: %w", err)
		}
		h.dsn = dsn
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Reset empties the ledger tables between epochs.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE processed_items, workflow_runs"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Close tears down resources. Teardown errors are returned, not fatal.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if terr := h.container.Terminate(ctx); err == nil {
		err = terr
	}
	return err
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
