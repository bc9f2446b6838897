package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"callsync/db"
)

// TestPGRepository_Integration runs against DATABASE_URL and applies the
// embedded migrations before exercising the upsert rules.
func TestPGRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	kind := fmt.Sprintf("itest_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `DELETE FROM processed_items WHERE workflow_kind = $1`, kind)
		_, _ = pool.Exec(ctx2, `DELETE FROM workflow_runs WHERE workflow_kind = $1`, kind)
	})

	repo := NewRepository(pool)

	if _, err := repo.Get(ctx, kind, "call_001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	failed, err := repo.Upsert(ctx, Record{
		WorkflowKind:  kind,
		EventID:       "call_001",
		Status:        StatusFailed,
		NoteReference: "customer:42",
		AttemptCount:  1,
		LastAttemptAt: &now,
		LastError:     "crm unavailable",
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if failed.LastError != "crm unavailable" || failed.AttemptCount != 1 {
		t.Fatalf("unexpected stored record: %+v", failed)
	}

	done, err := repo.Upsert(ctx, Record{
		WorkflowKind: kind,
		EventID:      "call_001",
		Status:       StatusCompleted,
		CRMReference: "customer:42",
		AttemptCount: 2,
	})
	if err != nil {
		t.Fatalf("upsert completed: %v", err)
	}
	if done.NoteReference != "customer:42" {
		t.Errorf("expected note reference preserved, got %q", done.NoteReference)
	}
	if done.LastError != "" {
		t.Errorf("expected last error cleared, got %q", done.LastError)
	}

	if _, err := repo.Upsert(ctx, Record{WorkflowKind: kind, EventID: "call_001", Status: StatusPending}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}

	// concurrent writers on one key must leave exactly one row
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = repo.Upsert(ctx, Record{WorkflowKind: kind, EventID: "shared", Status: StatusFailed, AttemptCount: i, LastError: "x"})
		}(i)
	}
	wg.Wait()

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM processed_items WHERE workflow_kind = $1 AND event_id = 'shared'`, kind).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row for shared key, got %d", count)
	}

	rows, err := repo.List(ctx, Filter{WorkflowKind: kind, Status: StatusFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != "shared" {
		t.Fatalf("unexpected list result: %+v", rows)
	}

	if err := repo.Delete(ctx, kind, "call_001"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, kind, "call_001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	runs := NewRunRepository(pool)
	run := Run{ID: uuid.NewString(), WorkflowKind: kind, Origin: "manual", StartedAt: now}
	if err := runs.Start(ctx, run); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := runs.Start(ctx, run); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}
	finished := now.Add(time.Second)
	run.Status = RunSucceeded
	run.FinishedAt = &finished
	run.Stats = map[string]int{"seen": 3, "completed": 2}
	if err := runs.Finish(ctx, run); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	recent, err := runs.ListRecent(ctx, kind, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(recent) != 1 || recent[0].Status != RunSucceeded || recent[0].Stats["completed"] != 2 {
		t.Fatalf("unexpected runs: %+v", recent)
	}
}
