package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callsync/ledger"
	"callsync/telephony"
	"callsync/workflow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	stats   workflow.Stats
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context) (workflow.Stats, error) {
	r.started <- struct{}{}
	select {
	case <-r.release:
	case <-ctx.Done():
		return r.stats, ctx.Err()
	}
	return r.stats, r.err
}

type funcRunner func(ctx context.Context) (workflow.Stats, error)

func (f funcRunner) Run(ctx context.Context) (workflow.Stats, error) { return f(ctx) }

type memoryRecorder struct {
	mu       sync.Mutex
	started  []ledger.Run
	finished []ledger.Run
	err      error
}

func (m *memoryRecorder) Start(_ context.Context, run ledger.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, run)
	return m.err
}

func (m *memoryRecorder) Finish(_ context.Context, run ledger.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, run)
	return m.err
}

func definition(kind telephony.Kind) workflow.Definition {
	for _, def := range workflow.DefaultDefinitions() {
		if def.Kind == kind {
			return def
		}
	}
	panic("no default for " + kind)
}

func TestDispatcher_OneRunPerKind(t *testing.T) {
	d := NewDispatcher(nil, quietLogger())
	incoming := newBlockingRunner()
	voicemail := newBlockingRunner()
	if err := d.Register(definition(telephony.KindIncomingCall), incoming); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Register(definition(telephony.KindVoicemail), voicemail); err != nil {
		t.Fatalf("register: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.Fire(context.Background(), telephony.KindIncomingCall, OriginSchedule)
		done <- err
	}()
	<-incoming.started

	if !d.Running(telephony.KindIncomingCall) {
		t.Fatalf("expected incoming to be running")
	}
	if _, err := d.Fire(context.Background(), telephony.KindIncomingCall, OriginManual); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	// A different kind is not blocked.
	_, vmDone, err := d.Launch(context.Background(), telephony.KindVoicemail, OriginManual)
	if err != nil {
		t.Fatalf("launch voicemail: %v", err)
	}
	<-voicemail.started
	close(voicemail.release)
	if res := <-vmDone; res.Err != nil {
		t.Fatalf("voicemail run: %v", res.Err)
	}

	close(incoming.release)
	if err := <-done; err != nil {
		t.Fatalf("incoming run: %v", err)
	}
	if d.Running(telephony.KindIncomingCall) {
		t.Fatalf("expected busy flag released")
	}
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := NewDispatcher(nil, quietLogger())
	calls := 0
	runner := funcRunner(func(context.Context) (workflow.Stats, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return workflow.Stats{Seen: 1}, nil
	})
	if err := d.Register(definition(telephony.KindOutgoingCall), runner); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := d.Fire(context.Background(), telephony.KindOutgoingCall, OriginSchedule); !errors.Is(err, ErrRunPanicked) {
		t.Fatalf("expected ErrRunPanicked, got %v", err)
	}
	res, err := d.Fire(context.Background(), telephony.KindOutgoingCall, OriginSchedule)
	if err != nil {
		t.Fatalf("expected next firing to succeed, got %v", err)
	}
	if res.Stats.Seen != 1 {
		t.Fatalf("unexpected stats: %+v", res.Stats)
	}
}

func TestDispatcher_RecordsRunHistory(t *testing.T) {
	rec := &memoryRecorder{}
	clock := time.Date(2024, 1, 15, 18, 1, 0, 0, time.UTC)
	d := NewDispatcher(rec, quietLogger()).WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	d.newID = func() string { return "run-1" }

	fail := errors.New("telephony unreachable")
	runner := funcRunner(func(context.Context) (workflow.Stats, error) {
		return workflow.Stats{Seen: 3, Completed: 2}, fail
	})
	if err := d.Register(definition(telephony.KindIncomingCall), runner); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := d.Fire(context.Background(), telephony.KindIncomingCall, OriginManual)
	if !errors.Is(err, fail) || res.RunID != "run-1" {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	if len(rec.started) != 1 || rec.started[0].Origin != "manual" || rec.started[0].Status != ledger.RunRunning {
		t.Fatalf("unexpected start rows: %+v", rec.started)
	}
	got := rec.finished[0]
	if got.Status != ledger.RunFailed || got.ErrorMessage != fail.Error() || got.Stats["completed"] != 2 || got.FinishedAt == nil {
		t.Fatalf("unexpected finish row: %+v", got)
	}
}

func TestDispatcher_RecorderFailureDoesNotFailRun(t *testing.T) {
	d := NewDispatcher(&memoryRecorder{err: errors.New("db down")}, quietLogger())
	ok := funcRunner(func(context.Context) (workflow.Stats, error) { return workflow.Stats{}, nil })
	if err := d.Register(definition(telephony.KindIncomingCall), ok); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := d.Fire(context.Background(), telephony.KindIncomingCall, OriginSchedule); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestDispatcher_UnknownAndDuplicate(t *testing.T) {
	d := NewDispatcher(nil, quietLogger())
	if _, err := d.Fire(context.Background(), telephony.KindVoicemail, OriginManual); !errors.Is(err, ErrUnknownWorkflow) {
		t.Fatalf("expected ErrUnknownWorkflow, got %v", err)
	}
	runner := funcRunner(func(context.Context) (workflow.Stats, error) { return workflow.Stats{}, nil })
	if err := d.Register(definition(telephony.KindVoicemail), runner); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Register(definition(telephony.KindVoicemail), runner); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if defs := d.Definitions(); len(defs) != 1 || defs[0].Kind != telephony.KindVoicemail {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
}
