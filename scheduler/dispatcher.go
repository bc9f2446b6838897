package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"callsync/ledger"
	"callsync/telephony"
	"callsync/workflow"
)

var (
	// ErrAlreadyRunning is returned when the workflow has a run in flight.
	ErrAlreadyRunning = errors.New("scheduler: workflow already running")
	// ErrUnknownWorkflow is returned for kinds that were never registered.
	ErrUnknownWorkflow = errors.New("scheduler: unknown workflow")
	// ErrRunPanicked wraps a recovered panic from a runner.
	ErrRunPanicked = errors.New("scheduler: run panicked")
)

// Origin records what started a run.
type Origin string

const (
	OriginSchedule Origin = "schedule"
	OriginManual   Origin = "manual"
)

type Runner interface {
	Run(ctx context.Context) (workflow.Stats, error)
}

// RunRecorder persists run history. Failures are logged, never fatal.
type RunRecorder interface {
	Start(ctx context.Context, run ledger.Run) error
	Finish(ctx context.Context, run ledger.Run) error
}

// Result describes one finished run.
type Result struct {
	RunID    string
	Kind     telephony.Kind
	Origin   Origin
	Stats    workflow.Stats
	Duration time.Duration
	Err      error
}

type entry struct {
	def    workflow.Definition
	runner Runner
	busy   atomic.Bool
}

// Dispatcher owns the registered runners and allows at most one run per
// workflow kind at a time. Different kinds run independently.
type Dispatcher struct {
	mu      sync.RWMutex
	entries map[telephony.Kind]*entry
	order   []telephony.Kind

	runs   RunRecorder
	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

func NewDispatcher(runs RunRecorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		entries: make(map[telephony.Kind]*entry),
		runs:    runs,
		newID:   uuid.NewString,
		now:     time.Now,
		logger:  logger.With("component", "dispatcher"),
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

func (d *Dispatcher) Register(def workflow.Definition, runner Runner) error {
	if err := def.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[def.Kind]; ok {
		return fmt.Errorf("scheduler: %s registered twice", def.Kind)
	}
	d.entries[def.Kind] = &entry{def: def, runner: runner}
	d.order = append(d.order, def.Kind)
	return nil
}

// Definitions lists registered workflows in registration order.
func (d *Dispatcher) Definitions() []workflow.Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]workflow.Definition, 0, len(d.order))
	for _, kind := range d.order {
		out = append(out, d.entries[kind].def)
	}
	return out
}

func (d *Dispatcher) Running(kind telephony.Kind) bool {
	d.mu.RLock()
	e, ok := d.entries[kind]
	d.mu.RUnlock()
	return ok && e.busy.Load()
}

// Fire runs the workflow and blocks until it finishes. The returned error
// is ErrUnknownWorkflow, ErrAlreadyRunning or the run's own failure.
func (d *Dispatcher) Fire(ctx context.Context, kind telephony.Kind, origin Origin) (Result, error) {
	e, err := d.acquire(kind)
	if err != nil {
		return Result{Kind: kind, Origin: origin}, err
	}
	res := d.execute(ctx, e, origin, d.newID())
	return res, res.Err
}

// Launch starts the workflow in the background and returns its run id.
// ctx must outlive the request that asked for the run.
func (d *Dispatcher) Launch(ctx context.Context, kind telephony.Kind, origin Origin) (string, <-chan Result, error) {
	e, err := d.acquire(kind)
	if err != nil {
		return "", nil, err
	}
	runID := d.newID()
	done := make(chan Result, 1)
	go func() {
		done <- d.execute(ctx, e, origin, runID)
	}()
	return runID, done, nil
}

func (d *Dispatcher) acquire(kind telephony.Kind) (*entry, error) {
	d.mu.RLock()
	e, ok := d.entries[kind]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, kind)
	}
	if !e.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, kind)
	}
	return e, nil
}

func (d *Dispatcher) execute(ctx context.Context, e *entry, origin Origin, runID string) Result {
	defer e.busy.Store(false)

	kind := e.def.Kind
	log := d.logger.With("workflow", string(kind), "run_id", runID, "origin", string(origin))
	started := d.now().UTC()
	run := ledger.Run{
		ID:           runID,
		WorkflowKind: string(kind),
		Origin:       string(origin),
		Status:       ledger.RunRunning,
		StartedAt:    started,
	}
	d.record(ctx, log, run, true)
	log.Info("run started")

	stats, err := d.invoke(ctx, e.runner)

	finished := d.now().UTC()
	run.FinishedAt = &finished
	run.Stats = stats.Map()
	run.Status = ledger.RunSucceeded
	if err != nil {
		run.Status = ledger.RunFailed
		run.ErrorMessage = err.Error()
	}
	d.record(ctx, log, run, false)

	duration := finished.Sub(started)
	args := append([]any{"duration", duration}, stats.LogArgs()...)
	if err != nil {
		log.Error("run failed", append(args, "error", err)...)
	} else {
		log.Info("run finished", args...)
	}
	return Result{RunID: runID, Kind: kind, Origin: origin, Stats: stats, Duration: duration, Err: err}
}

func (d *Dispatcher) invoke(ctx context.Context, runner Runner) (stats workflow.Stats, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrRunPanicked, p)
		}
	}()
	return runner.Run(ctx)
}

// record writes run history on a context that survives shutdown so a
// cancelled run still gets its final row.
func (d *Dispatcher) record(ctx context.Context, log *slog.Logger, run ledger.Run, start bool) {
	if d.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	if start {
		err = d.runs.Start(ctx, run)
	} else {
		err = d.runs.Finish(ctx, run)
	}
	if err != nil {
		log.Warn("run history not recorded", "error", err)
	}
}
