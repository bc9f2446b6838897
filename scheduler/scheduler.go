package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"callsync/telephony"
	"callsync/workflow"
)

// ErrStopped is returned by Trigger once Stop has been called.
var ErrStopped = errors.New("scheduler: stopped")

// WorkflowInfo is the admin view of one registered workflow.
type WorkflowInfo struct {
	Kind        telephony.Kind `json:"kind"`
	Description string         `json:"description"`
	Schedule    string         `json:"schedule"`
	Enabled     bool           `json:"enabled"`
	NextRun     *time.Time     `json:"next_run,omitempty"`
	Running     bool           `json:"running"`
}

// Scheduler fires dispatcher runs from cron entries evaluated in UTC.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[telephony.Kind]cron.EntryID
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(dispatcher *Dispatcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		dispatcher: dispatcher,
		logger:     logger,
		entries:    make(map[telephony.Kind]cron.EntryID),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ScheduleAll adds a cron entry for every enabled registered workflow.
func (s *Scheduler) ScheduleAll() error {
	for _, def := range s.dispatcher.Definitions() {
		if err := s.Schedule(def); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) Schedule(def workflow.Definition) error {
	if !def.Enabled {
		s.logger.Info("workflow disabled, not scheduled", "workflow", string(def.Kind))
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[def.Kind]; ok {
		return fmt.Errorf("scheduler: %s already scheduled", def.Kind)
	}

	kind := def.Kind
	id, err := s.cron.AddFunc(def.CronSpec(), func() { s.fire(kind) })
	if err != nil {
		return fmt.Errorf("scheduler: schedule %s: %w", kind, err)
	}
	s.entries[kind] = id
	s.logger.Info("workflow scheduled", "workflow", string(kind), "spec", def.CronSpec())
	return nil
}

// track registers a run with the shutdown wait group unless Stop has begun.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) fire(kind telephony.Kind) {
	if !s.track() {
		return
	}
	defer s.wg.Done()

	// Run failures are logged by the dispatcher; the next firing proceeds as usual.
	if _, err := s.dispatcher.Fire(s.ctx, kind, OriginSchedule); errors.Is(err, ErrAlreadyRunning) {
		s.logger.Warn("previous run still in flight, firing skipped", "workflow", string(kind))
	}
}

// Trigger starts a manual run in the background and returns its id.
func (s *Scheduler) Trigger(kind telephony.Kind) (string, error) {
	if !s.track() {
		return "", ErrStopped
	}
	runID, done, err := s.dispatcher.Launch(s.ctx, kind, OriginManual)
	if err != nil {
		s.wg.Done()
		return "", err
	}
	go func() {
		defer s.wg.Done()
		<-done
	}()
	return runID, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels in-flight runs and waits for them to return or for ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

func (s *Scheduler) NextRun(kind telephony.Kind) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[kind]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(id).Next
	if next.IsZero() {
		// Not started yet; compute from the schedule directly.
		next = s.cron.Entry(id).Schedule.Next(time.Now().UTC())
	}
	return next, true
}

func (s *Scheduler) Workflows() []WorkflowInfo {
	defs := s.dispatcher.Definitions()
	out := make([]WorkflowInfo, 0, len(defs))
	for _, def := range defs {
		info := WorkflowInfo{
			Kind:        def.Kind,
			Description: def.Description,
			Schedule:    def.CronSpec(),
			Enabled:     def.Enabled,
			Running:     s.dispatcher.Running(def.Kind),
		}
		if next, ok := s.NextRun(def.Kind); ok {
			info.NextRun = &next
		}
		out = append(out, info)
	}
	return out
}

type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
