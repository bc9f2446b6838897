package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"callsync/crm"
	"callsync/ledger"
	"callsync/recording"
	"callsync/summary"
	"callsync/telephony"
)

type Ledger interface {
	Get(ctx context.Context, kind, eventID string) (ledger.Record, error)
	Upsert(ctx context.Context, rec ledger.Record) (ledger.Record, error)
}

type EventSource interface {
	ListEvents(ctx context.Context, kind telephony.Kind, window telephony.Window) ([]telephony.Event, error)
}

type Assembler interface {
	Assemble(ctx context.Context, ev telephony.Event) ([]recording.Upload, error)
}

// Summarizer returns nil when no summary could be produced.
type Summarizer interface {
	Summarize(ctx context.Context, in summary.Input) *summary.Summary
}

type CRMWriter interface {
	CreateNote(ctx context.Context, n crm.Note) (string, error)
	CreateTask(ctx context.Context, t crm.Task) (string, error)
}

// Runner executes one workflow kind over its lookback window.
type Runner struct {
	def        Definition
	ledger     Ledger
	source     EventSource
	assembler  Assembler
	summarizer Summarizer
	crm        CRMWriter
	now        func() time.Time
	logger     *slog.Logger
}

func NewRunner(def Definition, l Ledger, source EventSource, assembler Assembler, summarizer Summarizer, writer CRMWriter) *Runner {
	if def.Concurrency < 1 {
		def.Concurrency = 1
	}
	return &Runner{
		def:        def,
		ledger:     l,
		source:     source,
		assembler:  assembler,
		summarizer: summarizer,
		crm:        writer,
		now:        time.Now,
		logger:     slog.Default().With("workflow", string(def.Kind)),
	}
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

func (r *Runner) WithLogger(l *slog.Logger) *Runner {
	r.logger = l.With("workflow", string(r.def.Kind))
	return r
}

func (r *Runner) Definition() Definition {
	return r.def
}

// Run processes every candidate event in the window once. Only a failure
// to list events or cancellation is returned; per-event failures are
// recorded on the ledger and counted.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	now := r.now().UTC()
	window := r.def.Window(now)
	log := r.logger.With("window_start", window.Start, "window_end", window.End)

	listCtx, cancel := r.callContext(ctx)
	events, err := r.source.ListEvents(listCtx, r.def.Kind, window)
	cancel()
	if err != nil {
		return Stats{}, fmt.Errorf("workflow: %s: list events: %w", r.def.Kind, err)
	}
	events = orderEvents(events)
	log.Debug("events listed", "count", len(events))

	var (
		mu    sync.Mutex
		stats Stats
		g     errgroup.Group
	)
	g.SetLimit(r.def.Concurrency)

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res := r.process(ctx, ev, now)
			mu.Lock()
			stats.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("workflow: %s: run cancelled: %w", r.def.Kind, err)
	}
	return stats, nil
}

// orderEvents drops repeated ids and sorts by start time so one event is
// never worked on twice in a run.
func orderEvents(events []telephony.Event) []telephony.Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]telephony.Event, 0, len(events))
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	slices.SortStableFunc(out, func(a, b telephony.Event) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return out
}

func (r *Runner) process(ctx context.Context, ev telephony.Event, now time.Time) itemResult {
	log := r.logger.With("event_id", ev.ID)

	if telephony.IsInternal(ev) {
		log.Debug("internal call skipped")
		return itemResult{outcome: outcomeSkippedInternal}
	}

	rec, err := r.lookup(ctx, ev.ID)
	switch {
	case errors.Is(err, ledger.ErrAlreadyCompleted):
		return itemResult{outcome: outcomeAlreadyCompleted}
	case err != nil:
		log.Error("ledger lookup failed", "error", err)
		return itemResult{outcome: outcomeFailed}
	}

	if rec.Status == ledger.StatusCompleted {
		return itemResult{outcome: outcomeAlreadyCompleted}
	}
	if rec.Exhausted(r.def.MaxAttempts) {
		log.Debug("attempts exhausted", "attempts", rec.AttemptCount)
		return itemResult{outcome: outcomeExhausted}
	}
	retried := rec.Status == ledger.StatusFailed

	if !ev.LegsComplete() && !r.def.IsFinal(ev, now) {
		log.Info("legs still resolving", "legs", len(ev.Legs))
		return itemResult{outcome: outcomePending}
	}

	res := r.deliver(ctx, ev, rec, log)
	res.retried = retried
	return res
}

// lookup returns the ledger row, creating it as pending when absent.
func (r *Runner) lookup(ctx context.Context, eventID string) (ledger.Record, error) {
	callCtx, cancel := r.callContext(ctx)
	defer cancel()

	rec, err := r.ledger.Get(callCtx, string(r.def.Kind), eventID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Record{}, err
	}
	return r.ledger.Upsert(callCtx, ledger.Record{
		WorkflowKind: string(r.def.Kind),
		EventID:      eventID,
		Status:       ledger.StatusPending,
	})
}

func (r *Runner) deliver(ctx context.Context, ev telephony.Event, rec ledger.Record, log *slog.Logger) itemResult {
	attemptAt := r.now().UTC()
	rec.AttemptCount++
	rec.LastAttemptAt = &attemptAt

	uploads, err := r.assembler.Assemble(ctx, ev)
	if err != nil {
		return r.fail(ctx, rec, fmt.Errorf("assemble recordings: %w", err), log)
	}
	links := recordingLinks(uploads)
	sum := r.summarize(ctx, ev, uploads)

	var unmatched bool
	if rec.NoteReference == "" {
		callCtx, cancel := r.callContext(ctx)
		ref, err := r.crm.CreateNote(callCtx, crm.Note{Event: ev, Summary: sum, Recordings: links})
		cancel()
		switch {
		case errors.Is(err, crm.ErrNoMatch):
			log.Info("no crm contact matched", "number", ev.ExternalNumber())
			ref, unmatched = crm.NoMatchReference, true
		case err != nil:
			return r.fail(ctx, rec, fmt.Errorf("create note: %w", err), log)
		default:
			rec = r.rememberNote(ctx, rec, ref, log)
		}
		rec.NoteReference = ref
	} else {
		log.Info("note already written", "note_reference", rec.NoteReference)
	}

	refs := []string{rec.NoteReference}
	if ev.Kind == telephony.KindVoicemail {
		callCtx, cancel := r.callContext(ctx)
		ref, err := r.crm.CreateTask(callCtx, crm.Task{Event: ev, Summary: sum, Recordings: links})
		cancel()
		if err != nil {
			return r.fail(ctx, rec, fmt.Errorf("create task: %w", err), log)
		}
		refs = append(refs, ref)
	}

	rec.Status = ledger.StatusCompleted
	rec.CRMReference = strings.Join(refs, ",")
	rec.LastError = ""
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	if _, err := r.ledger.Upsert(callCtx, rec); err != nil && !errors.Is(err, ledger.ErrAlreadyCompleted) {
		log.Error("crm written but ledger commit failed", "crm_reference", rec.CRMReference, "error", err)
		return itemResult{outcome: outcomeFailed, unmatched: unmatched}
	}

	log.Info("event completed", "crm_reference", rec.CRMReference, "recordings", len(uploads), "summarized", sum != nil)
	return itemResult{outcome: outcomeCompleted, unmatched: unmatched}
}

// rememberNote stores the note id before the remaining steps run, so a
// retry after a failed task does not write the note twice.
func (r *Runner) rememberNote(ctx context.Context, rec ledger.Record, ref string, log *slog.Logger) ledger.Record {
	rec.NoteReference = ref
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	if _, err := r.ledger.Upsert(callCtx, rec); err != nil {
		log.Warn("note reference not persisted", "note_reference", ref, "error", err)
	}
	return rec
}

func (r *Runner) summarize(ctx context.Context, ev telephony.Event, uploads []recording.Upload) *summary.Summary {
	if len(uploads) == 0 {
		return nil
	}
	first := uploads[0]
	in := summary.Input{
		Event:    ev,
		Audio:    first.Audio,
		Filename: first.ObjectKey,
		Context:  fmt.Sprintf("%s call from %s to %s, %d seconds", ev.Kind.Direction(), crm.FormatPhone(ev.FromNumber), crm.FormatPhone(ev.ToNumber), ev.DurationSeconds),
	}
	if leg, ok := ev.Leg(first.LegIndex); ok {
		in.RecordingID = leg.RecordingID
	}
	return r.summarizer.Summarize(ctx, in)
}

func (r *Runner) fail(ctx context.Context, rec ledger.Record, cause error, log *slog.Logger) itemResult {
	log.Warn("event failed", "attempt", rec.AttemptCount, "error", cause)

	rec.Status = ledger.StatusFailed
	rec.LastError = cause.Error()
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	if _, err := r.ledger.Upsert(callCtx, rec); err != nil {
		if errors.Is(err, ledger.ErrAlreadyCompleted) {
			return itemResult{outcome: outcomeAlreadyCompleted}
		}
		log.Error("ledger failure not recorded", "error", err)
	}
	return itemResult{outcome: outcomeFailed}
}

func (r *Runner) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.def.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.def.CallTimeout)
}

func recordingLinks(uploads []recording.Upload) []crm.RecordingLink {
	links := make([]crm.RecordingLink, 0, len(uploads))
	for _, u := range uploads {
		links = append(links, crm.RecordingLink{LegIndex: u.LegIndex, ExtensionName: u.ExtensionName, URL: u.URL})
	}
	return links
}
