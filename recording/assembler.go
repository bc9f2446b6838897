package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"callsync/telephony"
)

const contentType = "audio/mpeg"

// Fetcher downloads recording audio by reference.
type Fetcher interface {
	FetchRecording(ctx context.Context, ref string) ([]byte, error)
}

// Store persists an object and returns a durable URL for it.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Upload is one stored leg. Audio is kept so the summarizer can reuse it
// without a second download.
type Upload struct {
	ObjectKey     string
	LegIndex      int
	ExtensionName string
	URL           string
	Audio         []byte
}

// ObjectKey names the stored object for a leg.
func ObjectKey(eventID string, legIndex int) string {
	return fmt.Sprintf("%s_part%d.mp3", eventID, legIndex)
}

// Assembler fetches and uploads every leg of an event.
type Assembler struct {
	fetcher     Fetcher
	store       Store
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

type Option func(*Assembler)

// WithConcurrency bounds parallel leg transfers. Values below one mean one.
func WithConcurrency(n int) Option {
	return func(a *Assembler) { a.concurrency = max(n, 1) }
}

// WithCallTimeout bounds each fetch and each upload.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Assembler) { a.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

func NewAssembler(fetcher Fetcher, store Store, opts ...Option) *Assembler {
	a := &Assembler{
		fetcher:     fetcher,
		store:       store,
		concurrency: 3,
		timeout:     60 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble returns one Upload per leg that could be fetched, ordered by leg
// index regardless of completion order. Unresolved or unfetchable legs are
// logged and left out. An upload failure fails the whole assembly so the
// event is retried with every leg intact.
func (a *Assembler) Assemble(ctx context.Context, ev telephony.Event) ([]Upload, error) {
	legs := slices.Clone(ev.Legs)
	slices.SortFunc(legs, func(x, y telephony.Leg) int { return x.Index - y.Index })

	results := make([]*Upload, len(legs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for i, leg := range legs {
		if !leg.Resolved() {
			a.logger.Warn("leg has no recording reference", "event_id", ev.ID, "leg", leg.Index)
			continue
		}
		g.Go(func() error {
			audio, err := a.fetch(gctx, leg.RecordingRef)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				a.logger.Warn("leg fetch failed", "event_id", ev.ID, "leg", leg.Index, "error", err)
				return nil
			}

			key := ObjectKey(ev.ID, leg.Index)
			url, err := a.put(gctx, key, audio)
			if err != nil {
				return fmt.Errorf("recording: upload leg %d: %w", leg.Index, err)
			}
			results[i] = &Upload{
				ObjectKey:     key,
				LegIndex:      leg.Index,
				ExtensionName: leg.ExtensionName,
				URL:           url,
				Audio:         audio,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	uploads := make([]Upload, 0, len(results))
	for _, u := range results {
		if u != nil {
			uploads = append(uploads, *u)
		}
	}
	a.logger.Debug("legs assembled", "event_id", ev.ID, "legs", len(legs), "uploaded", len(uploads))
	return uploads, nil
}

func (a *Assembler) fetch(ctx context.Context, ref string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	audio, err := a.fetcher.FetchRecording(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, errors.New("empty recording")
	}
	return audio, nil
}

func (a *Assembler) put(ctx context.Context, key string, audio []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.store.Put(ctx, key, contentType, audio)
}
