package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Pipeline tries the primary provider and falls back to the secondary one.
// It never fails the caller: when neither provider yields a valid result the
// event is delivered without a summary.
type Pipeline struct {
	primary  Provider
	fallback Provider
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Pipeline)

// WithCallTimeout bounds each provider invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline wires the two tiers. Either may be nil to disable that tier.
func NewPipeline(primary, fallback Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		primary:  primary,
		fallback: fallback,
		timeout:  60 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Summarize returns the first valid summary, or nil when both tiers fail.
func (p *Pipeline) Summarize(ctx context.Context, in Input) *Summary {
	log := p.logger.With("event_id", in.Event.ID)

	for _, tier := range []struct {
		name     Tier
		provider Provider
	}{
		{TierPrimary, p.primary},
		{TierFallback, p.fallback},
	} {
		if tier.provider == nil {
			continue
		}
		res, err := p.invoke(ctx, tier.provider, in)
		if err != nil {
			log.Info("summary provider failed", "tier", tier.name, "provider", tier.provider.Name(), "error", err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		return &Summary{
			Text:         res.Text,
			ActionItems:  res.ActionItems,
			Transcript:   res.Transcript,
			Provider:     tier.name,
			ProviderName: tier.provider.Name(),
			GeneratedAt:  p.now(),
		}
	}

	log.Warn("no summary available")
	return nil
}

func (p *Pipeline) invoke(ctx context.Context, provider Provider, in Input) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := provider.Summarize(ctx, in)
	if err != nil {
		return Result{}, err
	}
	res.Text = strings.TrimSpace(res.Text)
	if res.Text == "" {
		return Result{}, fmt.Errorf("%w: empty summary text", ErrInvalidResult)
	}
	return res, nil
}
