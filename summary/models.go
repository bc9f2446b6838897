package summary

import (
	"context"
	"errors"
	"time"

	"callsync/telephony"
)

var (
	// ErrUnavailable signals a provider that could not produce output for this
	// input: missing audio, no insight yet, or a transient upstream failure.
	ErrUnavailable = errors.New("summary: provider unavailable")
	// ErrInvalidResult signals a response that carried no usable summary.
	ErrInvalidResult = errors.New("summary: invalid result")
)

// Tier records which provider produced a summary.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

// Input is what a provider gets to work from. Audio is the first uploaded
// leg; RecordingID identifies the same leg at the telephony provider.
type Input struct {
	Event       telephony.Event
	RecordingID string
	Audio       []byte
	Filename    string
	Context     string
}

// Result is raw provider output before the pipeline stamps it.
type Result struct {
	Text        string
	ActionItems []string
	Transcript  string
}

// Summary is attached to the CRM note.
type Summary struct {
	Text         string
	ActionItems  []string
	Transcript   string
	Provider     Tier
	ProviderName string
	GeneratedAt  time.Time
}

// Provider turns a call into a summary.
type Provider interface {
	Name() string
	Summarize(ctx context.Context, in Input) (Result, error)
}
