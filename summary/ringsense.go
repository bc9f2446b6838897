package summary

import (
	"context"
	"errors"
	"fmt"

	"callsync/telephony"
)

// InsightsClient is the slice of the telephony client RingSense needs.
type InsightsClient interface {
	Insights(ctx context.Context, recordingID string) (telephony.Insights, error)
}

// RingSense reads the telephony provider's own call analysis.
type RingSense struct {
	client InsightsClient
}

func NewRingSense(client InsightsClient) *RingSense {
	return &RingSense{client: client}
}

func (r *RingSense) Name() string { return "ringsense" }

func (r *RingSense) Summarize(ctx context.Context, in Input) (Result, error) {
	if in.RecordingID == "" {
		return Result{}, fmt.Errorf("%w: no recording id", ErrUnavailable)
	}

	insights, err := r.client.Insights(ctx, in.RecordingID)
	if err != nil {
		if errors.Is(err, telephony.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: no insights for %s", ErrUnavailable, in.RecordingID)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if insights.Summary == "" {
		return Result{}, fmt.Errorf("%w: ringsense returned no summary", ErrInvalidResult)
	}

	return Result{
		Text:        insights.Summary,
		ActionItems: insights.NextSteps,
		Transcript:  insights.Transcript,
	}, nil
}
