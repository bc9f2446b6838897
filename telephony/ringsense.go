package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Insights is the RingSense analysis of one recording.
type Insights struct {
	Summary    string
	NextSteps  []string
	Transcript string
}

type insightsBody struct {
	Summary    string            `json:"summary"`
	NextSteps  []json.RawMessage `json:"nextSteps"`
	Transcript []json.RawMessage `json:"transcript"`
}

// Insights fetches RingSense output for a recording. A recording that was
// never analysed yields ErrNotFound.
func (c *RingCentral) Insights(ctx context.Context, recordingID string) (Insights, error) {
	if recordingID == "" {
		return Insights{}, fmt.Errorf("telephony: insights: %w", ErrNotFound)
	}

	target := fmt.Sprintf("%s/ai/ringsense/v1/public/accounts/~/domains/pbx/records/%s/insights",
		c.baseURL, url.PathEscape(recordingID))

	var body insightsBody
	if err := c.getJSON(ctx, target, &body); err != nil {
		return Insights{}, fmt.Errorf("telephony: insights %s: %w", recordingID, err)
	}

	return Insights{
		Summary:    strings.TrimSpace(body.Summary),
		NextSteps:  flattenText(body.NextSteps),
		Transcript: strings.Join(flattenText(body.Transcript), "\n"),
	}, nil
}

// flattenText accepts either plain strings or objects carrying the text under
// "text" or "value", with an optional "speakerName" prefix.
func flattenText(items []json.RawMessage) []string {
	var out []string
	for _, raw := range items {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}

		var obj struct {
			Text        string `json:"text"`
			Value       string `json:"value"`
			SpeakerName string `json:"speakerName"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		text := strings.TrimSpace(obj.Text)
		if text == "" {
			text = strings.TrimSpace(obj.Value)
		}
		if text == "" {
			continue
		}
		if obj.SpeakerName != "" {
			text = obj.SpeakerName + ": " + text
		}
		out = append(out, text)
	}
	return out
}
