package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const (
	transcriptionPrompt = `This is a voicemail or phone call for an insurance agency.
The caller may spell out their name letter by letter (e.g., "R-O-B-A-S-C-I-O-T-T-I").
When letters are spelled out, transcribe them as individual letters with hyphens.
Common topics include: policy numbers, insurance claims, renewals, quotes, and coverage questions.
Names mentioned may be unusual - transcribe them phonetically if unclear.`

	summarySystemPrompt = `You are an assistant that summarizes phone call transcripts for an insurance agency.
Your job is to extract the key information from the call and present it concisely.

Provide:
1. A brief summary (2-3 sentences) of what the call was about
2. Any action items or follow-ups mentioned (if any)

Format your response as:
SUMMARY: [your summary here]

ACTION ITEMS:
- [action item 1]
- [action item 2]
(or "None mentioned" if no action items)

Keep it professional and concise. Focus on insurance-related topics like policy questions, claims, quotes, renewals, etc.`

	// ShortCallSummary stands in for a summary when the transcript is too
	// short to say anything useful.
	ShortCallSummary = "Call too short for summary."

	minTranscriptChars = 50
)

// OpenAIConfig selects the endpoint and models used for the fallback tier.
type OpenAIConfig struct {
	BaseURL            string
	APIKey             string
	TranscriptionModel string
	SummaryModel       string
}

// OpenAI transcribes the first leg and asks a chat model for a summary.
type OpenAI struct {
	httpClient *http.Client
	cfg        OpenAIConfig
}

func NewOpenAI(httpClient *http.Client, cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = "gpt-4o-mini"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAI{httpClient: httpClient, cfg: cfg}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Summarize(ctx context.Context, in Input) (Result, error) {
	if len(in.Audio) == 0 {
		return Result{}, fmt.Errorf("%w: no audio", ErrUnavailable)
	}

	transcript, err := o.transcribe(ctx, in.Audio, in.Filename)
	if err != nil {
		return Result{}, err
	}
	transcript = strings.TrimSpace(transcript)
	if len(transcript) < minTranscriptChars {
		return Result{Text: ShortCallSummary, Transcript: transcript}, nil
	}

	completion, err := o.complete(ctx, transcript, in.Context)
	if err != nil {
		return Result{}, err
	}
	text, items := parseCompletion(completion)
	if text == "" {
		return Result{}, fmt.Errorf("%w: completion has no SUMMARY section", ErrInvalidResult)
	}
	return Result{Text: text, ActionItems: items, Transcript: transcript}, nil
}

func (o *OpenAI) transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if filename == "" {
		filename = "audio.mp3"
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := [][2]string{
		{"model", o.cfg.TranscriptionModel},
		{"response_format", "text"},
		{"prompt", transcriptionPrompt},
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("summary/openai: write field %s: %w", f[0], err)
		}
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("summary/openai: create file part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("summary/openai: write audio: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("summary/openai: close form: %w", err)
	}

	resp, err := o.post(ctx, "/v1/audio/transcriptions", form.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read transcription: %v", ErrUnavailable, err)
	}
	return string(text), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) complete(ctx context.Context, transcript, callContext string) (string, error) {
	var user strings.Builder
	user.WriteString("Please summarize this phone call transcript:\n\n")
	if callContext != "" {
		user.WriteString("Context: " + callContext + "\n\n")
	}
	user.WriteString("TRANSCRIPT:\n" + transcript)

	payload, err := json.Marshal(chatRequest{
		Model: o.cfg.SummaryModel,
		Messages: []chatMessage{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: user.String()},
		},
		MaxTokens:   500,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summary/openai: marshal request: %w", err)
	}

	resp, err := o.post(ctx, "/v1/chat/completions", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode completion: %v", ErrInvalidResult, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrInvalidResult)
	}
	return out.Choices[0].Message.Content, nil
}

// post sends an authenticated request. Transport errors, rate limits and 5xx
// map to ErrUnavailable; other non-2xx statuses are returned as-is.
func (o *OpenAI) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("summary/openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	msg := readAPIError(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s: status %d: %s", ErrUnavailable, path, resp.StatusCode, msg)
	}
	return nil, fmt.Errorf("summary/openai: %s: status %d: %s", path, resp.StatusCode, msg)
}

// readAPIError extracts {"error":{"message":...}} when present.
func readAPIError(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var wire struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error.Message != "" {
		return wire.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
