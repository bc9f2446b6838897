package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	jwtBearerGrant   = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	callLogPath      = "/restapi/v1.0/account/~/call-log"
	tokenPath        = "/restapi/oauth/token"
	defaultPageSize  = 250
	defaultMaxPages  = 40
	maxResponseBytes = 64 << 20
)

// RingCentralConfig carries the JWT-flow credentials and request pacing.
type RingCentralConfig struct {
	ServerURL         string
	ClientID          string
	ClientSecret      string
	JWTAssertion      string
	PageSize          int
	RequestsPerMinute int
}

// RingCentral reads the account call log, recordings and RingSense insights.
type RingCentral struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	pageSize int
	maxPages int
	logger   *slog.Logger
}

type RingCentralOption func(*ringCentralOptions)

type ringCentralOptions struct {
	base   *http.Client
	logger *slog.Logger
}

// WithHTTPClient sets the client used for both token exchange and API calls.
func WithHTTPClient(c *http.Client) RingCentralOption {
	return func(o *ringCentralOptions) { o.base = c }
}

func WithLogger(l *slog.Logger) RingCentralOption {
	return func(o *ringCentralOptions) { o.logger = l }
}

func NewRingCentral(cfg RingCentralConfig, opts ...RingCentralOption) *RingCentral {
	o := ringCentralOptions{base: &http.Client{Timeout: 60 * time.Second}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	server := strings.TrimRight(cfg.ServerURL, "/")
	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     server + tokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
		EndpointParams: url.Values{
			"grant_type": {jwtBearerGrant},
			"assertion":  {cfg.JWTAssertion},
		},
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, o.base)
	client := creds.Client(tokenCtx)
	client.Timeout = o.base.Timeout

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 40
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}

	return &RingCentral{
		baseURL:  server,
		http:     client,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 5),
		pageSize: pageSize,
		maxPages: defaultMaxPages,
		logger:   o.logger.With("component", "ringcentral"),
	}
}

type callLogPage struct {
	Records    []callLogRecord `json:"records"`
	Navigation struct {
		NextPage *struct {
			URI string `json:"uri"`
		} `json:"nextPage"`
	} `json:"navigation"`
}

// ListEvents returns the calls of kind that started inside window, one Event
// per telephony session. Calls with a non-qualifying result are dropped here.
func (c *RingCentral) ListEvents(ctx context.Context, kind Kind, window Window) ([]Event, error) {
	var records []callLogRecord
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("view", "Detailed")
		q.Set("type", "Voice")
		q.Set("direction", kind.Direction())
		q.Set("dateFrom", window.Start.UTC().Format(time.RFC3339))
		q.Set("dateTo", window.End.UTC().Format(time.RFC3339))
		q.Set("perPage", strconv.Itoa(c.pageSize))
		q.Set("page", strconv.Itoa(page))

		var body callLogPage
		if err := c.getJSON(ctx, c.baseURL+callLogPath+"?"+q.Encode(), &body); err != nil {
			return nil, fmt.Errorf("telephony: list %s page %d: %w", kind, page, err)
		}
		for _, rec := range body.Records {
			if acceptsResult(kind, rec.Result) {
				records = append(records, rec)
			}
		}
		if body.Navigation.NextPage == nil || len(body.Records) == 0 {
			break
		}
		if page == c.maxPages {
			c.logger.Warn("call log truncated, later records are not synced this run",
				"kind", kind, "pages", page, "records", len(records),
				"window_start", window.Start, "window_end", window.End)
			break
		}
	}

	grouped := groupSessions(kind, records)
	events := grouped[:0]
	for _, ev := range grouped {
		if window.Contains(ev.StartTime) {
			events = append(events, ev)
		}
	}
	c.logger.Debug("call log fetched", "kind", kind, "records", len(records), "events", len(events))
	return events, nil
}

// FetchRecording downloads the audio behind a recording reference.
func (c *RingCentral) FetchRecording(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("telephony: empty recording reference")
	}
	resp, err := c.get(ctx, c.resolve(ref))
	if err != nil {
		return nil, fmt.Errorf("telephony: fetch recording: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("telephony: read recording: %w", err)
	}
	return data, nil
}

func (c *RingCentral) resolve(ref string) string {
	if strings.HasPrefix(ref, "/") {
		return c.baseURL + ref
	}
	return ref
}

func (c *RingCentral) getJSON(ctx context.Context, target string, out any) error {
	resp, err := c.get(ctx, target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// get issues a paced GET and maps 404 to ErrNotFound. The caller closes the body.
func (c *RingCentral) get(ctx context.Context, target string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
