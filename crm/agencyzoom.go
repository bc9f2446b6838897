package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	loginPath         = "/v1/api/auth/login"
	tokenRefreshSkew  = 5 * time.Minute
	defaultTokenTTL   = 23 * time.Hour
	maxErrorBodyBytes = 512
)

// AgencyZoomConfig holds credentials, pacing and the voicemail fallback owner.
type AgencyZoomConfig struct {
	BaseURL            string
	Username           string
	Password           string
	FallbackCustomerID int64
	FallbackCSRID      int64
	RequestsPerMinute  int
	Location           *time.Location
}

// AgencyZoom writes notes and tasks through the AgencyZoom REST API.
type AgencyZoom struct {
	cfg     AgencyZoomConfig
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

type AgencyZoomOption func(*AgencyZoom)

func WithHTTPClient(c *http.Client) AgencyZoomOption {
	return func(a *AgencyZoom) { a.http = c }
}

func WithLogger(l *slog.Logger) AgencyZoomOption {
	return func(a *AgencyZoom) { a.logger = l }
}

func WithClock(now func() time.Time) AgencyZoomOption {
	return func(a *AgencyZoom) { a.now = now }
}

func NewAgencyZoom(cfg AgencyZoomConfig, opts ...AgencyZoomOption) *AgencyZoom {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.agencyzoom.com"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}

	a := &AgencyZoom{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agencyzoom")
	return a
}

// accessToken returns a cached login token, logging in again shortly before
// it expires.
func (a *AgencyZoom) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.expires.Add(-tokenRefreshSkew)) {
		return a.token, nil
	}

	body, err := json.Marshal(map[string]string{"username": a.cfg.Username, "password": a.cfg.Password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("crm: login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("crm: login: status %d", resp.StatusCode)
	}

	var out struct {
		JWT         string `json:"jwt"`
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("crm: login: decode: %w", err)
	}
	token := out.JWT
	if token == "" {
		token = out.AccessToken
	}
	if token == "" {
		return "", errors.New("crm: login: no token in response")
	}

	a.token = token
	a.expires = a.tokenExpiry(token)
	a.logger.Info("authenticated", "expires_at", a.expires)
	return a.token, nil
}

// tokenExpiry reads exp from the token without verifying it; the CRM is the
// only party that can verify its own tokens.
func (a *AgencyZoom) tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return a.now().Add(defaultTokenTTL)
}

func (a *AgencyZoom) invalidate(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == token {
		a.token = ""
	}
}

// do sends a JSON request. A 401 triggers one re-login and retry.
func (a *AgencyZoom) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("crm: marshal %s: %w", path, err)
		}
	}

	for attempt := 0; ; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		token, err := a.accessToken(ctx)
		if err != nil {
			return err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.http.Do(req)
		if err != nil {
			return fmt.Errorf("crm: %s %s: %w", method, path, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && attempt == 0:
			resp.Body.Close()
			a.logger.Warn("token rejected, logging in again")
			a.invalidate(token)
			continue
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			return fmt.Errorf("%w: %s %s", ErrRateLimited, method, path)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			resp.Body.Close()
			return fmt.Errorf("crm: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		}

		defer resp.Body.Close()
		if out == nil {
			return nil
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("crm: read %s: %w", path, err)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("crm: decode %s: %w", path, err)
		}
		return nil
	}
}
