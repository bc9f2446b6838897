package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"callsync/auth"
	"callsync/ledger"
	"callsync/scheduler"
	"callsync/telephony"
	"callsync/workflow"
)

type ctxKey string

const (
	ctxKeySubject ctxKey = "subject"
	ctxKeyRole    ctxKey = "role"
)

const maxBodyBytes = 1 << 16

type Authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Claims, error)
}

type Workflows interface {
	Workflows() []scheduler.WorkflowInfo
	Trigger(kind telephony.Kind) (string, error)
}

type Ledger interface {
	Get(ctx context.Context, kind, eventID string) (ledger.Record, error)
	Delete(ctx context.Context, kind, eventID string) error
	List(ctx context.Context, filter ledger.Filter) ([]ledger.Record, error)
}

type RunLister interface {
	ListRecent(ctx context.Context, kind string, limit int) ([]ledger.Run, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the administrative HTTP surface.
type Server struct {
	auth        Authenticator
	workflows   Workflows
	ledger      Ledger
	runs        RunLister
	db          Pinger
	maxAttempts map[telephony.Kind]int
	logger      *slog.Logger
}

// Deps lists what the server reads from. Runs and DB may be nil when the
// process runs without a database.
type Deps struct {
	Auth        Authenticator
	Workflows   Workflows
	Ledger      Ledger
	Runs        RunLister
	DB          Pinger
	Definitions []workflow.Definition
	Logger      *slog.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := make(map[telephony.Kind]int, len(d.Definitions))
	for _, def := range d.Definitions {
		attempts[def.Kind] = def.MaxAttempts
	}
	return &Server{
		auth:        d.Auth,
		workflows:   d.Workflows,
		ledger:      d.Ledger,
		runs:        d.Runs,
		db:          d.DB,
		maxAttempts: attempts,
		logger:      logger.With("component", "admin"),
	}
}

// Routes wires every handler. Read endpoints need any valid token; run
// triggers and ledger resets need an operator token.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/admin/token", s.handleToken)
	mux.Handle("/admin/workflows", s.requireAuth(http.HandlerFunc(s.handleWorkflows)))
	mux.Handle("/admin/workflows/", s.requireAuth(http.HandlerFunc(s.handleRunWorkflow)))
	mux.Handle("/admin/processed", s.requireAuth(http.HandlerFunc(s.handleProcessed)))
	mux.Handle("/admin/processed/", s.requireAuth(http.HandlerFunc(s.handleProcessedItem)))
	mux.Handle("/admin/runs", s.requireAuth(http.HandlerFunc(s.handleRuns)))
	return s.logRequests(mux)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			writeError(w, http.StatusServiceUnavailable, "admin authentication is not configured")
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeySubject, claims.Subject)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if r.URL.Path == "/healthz" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func canWrite(r *http.Request) bool {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role.CanWrite()
}

func subject(r *http.Request) string {
	sub, _ := r.Context().Value(ctxKeySubject).(string)
	return sub
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

