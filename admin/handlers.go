package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"callsync/auth"
	"callsync/ledger"
	"callsync/scheduler"
	"callsync/telephony"
)

type tokenResponse struct {
	Token     string `json:"token"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expiresAt"`
}

type workflowResponse struct {
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Schedule    string  `json:"schedule"`
	Enabled     bool    `json:"enabled"`
	Running     bool    `json:"running"`
	NextRun     *string `json:"nextRun,omitempty"`
}

type processedResponse struct {
	WorkflowKind  string  `json:"workflowKind"`
	EventID       string  `json:"eventId"`
	Status        string  `json:"status"`
	CRMReference  string  `json:"crmReference,omitempty"`
	NoteReference string  `json:"noteReference,omitempty"`
	AttemptCount  int     `json:"attemptCount"`
	LastAttemptAt *string `json:"lastAttemptAt,omitempty"`
	LastError     string  `json:"lastError,omitempty"`
	Exhausted     bool    `json:"exhausted"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
}

type runResponse struct {
	ID           string         `json:"id"`
	WorkflowKind string         `json:"workflowKind"`
	Origin       string         `json:"origin"`
	Status       string         `json:"status"`
	StartedAt    string         `json:"startedAt"`
	FinishedAt   *string        `json:"finishedAt,omitempty"`
	Stats        map[string]int `json:"stats,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": "down"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.auth == nil {
		writeError(w, http.StatusServiceUnavailable, "admin authentication is not configured")
		return
	}
	var req auth.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     res.Token,
		Role:      string(res.Role),
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	infos := s.workflows.Workflows()
	items := make([]workflowResponse, 0, len(infos))
	for _, info := range infos {
		items = append(items, workflowResponse{
			Kind:        string(info.Kind),
			Description: info.Description,
			Schedule:    info.Schedule,
			Enabled:     info.Enabled,
			Running:     info.Running,
			NextRun:     formatTime(info.NextRun),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleRunWorkflow serves POST /admin/workflows/{kind}/run.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	parts, ok := pathParts(r.URL.Path, "/admin/workflows/", 2)
	if !ok || parts[1] != "run" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !canWrite(r) {
		writeError(w, http.StatusForbidden, "operator role required")
		return
	}
	kind, err := telephony.ParseKind(parts[0])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown workflow")
		return
	}

	runID, err := s.workflows.Trigger(kind)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "workflow is already running")
		return
	case errors.Is(err, scheduler.ErrUnknownWorkflow):
		writeError(w, http.StatusNotFound, "unknown workflow")
		return
	case err != nil:
		s.logger.Error("trigger failed", "workflow", string(kind), "error", err)
		writeError(w, http.StatusServiceUnavailable, "workflow could not be started")
		return
	}
	s.logger.Info("manual run started", "workflow", string(kind), "run_id", runID, "by", subject(r))
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID, "workflowKind": string(kind)})
}

// handleProcessed serves GET /admin/processed?kind=&status=&exhausted=&limit=.
func (s *Server) handleProcessed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	filter := ledger.Filter{Limit: parseLimit(q.Get("limit"))}

	kinds := []telephony.Kind{}
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		kind, err := telephony.ParseKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown workflow kind")
			return
		}
		kinds = append(kinds, kind)
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		filter.Status = ledger.Status(raw)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	exhausted := q.Get("exhausted") == "true"

	var records []ledger.Record
	if exhausted {
		// Thresholds differ per workflow, so each kind is queried on its own.
		if len(kinds) == 0 {
			kinds = telephony.Kinds()
		}
		filter.Status = ledger.StatusFailed
		for _, kind := range kinds {
			f := filter
			f.WorkflowKind = string(kind)
			f.MinAttempts = s.attemptLimit(kind)
			items, err := s.ledger.List(r.Context(), f)
			if err != nil {
				s.logger.Error("list exhausted failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			records = append(records, items...)
		}
	} else {
		if len(kinds) == 1 {
			filter.WorkflowKind = string(kinds[0])
		}
		items, err := s.ledger.List(r.Context(), filter)
		if err != nil {
			s.logger.Error("list processed failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		records = items
	}

	items := make([]processedResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, s.processedResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleProcessedItem serves GET and DELETE /admin/processed/{kind}/{eventID}.
// DELETE is the reprocess operation: the event looks unseen on the next run.
func (s *Server) handleProcessedItem(w http.ResponseWriter, r *http.Request) {
	parts, ok := pathParts(r.URL.Path, "/admin/processed/", 2)
	if !ok {
		writeError(w, http.StatusBadRequest, "expected /admin/processed/{kind}/{eventId}")
		return
	}
	kind, err := telephony.ParseKind(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown workflow kind")
		return
	}
	eventID := parts[1]

	switch r.Method {
	case http.MethodGet:
		rec, err := s.ledger.Get(r.Context(), string(kind), eventID)
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			s.logger.Error("get processed failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, s.processedResponse(rec))
	case http.MethodDelete:
		if !canWrite(r) {
			writeError(w, http.StatusForbidden, "operator role required")
			return
		}
		err := s.ledger.Delete(r.Context(), string(kind), eventID)
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			s.logger.Error("delete processed failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.logger.Info("event reset for reprocessing", "workflow", string(kind), "event_id", eventID, "by", subject(r))
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// handleRuns serves GET /admin/runs?kind=&limit=.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []runResponse{}})
		return
	}
	q := r.URL.Query()
	kind := strings.TrimSpace(q.Get("kind"))
	if kind != "" {
		if _, err := telephony.ParseKind(kind); err != nil {
			writeError(w, http.StatusBadRequest, "unknown workflow kind")
			return
		}
	}
	runs, err := s.runs.ListRecent(r.Context(), kind, parseLimit(q.Get("limit")))
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		items = append(items, runResponse{
			ID:           run.ID,
			WorkflowKind: run.WorkflowKind,
			Origin:       run.Origin,
			Status:       string(run.Status),
			StartedAt:    run.StartedAt.UTC().Format(time.RFC3339),
			FinishedAt:   formatTime(run.FinishedAt),
			Stats:        run.Stats,
			ErrorMessage: run.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) attemptLimit(kind telephony.Kind) int {
	if n := s.maxAttempts[kind]; n > 0 {
		return n
	}
	return 5
}

func (s *Server) processedResponse(rec ledger.Record) processedResponse {
	return processedResponse{
		WorkflowKind:  rec.WorkflowKind,
		EventID:       rec.EventID,
		Status:        string(rec.Status),
		CRMReference:  rec.CRMReference,
		NoteReference: rec.NoteReference,
		AttemptCount:  rec.AttemptCount,
		LastAttemptAt: formatTime(rec.LastAttemptAt),
		LastError:     rec.LastError,
		Exhausted:     rec.Exhausted(s.attemptLimit(telephony.Kind(rec.WorkflowKind))),
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// pathParts splits what follows prefix into exactly n non-empty segments.
func pathParts(path, prefix string, n int) ([]string, bool) {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return nil, false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != n {
		return nil, false
	}
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}

func parseLimit(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
