package crm

import (
	"context"
	"log/slog"
	"time"
)

// DryRunWriter renders notes and tasks and logs them instead of writing
// to the CRM.
type DryRunWriter struct {
	loc    *time.Location
	logger *slog.Logger
}

func NewDryRunWriter(loc *time.Location, logger *slog.Logger) *DryRunWriter {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunWriter{loc: loc, logger: logger.With("component", "crm_dry_run")}
}

func (d *DryRunWriter) CreateNote(_ context.Context, n Note) (string, error) {
	d.logger.Info("would create note",
		"event_id", n.Event.ID,
		"number", n.Event.ExternalNumber(),
		"recordings", len(n.Recordings),
		"summarized", n.Summary != nil,
		"bytes", len(NoteHTML(n, d.loc)),
	)
	return "dry_run:note", nil
}

func (d *DryRunWriter) CreateTask(_ context.Context, t Task) (string, error) {
	d.logger.Info("would create task", "event_id", t.Event.ID, "title", TaskTitle(t.Event))
	return "dry_run:task", nil
}
