package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"callsync/telephony"
)

type contact struct {
	ID             int64  `json:"id"`
	Phone          string `json:"phone"`
	SecondaryPhone string `json:"secondaryPhone"`
}

func (c contact) matches(normalized string) bool {
	if len(normalized) < 7 {
		return false
	}
	return NormalizePhone(c.Phone) == normalized || NormalizePhone(c.SecondaryPhone) == normalized
}

// findContacts searches customers and leads by phone and keeps only records
// whose own numbers match; the search endpoints match loosely.
func (a *AgencyZoom) findContacts(ctx context.Context, phone string) ([]contact, []contact, error) {
	normalized := NormalizePhone(phone)
	if len(normalized) < 7 {
		return nil, nil, nil
	}

	var customers struct {
		Customers []contact `json:"customers"`
	}
	if err := a.do(ctx, http.MethodPost, "/v1/api/customers", map[string]any{
		"page": 0, "pageSize": 20, "phone": normalized,
	}, &customers); err != nil {
		return nil, nil, fmt.Errorf("crm: search customers: %w", err)
	}

	var leads struct {
		Leads []contact `json:"leads"`
	}
	if err := a.do(ctx, http.MethodPost, "/v1/api/leads/list", map[string]any{
		"page": 0, "pageSize": 20, "customerPhone": normalized,
	}, &leads); err != nil {
		return nil, nil, fmt.Errorf("crm: search leads: %w", err)
	}

	return filterContacts(customers.Customers, normalized), filterContacts(leads.Leads, normalized), nil
}

func filterContacts(in []contact, normalized string) []contact {
	var out []contact
	for _, c := range in {
		if c.ID != 0 && c.matches(normalized) {
			out = append(out, c)
		}
	}
	return out
}

// noteTargets prefers customers; leads only receive the note when nobody is
// a customer yet.
func noteTargets(customers, leads []contact) []target {
	var out []target
	if len(customers) > 0 {
		for _, c := range customers {
			out = append(out, target{contactCustomer, c.ID})
		}
		return out
	}
	for _, l := range leads {
		out = append(out, target{contactLead, l.ID})
	}
	return out
}

// CreateNote attaches the call note to every matching contact and returns
// the written targets as "customer:<id>,..." references. Voicemails with no
// match go to the fallback customer; calls with no match return ErrNoMatch.
func (a *AgencyZoom) CreateNote(ctx context.Context, n Note) (string, error) {
	log := a.logger.With("event_id", n.Event.ID)

	customers, leads, err := a.findContacts(ctx, n.Event.ExternalNumber())
	if err != nil {
		return "", err
	}
	targets := noteTargets(customers, leads)
	if len(targets) == 0 {
		if n.Event.Kind != telephony.KindVoicemail || a.cfg.FallbackCustomerID == 0 {
			return "", ErrNoMatch
		}
		targets = []target{{contactCustomer, a.cfg.FallbackCustomerID}}
	}

	body := map[string]string{"note": NoteHTML(n, a.cfg.Location)}
	var (
		refs []string
		errs []error
	)
	for _, t := range targets {
		path := fmt.Sprintf("/v1/api/%ss/%d/notes", t.kind, t.id)
		if err := a.do(ctx, http.MethodPost, path, body, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		refs = append(refs, t.String())
	}

	if len(refs) == 0 {
		return "", fmt.Errorf("crm: create note: %w", errors.Join(errs...))
	}
	if len(errs) > 0 {
		log.Warn("note written to some contacts only", "written", refs, "error", errors.Join(errs...))
	}
	log.Info("note created", "targets", refs)
	return strings.Join(refs, ","), nil
}

type taskRequest struct {
	Title        string `json:"title"`
	DueDatetime  string `json:"dueDatetime"`
	AssigneeID   int64  `json:"assigneeId"`
	Type         string `json:"type"`
	Duration     int    `json:"duration"`
	TimeSpecific bool   `json:"timeSpecific"`
	CustomerID   int64  `json:"customerId,omitempty"`
	LeadID       int64  `json:"leadId,omitempty"`
	Comments     string `json:"comments,omitempty"`
}

// CreateTask creates the voicemail follow-up. It is owned by the matched
// customer's CSR, else the matched lead's producer, else the fallback CSR on
// the fallback customer.
func (a *AgencyZoom) CreateTask(ctx context.Context, t Task) (string, error) {
	customers, leads, err := a.findContacts(ctx, t.Event.FromNumber)
	if err != nil {
		return "", err
	}

	req := taskRequest{
		Title:        TaskTitle(t.Event),
		DueDatetime:  t.Event.StartTime.UTC().Format("2006-01-02T15:04:05Z"),
		Type:         "call",
		Duration:     15,
		TimeSpecific: true,
		Comments:     TaskHTML(t, a.cfg.Location),
	}

	switch {
	case len(customers) > 0:
		req.CustomerID = customers[0].ID
		req.AssigneeID, err = a.customerCSR(ctx, req.CustomerID)
	case len(leads) > 0:
		req.LeadID = leads[0].ID
		req.AssigneeID, err = a.leadProducer(ctx, req.LeadID)
	}
	if err != nil {
		return "", err
	}
	if req.AssigneeID == 0 {
		if a.cfg.FallbackCustomerID == 0 || a.cfg.FallbackCSRID == 0 {
			return "", fmt.Errorf("crm: create task: %w and no fallback owner configured", ErrNoMatch)
		}
		req.CustomerID, req.LeadID, req.AssigneeID = a.cfg.FallbackCustomerID, 0, a.cfg.FallbackCSRID
	}

	var out struct {
		ID json.RawMessage `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "/v1/api/tasks", req, &out); err != nil {
		return "", fmt.Errorf("crm: create task: %w", err)
	}

	ref := "task"
	if id := strings.Trim(string(out.ID), `"`); id != "" && id != "null" {
		ref = "task:" + id
	}
	a.logger.Info("task created", "event_id", t.Event.ID, "assignee_id", req.AssigneeID, "ref", ref)
	return ref, nil
}

func (a *AgencyZoom) customerCSR(ctx context.Context, id int64) (int64, error) {
	var out struct {
		Policies []struct {
			CSRID int64 `json:"csrId"`
		} `json:"policies"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/api/customers/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return 0, fmt.Errorf("crm: get customer %d: %w", id, err)
	}
	for _, p := range out.Policies {
		if p.CSRID != 0 {
			return p.CSRID, nil
		}
	}
	return 0, nil
}

func (a *AgencyZoom) leadProducer(ctx context.Context, id int64) (int64, error) {
	var out struct {
		AssignedTo int64 `json:"assignedTo"`
		AgentID    int64 `json:"agentId"`
		ProducerID int64 `json:"producerId"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/api/leads/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return 0, fmt.Errorf("crm: get lead %d: %w", id, err)
	}
	for _, id := range []int64{out.AssignedTo, out.AgentID, out.ProducerID} {
		if id != 0 {
			return id, nil
		}
	}
	return 0, nil
}
