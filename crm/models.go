package crm

import (
	"errors"
	"fmt"

	"callsync/summary"
	"callsync/telephony"
)

var (
	// ErrNoMatch is returned when no CRM contact carries the caller's number.
	ErrNoMatch = errors.New("crm: no matching contact")
	// ErrRateLimited signals the CRM throttled the request.
	ErrRateLimited = errors.New("crm: rate limited")
)

// NoMatchReference is stored as the CRM reference of events that were
// settled without a CRM write because nobody matched.
const NoMatchReference = "no_match"

// RecordingLink is a stored leg as shown in the CRM.
type RecordingLink struct {
	LegIndex      int
	ExtensionName string
	URL           string
}

// Note is everything rendered into a call note. Summary may be nil.
type Note struct {
	Event      telephony.Event
	Summary    *summary.Summary
	Recordings []RecordingLink
}

// Task is the follow-up created for a voicemail.
type Task struct {
	Event      telephony.Event
	Summary    *summary.Summary
	Recordings []RecordingLink
}

type contactKind string

const (
	contactCustomer contactKind = "customer"
	contactLead     contactKind = "lead"
)

type target struct {
	kind contactKind
	id   int64
}

func (t target) String() string {
	return fmt.Sprintf("%s:%d", t.kind, t.id)
}
