package telephony

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound signals a recording or insight the provider does not have (yet).
	ErrNotFound = errors.New("telephony: not found")
	// ErrUnknownKind is returned by ParseKind for unrecognised workflow kinds.
	ErrUnknownKind = errors.New("telephony: unknown kind")
)

// Kind selects which slice of the call log a workflow syncs.
type Kind string

const (
	KindIncomingCall Kind = "incoming_call"
	KindOutgoingCall Kind = "outgoing_call"
	KindVoicemail    Kind = "voicemail"
)

// Kinds lists every supported kind in schedule order.
func Kinds() []Kind {
	return []Kind{KindIncomingCall, KindOutgoingCall, KindVoicemail}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Direction is the call-log direction the kind maps to.
func (k Kind) Direction() string {
	if k == KindOutgoingCall {
		return "Outbound"
	}
	return "Inbound"
}

// Window is a closed UTC time range [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Leg is one recorded segment of a call. A transferred call has one leg per
// extension that handled it; Index is 1-based and follows call order.
type Leg struct {
	Index           int
	ExtensionName   string
	RecordingID     string
	RecordingRef    string
	ContentType     string
	DurationSeconds int
}

// Resolved reports whether the provider has published the leg's audio.
func (l Leg) Resolved() bool {
	return l.RecordingRef != ""
}

// Event is one logical call, identified by its telephony session.
type Event struct {
	ID              string
	Kind            Kind
	StartTime       time.Time
	DurationSeconds int
	Result          string
	FromNumber      string
	FromName        string
	FromExtensionID string
	ToNumber        string
	ToName          string
	ToExtensionID   string
	Legs            []Leg
}

// LegsComplete reports whether every leg has a recording reference.
func (e Event) LegsComplete() bool {
	for _, leg := range e.Legs {
		if !leg.Resolved() {
			return false
		}
	}
	return true
}

// ExternalNumber is the party outside the phone system: the caller for
// inbound kinds and the callee for outbound calls.
func (e Event) ExternalNumber() string {
	if e.Kind == KindOutgoingCall {
		return e.ToNumber
	}
	return e.FromNumber
}

// Leg returns the leg with the given index.
func (e Event) Leg(index int) (Leg, bool) {
	for _, leg := range e.Legs {
		if leg.Index == index {
			return leg, true
		}
	}
	return Leg{}, false
}

const minExternalDigits = 7

// IsInternal reports whether both ends of the call sit inside the phone
// system: both parties carry an extension id, or neither number is long
// enough to be an outside line.
func IsInternal(e Event) bool {
	if e.FromExtensionID != "" && e.ToExtensionID != "" {
		return true
	}
	return countDigits(e.FromNumber) < minExternalDigits && countDigits(e.ToNumber) < minExternalDigits
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
