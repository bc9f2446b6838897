package ledger

import "time"

// Status is the processing state of one (workflow kind, event id) pair.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Record mirrors a processed_items row. Empty strings are stored as NULL.
type Record struct {
	WorkflowKind  string
	EventID       string
	Status        Status
	CRMReference  string
	NoteReference string
	AttemptCount  int
	LastAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Exhausted reports whether a failed record has used up its attempts.
func (r Record) Exhausted(maxAttempts int) bool {
	return r.Status == StatusFailed && maxAttempts > 0 && r.AttemptCount >= maxAttempts
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	WorkflowKind string
	Status       Status
	MinAttempts  int
	Limit        int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	if f.Limit > maxListLimit {
		return maxListLimit
	}
	return f.Limit
}
