package workflow

// Stats are the per-run counters logged and stored with the run.
type Stats struct {
	Seen             int
	SkippedInternal  int
	AlreadyCompleted int
	Completed        int
	Retried          int
	StillPending     int
	Failed           int
	Exhausted        int
	Unmatched        int
}

func (s Stats) Map() map[string]int {
	return map[string]int{
		"seen":              s.Seen,
		"skipped_internal":  s.SkippedInternal,
		"already_completed": s.AlreadyCompleted,
		"completed":         s.Completed,
		"retried":           s.Retried,
		"still_pending":     s.StillPending,
		"failed":            s.Failed,
		"exhausted":         s.Exhausted,
		"unmatched":         s.Unmatched,
	}
}

// LogArgs flattens the counters into slog key/value pairs.
func (s Stats) LogArgs() []any {
	return []any{
		"seen", s.Seen,
		"skipped_internal", s.SkippedInternal,
		"already_completed", s.AlreadyCompleted,
		"completed", s.Completed,
		"retried", s.Retried,
		"still_pending", s.StillPending,
		"failed", s.Failed,
		"exhausted", s.Exhausted,
		"unmatched", s.Unmatched,
	}
}

type outcome int

const (
	outcomeSkippedInternal outcome = iota
	outcomeAlreadyCompleted
	outcomeExhausted
	outcomePending
	outcomeCompleted
	outcomeFailed
)

type itemResult struct {
	outcome   outcome
	retried   bool
	unmatched bool
}

func (s *Stats) add(r itemResult) {
	s.Seen++
	switch r.outcome {
	case outcomeSkippedInternal:
		s.SkippedInternal++
	case outcomeAlreadyCompleted:
		s.AlreadyCompleted++
	case outcomeExhausted:
		s.Exhausted++
	case outcomePending:
		s.StillPending++
	case outcomeCompleted:
		s.Completed++
	case outcomeFailed:
		s.Failed++
	}
	if r.retried {
		s.Retried++
	}
	if r.unmatched {
		s.Unmatched++
	}
}
