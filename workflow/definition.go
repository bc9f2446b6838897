package workflow

import (
	"fmt"
	"time"

	"callsync/telephony"
)

// Definition configures one workflow kind. Durations are applied in UTC.
type Definition struct {
	Kind        telephony.Kind
	Description string
	// Interval and Offset place firings at Offset past every Interval.
	Interval    time.Duration
	Offset      time.Duration
	Lookback    time.Duration
	DelayBuffer time.Duration
	MaxWait     time.Duration
	MaxAttempts int
	CallTimeout time.Duration
	Concurrency int
	Enabled     bool
}

// DefaultDefinitions returns the three workflows staggered a minute apart.
func DefaultDefinitions() []Definition {
	base := Definition{
		Interval:    5 * time.Minute,
		Lookback:    48 * time.Hour,
		DelayBuffer: 15 * time.Minute,
		MaxWait:     60 * time.Minute,
		MaxAttempts: 5,
		CallTimeout: 60 * time.Second,
		Concurrency: 2,
		Enabled:     true,
	}

	incoming := base
	incoming.Kind = telephony.KindIncomingCall
	incoming.Description = "Inbound calls to CRM notes"

	outgoing := base
	outgoing.Kind = telephony.KindOutgoingCall
	outgoing.Description = "Outbound calls to CRM notes"
	outgoing.Offset = time.Minute

	voicemail := base
	voicemail.Kind = telephony.KindVoicemail
	voicemail.Description = "Voicemails to CRM notes and follow-up tasks"
	voicemail.Offset = 2 * time.Minute

	return []Definition{incoming, outgoing, voicemail}
}

// Validate rejects definitions the runner and scheduler cannot honor.
func (d Definition) Validate() error {
	if _, err := telephony.ParseKind(string(d.Kind)); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	switch {
	case d.Interval < time.Minute || d.Interval%time.Minute != 0:
		return fmt.Errorf("workflow: %s: interval must be a whole number of minutes", d.Kind)
	case d.Interval > time.Hour && d.Interval%time.Hour != 0:
		return fmt.Errorf("workflow: %s: intervals above an hour must be whole hours", d.Kind)
	case d.Offset < 0 || d.Offset >= d.Interval || d.Offset >= time.Hour || d.Offset%time.Minute != 0:
		return fmt.Errorf("workflow: %s: offset must be whole minutes within the interval", d.Kind)
	case d.Lookback <= 0:
		return fmt.Errorf("workflow: %s: lookback must be positive", d.Kind)
	case d.DelayBuffer < 0 || d.MaxWait < 0:
		return fmt.Errorf("workflow: %s: delay buffer and max wait must not be negative", d.Kind)
	case d.MaxAttempts < 1:
		return fmt.Errorf("workflow: %s: max attempts must be at least 1", d.Kind)
	}
	return nil
}

// CronSpec renders the firing schedule as a five-field cron expression.
// Intervals of an hour or more fire once per hour-multiple at the offset.
func (d Definition) CronSpec() string {
	minutes := int(d.Interval / time.Minute)
	offset := int(d.Offset / time.Minute)
	if minutes < 60 {
		return fmt.Sprintf("%d/%d * * * *", offset, minutes)
	}
	hours := minutes / 60
	if hours == 1 {
		return fmt.Sprintf("%d * * * *", offset)
	}
	return fmt.Sprintf("%d */%d * * *", offset, hours)
}

// Window is the range of start times one run looks at.
func (d Definition) Window(now time.Time) telephony.Window {
	end := now.UTC().Add(-d.DelayBuffer)
	return telephony.Window{Start: end.Add(-d.Lookback), End: end}
}

// IsFinal reports whether this is the last pass an event gets before legs
// that never resolved are given up on.
func (d Definition) IsFinal(ev telephony.Event, now time.Time) bool {
	start := ev.StartTime.UTC()
	if d.MaxWait > 0 && now.UTC().Sub(start) >= d.MaxWait {
		return true
	}
	next := d.Window(now.Add(d.Interval))
	return start.Before(next.Start)
}
