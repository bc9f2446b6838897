package workflow

import (
	"testing"
	"time"

	"callsync/telephony"
)

func TestDefaultDefinitions_Staggered(t *testing.T) {
	defs := DefaultDefinitions()
	want := map[telephony.Kind]string{
		telephony.KindIncomingCall: "0/5 * * * *",
		telephony.KindOutgoingCall: "1/5 * * * *",
		telephony.KindVoicemail:    "2/5 * * * *",
	}
	if len(defs) != len(want) {
		t.Fatalf("expected %d definitions, got %d", len(want), len(defs))
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			t.Fatalf("default %s invalid: %v", d.Kind, err)
		}
		if got := d.CronSpec(); got != want[d.Kind] {
			t.Fatalf("%s: expected %q, got %q", d.Kind, want[d.Kind], got)
		}
	}
}

func TestDefinition_CronSpecHourly(t *testing.T) {
	d := Definition{Interval: 2 * time.Hour, Offset: 7 * time.Minute}
	if got := d.CronSpec(); got != "7 */2 * * *" {
		t.Fatalf("unexpected cron spec %q", got)
	}
	d.Interval = time.Hour
	if got := d.CronSpec(); got != "7 * * * *" {
		t.Fatalf("unexpected cron spec %q", got)
	}
}

func TestDefinition_Validate(t *testing.T) {
	base := DefaultDefinitions()[0]
	cases := map[string]func(*Definition){
		"unknown kind":     func(d *Definition) { d.Kind = "fax" },
		"sub-minute":       func(d *Definition) { d.Interval = 30 * time.Second },
		"offset too large": func(d *Definition) { d.Offset = 5 * time.Minute },
		"no attempts":      func(d *Definition) { d.MaxAttempts = 0 },
		"odd hours":        func(d *Definition) { d.Interval = 90 * time.Minute },
	}
	for name, mutate := range cases {
		d := base
		mutate(&d)
		if err := d.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDefinition_WindowInUTC(t *testing.T) {
	d := DefaultDefinitions()[0]
	loc := time.FixedZone("PST", -8*3600)
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, loc)

	w := d.Window(now)
	wantEnd := time.Date(2024, 1, 15, 18, 15, 0, 0, time.UTC)
	if !w.End.Equal(wantEnd) || w.End.Location() != time.UTC {
		t.Fatalf("unexpected end %v", w.End)
	}
	if !w.Start.Equal(wantEnd.Add(-48 * time.Hour)) {
		t.Fatalf("unexpected start %v", w.Start)
	}
}

func TestDefinition_IsFinal(t *testing.T) {
	d := DefaultDefinitions()[0]
	now := time.Date(2024, 1, 15, 20, 0, 0, 0, time.UTC)

	fresh := telephony.Event{StartTime: now.Add(-20 * time.Minute)}
	if d.IsFinal(fresh, now) {
		t.Fatalf("fresh event should not be final")
	}
	aged := telephony.Event{StartTime: now.Add(-d.MaxWait)}
	if !d.IsFinal(aged, now) {
		t.Fatalf("event at max wait should be final")
	}

	d.MaxWait = 0
	edge := telephony.Event{StartTime: d.Window(now).Start.Add(time.Minute)}
	if !d.IsFinal(edge, now) {
		t.Fatalf("event leaving the window should be final")
	}
}
