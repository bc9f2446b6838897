package crm

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsync/summary"
	"callsync/telephony"
)

func TestFormatPhone(t *testing.T) {
	assert.Equal(t, "(805) 794-6787", FormatPhone("+18057946787"))
	assert.Equal(t, "(805) 794-6787", FormatPhone("805.794.6787"))
	assert.Equal(t, "101", FormatPhone("101"))
	assert.Equal(t, "Unknown", FormatPhone(""))
}

func TestFormatDuration(t *testing.T) {
	cases := map[int]string{
		45:   "45 seconds",
		125:  "2m 5s",
		180:  "3 minutes",
		3780: "1h 3m",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatDuration(in), "seconds=%d", in)
	}
}

func TestNoteHTML_MultiLegCall(t *testing.T) {
	pacific, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	n := Note{
		Event: telephony.Event{
			ID:              "call_001",
			Kind:            telephony.KindIncomingCall,
			StartTime:       time.Date(2024, 1, 15, 18, 3, 0, 0, time.UTC),
			DurationSeconds: 300,
			Result:          "Accepted",
			FromNumber:      "+18057946787",
			FromName:        "Pat <Doe>",
			ToNumber:        "+18055550100",
		},
		Summary: &summary.Summary{Text: "Renewal question.", ActionItems: []string{"Send quote"}},
		Recordings: []RecordingLink{
			{LegIndex: 1, ExtensionName: "ext_100", URL: "https://cdn.example.com/call_001_part1.mp3"},
			{LegIndex: 2, ExtensionName: "ext_200", URL: "https://cdn.example.com/call_001_part2.mp3"},
		},
	}

	got := NoteHTML(n, pacific)
	assert.True(t, strings.HasPrefix(got, "📞 Inbound - (805) 794-6787 - Accepted"))
	assert.Contains(t, got, "01/15/2024 10:03 AM")
	assert.Contains(t, got, "Pat &lt;Doe&gt;")
	assert.Contains(t, got, "5 minutes")
	assert.Contains(t, got, "Renewal question.")
	assert.Contains(t, got, "<li>Send quote</li>")
	assert.Contains(t, got, "Call Segments:</b> 2")
	assert.Contains(t, got, `Part 1 (ext_100):</b> <a href="https://cdn.example.com/call_001_part1.mp3"`)
	assert.Contains(t, got, `Part 2 (ext_200):</b> <a href="https://cdn.example.com/call_001_part2.mp3"`)
	assert.Contains(t, got, "Call ID:</b> call_001")
}

func TestNoteHTML_NoSummaryNoRecording(t *testing.T) {
	got := NoteHTML(Note{Event: telephony.Event{ID: "c2", Kind: telephony.KindOutgoingCall, ToNumber: "+18057946787"}}, nil)
	assert.True(t, strings.HasPrefix(got, "📞 Outbound - (805) 794-6787 - Unknown"))
	assert.NotContains(t, got, "AI SUMMARY")
	assert.Contains(t, got, "No recording available")
}

func TestTaskTitle(t *testing.T) {
	assert.Equal(t, "Voicemail from Pat Doe", TaskTitle(telephony.Event{FromName: " Pat Doe ", FromNumber: "+18057946787"}))
	assert.Equal(t, "Voicemail from (805) 794-6787", TaskTitle(telephony.Event{FromNumber: "+18057946787"}))
}

func TestTaskHTML_PrefersTranscript(t *testing.T) {
	task := Task{
		Event:      telephony.Event{FromNumber: "+18057946787", DurationSeconds: 20},
		Summary:    &summary.Summary{Text: "Callback requested.", Transcript: "Hi, please call me back."},
		Recordings: []RecordingLink{{LegIndex: 1, URL: "https://cdn.example.com/vm_1_part1.mp3"}},
	}
	got := TaskHTML(task, time.UTC)
	assert.Contains(t, got, "Hi, please call me back.")
	assert.Contains(t, got, "https://cdn.example.com/vm_1_part1.mp3")
	assert.Contains(t, got, "20 seconds")

	bare := TaskHTML(Task{Event: telephony.Event{FromNumber: "+18057946787"}}, time.UTC)
	assert.Contains(t, bare, "Transcription not available")
	assert.Contains(t, bare, "No recording available")
}

func TestDryRunWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewDryRunWriter(time.UTC, slog.New(slog.NewTextHandler(&buf, nil)))
	ev := telephony.Event{ID: "vm_1", Kind: telephony.KindVoicemail, FromNumber: "+18057946787"}

	ref, err := w.CreateNote(context.Background(), Note{Event: ev})
	require.NoError(t, err)
	assert.Equal(t, "dry_run:note", ref)

	ref, err = w.CreateTask(context.Background(), Task{Event: ev})
	require.NoError(t, err)
	assert.Equal(t, "dry_run:task", ref)
	assert.Contains(t, buf.String(), "Voicemail from (805) 794-6787")
}
