package crm

import (
	"fmt"
	"html"
	"strings"
	"time"

	"callsync/telephony"
)

// FormatPhone renders US numbers as (XXX) XXX-XXXX and leaves anything else alone.
func FormatPhone(phone string) string {
	digits := NormalizePhone(phone)
	if len(digits) == 10 {
		return fmt.Sprintf("(%s) %s-%s", digits[:3], digits[3:6], digits[6:])
	}
	if phone == "" {
		return "Unknown"
	}
	return phone
}

// NormalizePhone strips formatting and a leading US country code.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

// FormatDuration renders call length as "45 seconds", "2m 5s", "3 minutes" or "1h 3m".
func FormatDuration(seconds int) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%d seconds", seconds)
	case seconds < 3600:
		m, s := seconds/60, seconds%60
		if s == 0 {
			return fmt.Sprintf("%d minutes", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "Unknown"
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("01/02/2006 03:04 PM")
}

func directionLabel(kind telephony.Kind) string {
	switch kind {
	case telephony.KindOutgoingCall:
		return "Outbound"
	case telephony.KindVoicemail:
		return "Voicemail"
	default:
		return "Inbound"
	}
}

func party(number, name string) string {
	s := FormatPhone(number)
	if name = strings.TrimSpace(name); name != "" {
		s += " (" + name + ")"
	}
	return html.EscapeString(s)
}

const sectionDivider = `<div style="margin-top:10px;padding-top:10px;border-top:1px solid #ddd;">`

// NoteHTML renders the call note. Times are shown in loc.
func NoteHTML(n Note, loc *time.Location) string {
	ev := n.Event
	result := ev.Result
	if result == "" {
		result = "Unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📞 %s - %s - %s", directionLabel(ev.Kind), html.EscapeString(FormatPhone(ev.ExternalNumber())), html.EscapeString(result))
	b.WriteString(`<table style="width:100%;border-collapse:collapse;margin:0;padding:0;border-spacing:0;"><tr>`)
	b.WriteString(`<td style="width:60%;vertical-align:top;background:#fff6e5;padding:10px;box-sizing:border-box;"><strong>CALL INFORMATION</strong>`)
	fmt.Fprintf(&b, "<div>📅 <b>Date &amp; Time:</b> %s</div>", formatTime(ev.StartTime, loc))
	fmt.Fprintf(&b, "<div>👤 <b>From:</b> %s</div>", party(ev.FromNumber, ev.FromName))
	fmt.Fprintf(&b, "<div>👤 <b>To:</b> %s</div>", party(ev.ToNumber, ev.ToName))
	fmt.Fprintf(&b, "<div>⏱️ <b>Duration:</b> %s</div>", FormatDuration(ev.DurationSeconds))
	fmt.Fprintf(&b, "<div>📋 <b>Result:</b> %s</div>", html.EscapeString(result))

	if s := n.Summary; s != nil {
		fmt.Fprintf(&b, "%s<strong>📝 AI SUMMARY</strong><div>%s</div></div>", sectionDivider, html.EscapeString(s.Text))
		if len(s.ActionItems) > 0 {
			b.WriteString(sectionDivider + `<strong>✅ ACTION ITEMS</strong><ul style="margin:5px 0;padding-left:20px;">`)
			for _, item := range s.ActionItems {
				fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(item))
			}
			b.WriteString("</ul></div>")
		}
	}

	b.WriteString(`</td><td style="width:40%;vertical-align:top;background:#f5eaff;padding:10px;box-sizing:border-box;"><strong>RECORDING INFORMATION</strong>`)
	switch len(n.Recordings) {
	case 0:
		b.WriteString("<div>No recording available</div>")
	case 1:
		fmt.Fprintf(&b, `<div>🔗 <b>Recording Link:</b> <a href="%s" target="_blank">Play Recording</a></div>`, html.EscapeString(n.Recordings[0].URL))
	default:
		fmt.Fprintf(&b, "<div>📞 <b>Call Segments:</b> %d (call was transferred)</div>", len(n.Recordings))
		for _, r := range n.Recordings {
			label := fmt.Sprintf("Part %d", r.LegIndex)
			if r.ExtensionName != "" {
				label += " (" + r.ExtensionName + ")"
			}
			fmt.Fprintf(&b, `<div>🔗 <b>%s:</b> <a href="%s" target="_blank">Play Recording</a></div>`, html.EscapeString(label), html.EscapeString(r.URL))
		}
	}
	fmt.Fprintf(&b, `<div style="margin-top:10px;font-size:0.9em;color:#666;"><b>Call ID:</b> %s</div>`, html.EscapeString(ev.ID))
	b.WriteString("</td></tr></table>")
	return b.String()
}

// TaskTitle names a voicemail task after the caller.
func TaskTitle(ev telephony.Event) string {
	if name := strings.TrimSpace(ev.FromName); name != "" {
		return "Voicemail from " + name
	}
	return "Voicemail from " + FormatPhone(ev.FromNumber)
}

// TaskHTML renders the voicemail task comments.
func TaskHTML(t Task, loc *time.Location) string {
	ev := t.Event
	var b strings.Builder
	b.WriteString("<h1><u><b>NOTES:</b></u></h1>\n<ul><li>AZ -- Task Created</li></ul>\n")
	fmt.Fprintf(&b, "<p><b>From:</b> %s<br /><b>Received:</b> %s<br /><b>Duration:</b> %s</p>\n",
		party(ev.FromNumber, ev.FromName), formatTime(ev.StartTime, loc), FormatDuration(ev.DurationSeconds))

	if len(t.Recordings) == 0 {
		b.WriteString("<p>No recording available</p>\n")
	}
	for _, r := range t.Recordings {
		u := html.EscapeString(r.URL)
		fmt.Fprintf(&b, `<a href="%s" target="_blank">Click here to play the audio file</a> --> %s`+"\n", u, u)
	}

	b.WriteString("<br />\n<h1><u><b>TRANSCRIPT:</b></u></h1>\n")
	switch {
	case t.Summary != nil && t.Summary.Transcript != "":
		b.WriteString(html.EscapeString(t.Summary.Transcript) + "\n")
	case t.Summary != nil:
		b.WriteString(html.EscapeString(t.Summary.Text) + "\n")
	default:
		b.WriteString("<p>Transcription not available</p>\n")
	}
	return b.String()
}
