package telephony

import (
	"sort"
	"time"
)

// callLogRecord is the subset of a detailed call-log record the sync reads.
type callLogRecord struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"sessionId"`
	TelephonySessionID string         `json:"telephonySessionId"`
	StartTime          time.Time      `json:"startTime"`
	Duration           int            `json:"duration"`
	Direction          string         `json:"direction"`
	Result             string         `json:"result"`
	From               callParty      `json:"from"`
	To                 callParty      `json:"to"`
	Recording          *callRecording `json:"recording"`
	Legs               []callLeg      `json:"legs"`
}

type callParty struct {
	PhoneNumber     string `json:"phoneNumber"`
	ExtensionNumber string `json:"extensionNumber"`
	ExtensionID     string `json:"extensionId"`
	Name            string `json:"name"`
}

type callRecording struct {
	ID         string `json:"id"`
	ContentURI string `json:"contentUri"`
	Type       string `json:"type"`
}

type callLeg struct {
	StartTime time.Time      `json:"startTime"`
	Duration  int            `json:"duration"`
	Direction string         `json:"direction"`
	LegType   string         `json:"legType"`
	From      callParty      `json:"from"`
	To        callParty      `json:"to"`
	Recording *callRecording `json:"recording"`
}

// sessionID groups records that belong to the same logical call.
func (r callLogRecord) sessionID() string {
	if r.TelephonySessionID != "" {
		return r.TelephonySessionID
	}
	return r.ID
}

type legCandidate struct {
	start       time.Time
	duration    int
	extension   string
	extensionID string
	recording   callRecording
}

// groupSessions folds call-log records into one Event per telephony session.
// Records arrive newest first; the earliest record of a session supplies the
// call-level fields and every distinct recording becomes a leg.
func groupSessions(kind Kind, records []callLogRecord) []Event {
	order := []string{}
	bySession := map[string][]callLogRecord{}
	for _, rec := range records {
		id := rec.sessionID()
		if id == "" {
			continue
		}
		if _, ok := bySession[id]; !ok {
			order = append(order, id)
		}
		bySession[id] = append(bySession[id], rec)
	}

	events := make([]Event, 0, len(order))
	for _, id := range order {
		events = append(events, buildEvent(kind, id, bySession[id]))
	}
	return events
}

func buildEvent(kind Kind, id string, recs []callLogRecord) Event {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].StartTime.Before(recs[j].StartTime)
	})
	first := recs[0]

	ev := Event{
		ID:              id,
		Kind:            kind,
		StartTime:       first.StartTime.UTC(),
		Result:          first.Result,
		FromNumber:      first.From.PhoneNumber,
		FromName:        first.From.Name,
		FromExtensionID: first.From.ExtensionID,
		ToNumber:        first.To.PhoneNumber,
		ToName:          first.To.Name,
		ToExtensionID:   first.To.ExtensionID,
	}

	seen := map[string]bool{}
	var candidates, unrecorded []legCandidate
	add := func(c legCandidate) {
		if c.recording.ID != "" {
			if seen[c.recording.ID] {
				return
			}
			seen[c.recording.ID] = true
		}
		candidates = append(candidates, c)
	}

	for _, rec := range recs {
		if d := rec.Duration; d > ev.DurationSeconds {
			ev.DurationSeconds = d
		}

		legged := false
		var waiting []legCandidate
		for _, leg := range rec.Legs {
			party := handlingParty(kind, leg.From, leg.To)
			c := legCandidate{
				start:       leg.StartTime,
				duration:    leg.Duration,
				extension:   party.Name,
				extensionID: party.ExtensionID,
			}
			if leg.Recording == nil {
				// An extension leg without a recording yet is one the
				// provider has not published.
				if party.ExtensionID != "" {
					waiting = append(waiting, c)
				}
				continue
			}
			legged = true
			c.recording = *leg.Recording
			add(c)
		}
		if !legged && rec.Recording != nil {
			party := handlingParty(kind, rec.From, rec.To)
			add(legCandidate{
				start:       rec.StartTime,
				duration:    rec.Duration,
				extension:   party.Name,
				extensionID: party.ExtensionID,
				recording:   *rec.Recording,
			})
			continue
		}
		unrecorded = append(unrecorded, waiting...)
	}
	candidates = appendUnrecorded(candidates, unrecorded)

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].start.Before(candidates[j].start)
	})
	for i, c := range candidates {
		ev.Legs = append(ev.Legs, Leg{
			Index:           i + 1,
			ExtensionName:   c.extension,
			RecordingID:     c.recording.ID,
			RecordingRef:    c.recording.ContentURI,
			ContentType:     "audio/mpeg",
			DurationSeconds: c.duration,
		})
	}
	return ev
}

// appendUnrecorded adds each unrecorded extension leg once, unless another
// record of the session already carries a recording for it.
func appendUnrecorded(candidates, unrecorded []legCandidate) []legCandidate {
	type legKey struct {
		extensionID string
		start       int64
	}
	known := make(map[legKey]bool, len(candidates))
	for _, c := range candidates {
		known[legKey{c.extensionID, c.start.Unix()}] = true
	}
	for _, c := range unrecorded {
		k := legKey{c.extensionID, c.start.Unix()}
		if known[k] {
			continue
		}
		known[k] = true
		candidates = append(candidates, c)
	}
	return candidates
}

// handlingParty is the internal side of a leg: the callee for inbound calls,
// the caller for outbound ones.
func handlingParty(kind Kind, from, to callParty) callParty {
	if kind == KindOutgoingCall {
		return from
	}
	return to
}

// acceptsResult filters call-log results per kind. Missed and abandoned calls
// never reach a workflow.
func acceptsResult(kind Kind, result string) bool {
	switch kind {
	case KindVoicemail:
		return result == "Voicemail"
	default:
		return result == "Accepted" || result == "Call connected"
	}
}
