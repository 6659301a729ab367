package capture

import "time"

// Reason explains a rejected scan.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonTooSoon Reason = "too_soon"
	ReasonStale   Reason = "stale"
	ReasonEmpty   Reason = "empty"
	ReasonClosed  Reason = "closed"
)

// Decision is the gate outcome for one raw payload.
type Decision struct {
	Accepted  bool
	SubjectID string
	Reason    Reason
	Payload   Payload
}

// Accept decodes raw and applies the session's temporal filters. A payload carrying an issue
// time outside the validity window is Stale whatever the cooldown state; otherwise a scan
// inside the cooldown of the previous acceptance is TooSoon.
func Accept(raw string, now time.Time, session *Session) Decision {
	payload := Decode(raw)
	reject := func(r Reason) Decision {
		return Decision{Reason: r, SubjectID: payload.SubjectID, Payload: payload}
	}

	if session == nil || session.Closed() {
		return reject(ReasonClosed)
	}
	if payload.SubjectID == "" {
		return reject(ReasonEmpty)
	}
	if issued := payload.IssuedAt; issued != nil {
		if issued.Before(now.Add(-session.validityWindow)) || issued.After(now.Add(session.validityWindow)) {
			return reject(ReasonStale)
		}
	}
	if !session.claim(now) {
		return reject(ReasonTooSoon)
	}
	return Decision{Accepted: true, SubjectID: payload.SubjectID, Payload: payload}
}
