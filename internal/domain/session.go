package domain

import "time"

// AlertState tracks the rules engine's memory for one incident code within
// one session: when it was first seen in the current duration window, how
// many times it has occurred in total, and when it last occurred
// (LastEscalated is stamped on every event for the code).
type AlertState struct {
	Code          IncidentCode `json:"code"`
	FirstSeen     time.Time    `json:"firstSeen"`
	Count         int          `json:"count"`
	LastEscalated time.Time    `json:"lastEscalated"`
	CooldownUntil time.Time    `json:"cooldownUntil,omitzero"`

	// escalations, trailing timestamps of every event for this code,
	// used by rules that count occurrences within a time window (A1's
	// trailing-15-minute rule). Trimmed to the window by the engine, not
	// here.
	Escalations []time.Time `json:"-"`
}

// SessionState is the rules engine's per-(roomId, userId) memory: when the
// candidate's session began, its current lifecycle status, and a table of
// per-code alert state.
type SessionState struct {
	RoomID    string
	UserID    string
	StartedAt time.Time
	Status    SessionStatus
	Alerts    map[IncidentCode]*AlertState
}

// NewSessionState creates a fresh session, status active, empty alert table.
func NewSessionState(roomID, userID string, now time.Time) *SessionState {
	return &SessionState{
		RoomID:    roomID,
		UserID:    userID,
		StartedAt: now,
		Status:    StatusActive,
		Alerts:    make(map[IncidentCode]*AlertState),
	}
}

// AlertFor returns the AlertState for a code, creating it on first access.
func (s *SessionState) AlertFor(code IncidentCode, now time.Time) *AlertState {
	a, ok := s.Alerts[code]
	if !ok {
		a = &AlertState{Code: code, FirstSeen: now}
		s.Alerts[code] = a
	}
	return a
}

// AlertSummary is the wire shape of one code's counters in a session
// summary response (count, last-escalated timestamp).
type AlertSummary struct {
	Count int   `json:"count"`
	Last  int64 `json:"last"`
}

// Summary is the §4.7 session-summary response shape, supplemented with
// per-code last-escalated timestamps (grounded in the prototype's
// get_session_summary).
type Summary struct {
	SessionID   string                  `json:"sessionId"`
	Status      SessionStatus           `json:"status"`
	AlertsCount int                     `json:"alertsCount"`
	Alerts      map[string]AlertSummary `json:"alerts"`
}

// Summarize builds the wire-facing summary for a session.
func (s *SessionState) Summarize() Summary {
	alerts := make(map[string]AlertSummary, len(s.Alerts))
	total := 0
	for code, a := range s.Alerts {
		alerts[string(code)] = AlertSummary{
			Count: a.Count,
			Last:  a.LastEscalated.UnixMilli(),
		}
		total += a.Count
	}
	return Summary{
		SessionID:   s.RoomID + ":" + s.UserID,
		Status:      s.Status,
		AlertsCount: total,
		Alerts:      alerts,
	}
}
