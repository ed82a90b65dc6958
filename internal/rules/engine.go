// Package rules implements the Incident Rules Engine (C1): per-session
// alert state, escalation thresholds, and session-status transitions.
// The engine performs no I/O and never blocks; duration-based rules are
// evaluated only when the next event for that code arrives (§4.4, §9).
package rules

import (
	"sync"
	"time"

	"github.com/observer/invigilate/internal/domain"
)

// sessionKey identifies one (roomId, userId) session.
type sessionKey struct {
	roomID string
	userID string
}

// Engine is the process-wide rules engine. Every session has its own
// mutex (§5: "single mutex per SessionState; cross-session operations are
// independent"); the engine's own mutex only protects the session-table
// map itself, never held during a Process call's rule evaluation.
type Engine struct {
	mu       sync.Mutex
	sessions map[sessionKey]*sessionEntry
	now      func() time.Time
}

type sessionEntry struct {
	mu    sync.Mutex
	state *domain.SessionState
}

// New creates an empty engine using the real wall clock.
func New() *Engine {
	return &Engine{
		sessions: make(map[sessionKey]*sessionEntry),
		now:      time.Now,
	}
}

// newWithClock is used by tests to control `now`.
func newWithClock(clock func() time.Time) *Engine {
	e := New()
	e.now = clock
	return e
}

func (e *Engine) entry(roomID, userID string) *sessionEntry {
	key := sessionKey{roomID, userID}
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.sessions[key]
	if !ok {
		ent = &sessionEntry{state: domain.NewSessionState(roomID, userID, e.now())}
		e.sessions[key] = ent
	}
	return ent
}

// Destroy drops a session's state. Nothing in this module calls it: a
// session's state is kept after its room is removed from the registry,
// and is picked up again if the same (roomId, userId) reports later.
func (e *Engine) Destroy(roomID, userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionKey{roomID, userID})
}

// Summary returns the current session summary, domain.ErrSessionNotFound
// if the session has never processed an incident.
func (e *Engine) Summary(roomID, userID string) (domain.Summary, error) {
	key := sessionKey{roomID, userID}
	e.mu.Lock()
	ent, ok := e.sessions[key]
	e.mu.Unlock()
	if !ok {
		return domain.Summary{}, domain.ErrSessionNotFound
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.state.Summarize(), nil
}

// retentionWindow is the A1 trailing-occurrence window (§4.4: "≥3 A1
// events ... in the trailing 15 minutes").
const retentionWindow = 15 * time.Minute

// Process applies the escalation rules for one incident and returns the
// normalized, leveled result. The input's tag/ts/by are required by
// convention of the caller (HTTP/control layers validate this before
// calling); level, if supplied, is always overwritten (§9 Open Questions).
func (e *Engine) Process(roomID, userID string, in domain.Incident) domain.Incident {
	ent := e.entry(roomID, userID)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	state := ent.state
	now := in.ReceivedAt()
	if in.Ts == 0 {
		now = e.now()
	}

	level, statusTarget := evaluate(state, in.Tag, now)
	if statusTarget != "" {
		state.Status = state.Status.Advance(statusTarget)
	}

	alert := state.AlertFor(in.Tag, now)

	out := domain.Incident{
		RoomID:        roomID,
		By:            in.By,
		Tag:           in.Tag,
		Level:         level,
		Note:          in.Note,
		Ts:            in.Ts,
		Escalated:     alert.Count,
		SessionStatus: state.Status,
	}
	return out
}

// evaluate implements the per-code escalation table of §4.4. It mutates
// the alert state's bookkeeping fields (count, firstSeen, lastEscalated,
// escalation history) and returns the resulting level and, if the rule
// forces a status transition, the target status (empty string for none).
func evaluate(state *domain.SessionState, code domain.IncidentCode, now time.Time) (domain.Severity, domain.SessionStatus) {
	alert := state.AlertFor(code, now)
	base := domain.DefaultLevel(code)
	level := base
	var target domain.SessionStatus

	switch code {
	case domain.A1:
		// On first occurrence, firstSeen is already `now` (AlertFor just
		// created it); increment happens below uniformly for all codes,
		// but A1's duration rule additionally resets firstSeen on breach.
		if alert.Count > 0 && now.Sub(alert.FirstSeen) > 30*time.Second {
			level = domain.Max(level, domain.S2)
			alert.Count++
			alert.FirstSeen = now
		} else {
			alert.Count++
		}
		alert.Escalations = append(alert.Escalations, now)
		alert.Escalations = trimWindow(alert.Escalations, now, retentionWindow)
		if len(alert.Escalations) >= 3 {
			level = domain.Max(level, domain.S2)
		}

	case domain.A2:
		alert.Count++
		if alert.Count >= 2 {
			level = domain.Max(level, domain.S3)
		}

	case domain.A3:
		alert.Count++
		switch {
		case alert.Count >= 5:
			level = domain.Max(level, domain.S3)
			target = domain.StatusPaused
		case alert.Count >= 3:
			level = domain.Max(level, domain.S2)
		default:
			level = domain.Max(level, domain.S1)
		}

	case domain.A4:
		if alert.Count > 0 && now.Sub(alert.FirstSeen) > 60*time.Second {
			level = domain.Max(level, domain.S3)
			target = domain.StatusPaused
			alert.Count++
			alert.FirstSeen = now
		} else {
			alert.Count++
		}

	case domain.A5:
		alert.Count++
		if alert.Count > 1 {
			level = domain.Max(level, domain.S3)
			target = domain.StatusPaused
		} else {
			level = domain.Max(level, domain.S2)
		}

	case domain.A6:
		if alert.Count > 0 && now.Sub(alert.FirstSeen) > 30*time.Second {
			level = domain.Max(level, domain.S3)
			alert.Count++
			alert.FirstSeen = now
		} else {
			alert.Count++
		}

	case domain.A10:
		alert.Count++
		level = domain.Max(level, domain.S3)
		target = domain.StatusPaused

	default:
		// A7, A8, A9, A11, and unrecognized codes: pass through with
		// default level; still update bookkeeping.
		alert.Count++
	}

	alert.LastEscalated = now
	return level, target
}

// trimWindow drops entries older than window relative to now, keeping the
// slice small; used by A1's trailing-occurrence rule.
func trimWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for i, t := range ts {
		if now.Sub(t) <= window {
			cut = i
			break
		}
		cut = i + 1
	}
	if cut == 0 {
		return ts
	}
	return ts[cut:]
}
