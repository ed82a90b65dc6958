// Package registry implements the thread-safe room directory (C2): lazy
// room creation, per-room participant/incident bookkeeping, and garbage
// collection once a room empties.
package registry

import (
	"sync"
	"time"

	"github.com/observer/invigilate/internal/domain"
)

// Room is the server-side aggregate for one exam session: participants
// and the append-only incident log. SFU state is not held here:
// internal/sfu keys its own room state by roomId (Room does not import
// internal/sfu to avoid a cycle).
type Room struct {
	ID string

	mu                sync.RWMutex
	participants      map[string]domain.Participant
	incidents         []domain.Incident
	createdAt         time.Time
	incidentRetention int // max retained incidents; 0 = unbounded
}

func newRoom(id string, now time.Time, incidentRetention int) *Room {
	return &Room{
		ID:                id,
		participants:      make(map[string]domain.Participant),
		createdAt:         now,
		incidentRetention: incidentRetention,
	}
}

// AddParticipant registers a participant under its userId. Returns
// domain.ErrUserExists if that userId is already joined in this room.
func (r *Room) AddParticipant(p domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.participants[p.UserID]; exists {
		return domain.ErrUserExists
	}
	r.participants[p.UserID] = p
	return nil
}

// RemoveParticipant removes a participant by userId. A no-op if absent.
func (r *Room) RemoveParticipant(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, userID)
}

// Participant looks up a joined participant.
func (r *Room) Participant(userID string) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[userID]
	return p, ok
}

// Participants returns a snapshot slice of current participants, safe to
// range over after the lock is released (§5: "snapshot under the lock,
// then send outside the lock").
func (r *Room) Participants() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// ParticipantCount reports the current room population.
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// IsEmpty reports whether the room has zero participants.
func (r *Room) IsEmpty() bool {
	return r.ParticipantCount() == 0
}

// Proctor returns the room's first-joined proctor, if any. Additional
// proctor joins are recorded as observers by the caller (§9 Open
// Questions); Room itself just stores whatever role it is given.
func (r *Room) Proctor() (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.participants {
		if p.Role == domain.RoleProctor {
			return p, true
		}
	}
	return domain.Participant{}, false
}

// AppendIncident records a processed incident in the room's append-only
// log, trimming the oldest entries past incidentRetention if a cap is
// configured (§5 "Resource bounds").
func (r *Room) AppendIncident(inc domain.Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc)
	if r.incidentRetention > 0 && len(r.incidents) > r.incidentRetention {
		drop := len(r.incidents) - r.incidentRetention
		r.incidents = r.incidents[drop:]
	}
}

// Incidents returns a snapshot of the room's incident log.
func (r *Room) Incidents() []domain.Incident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Incident, len(r.incidents))
	copy(out, r.incidents)
	return out
}
