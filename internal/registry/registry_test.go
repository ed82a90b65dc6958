package registry

import (
	"testing"

	"github.com/observer/invigilate/internal/domain"
)

func TestRoom_AddRemoveParticipant(t *testing.T) {
	r := New(0).GetOrCreate("room1")

	p := domain.Participant{UserID: "u1", Role: domain.RoleCandidate}
	if err := r.AddParticipant(p); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if got, want := r.ParticipantCount(), 1; got != want {
		t.Fatalf("ParticipantCount = %d, want %d", got, want)
	}

	if err := r.AddParticipant(p); err != domain.ErrUserExists {
		t.Fatalf("duplicate join error = %v, want ErrUserExists", err)
	}

	r.RemoveParticipant("u1")
	if !r.IsEmpty() {
		t.Fatal("room should be empty after removing its only participant")
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	reg := New(0)
	a := reg.GetOrCreate("r1")
	b := reg.GetOrCreate("r1")
	if a != b {
		t.Fatal("GetOrCreate should return the same room for the same id")
	}
	if _, ok := reg.Get("nope"); ok {
		t.Fatal("Get should report false for an unknown room")
	}
}

func TestRegistry_RemoveIfEmpty(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("r1")
	p := domain.Participant{UserID: "u1", Role: domain.RoleProctor}
	_ = room.AddParticipant(p)

	reg.RemoveIfEmpty("r1")
	if _, ok := reg.Get("r1"); !ok {
		t.Fatal("non-empty room must not be removed")
	}

	room.RemoveParticipant("u1")
	reg.RemoveIfEmpty("r1")
	if _, ok := reg.Get("r1"); ok {
		t.Fatal("empty room must be removed")
	}
}

func TestRoom_Proctor(t *testing.T) {
	room := New(0).GetOrCreate("r1")
	if _, ok := room.Proctor(); ok {
		t.Fatal("expected no proctor in a fresh room")
	}
	_ = room.AddParticipant(domain.Participant{UserID: "cand", Role: domain.RoleCandidate})
	if _, ok := room.Proctor(); ok {
		t.Fatal("candidate join should not surface as proctor")
	}
	_ = room.AddParticipant(domain.Participant{UserID: "doc", Role: domain.RoleProctor})
	got, ok := room.Proctor()
	if !ok || got.UserID != "doc" {
		t.Fatalf("Proctor() = %+v, %v", got, ok)
	}
}

func TestRoom_IncidentLog(t *testing.T) {
	room := New(0).GetOrCreate("r1")
	room.AppendIncident(domain.Incident{By: "u1", Tag: domain.A1, Ts: 1})
	room.AppendIncident(domain.Incident{By: "u1", Tag: domain.A2, Ts: 2})

	got := room.Incidents()
	if len(got) != 2 {
		t.Fatalf("len(Incidents()) = %d, want 2", len(got))
	}
	got[0].Tag = domain.A11
	if room.Incidents()[0].Tag != domain.A1 {
		t.Fatal("Incidents() must return a copy, not a live slice")
	}
}

func TestRoom_IncidentLog_RetentionCap(t *testing.T) {
	room := New(2).GetOrCreate("r1")
	room.AppendIncident(domain.Incident{By: "u1", Tag: domain.A1, Ts: 1})
	room.AppendIncident(domain.Incident{By: "u1", Tag: domain.A2, Ts: 2})
	room.AppendIncident(domain.Incident{By: "u1", Tag: domain.A3, Ts: 3})

	got := room.Incidents()
	if len(got) != 2 {
		t.Fatalf("len(Incidents()) = %d, want 2 (capped)", len(got))
	}
	if got[0].Tag != domain.A2 || got[1].Tag != domain.A3 {
		t.Fatalf("Incidents() = %+v, want oldest dropped, newest retained", got)
	}
}
