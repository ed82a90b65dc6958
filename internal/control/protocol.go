// Package control implements the Control Channel (C3) and Room
// Broadcaster (C4): one gorilla/websocket connection per participant,
// the wire message envelope, join/roster/routing handling, and the
// SFU/P2P fallback split described in §4.2 and §4.5.
package control

import (
	"encoding/json"

	"github.com/observer/invigilate/internal/domain"
	"github.com/observer/invigilate/internal/sfu"
)

// Message types, client and server, per §6.
const (
	TypeJoin              = "join"
	TypeRoster            = "roster"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeICE               = "ice"
	TypeChat              = "chat"
	TypeIncident          = "incident"
	TypeLeave             = "leave"
	TypeAIAnalysis        = "ai_analysis"
	TypeError             = "error"
)

// Error reasons, §6/§7.
const (
	ReasonExpectedJoin   = "expected_join"
	ReasonMissingUserID  = "missing_userId"
	ReasonUnknownType    = "unknown_type"
	ReasonUserExists     = "user_exists"
	ReasonSFUErrorPrefix = "sfu_error:"
)

// Envelope is the wire message shape: a type discriminator and a raw
// payload decoded according to that type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// JoinPayload is the C→S `join` message body.
type JoinPayload struct {
	UserID string      `json:"userId"`
	Role   domain.Role `json:"role"`
}

// RosterPayload is the S→C `roster` message body.
type RosterPayload struct {
	Type         string               `json:"type"`
	Participants []domain.Participant `json:"participants"`
}

// ParticipantEventPayload covers `participant_joined`/`participant_left`.
type ParticipantEventPayload struct {
	Type   string      `json:"type"`
	UserID string      `json:"userId"`
	Role   domain.Role `json:"role,omitempty"`
}

// SignalPayload covers `offer`/`answer`/`ice`/`chat` — opaque beyond the
// routing fields every one of them shares.
type SignalPayload struct {
	Type        string          `json:"type"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	SDP         string          `json:"sdp,omitempty"`
	TrackInfo   []sfu.TrackInfo `json:"trackInfo,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	Renegotiate bool            `json:"renegotiate,omitempty"`
	Text        json.RawMessage `json:"text,omitempty"`
}

// IncidentPayload is the C→S `incident` message body (§6).
type IncidentPayload struct {
	Tag   domain.IncidentCode `json:"tag"`
	Level domain.Severity     `json:"level,omitempty"`
	Note  string              `json:"note"`
	Ts    int64               `json:"ts"`
	By    string              `json:"by"`
}

// IncidentOutPayload is the S→C `incident` rebroadcast: the processed
// incident plus its type discriminator.
type IncidentOutPayload struct {
	Type string `json:"type"`
	domain.Incident
}

// ErrorPayload is the S→C `error` message body.
type ErrorPayload struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// AIAnalysisPayload is the S→C `ai_analysis` message body.
type AIAnalysisPayload struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// decode unmarshals an inbound frame into an Envelope with Payload set to
// the original bytes so handlers can re-decode into a typed payload.
func decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}
