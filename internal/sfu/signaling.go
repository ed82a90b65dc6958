package sfu

import (
	"encoding/json"

	"github.com/observer/invigilate/internal/domain"
	"github.com/pion/webrtc/v3"
)

// ICECandidate is the §6 `ice` message's candidate payload shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// deliveredICE is what SFU.Deliver receives for a trickled ICE candidate
// originating from a peer connection this process owns (e.g. the answer
// side of a renegotiation).
type deliveredICE struct {
	Type      string       `json:"type"`
	Candidate ICECandidate `json:"candidate"`
}

func (s *SFU) deliverCandidate(roomID, userID string, c *webrtc.ICECandidate) {
	if s.Deliver == nil {
		return
	}
	init := c.ToJSON()
	s.Deliver(roomID, userID, deliveredICE{
		Type: "ice",
		Candidate: ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		},
	})
}

// HandleCandidateAnswer applies an answer a candidate sent in response to
// a server-initiated offer. The SFU never sends candidates an offer in
// the current design (only proctors receive renegotiation offers), yet
// the control layer routes every `answer` a candidate sends here; with no
// outstanding local offer, SetRemoteDescription returns an error.
func (s *SFU) HandleCandidateAnswer(roomID, userID, sdp string) error {
	room, ok := s.getRoom(roomID)
	if !ok {
		return domain.ErrRoomNotFound
	}
	room.mu.Lock()
	cc, ok := room.candidates[userID]
	room.mu.Unlock()
	if !ok {
		return domain.ErrSessionNotFound
	}
	return cc.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// HandleICECandidate routes a trickled candidate to the right PC by role
// (§4.5 "ICE"). Empty candidates and candidates for a closed/failed PC
// are silently dropped.
func (s *SFU) HandleICECandidate(roomID, userID string, role domain.Role, raw json.RawMessage) error {
	var c ICECandidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return err
	}
	if c.Candidate == "" {
		return nil
	}

	room, ok := s.getRoom(roomID)
	if !ok {
		return nil
	}

	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}

	if role == domain.RoleProctor {
		room.mu.Lock()
		pr := room.proctor
		room.mu.Unlock()
		if pr == nil || pcClosed(pr.pc) {
			return nil
		}
		return pr.pc.AddICECandidate(init)
	}

	room.mu.Lock()
	cc, ok := room.candidates[userID]
	room.mu.Unlock()
	if !ok || pcClosed(cc.pc) {
		return nil
	}
	return cc.pc.AddICECandidate(init)
}

func pcClosed(pc *webrtc.PeerConnection) bool {
	switch pc.ConnectionState() {
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		return true
	default:
		return false
	}
}
