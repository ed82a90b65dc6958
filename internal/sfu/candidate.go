package sfu

import (
	"sync"

	"github.com/observer/invigilate/internal/domain"
	"github.com/pion/webrtc/v3"
)

// TrackInfo is the wire shape of §6's `trackInfo` entry.
type TrackInfo struct {
	TrackID string            `json:"trackId"`
	Label   domain.TrackLabel `json:"label"`
}

// candidateConn is the per-candidate SFU state (§3 CandidateConnection):
// the inbound peer connection and up to three labeled tracks.
type candidateConn struct {
	mu      sync.Mutex
	userID  string
	room    *Room
	pc      *webrtc.PeerConnection
	labels  map[string]domain.TrackLabel // trackId -> label, from trackInfo or fallback
	tracks  map[domain.TrackLabel]*webrtc.TrackRemote
	closed  bool
	seenVid int // count of video tracks seen, for unlabeled fallback (§4.5)
}

// HandleCandidateOffer implements §4.5 "Candidate offer handling". It
// returns the SDP answer to relay back to the candidate.
func (s *SFU) HandleCandidateOffer(roomID, userID, sdp string, trackInfo []TrackInfo) (string, error) {
	if !s.available {
		return "", ErrNotAvailable
	}
	room := s.getOrCreateRoom(roomID)

	room.mu.Lock()
	cc, exists := room.candidates[userID]
	room.mu.Unlock()

	if !exists {
		return s.createCandidate(room, userID, sdp, trackInfo)
	}
	return cc.renegotiate(sdp, trackInfo)
}

func (s *SFU) createCandidate(room *Room, userID, sdp string, trackInfo []TrackInfo) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: s.config.ICEServers})
	if err != nil {
		return "", err
	}

	cc := &candidateConn{
		userID: userID,
		room:   room,
		pc:     pc,
		labels: make(map[string]domain.TrackLabel),
		tracks: make(map[domain.TrackLabel]*webrtc.TrackRemote),
	}
	for _, ti := range trackInfo {
		cc.labels[ti.TrackID] = ti.Label
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		cc.handleIncomingTrack(remote)
	})
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		s.deliverCandidate(room.id, userID, candidate)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.removeCandidate(room, userID)
		}
	})

	room.mu.Lock()
	room.candidates[userID] = cc
	room.mu.Unlock()

	return cc.applyOfferLocked(sdp)
}

// renegotiate handles a new offer from a candidate that already has a PC
// (§4.5 point 2): merge track labels, re-apply remote description, answer.
func (cc *candidateConn) renegotiate(sdp string, trackInfo []TrackInfo) (string, error) {
	cc.mu.Lock()
	for _, ti := range trackInfo {
		cc.labels[ti.TrackID] = ti.Label
	}
	cc.mu.Unlock()
	return cc.applyOfferLocked(sdp)
}

func (cc *candidateConn) applyOfferLocked(sdp string) (string, error) {
	if err := cc.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := cc.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := cc.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// labelFor resolves a track's label, applying the fallback rule from
// §4.5: "first video seen → camera, second → screen, audio by kind."
func (cc *candidateConn) labelFor(remote *webrtc.TrackRemote) domain.TrackLabel {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if label, ok := cc.labels[remote.ID()]; ok {
		return label
	}
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.TrackAudio
	}
	cc.seenVid++
	if cc.seenVid == 1 {
		return domain.TrackCamera
	}
	return domain.TrackScreen
}

// handleIncomingTrack stores a newly arrived track under its label and
// schedules proctor-side renegotiation if a proctor is present (§4.5
// "Track ingestion").
func (cc *candidateConn) handleIncomingTrack(remote *webrtc.TrackRemote) {
	label := cc.labelFor(remote)

	cc.mu.Lock()
	cc.tracks[label] = remote
	cc.mu.Unlock()

	room := cc.room
	room.mu.Lock()
	proctor := room.proctor
	room.mu.Unlock()

	if proctor == nil {
		return
	}
	isScreen := label == domain.TrackScreen
	room.scheduleRenegotiation(isScreen)
}

// ownedTracks returns a label->track snapshot used when a proctor joins
// late and must pick up every already-published track (§4.5 "Proctor
// offer handling", step 2).
func (cc *candidateConn) ownedTracks() map[domain.TrackLabel]*webrtc.TrackRemote {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	out := make(map[domain.TrackLabel]*webrtc.TrackRemote, len(cc.tracks))
	for l, t := range cc.tracks {
		out[l] = t
	}
	return out
}

// close stops and tears down the candidate's peer connection (§4.5
// "Teardown").
func (cc *candidateConn) close() {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	pc := cc.pc
	cc.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
}

// removeCandidate tears down and forgets a candidate and removes the
// senders it owned from the proctor PC. It does not schedule a proctor
// renegotiation: the proctor is sent no new offer for the removal, which
// reaches the proctor's SDP only with the next offer a new track triggers.
func (s *SFU) removeCandidate(room *Room, userID string) {
	room.mu.Lock()
	cc, ok := room.candidates[userID]
	if ok {
		delete(room.candidates, userID)
	}
	proctor := room.proctor
	room.mu.Unlock()

	if !ok {
		return
	}
	if proctor != nil {
		owned := cc.ownedTracks()
		ids := make([]string, 0, len(owned))
		for _, t := range owned {
			ids = append(ids, t.ID())
		}
		proctor.removeCandidateSenders(ids...)
	}
	cc.close()
	s.deleteRoomIfEmpty(room.id)
}

// RemoveCandidate is the control layer's entry point on candidate
// disconnect.
func (s *SFU) RemoveCandidate(roomID, userID string) {
	room, ok := s.getRoom(roomID)
	if !ok {
		return
	}
	s.removeCandidate(room, userID)
}
