package sfu

import (
	"sync"
	"time"

	"github.com/observer/invigilate/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// SignalingState is the simplified proctor-PC state machine of §4.5:
// renegotiation offers are only emitted from Stable.
type SignalingState int

const (
	StateStable SignalingState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateTerminal
)

// proctorConn is the per-room SFU state for the proctor (§3
// ProctorConnection): the outbound peer connection, its senders, and the
// signaling state machine guarding renegotiation.
type proctorConn struct {
	mu      sync.Mutex
	userID  string
	room    *Room
	pc      *webrtc.PeerConnection
	senders map[string]*webrtc.RTPSender // trackId -> sender
	local   map[string]*webrtc.TrackLocalStaticRTP
	state   SignalingState
}

// HandleProctorOffer implements §4.5 "Proctor offer handling".
func (s *SFU) HandleProctorOffer(roomID, userID, sdp string) (string, error) {
	if !s.available {
		return "", ErrNotAvailable
	}
	room := s.getOrCreateRoom(roomID)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: s.config.ICEServers})
	if err != nil {
		return "", err
	}

	pr := &proctorConn{
		userID:  userID,
		room:    room,
		pc:      pc,
		senders: make(map[string]*webrtc.RTPSender),
		local:   make(map[string]*webrtc.TrackLocalStaticRTP),
		state:   StateStable,
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.removeProctor(room)
		}
	})
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		s.deliverCandidate(room.id, userID, candidate)
	})

	room.mu.Lock()
	room.proctor = pr
	candidates := make([]*candidateConn, 0, len(room.candidates))
	for _, cc := range room.candidates {
		candidates = append(candidates, cc)
	}
	room.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}

	for _, cc := range candidates {
		for label, track := range cc.ownedTracks() {
			pr.addTrack(cc.userID, label, track)
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	pr.mu.Lock()
	pr.state = StateStable
	pr.mu.Unlock()

	return answer.SDP, nil
}

// addTrack creates a local track bound to remote and adds it to the
// proctor PC as a sender, deduplicating by track id (§8 "Track uniqueness
// on proctor"). Returns true if a new sender was created.
func (p *proctorConn) addTrack(candidateUserID string, label domain.TrackLabel, remote *webrtc.TrackRemote) bool {
	p.mu.Lock()
	if _, exists := p.senders[remote.ID()]; exists {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), remote.StreamID())
	if err != nil {
		return false
	}
	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return false
	}

	p.mu.Lock()
	p.senders[remote.ID()] = sender
	p.local[remote.ID()] = local
	p.mu.Unlock()

	go drainRTCP(sender)
	go forwardRTP(remote, local)
	return true
}

// drainRTCP reads and discards (beyond typed decoding for future use)
// RTCP feedback the proctor's client sends on a sender, so the
// underlying connection doesn't stall. Typed decoding lets callers later
// react to PLI/NACK/REMB without widening this loop's signature.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		if _, decodeErr := rtcp.Unmarshal(buf[:n]); decodeErr != nil {
			continue
		}
	}
}

// forwardRTP pumps RTP packets from a candidate's remote track onto the
// proctor's corresponding local track.
func forwardRTP(remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if err := local.WriteRTP(pkt); err != nil {
			return
		}
	}
}

// removeCandidateSenders drops a departed candidate's senders from the
// proctor PC, identified by the track ids the candidate owned. Permitted
// but not required by §4.5; a failed RemoveTrack here is not fatal — the
// next renegotiation reconciles regardless.
func (p *proctorConn) removeCandidateSenders(trackIDs ...string) {
	p.mu.Lock()
	var toRemove []*webrtc.RTPSender
	for _, id := range trackIDs {
		if sender, ok := p.senders[id]; ok {
			toRemove = append(toRemove, sender)
			delete(p.senders, id)
			delete(p.local, id)
		}
	}
	p.mu.Unlock()

	for _, sender := range toRemove {
		_ = p.pc.RemoveTrack(sender)
	}
}

// scheduleRenegotiation implements §4.5's coalescing rule: while a
// renegotiation is pending, further arrivals from the same batch don't
// spawn a second one; a screen track arriving mid-coalesce forces a
// dedicated follow-on once the in-flight one settles.
func (r *Room) scheduleRenegotiation(isScreen bool) {
	r.mu.Lock()
	if r.renegoPending {
		if isScreen {
			r.screenPending = true
		}
		r.mu.Unlock()
		return
	}
	r.renegoPending = true
	debounce := r.sfu.config.Debounce
	if isScreen {
		debounce = r.sfu.config.ScreenDebounce
	}
	r.mu.Unlock()

	time.AfterFunc(debounce, r.fireRenegotiation)
}

func (r *Room) fireRenegotiation() {
	r.mu.Lock()
	r.renegoPending = false
	followup := r.screenPending
	r.screenPending = false
	proctor := r.proctor
	candidates := make([]*candidateConn, 0, len(r.candidates))
	for _, cc := range r.candidates {
		candidates = append(candidates, cc)
	}
	r.mu.Unlock()

	if proctor != nil {
		proctor.renegotiate(candidates)
	}
	if followup {
		r.scheduleRenegotiation(true)
	}
}

// renegotiate adds any not-yet-forwarded candidate tracks and, if the PC
// is stable, offers a new SDP to the proctor (§4.5 "Proctor
// renegotiation"). Offers are only emitted from Stable (§4.5 state
// machine); a renegotiation attempted while an offer is outstanding is
// silently deferred to the next trigger.
func (p *proctorConn) renegotiate(candidates []*candidateConn) {
	added := false
	for _, cc := range candidates {
		for label, track := range cc.ownedTracks() {
			if p.addTrack(cc.userID, label, track) {
				added = true
			}
		}
	}
	if !added {
		return
	}

	p.mu.Lock()
	if p.state != StateStable {
		p.mu.Unlock()
		return
	}
	p.state = StateHaveLocalOffer
	p.mu.Unlock()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.mu.Lock()
		p.state = StateStable
		p.mu.Unlock()
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.mu.Lock()
		p.state = StateStable
		p.mu.Unlock()
		return
	}

	room := p.room
	if room.sfu.Deliver != nil {
		room.sfu.Deliver(room.id, p.userID, RenegotiationOffer{
			Type:        "offer",
			From:        "server",
			SDP:         offer.SDP,
			Renegotiate: true,
		})
	}
}

// RenegotiationOffer is the §4.5 unsolicited server-originated offer sent
// to the proctor when the track set changes.
type RenegotiationOffer struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	SDP         string `json:"sdp"`
	Renegotiate bool   `json:"renegotiate"`
}

// HandleProctorAnswer applies the proctor's answer to a server-initiated
// renegotiation offer (§4.5: "signaling-state mismatches ... are logged
// and dropped").
func (s *SFU) HandleProctorAnswer(roomID, sdp string) error {
	room, ok := s.getRoom(roomID)
	if !ok {
		return domain.ErrRoomNotFound
	}
	room.mu.Lock()
	pr := room.proctor
	room.mu.Unlock()
	if pr == nil {
		return domain.ErrRoomNotFound
	}

	pr.mu.Lock()
	if pr.state != StateHaveLocalOffer {
		pr.mu.Unlock()
		room.logger.Debug("dropping proctor answer with no outstanding offer")
		return nil // mismatch: no outstanding offer, drop per §4.5
	}
	pr.mu.Unlock()

	if err := pr.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return err
	}
	pr.mu.Lock()
	pr.state = StateStable
	pr.mu.Unlock()
	return nil
}

func (s *SFU) removeProctor(room *Room) {
	room.mu.Lock()
	pr := room.proctor
	room.proctor = nil
	room.mu.Unlock()
	if pr != nil {
		pr.mu.Lock()
		pr.state = StateTerminal
		pc := pr.pc
		pr.mu.Unlock()
		if pc != nil {
			_ = pc.Close()
		}
	}
	s.deleteRoomIfEmpty(room.id)
}

// RemoveProctor is the control layer's entry point on proctor disconnect.
func (s *SFU) RemoveProctor(roomID string) {
	room, ok := s.getRoom(roomID)
	if !ok {
		return
	}
	s.removeProctor(room)
}
