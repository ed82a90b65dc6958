package sfu

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSFU_Unavailable_ReturnsExplicitError(t *testing.T) {
	s := NewUnavailable(testLogger())
	assert.False(t, s.Available())

	_, err := s.HandleCandidateOffer("r1", "c1", "sdp", nil)
	assert.ErrorIs(t, err, ErrNotAvailable)

	_, err = s.HandleProctorOffer("r1", "p1", "sdp")
	assert.ErrorIs(t, err, ErrNotAvailable)
}

// newCandidateOffer builds a real SDP offer the way a browser would,
// carrying one audio track, using pion's own API as the cheapest way to
// produce a syntactically valid offer.
func newCandidateOffer(t *testing.T) (string, func()) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio0", "stream0",
	)
	require.NoError(t, err)
	_, err = pc.AddTrack(track)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	return offer.SDP, func() { _ = pc.Close() }
}

func TestHandleCandidateOffer_CreatesRoomAndAnswers(t *testing.T) {
	s := New(Config{}, testLogger())
	sdp, cleanup := newCandidateOffer(t)
	defer cleanup()

	answer, err := s.HandleCandidateOffer("r1", "c1", sdp, []TrackInfo{
		{TrackID: "audio0", Label: "audio"},
	})
	require.NoError(t, err)
	assert.Contains(t, answer, "a=")

	stats := s.Stats("r1")
	assert.Equal(t, 1, stats.CandidateCount)
	assert.False(t, stats.HasProctor)
}

func TestHandleProctorOffer_BeforeAnyCandidate_AnswersWithNoSenders(t *testing.T) {
	s := New(Config{}, testLogger())

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer func() { _ = pc.Close() }()
	_, err = pc.CreateDataChannel("signal", nil)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	answer, err := s.HandleProctorOffer("r1", "doc", offer.SDP)
	require.NoError(t, err)
	assert.Contains(t, answer, "a=")

	stats := s.Stats("r1")
	assert.True(t, stats.HasProctor)
	assert.Equal(t, 0, stats.CandidateCount)
}

func TestRoom_ScheduleRenegotiation_Coalesces(t *testing.T) {
	s := New(Config{Debounce: 20 * time.Millisecond, ScreenDebounce: 5 * time.Millisecond}, testLogger())
	room := s.getOrCreateRoom("r1")
	// No real proctor attached; fireRenegotiation must tolerate that and
	// simply skip emitting an offer.

	room.scheduleRenegotiation(false)
	room.scheduleRenegotiation(false) // coalesced, must not schedule a second timer

	room.mu.Lock()
	pending := room.renegoPending
	room.mu.Unlock()
	assert.True(t, pending)

	time.Sleep(40 * time.Millisecond)
	room.mu.Lock()
	pending = room.renegoPending
	room.mu.Unlock()
	assert.False(t, pending)
}

func TestICECandidate_EmptyIsDropped(t *testing.T) {
	s := New(Config{}, testLogger())
	err := s.HandleICECandidate("r1", "c1", "candidate", []byte(`{"candidate":""}`))
	assert.NoError(t, err)
}

func TestConcurrentRoomAccess(t *testing.T) {
	s := New(Config{}, testLogger())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				s.getOrCreateRoom("r1")
			case 1:
				s.getRoom("r1")
			default:
				s.deleteRoomIfEmpty("r1")
			}
		}(i)
	}
	wg.Wait()
}
