package control

import (
	"encoding/json"
	"testing"

	"github.com/observer/invigilate/internal/domain"
	"github.com/observer/invigilate/internal/registry"
	"github.com/observer/invigilate/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	return NewHub(Deps{
		Registry: registry.New(0),
		Rules:    rules.New(),
		Logger:   testLogger(),
	})
}

func envelopeOf(msgType string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	env, err := decode(data)
	if err != nil {
		panic(err)
	}
	env.Type = msgType
	return env
}

func joinClient(h *Hub, roomID, userID string, role domain.Role) *Client {
	c := &Client{hub: h, send: make(chan []byte, 16), logger: testLogger()}
	c.SetPendingRoomID(roomID)
	h.dispatch(c, envelopeOf(TypeJoin, JoinPayload{UserID: userID, Role: role}))
	return c
}

func drain(c *Client) []byte {
	select {
	case data := <-c.send:
		return data
	default:
		return nil
	}
}

func TestHub_Join_SendsRosterAndBroadcasts(t *testing.T) {
	h := testHub()

	proctor := joinClient(h, "room1", "p1", domain.RoleProctor)
	require.True(t, proctor.Joined())

	roster := drain(proctor)
	require.NotNil(t, roster)
	assert.Contains(t, string(roster), TypeRoster)

	candidate := joinClient(h, "room1", "c1", domain.RoleCandidate)
	require.True(t, candidate.Joined())

	event := drain(proctor)
	require.NotNil(t, event)
	assert.Contains(t, string(event), TypeParticipantJoined)
	assert.Contains(t, string(event), "c1")
}

func TestHub_Join_DuplicateUserIDRejected(t *testing.T) {
	h := testHub()
	joinClient(h, "room1", "u1", domain.RoleCandidate)

	dup := &Client{hub: h, send: make(chan []byte, 16), logger: testLogger()}
	dup.SetPendingRoomID("room1")
	h.dispatch(dup, envelopeOf(TypeJoin, JoinPayload{UserID: "u1", Role: domain.RoleCandidate}))

	assert.False(t, dup.Joined())
	data := drain(dup)
	require.NotNil(t, data)
	assert.Contains(t, string(data), ReasonUserExists)
}

func TestHub_Join_SecondProctorDowngradedToObserver(t *testing.T) {
	h := testHub()
	joinClient(h, "room1", "p1", domain.RoleProctor)
	p2 := joinClient(h, "room1", "p2", domain.RoleProctor)

	assert.Equal(t, domain.RoleObserver, p2.Role())
}

func TestHub_RouteSignal_Directed(t *testing.T) {
	h := testHub()
	a := joinClient(h, "room1", "a", domain.RoleCandidate)
	b := joinClient(h, "room1", "b", domain.RoleCandidate)
	drain(a)
	drain(b)
	drain(a) // participant_joined for b

	h.routeSignal(a, SignalPayload{Type: TypeChat, From: "a", To: "b"})

	data := drain(b)
	require.NotNil(t, data)
	assert.Contains(t, string(data), `"to":"b"`)
	assert.Nil(t, drain(a))
}

func TestHub_RouteSignal_FanoutExcludesSender(t *testing.T) {
	h := testHub()
	a := joinClient(h, "room1", "a", domain.RoleCandidate)
	b := joinClient(h, "room1", "b", domain.RoleCandidate)
	drain(a)
	drain(b)
	drain(a)

	h.routeSignal(a, SignalPayload{Type: TypeChat, From: "a"})

	assert.NotNil(t, drain(b))
	assert.Nil(t, drain(a))
}

func TestHub_HandleIncident_EscalatesAndBroadcasts(t *testing.T) {
	h := testHub()
	a := joinClient(h, "room1", "a", domain.RoleCandidate)
	drain(a)

	h.handleIncident(a, envelopeOf(TypeIncident, IncidentPayload{Tag: domain.A2, By: "a", Ts: 1000}))

	data := drain(a)
	require.NotNil(t, data)
	assert.Contains(t, string(data), `"tag":"A2"`)
}

func TestHub_Unregister_RemovesParticipantAndBroadcasts(t *testing.T) {
	h := testHub()
	a := joinClient(h, "room1", "a", domain.RoleCandidate)
	b := joinClient(h, "room1", "b", domain.RoleCandidate)
	drain(a)
	drain(b)
	drain(a)

	h.unregister(b)

	_, ok := h.lookup("room1", "b")
	assert.False(t, ok)

	data := drain(a)
	require.NotNil(t, data)
	assert.Contains(t, string(data), TypeParticipantLeft)
}

func TestHub_Unregister_NeverJoinedIsNoOp(t *testing.T) {
	h := testHub()
	c := &Client{hub: h, send: make(chan []byte, 4), logger: testLogger()}

	assert.NotPanics(t, func() { h.unregister(c) })
}

func TestHub_OnlineUserIDs(t *testing.T) {
	h := testHub()
	joinClient(h, "room1", "a", domain.RoleCandidate)
	joinClient(h, "room1", "b", domain.RoleCandidate)

	ids := h.OnlineUserIDs("room1")
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
