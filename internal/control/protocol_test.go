package control

import (
	"encoding/json"
	"testing"

	"github.com/observer/invigilate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RoundTrip(t *testing.T) {
	raw := []byte(`{"type":"join","userId":"u1","role":"candidate"}`)
	env, err := decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeJoin, env.Type)

	var p JoinPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "u1", p.UserID)
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestSignalPayload_OriginStamping(t *testing.T) {
	// A sender-controlled "from" field must never survive unmarshal-then-
	// restamp; this test documents that the hub overwrites it explicitly
	// rather than trusting the wire value (§8 "Origin stamping").
	h := testHub()
	a := joinClient(h, "room1", "a", domain.RoleCandidate)
	b := joinClient(h, "room1", "b", domain.RoleCandidate)
	drain(a)
	drain(b)
	drain(a) // participant_joined for b

	raw := []byte(`{"type":"chat","from":"attacker"}`)
	env, err := decode(raw)
	require.NoError(t, err)
	h.handleSignal(a, env)

	data := drain(b)
	require.NotNil(t, data)
	var sig SignalPayload
	require.NoError(t, json.Unmarshal(data, &sig))
	assert.Equal(t, "a", sig.From)
}
