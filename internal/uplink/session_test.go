package uplink

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChip struct {
	serial   []byte
	response []byte
}

func (f fakeChip) SerialNumber(ctx context.Context) ([]byte, error) { return f.serial, nil }
func (f fakeChip) ChallengeResponse(ctx context.Context, challenge []byte) ([]byte, error) {
	return f.response, nil
}

// TestRespondChallengeSendsSessionLoginHello verifies that
// answering a challenge always emits exactly the session-id,
// login, and hello messages in that order, with the login payload
// carrying length-prefixed serial then response.
func TestRespondChallengeSendsSessionLoginHello(t *testing.T) {
	chip := fakeChip{serial: []byte("SN123"), response: []byte("RESP")}
	var sent []Message
	send := func(m Message) error {
		sent = append(sent, m)
		return nil
	}

	err := RespondChallenge(context.Background(), chip, []byte("nonce"), 7, send)
	require.NoError(t, err)
	require.Len(t, sent, 3)

	assert.Equal(t, OpSessionID, sent[0].Op)
	assert.Len(t, sent[0].Payload, 4)

	assert.Equal(t, OpLogin, sent[1].Op)
	var want []byte
	want = putString(want, chip.serial)
	want = putString(want, chip.response)
	assert.Equal(t, want, sent[1].Payload)

	assert.Equal(t, OpHello, sent[2].Op)
	assert.Equal(t, []byte{7}, sent[2].Payload)
}

type pipeConn struct {
	*bytes.Buffer
}

func (pipeConn) Close() error { return nil }

type fakeRouter struct {
	delivered map[string][]byte
}

func (r *fakeRouter) Deliver(name string, payload []byte) error {
	if r.delivered == nil {
		r.delivered = map[string][]byte{}
	}
	r.delivered[name] = payload
	return nil
}

func TestSessionHandlePingRespondsWithPong(t *testing.T) {
	s := NewSession(Config{ProtocolVer: 1}, nil, nil, nil, testLogger())
	s.auth = AuthAuthenticated

	var sent []Message
	err := s.handle(context.Background(), Message{Op: InPing, Payload: []byte("x")}, func(m Message) error {
		sent = append(sent, m)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, OpPong, sent[0].Op)
	assert.Equal(t, []byte("x"), sent[0].Payload)
}

func TestSessionHandleRouteDelivers(t *testing.T) {
	router := &fakeRouter{}
	s := NewSession(Config{ProtocolVer: 1}, nil, nil, router, testLogger())
	s.auth = AuthAuthenticated

	payload := []byte{0, 0, 0, 4, 'f', 'l', 'o', 'w', 0xde, 0xad}
	err := s.handle(context.Background(), Message{Op: InRoute, Payload: payload}, func(m Message) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, router.delivered["flow"])
}

func TestSessionHandleForceByeSetsFailed(t *testing.T) {
	s := NewSession(Config{ProtocolVer: 1}, nil, nil, nil, testLogger())
	s.auth = AuthAuthenticated
	err := s.handle(context.Background(), Message{Op: InForceBye}, func(m Message) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, AuthFailed, s.auth)
}

func TestSessionPongResetsUnansweredCount(t *testing.T) {
	s := NewSession(Config{ProtocolVer: 1}, nil, nil, nil, testLogger())
	s.pingsUnanswered = 3
	err := s.handle(context.Background(), Message{Op: InPong}, func(m Message) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 0, s.PingsUnanswered())
}
