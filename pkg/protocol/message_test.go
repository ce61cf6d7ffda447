package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/chatrelay/pkg/protocol"
)

func TestParseClientMessage_JoinRequest(t *testing.T) {
	msg, err := protocol.ParseClientMessage([]byte(`{"type":"joinrequest","id":"c1","room":"lobby"}`))
	require.NoError(t, err)

	join, ok := msg.(*protocol.JoinRequest)
	require.True(t, ok, "expected *JoinRequest, got %T", msg)
	assert.Equal(t, "c1", join.ID)
	assert.Equal(t, "lobby", join.Room)
}

func TestParseClientMessage_MessageRequest(t *testing.T) {
	data := []byte(`{"type":"messagerequest","id":"m1","view":"v1","room":"lobby","messageType":"markdown","contents":"hello"}`)
	msg, err := protocol.ParseClientMessage(data)
	require.NoError(t, err)

	req, ok := msg.(*protocol.MessageRequest)
	require.True(t, ok, "expected *MessageRequest, got %T", msg)
	assert.Equal(t, "m1", req.ID)
	assert.Equal(t, "v1", req.View)
	assert.Equal(t, "markdown", req.MessageType)
	assert.Empty(t, req.Email)
}

func TestParseClientMessage_HistoryRequest(t *testing.T) {
	data := []byte(`{"type":"historyrequest","id":"h1","room":"lobby","end":"2026-01-02T15:04:05Z","count":10}`)
	msg, err := protocol.ParseClientMessage(data)
	require.NoError(t, err)

	req, ok := msg.(*protocol.HistoryRequest)
	require.True(t, ok, "expected *HistoryRequest, got %T", msg)
	assert.Equal(t, 10, req.Count)
}

func TestParseClientMessage_Invalid(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"presence","id":"x"}`},
		{"server-side type", `{"type":"message","id":"x","room":"lobby"}`},
		{"join missing room", `{"type":"joinrequest","id":"c1"}`},
		{"message missing messageType", `{"type":"messagerequest","id":"m1","room":"lobby"}`},
		{"history zero count", `{"type":"historyrequest","id":"h1","room":"lobby","end":"2026-01-02T15:04:05Z","count":0}`},
		{"history missing end", `{"type":"historyrequest","id":"h1","room":"lobby","count":5}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := protocol.ParseClientMessage([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestParseServerMessage_Message(t *testing.T) {
	data := []byte(`{"type":"message","id":"m1","room":"lobby","messageType":"markdown","contents":"hi","email":"a@b.c","name":"A","timestamp":"2026-01-02T15:04:05Z","unixtime":1767366245000,"new":true}`)
	msg, err := protocol.ParseServerMessage(data)
	require.NoError(t, err)

	m, ok := msg.(*protocol.Message)
	require.True(t, ok, "expected *Message, got %T", msg)
	assert.True(t, m.New)
	assert.Equal(t, "a@b.c", m.Email)
	assert.Equal(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC), m.Timestamp.UTC())
}

func TestParseServerMessage_UnknownType(t *testing.T) {
	_, err := protocol.ParseServerMessage([]byte(`{"type":"joinrequest","id":"c1","room":"lobby"}`))
	assert.ErrorIs(t, err, protocol.ErrUnknownType)
}

func TestJoinResponse_RoundTrip_Success(t *testing.T) {
	resp := &protocol.JoinResponse{ID: "c1", Room: "lobby", OK: true}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"joinresponse","id":"c1","room":"lobby"}`, string(data))

	msg, err := protocol.ParseServerMessage(data)
	require.NoError(t, err)
	parsed, ok := msg.(*protocol.JoinResponse)
	require.True(t, ok)
	assert.True(t, parsed.OK)
	assert.Equal(t, "lobby", parsed.Room)
}

func TestJoinResponse_RoundTrip_Rejection(t *testing.T) {
	resp := &protocol.JoinResponse{ID: "c1", OK: false}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"joinresponse","id":"c1","room":false}`, string(data))

	msg, err := protocol.ParseServerMessage(data)
	require.NoError(t, err)
	parsed, ok := msg.(*protocol.JoinResponse)
	require.True(t, ok)
	assert.False(t, parsed.OK)
	assert.Empty(t, parsed.Room)
}

func TestJoinResponse_BadRoomField(t *testing.T) {
	var resp protocol.JoinResponse
	err := json.Unmarshal([]byte(`{"type":"joinresponse","id":"c1","room":42}`), &resp)
	assert.Error(t, err)
}

func TestSavedMessage_JSONShape(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	saved := protocol.SavedMessage{
		SavedID: "m1",
		Message: protocol.Message{
			Type:        protocol.TypeMessage,
			ID:          "m1",
			Room:        "lobby",
			MessageType: "markdown",
			Contents:    "hello",
			Email:       "a@b.c",
			Name:        "A",
			Timestamp:   now,
			Unixtime:    now.UnixMilli(),
			New:         true,
		},
		Client: "client-1",
		Versions: protocol.Versions{
			Version: protocol.VersionPair{Client: "1.0.0", Server: "2.0.0"},
			Commit:  protocol.VersionPair{Client: "abc", Server: "def"},
		},
	}

	data, err := json.Marshal(saved)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "m1", decoded["_id"])
	assert.Equal(t, "client-1", decoded["client"])
	assert.NotNil(t, decoded["versions"])
}
