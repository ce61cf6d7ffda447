package server

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/chatrelay/internal/auth"
	"github.com/relaykit/chatrelay/internal/history"
	"github.com/relaykit/chatrelay/pkg/protocol"
)

// fakeWire is an in-memory wire implementation driven by the tests.
type fakeWire struct {
	in   chan []byte
	out  chan []byte
	once sync.Once
}

func newFakeWire() *fakeWire {
	return &fakeWire{
		in:  make(chan []byte, 16),
		out: make(chan []byte, 256),
	}
}

func (w *fakeWire) ReadMessage() ([]byte, error) {
	data, ok := <-w.in
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (w *fakeWire) WriteMessage(data []byte) error {
	w.out <- data
	return nil
}

func (w *fakeWire) Close() error {
	return nil
}

func (w *fakeWire) RemoteAddr() string {
	return "fake:0"
}

// disconnect ends the session's read loop.
func (w *fakeWire) disconnect() {
	w.once.Do(func() { close(w.in) })
}

func (w *fakeWire) sendFrame(t *testing.T, msg any) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	w.in <- data
}

func (w *fakeWire) recv(t *testing.T) protocol.ServerMessage {
	t.Helper()
	select {
	case data := <-w.out:
		msg, err := protocol.ParseServerMessage(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server frame")
		return nil
	}
}

func (w *fakeWire) expectNoFrame(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case data := <-w.out:
		t.Fatalf("expected no frame, got %s", data)
	case <-time.After(wait):
	}
}

type sessionHarness struct {
	srv   *Server
	store *history.MemoryStore
}

func newHarness(cfg *Config) *sessionHarness {
	store := history.NewMemoryStore()
	verifier := &auth.StaticVerifier{Identity: auth.Identity{Email: "verified@example.com", Name: "Verified"}}
	return &sessionHarness{
		srv:   New(cfg, verifier, store, zerolog.Nop()),
		store: store,
	}
}

func allowLobby() *Config {
	cfg := NewConfig()
	cfg.AllowedRooms = []string{"lobby", "side-room"}
	return cfg
}

// start spins up a session over a fake wire and returns the wire plus a
// channel closed when the session has fully cleaned up.
func (h *sessionHarness) start(clientID string) (*fakeWire, chan struct{}) {
	w := newFakeWire()
	identity := auth.Identity{Email: "verified@example.com", Name: "Verified"}
	versions := protocol.Versions{
		Version: protocol.VersionPair{Client: "1.0.0", Server: Version},
		Commit:  protocol.VersionPair{Client: "abc", Server: Commit},
	}
	sess := newSession(w, identity, clientID, versions, h.srv)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.run()
	}()
	return w, done
}

func joinRoom(t *testing.T, w *fakeWire, id, room string) *protocol.JoinResponse {
	t.Helper()
	w.sendFrame(t, &protocol.JoinRequest{Type: protocol.TypeJoinRequest, ID: id, Room: room})
	msg := w.recv(t)
	resp, ok := msg.(*protocol.JoinResponse)
	require.True(t, ok, "expected *JoinResponse, got %T", msg)
	require.Equal(t, id, resp.ID)
	return resp
}

func TestSession_JoinSuccess(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	resp := joinRoom(t, w, "j1", "lobby")
	assert.True(t, resp.OK)
	assert.Equal(t, "lobby", resp.Room)
	assert.Equal(t, 1, h.srv.registry.Subscribers("lobby"))
}

func TestSession_JoinRejectedOutsideAllowList(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	resp := joinRoom(t, w, "j1", "secret-room")
	assert.False(t, resp.OK)
	assert.Equal(t, 0, h.srv.registry.Subscribers("secret-room"))
}

func TestSession_JoinIdempotent(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	first := joinRoom(t, w, "j1", "lobby")
	second := joinRoom(t, w, "j2", "lobby")
	assert.True(t, first.OK)
	assert.True(t, second.OK)

	// Two success responses, exactly one registry subscription: a publish
	// must be delivered once, not twice.
	require.Equal(t, 1, h.srv.registry.Subscribers("lobby"))

	w.sendFrame(t, &protocol.MessageRequest{
		Type: protocol.TypeMessageRequest, ID: "m1", Room: "lobby",
		MessageType: "markdown", Contents: "hello",
	})
	msg := w.recv(t)
	_, ok := msg.(*protocol.Message)
	require.True(t, ok, "expected *Message, got %T", msg)
	w.expectNoFrame(t, 200*time.Millisecond)
}

func TestSession_FanOut(t *testing.T) {
	h := newHarness(allowLobby())

	const n = 3
	wires := make([]*fakeWire, n)
	for i := 0; i < n; i++ {
		w, done := h.start("client")
		defer func() { w.disconnect(); <-done }()
		wires[i] = w
		resp := joinRoom(t, w, "j", "lobby")
		require.True(t, resp.OK)
	}

	wires[0].sendFrame(t, &protocol.MessageRequest{
		Type: protocol.TypeMessageRequest, ID: "m1", Room: "lobby",
		MessageType: "markdown", Contents: "to everyone",
	})

	// Every joined connection receives exactly one copy, the sender
	// included.
	for i, w := range wires {
		msg := w.recv(t)
		m, ok := msg.(*protocol.Message)
		require.True(t, ok, "wire %d: expected *Message, got %T", i, msg)
		assert.Equal(t, "to everyone", m.Contents)
		assert.True(t, m.New)
		w.expectNoFrame(t, 100*time.Millisecond)
	}
}

func TestSession_RejectedRoomReceivesNothing(t *testing.T) {
	h := newHarness(allowLobby())
	member, memberDone := h.start("member")
	defer func() { member.disconnect(); <-memberDone }()
	outsider, outsiderDone := h.start("outsider")
	defer func() { outsider.disconnect(); <-outsiderDone }()

	require.True(t, joinRoom(t, member, "j1", "lobby").OK)
	require.False(t, joinRoom(t, outsider, "j1", "secret-room").OK)

	// Publishing to lobby must not reach the outsider, who joined nothing.
	member.sendFrame(t, &protocol.MessageRequest{
		Type: protocol.TypeMessageRequest, ID: "m1", Room: "lobby",
		MessageType: "markdown", Contents: "hi",
	})
	member.recv(t)
	outsider.expectNoFrame(t, 200*time.Millisecond)
}

func TestSession_RoomIsolation(t *testing.T) {
	h := newHarness(allowLobby())
	a, aDone := h.start("a")
	defer func() { a.disconnect(); <-aDone }()
	b, bDone := h.start("b")
	defer func() { b.disconnect(); <-bDone }()

	require.True(t, joinRoom(t, a, "j1", "lobby").OK)
	require.True(t, joinRoom(t, b, "j1", "side-room").OK)

	a.sendFrame(t, &protocol.MessageRequest{
		Type: protocol.TypeMessageRequest, ID: "m1", Room: "lobby",
		MessageType: "markdown", Contents: "lobby only",
	})
	a.recv(t)
	b.expectNoFrame(t, 200*time.Millisecond)
}

func TestSession_IdentityStamping(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	require.True(t, joinRoom(t, w, "j1", "lobby").OK)

	w.sendFrame(t, &protocol.MessageRequest{
		Type: protocol.TypeMessageRequest, ID: "m1", Room: "lobby",
		MessageType: "markdown", Contents: "who am I",
	})

	msg := w.recv(t).(*protocol.Message)
	assert.Equal(t, "verified@example.com", msg.Email)
	assert.Equal(t, "Verified", msg.Name)
	assert.NotZero(t, msg.Unixtime)
	assert.False(t, msg.Timestamp.IsZero())

	// The stored copy carries the same verified identity and the sender's
	// client id. Persistence is asynchronous, so poll briefly.
	require.Eventually(t, func() bool { return h.store.Len() == 1 }, time.Second, 10*time.Millisecond)
	saved, err := h.store.Query(context.Background(), "lobby", time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "m1", saved[0].SavedID)
	assert.Equal(t, "verified@example.com", saved[0].Email)
	assert.Equal(t, "client-1", saved[0].Client)
	assert.Equal(t, "1.0.0", saved[0].Versions.Version.Client)
}

func TestSession_ImpersonationDropped(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	require.True(t, joinRoom(t, w, "j1", "lobby").OK)

	w.sendFrame(t, &protocol.MessageRequest{
		Type: protocol.TypeMessageRequest, ID: "m1", Room: "lobby",
		MessageType: "markdown", Contents: "spoofed",
		Email:       "someone-else@example.com", Name: "Someone Else",
	})

	w.expectNoFrame(t, 200*time.Millisecond)
	assert.Equal(t, 0, h.store.Len())
}

func TestSession_DevModeAllowsDeclaredIdentity(t *testing.T) {
	cfg := NewConfig()
	cfg.DevMode = true
	h := newHarness(cfg)
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	// Development mode also disables the allow-list.
	require.True(t, joinRoom(t, w, "j1", "any-room-at-all").OK)

	w.sendFrame(t, &protocol.MessageRequest{
		Type: protocol.TypeMessageRequest, ID: "m1", Room: "any-room-at-all",
		MessageType: "markdown", Contents: "hi",
		Email:       "pretend@example.com", Name: "Pretend",
	})

	msg := w.recv(t).(*protocol.Message)
	assert.Equal(t, "pretend@example.com", msg.Email)
	assert.Equal(t, "Pretend", msg.Name)
}

func TestSession_DevModeNameOnlyDeclaration(t *testing.T) {
	cfg := NewConfig()
	cfg.DevMode = true
	h := newHarness(cfg)
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	require.True(t, joinRoom(t, w, "j1", "lobby").OK)

	// Declaring only a name overrides the name; the email stays verified.
	w.sendFrame(t, &protocol.MessageRequest{
		Type: protocol.TypeMessageRequest, ID: "m1", Room: "lobby",
		MessageType: "markdown", Contents: "hi",
		Name:        "Just A Name",
	})

	msg := w.recv(t).(*protocol.Message)
	assert.Equal(t, "verified@example.com", msg.Email)
	assert.Equal(t, "Just A Name", msg.Name)
}

func TestSession_History(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := protocol.SavedMessage{
			SavedID: string(rune('a' + i)),
			Message: protocol.Message{
				Type: protocol.TypeMessage, ID: string(rune('a' + i)), Room: "lobby",
				MessageType: "markdown", Contents: "old",
				Timestamp:   base.Add(time.Duration(i) * time.Minute),
				New:         true,
			},
		}
		require.NoError(t, h.store.Insert(context.Background(), msg))
	}

	require.True(t, joinRoom(t, w, "j1", "lobby").OK)

	w.sendFrame(t, &protocol.HistoryRequest{
		Type: protocol.TypeHistoryRequest, ID: "h1", Room: "lobby",
		End:   base.Add(time.Hour).Format(time.RFC3339Nano),
		Count: 3,
	})

	var replayed []*protocol.Message
	for i := 0; i < 3; i++ {
		msg := w.recv(t)
		m, ok := msg.(*protocol.Message)
		require.True(t, ok, "expected replayed *Message, got %T", msg)
		assert.False(t, m.New, "replayed messages carry new=false")
		replayed = append(replayed, m)
	}
	for i := 1; i < len(replayed); i++ {
		assert.True(t, replayed[i-1].Timestamp.After(replayed[i].Timestamp))
	}

	end := w.recv(t)
	terminator, ok := end.(*protocol.HistoryResponse)
	require.True(t, ok, "expected *HistoryResponse, got %T", end)
	assert.Equal(t, "h1", terminator.ID)
	assert.Equal(t, 3, terminator.Count)
}

func TestSession_HistoryReplayExceedsWriteBuffer(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	const total = 100
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("m%03d", i)
		msg := protocol.SavedMessage{
			SavedID: id,
			Message: protocol.Message{
				Type: protocol.TypeMessage, ID: id, Room: "lobby",
				MessageType: "markdown", Contents: "old",
				Timestamp:   base.Add(time.Duration(i) * time.Second),
				New:         true,
			},
		}
		require.NoError(t, h.store.Insert(context.Background(), msg))
	}

	require.True(t, joinRoom(t, w, "j1", "lobby").OK)

	// A replay far larger than the session's outgoing buffer must still
	// arrive complete, terminator included: replayed frames are never
	// dropped, only live broadcasts are.
	w.sendFrame(t, &protocol.HistoryRequest{
		Type: protocol.TypeHistoryRequest, ID: "h1", Room: "lobby",
		End:   base.Add(time.Hour).Format(time.RFC3339Nano),
		Count: total,
	})

	for i := 0; i < total; i++ {
		msg := w.recv(t)
		m, ok := msg.(*protocol.Message)
		require.True(t, ok, "frame %d: expected replayed *Message, got %T", i, msg)
		require.False(t, m.New)
	}

	end := w.recv(t)
	terminator, ok := end.(*protocol.HistoryResponse)
	require.True(t, ok, "expected *HistoryResponse, got %T", end)
	assert.Equal(t, total, terminator.Count)
}

func TestSession_HistoryRequiresMembership(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	w.sendFrame(t, &protocol.HistoryRequest{
		Type: protocol.TypeHistoryRequest, ID: "h1", Room: "lobby",
		End:   time.Now().Format(time.RFC3339Nano),
		Count: 5,
	})
	w.expectNoFrame(t, 200*time.Millisecond)
}

func TestSession_HistoryBadEndDropped(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	require.True(t, joinRoom(t, w, "j1", "lobby").OK)

	w.sendFrame(t, &protocol.HistoryRequest{
		Type: protocol.TypeHistoryRequest, ID: "h1", Room: "lobby",
		End:   "not-a-timestamp",
		Count: 5,
	})
	w.expectNoFrame(t, 200*time.Millisecond)
}

func TestSession_MalformedPayloadIgnored(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")
	defer func() { w.disconnect(); <-done }()

	w.in <- []byte(`{"type":"no-such-thing"}`)
	w.in <- []byte(`not json at all`)

	// The connection survives and still handles valid requests.
	resp := joinRoom(t, w, "j1", "lobby")
	assert.True(t, resp.OK)
}

func TestSession_CloseReleasesSubscriptions(t *testing.T) {
	h := newHarness(allowLobby())
	w, done := h.start("client-1")

	require.True(t, joinRoom(t, w, "j1", "lobby").OK)
	require.True(t, joinRoom(t, w, "j2", "side-room").OK)
	require.Equal(t, 1, h.srv.registry.Subscribers("lobby"))

	w.disconnect()
	<-done

	assert.Equal(t, 0, h.srv.registry.Subscribers("lobby"))
	assert.Equal(t, 0, h.srv.registry.Subscribers("side-room"))
	assert.Equal(t, 0, h.srv.registry.Rooms())
}
