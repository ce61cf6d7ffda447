// Package client implements the caller-facing side of the relay protocol:
// one websocket connection shared by any number of room subscriptions, with
// join requests correlated by id and incoming messages routed to the
// callback registered for their room.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaykit/chatrelay/pkg/protocol"
)

// Build info reported in the connection handshake, overridable via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	// ErrNotJoined is returned by room operations issued before the join
	// response has arrived, or after the connection dropped.
	ErrNotJoined = errors.New("room not joined")

	// ErrJoinRejected is passed to OnJoin when the server refuses a room.
	ErrJoinRejected = errors.New("join request rejected")

	// ErrNoTransport is returned when the session has no transport yet.
	ErrNoTransport = errors.New("no transport attached")
)

// OnReceive is invoked for every message delivered to a joined room.
type OnReceive func(msg protocol.Message)

// OnJoin reports the outcome of a join request.
type OnJoin func(joined bool, err error)

// SendOptions carries a client-declared identity. The server only honors it
// in development mode.
type SendOptions struct {
	Email string
	Name  string
}

type pendingJoin struct {
	room      string
	onReceive OnReceive
	onJoin    OnJoin
	opts      *SendOptions
	joined    bool
}

// Session is the per-process protocol state: the stable client id, the
// pending-join table keyed by correlation id, and the receive callback
// registry keyed by room. One Session multiplexes any number of Rooms over
// one transport.
type Session struct {
	clientID string
	logger   zerolog.Logger

	mu        sync.Mutex
	transport Transport
	pending   map[string]*pendingJoin
	receivers map[string]map[string]OnReceive

	onHistoryComplete func(room string, count int)
	onConnect         func()
	onDisconnect      func()
}

// NewSession creates a Session with no transport attached. Tests drive it
// directly through HandleFrame; production callers use Connect.
func NewSession(ids IDProvider, logger zerolog.Logger) (*Session, error) {
	clientID, err := ids.ClientID()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain client id: %w", err)
	}
	return &Session{
		clientID:  clientID,
		logger:    logger.With().Str("component", "client").Str("client", clientID).Logger(),
		pending:   make(map[string]*pendingJoin),
		receivers: make(map[string]map[string]OnReceive),
	}, nil
}

// Connect creates a Session wired to a reconnecting websocket transport.
func Connect(serverURL, token string, ids IDProvider, logger zerolog.Logger) (*Session, error) {
	s, err := NewSession(ids, logger)
	if err != nil {
		return nil, err
	}

	params := ConnectionParams{
		Token:   token,
		Client:  s.clientID,
		Version: Version,
		Commit:  Commit,
	}
	transport, err := DialWS(serverURL, params, s, logger)
	if err != nil {
		return nil, err
	}
	s.Attach(transport)
	return s, nil
}

// Attach binds the transport the session sends through.
func (s *Session) Attach(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// ClientID returns the stable device id.
func (s *Session) ClientID() string {
	return s.clientID
}

// OnHistoryComplete registers a hook invoked when a history replay
// terminator arrives.
func (s *Session) OnHistoryComplete(fn func(room string, count int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHistoryComplete = fn
}

// OnConnect registers a hook invoked after the transport reconnects.
// Reconnecting does not re-join rooms; callers that want continued delivery
// re-join from this hook.
func (s *Session) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

// OnDisconnect registers a hook invoked when the transport drops.
func (s *Session) OnDisconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// Join sends a join request for room and returns its handle immediately.
// The handle's Send and RequestHistory fail with ErrNotJoined until the
// server accepts the join; onJoin reports the outcome either way. Joining
// the same room more than once yields independent handles, each with its own
// receive callback.
func (s *Session) Join(room string, onReceive OnReceive, onJoin OnJoin, opts *SendOptions) (*Room, error) {
	id := uuid.NewString()

	s.mu.Lock()
	if s.transport == nil {
		s.mu.Unlock()
		return nil, ErrNoTransport
	}
	transport := s.transport
	s.pending[id] = &pendingJoin{room: room, onReceive: onReceive, onJoin: onJoin, opts: opts}
	s.mu.Unlock()

	data, err := protocol.Encode(&protocol.JoinRequest{Type: protocol.TypeJoinRequest, ID: id, Room: room})
	if err != nil {
		s.retire(id)
		return nil, err
	}
	if err := transport.Send(data); err != nil {
		s.retire(id)
		return nil, fmt.Errorf("failed to send join request: %w", err)
	}

	return &Room{session: s, id: id, room: room}, nil
}

// HandleFrame routes one inbound frame. It implements FrameHandler.
func (s *Session) HandleFrame(data []byte) {
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping invalid payload")
		return
	}

	switch m := msg.(type) {
	case *protocol.Message:
		s.dispatchMessage(m)
	case *protocol.JoinResponse:
		s.dispatchJoinResponse(m)
	case *protocol.HistoryResponse:
		s.dispatchHistoryResponse(m)
	}
}

// HandleConnect implements FrameHandler.
func (s *Session) HandleConnect() {
	s.mu.Lock()
	hook := s.onConnect
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// HandleDisconnect implements FrameHandler. Server-side subscriptions died
// with the connection and no response for an in-flight join can arrive
// anymore, so the whole pending table is discarded: handles return
// ErrNotJoined until re-joined, and repeated reconnect cycles leave no
// stale entries behind.
func (s *Session) HandleDisconnect() {
	s.mu.Lock()
	s.pending = make(map[string]*pendingJoin)
	s.receivers = make(map[string]map[string]OnReceive)
	hook := s.onDisconnect
	s.mu.Unlock()

	s.logger.Info().Msg("disconnected, joined rooms invalidated")
	if hook != nil {
		hook()
	}
}

// Close closes the transport, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	if transport == nil {
		return nil
	}
	return transport.Close()
}

func (s *Session) dispatchMessage(msg *protocol.Message) {
	s.mu.Lock()
	callbacks := make([]OnReceive, 0, len(s.receivers[msg.Room]))
	for _, cb := range s.receivers[msg.Room] {
		callbacks = append(callbacks, cb)
	}
	s.mu.Unlock()

	// No registered callback is not an error: it happens briefly during
	// leave races.
	for _, cb := range callbacks {
		cb(*msg)
	}
}

func (s *Session) dispatchJoinResponse(resp *protocol.JoinResponse) {
	s.mu.Lock()
	p, ok := s.pending[resp.ID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().Str("id", resp.ID).Msg("mismatched join response")
		return
	}

	if !resp.OK {
		delete(s.pending, resp.ID)
		s.mu.Unlock()
		s.logger.Info().Str("room", p.room).Msg("join rejected")
		if p.onJoin != nil {
			p.onJoin(false, ErrJoinRejected)
		}
		return
	}

	p.joined = true
	if s.receivers[p.room] == nil {
		s.receivers[p.room] = make(map[string]OnReceive)
	}
	s.receivers[p.room][resp.ID] = p.onReceive
	s.mu.Unlock()

	s.logger.Info().Str("room", p.room).Msg("joined room")
	if p.onJoin != nil {
		p.onJoin(true, nil)
	}
}

func (s *Session) dispatchHistoryResponse(resp *protocol.HistoryResponse) {
	s.mu.Lock()
	hook := s.onHistoryComplete
	s.mu.Unlock()
	if hook != nil {
		hook(resp.Room, resp.Count)
	}
}

func (s *Session) retire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *Session) send(data []byte) error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	if transport == nil {
		return ErrNoTransport
	}
	return transport.Send(data)
}
