package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaykit/chatrelay/internal/auth"
	"github.com/relaykit/chatrelay/internal/history"
	"github.com/relaykit/chatrelay/internal/registry"
	"github.com/relaykit/chatrelay/pkg/protocol"
)

const (
	outgoingBuffer = 64
	storeTimeout   = 5 * time.Second
)

// session is the per-connection protocol state machine. It is created only
// after identity verification succeeds and lives until the transport closes.
// All of its state is owned by the connection's goroutines; the shared
// registry is the only structure it touches that needs locking.
type session struct {
	wire     wire
	identity auth.Identity
	clientID string
	versions protocol.Versions

	registry     *registry.Registry
	store        history.Store
	allowed      map[string]struct{}
	devMode      bool
	historyLimit int

	// subs maps each joined room to its unsubscribe handle. Only the read
	// loop touches it.
	subs map[string]*registry.Subscription

	outgoing chan []byte
	logger   zerolog.Logger
}

func newSession(w wire, identity auth.Identity, clientID string, versions protocol.Versions, srv *Server) *session {
	return &session{
		wire:         w,
		identity:     identity,
		clientID:     clientID,
		versions:     versions,
		registry:     srv.registry,
		store:        srv.store,
		allowed:      srv.allowed,
		devMode:      srv.cfg.DevMode,
		historyLimit: srv.cfg.HistoryLimit,
		subs:         make(map[string]*registry.Subscription),
		outgoing:     make(chan []byte, outgoingBuffer),
		logger: srv.logger.With().
			Str("remote", w.RemoteAddr()).
			Str("email", identity.Email).
			Str("client", clientID).
			Logger(),
	}
}

// run drives the session until the transport closes, then releases every
// room subscription. It blocks until both pumps have finished.
func (s *session) run() {
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop()
	}()

	s.readLoop()

	// Unsubscribe before closing the outgoing channel: Unsubscribe blocks
	// until any in-flight publish has finished, so no callback can enqueue
	// after this loop completes.
	for room, sub := range s.subs {
		s.registry.Unsubscribe(sub)
		delete(s.subs, room)
	}
	close(s.outgoing)
	<-writeDone
	_ = s.wire.Close()

	s.logger.Info().Msg("session closed")
}

func (s *session) readLoop() {
	for {
		data, err := s.wire.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("read loop ended")
			return
		}
		s.dispatch(data)
	}
}

func (s *session) writeLoop() {
	for data := range s.outgoing {
		if err := s.wire.WriteMessage(data); err != nil {
			s.logger.Debug().Err(err).Msg("write failed")
			// Keep draining until the channel closes so a blocked send
			// never stalls the read loop on a dead connection.
			for range s.outgoing {
			}
			return
		}
	}
}

// dispatch parses one inbound frame and routes it to its handler. Payloads
// the funnel rejects are dropped; they never terminate the connection.
func (s *session) dispatch(data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping invalid payload")
		return
	}

	switch m := msg.(type) {
	case *protocol.JoinRequest:
		s.handleJoin(m)
	case *protocol.MessageRequest:
		s.handleMessage(m)
	case *protocol.HistoryRequest:
		s.handleHistory(m)
	}
}

// handleJoin subscribes the connection to a room if policy allows. Joining a
// room this connection already occupies replies success again without a
// second subscription.
func (s *session) handleJoin(req *protocol.JoinRequest) {
	if !s.roomAllowed(req.Room) {
		s.logger.Info().Str("room", req.Room).Msg("join rejected by allow-list")
		s.send(&protocol.JoinResponse{ID: req.ID, OK: false})
		return
	}

	if _, joined := s.subs[req.Room]; !joined {
		s.subs[req.Room] = s.registry.Subscribe(req.Room, s.deliver)
		s.logger.Info().Str("room", req.Room).Msg("joined room")
	}
	s.send(&protocol.JoinResponse{ID: req.ID, Room: req.Room, OK: true})
}

// handleMessage stamps, broadcasts, and persists one chat message. The
// persistence attempt runs on its own goroutine and its outcome never
// reaches the broadcast path.
func (s *session) handleMessage(req *protocol.MessageRequest) {
	if !s.devMode && (req.Email != "" || req.Name != "") {
		s.logger.Warn().Str("room", req.Room).Msg("dropping message with client-declared identity")
		return
	}

	email, name := s.identity.Email, s.identity.Name
	if s.devMode {
		if req.Email != "" {
			email = req.Email
		}
		if req.Name != "" {
			name = req.Name
		}
	}

	now := time.Now().UTC()
	msg := protocol.Message{
		Type:        protocol.TypeMessage,
		ID:          req.ID,
		View:        req.View,
		Room:        req.Room,
		MessageType: req.MessageType,
		Contents:    req.Contents,
		Email:       email,
		Name:        name,
		Timestamp:   now,
		Unixtime:    now.UnixMilli(),
		New:         true,
	}

	delivered := s.registry.Publish(req.Room, msg)
	s.logger.Debug().Str("room", req.Room).Int("delivered", delivered).Msg("message published")

	saved := protocol.SavedMessage{
		SavedID:  msg.ID,
		Message:  msg,
		Client:   s.clientID,
		Versions: s.versions,
	}
	go s.persist(saved)
}

func (s *session) persist(saved protocol.SavedMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := s.store.Insert(ctx, saved); err != nil {
		s.logger.Error().Err(err).Str("id", saved.SavedID).Msg("failed to persist message")
	}
}

// handleHistory replays saved messages for a joined room, newest first, then
// sends the terminating history response. History is a privilege of
// membership: requests for unjoined rooms are dropped.
func (s *session) handleHistory(req *protocol.HistoryRequest) {
	if _, joined := s.subs[req.Room]; !joined {
		s.logger.Warn().Str("room", req.Room).Msg("dropping history request for unjoined room")
		return
	}

	end, err := time.Parse(time.RFC3339Nano, req.End)
	if err != nil {
		s.logger.Warn().Err(err).Str("end", req.End).Msg("dropping history request with bad end time")
		return
	}

	count := req.Count
	if count > s.historyLimit {
		count = s.historyLimit
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	msgs, err := s.store.Query(ctx, req.Room, end, count)
	if err != nil {
		s.logger.Error().Err(err).Str("room", req.Room).Msg("history query failed")
		return
	}

	for i := range msgs {
		replay := msgs[i].Message
		replay.New = false
		s.send(&replay)
	}
	s.send(&protocol.HistoryResponse{
		Type:  protocol.TypeHistoryResponse,
		ID:    req.ID,
		Room:  req.Room,
		Count: len(msgs),
	})
}

// deliver is the registry callback for every room this session has joined.
// It must not block: a full outgoing buffer drops the frame for this
// subscriber only.
func (s *session) deliver(msg protocol.Message) {
	data, err := protocol.Encode(&msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode broadcast")
		return
	}
	select {
	case s.outgoing <- data:
	default:
		s.logger.Warn().Str("room", msg.Room).Msg("outgoing buffer full, dropping delivery")
	}
}

// send enqueues a correlated reply or replayed message. Unlike deliver it
// blocks when the buffer is full: replies and history replay are only ever
// produced by the read loop, while the write loop drains concurrently, so a
// full buffer here means backpressure, not deadlock. Replayed frames and the
// history terminator must never be dropped.
func (s *session) send(msg protocol.ServerMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode reply")
		return
	}
	s.outgoing <- data
}

func (s *session) roomAllowed(room string) bool {
	if s.devMode {
		return true
	}
	_, ok := s.allowed[room]
	return ok
}
