package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/chatrelay/pkg/protocol"
)

// Room is the handle returned by Session.Join. Its correlation id doubles as
// the view id stamped on outgoing messages, which lets several widgets share
// one session and room while telling their messages apart.
type Room struct {
	session *Session
	id      string
	room    string
}

// ID returns the handle's correlation/view id.
func (r *Room) ID() string {
	return r.id
}

// Name returns the room id this handle is bound to.
func (r *Room) Name() string {
	return r.room
}

// Send broadcasts a message to the room. It returns the request that went
// out so the caller can recognize its own echo, or ErrNotJoined if the join
// has not completed.
func (r *Room) Send(messageType, contents string) (*protocol.MessageRequest, error) {
	opts, err := r.guard()
	if err != nil {
		return nil, err
	}

	req := &protocol.MessageRequest{
		Type:        protocol.TypeMessageRequest,
		ID:          uuid.NewString(),
		View:        r.id,
		Room:        r.room,
		MessageType: messageType,
		Contents:    contents,
	}
	if opts != nil {
		req.Email = opts.Email
		req.Name = opts.Name
	}

	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := r.session.send(data); err != nil {
		return nil, err
	}
	return req, nil
}

// RequestHistory asks for up to count messages with timestamps at or before
// end. Replayed messages arrive through the room's receive callback with
// New=false, followed by the history terminator.
func (r *Room) RequestHistory(end time.Time, count int) error {
	if _, err := r.guard(); err != nil {
		return err
	}

	req := &protocol.HistoryRequest{
		Type:  protocol.TypeHistoryRequest,
		ID:    uuid.NewString(),
		Room:  r.room,
		End:   end.UTC().Format(time.RFC3339Nano),
		Count: count,
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	return r.session.send(data)
}

// Leave unregisters the receive callback and discards the join bookkeeping.
// It is idempotent and tolerates never having joined.
func (r *Room) Leave() {
	s := r.session
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, r.id)
	if cbs, ok := s.receivers[r.room]; ok {
		delete(cbs, r.id)
		if len(cbs) == 0 {
			delete(s.receivers, r.room)
		}
	}
}

// guard checks that the join completed and returns the send options recorded
// at join time.
func (r *Room) guard() (*SendOptions, error) {
	s := r.session
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[r.id]
	if !ok || !p.joined {
		s.logger.Warn().Str("room", r.room).Msg("operation before join completed")
		return nil, ErrNotJoined
	}
	return p.opts, nil
}
