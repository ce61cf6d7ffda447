// Package registry implements the process-wide room fan-out: a map from room
// id to the delivery callbacks of every connection currently joined to it.
// It is the only shared mutable structure in the relay core; it is
// constructed once at startup and passed by reference to each connection
// handler.
package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/relaykit/chatrelay/pkg/protocol"
)

// Callback delivers one message to one subscriber. Callbacks must not block;
// they run inside the publish loop.
type Callback func(msg protocol.Message)

// Subscription is the handle returned by Subscribe. It removes exactly one
// registration when cancelled.
type Subscription struct {
	room      string
	cb        Callback
	cancelled bool
}

// Room returns the room this subscription delivers for.
func (s *Subscription) Room() string {
	return s.room
}

// Registry fans messages out to room subscribers. Publish is synchronous and
// holds the registry lock for the whole delivery loop, so subscribe and
// unsubscribe can never interleave with an in-flight publish for any room.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string][]*Subscription
	logger zerolog.Logger
}

// New creates an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string][]*Subscription),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Subscribe registers cb for room and returns its handle. A connection that
// re-joins a room it already occupies is expected to detect that through its
// own per-connection map; the registry itself allows any number of callbacks
// per room.
func (r *Registry) Subscribe(room string, cb Callback) *Subscription {
	sub := &Subscription{room: room, cb: cb}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room] = append(r.rooms[room], sub)
	return sub
}

// Unsubscribe removes the registration behind sub. Calling it again, or with
// a handle that was never registered, is a no-op.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.cancelled {
		return
	}
	sub.cancelled = true

	subs := r.rooms[sub.room]
	for i, s := range subs {
		if s == sub {
			r.rooms[sub.room] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.rooms[sub.room]) == 0 {
		delete(r.rooms, sub.room)
	}
}

// Publish synchronously invokes every callback registered for room, in
// registration order, and returns the number of deliveries. A panicking
// callback is isolated and does not block delivery to the others.
func (r *Registry) Publish(room string, msg protocol.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.rooms[room]
	for _, sub := range subs {
		r.deliver(sub, msg)
	}
	return len(subs)
}

func (r *Registry) deliver(sub *Subscription, msg protocol.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("room", sub.room).
				Interface("panic", rec).
				Msg("subscriber callback panicked")
		}
	}()
	sub.cb(msg)
}

// Subscribers returns the number of callbacks registered for room.
func (r *Registry) Subscribers(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// Rooms returns the number of rooms with at least one subscriber.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
