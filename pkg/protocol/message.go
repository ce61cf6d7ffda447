// Package protocol defines the wire messages exchanged between chat clients
// and the relay server. Every payload is a single JSON object carrying a
// "type" discriminator; the client-to-server and server-to-client shapes are
// disjoint sets, each parsed through its own funnel so malformed input is
// rejected in exactly one place.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type tags for client-to-server messages.
const (
	TypeMessageRequest = "messagerequest"
	TypeJoinRequest    = "joinrequest"
	TypeHistoryRequest = "historyrequest"
)

// Type tags for server-to-client messages.
const (
	TypeMessage         = "message"
	TypeJoinResponse    = "joinresponse"
	TypeHistoryResponse = "historyresponse"
)

// ErrUnknownType is returned when a payload carries no recognized type tag.
var ErrUnknownType = errors.New("unknown message type")

// ClientMessage is implemented by every message a client may send to the
// server.
type ClientMessage interface {
	clientMessage()
}

// ServerMessage is implemented by every message the server may send to a
// client.
type ServerMessage interface {
	serverMessage()
}

// MessageRequest asks the server to broadcast a message to a room.
// Email and Name may only be set in development mode; outside it the server
// stamps both from the verified identity and drops requests that try to
// supply them.
type MessageRequest struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	View        string `json:"view,omitempty"`
	Room        string `json:"room"`
	MessageType string `json:"messageType"`
	Contents    string `json:"contents"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
}

func (*MessageRequest) clientMessage() {}

// JoinRequest asks the server to subscribe this connection to a room.
// ID correlates the eventual JoinResponse.
type JoinRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Room string `json:"room"`
}

func (*JoinRequest) clientMessage() {}

// HistoryRequest asks for up to Count saved messages for a room with
// timestamps at or before End (RFC 3339).
type HistoryRequest struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Room  string `json:"room"`
	End   string `json:"end"`
	Count int    `json:"count"`
}

func (*HistoryRequest) clientMessage() {}

// Message is a broadcast or replayed chat message. New distinguishes live
// delivery (true) from history replay (false). Email and Name always carry
// the sender's verified identity outside development mode.
type Message struct {
	Type        string    `json:"type" bson:"type"`
	ID          string    `json:"id" bson:"id"`
	View        string    `json:"view,omitempty" bson:"view,omitempty"`
	Room        string    `json:"room" bson:"room"`
	MessageType string    `json:"messageType" bson:"messageType"`
	Contents    string    `json:"contents" bson:"contents"`
	Email       string    `json:"email" bson:"email"`
	Name        string    `json:"name" bson:"name"`
	Timestamp   time.Time `json:"timestamp" bson:"timestamp"`
	Unixtime    int64     `json:"unixtime" bson:"unixtime"`
	New         bool      `json:"new" bson:"new"`
}

func (*Message) serverMessage() {}

// JoinResponse answers a JoinRequest. On the wire the room field is either
// the room string (success) or literal false (rejection) so that both
// outcomes share one correlated envelope shape.
type JoinResponse struct {
	ID   string
	Room string
	OK   bool
}

func (*JoinResponse) serverMessage() {}

type joinResponseWire struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Room any    `json:"room"`
}

// MarshalJSON encodes the room-or-false conflation.
func (r *JoinResponse) MarshalJSON() ([]byte, error) {
	wire := joinResponseWire{Type: TypeJoinResponse, ID: r.ID, Room: false}
	if r.OK {
		wire.Room = r.Room
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the room-or-false conflation.
func (r *JoinResponse) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type string          `json:"type"`
		ID   string          `json:"id"`
		Room json.RawMessage `json:"room"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.ID = wire.ID
	r.Room = ""
	r.OK = false
	if bytes.Equal(bytes.TrimSpace(wire.Room), []byte("false")) {
		return nil
	}
	var room string
	if err := json.Unmarshal(wire.Room, &room); err != nil {
		return fmt.Errorf("join response room must be a string or false: %w", err)
	}
	r.Room = room
	r.OK = true
	return nil
}

// HistoryResponse terminates a history replay. Count is the number of
// messages that were replayed, which may be fewer than requested.
type HistoryResponse struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Room  string `json:"room"`
	Count int    `json:"count"`
}

func (*HistoryResponse) serverMessage() {}

// VersionPair records the same field as reported by both ends of a
// connection.
type VersionPair struct {
	Client string `json:"client" bson:"client"`
	Server string `json:"server" bson:"server"`
}

// Versions is the audit record of client and server build info, assembled on
// the server when a message is saved.
type Versions struct {
	Version VersionPair `json:"version" bson:"version"`
	Commit  VersionPair `json:"commit" bson:"commit"`
}

// SavedMessage is the write-once persisted form of a Message. SavedID equals
// the client-chosen message id, which makes re-inserting the same message a
// no-op at the store.
type SavedMessage struct {
	SavedID  string `json:"_id" bson:"_id"`
	Message  `bson:",inline"`
	Client   string   `json:"client" bson:"client"`
	Versions Versions `json:"versions" bson:"versions"`
}

// Encode marshals a wire message to its JSON frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
