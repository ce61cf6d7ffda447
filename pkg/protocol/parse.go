package protocol

import (
	"encoding/json"
	"fmt"
)

type probe struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes one client-to-server frame into its typed
// variant. It is the single funnel for inbound validation on the server:
// anything it rejects is dropped, never dispatched.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	switch p.Type {
	case TypeMessageRequest:
		var m MessageRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed message request: %w", err)
		}
		if m.ID == "" || m.Room == "" || m.MessageType == "" {
			return nil, fmt.Errorf("message request missing id, room, or messageType")
		}
		return &m, nil

	case TypeJoinRequest:
		var m JoinRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed join request: %w", err)
		}
		if m.ID == "" || m.Room == "" {
			return nil, fmt.Errorf("join request missing id or room")
		}
		return &m, nil

	case TypeHistoryRequest:
		var m HistoryRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed history request: %w", err)
		}
		if m.ID == "" || m.Room == "" || m.End == "" {
			return nil, fmt.Errorf("history request missing id, room, or end")
		}
		if m.Count <= 0 {
			return nil, fmt.Errorf("history request count must be positive")
		}
		return &m, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
}

// ParseServerMessage decodes one server-to-client frame into its typed
// variant. It is the single funnel for inbound validation on the client.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	switch p.Type {
	case TypeMessage:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed message: %w", err)
		}
		if m.ID == "" || m.Room == "" {
			return nil, fmt.Errorf("message missing id or room")
		}
		return &m, nil

	case TypeJoinResponse:
		var m JoinResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed join response: %w", err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("join response missing id")
		}
		return &m, nil

	case TypeHistoryResponse:
		var m HistoryResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed history response: %w", err)
		}
		if m.ID == "" || m.Room == "" {
			return nil, fmt.Errorf("history response missing id or room")
		}
		return &m, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
}
