// Package history persists chat messages and serves bounded replay queries.
// Persistence is best-effort and fully decoupled from the broadcast path: an
// insert failure is logged by the caller and never affects live delivery.
package history

import (
	"context"
	"time"

	"github.com/relaykit/chatrelay/pkg/protocol"
)

// Store is the adapter the relay core needs over persisted messages: append
// one, and range-query by room and time.
type Store interface {
	// Insert saves one message. Saving a message whose id was already
	// saved is a no-op, not an error.
	Insert(ctx context.Context, msg protocol.SavedMessage) error

	// Query returns up to limit messages for room with Timestamp <= end,
	// ordered newest first.
	Query(ctx context.Context, room string, end time.Time, limit int) ([]protocol.SavedMessage, error)
}
