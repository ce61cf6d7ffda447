package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaykit/chatrelay/pkg/protocol"
)

// MemoryStore is an in-process Store used by tests and by development-mode
// servers running without a database.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]struct{}
	msgs []protocol.SavedMessage
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]struct{}),
	}
}

// Insert implements Store. Duplicate ids are ignored.
func (s *MemoryStore) Insert(_ context.Context, msg protocol.SavedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[msg.SavedID]; ok {
		return nil
	}
	s.byID[msg.SavedID] = struct{}{}
	s.msgs = append(s.msgs, msg)
	return nil
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, room string, end time.Time, limit int) ([]protocol.SavedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []protocol.SavedMessage
	for _, msg := range s.msgs {
		if msg.Room == room && !msg.Timestamp.After(end) {
			matched = append(matched, msg)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Len returns the number of saved messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}
