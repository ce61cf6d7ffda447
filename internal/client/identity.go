package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// IDProvider supplies the stable client id that identifies this sender
// device across reconnects. It is distinct from the authenticated identity:
// two devices logged in as the same user have different client ids.
type IDProvider interface {
	// ClientID returns the device id, creating and persisting it on
	// first use.
	ClientID() (string, error)
}

// EphemeralID generates one uuid per provider instance. Suitable for tests
// and short-lived tools where persistence does not matter.
type EphemeralID struct {
	once sync.Once
	id   string
}

// NewEphemeralID creates an EphemeralID.
func NewEphemeralID() *EphemeralID {
	return &EphemeralID{}
}

// ClientID implements IDProvider.
func (p *EphemeralID) ClientID() (string, error) {
	p.once.Do(func() {
		p.id = uuid.NewString()
	})
	return p.id, nil
}

// FileID persists the client id to a file so it survives process restarts.
type FileID struct {
	path string
	mu   sync.Mutex
	id   string
}

// NewFileID creates a FileID backed by the given path.
func NewFileID(path string) *FileID {
	return &FileID{path: path}
}

// ClientID implements IDProvider. The first call creates the file; later
// calls, including from new provider instances, return the same id.
func (p *FileID) ClientID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return p.id, nil
	}

	data, err := os.ReadFile(p.path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			p.id = id
			return p.id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read client id file: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create client id directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write client id file: %w", err)
	}
	p.id = id
	return p.id, nil
}
