package client

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	redialBase = 250 * time.Millisecond
	redialCap  = 10 * time.Second
)

// ErrNotConnected is returned by Send while the transport is between
// connections.
var ErrNotConnected = errors.New("transport not connected")

// Transport delivers whole frames to and from the server. The production
// implementation reconnects on its own; it never replays protocol state,
// so the session treats every reconnect as a fresh connection.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// FrameHandler receives transport events. *Session implements it.
type FrameHandler interface {
	HandleFrame(data []byte)
	HandleConnect()
	HandleDisconnect()
}

// ConnectionParams are the handshake query parameters the server expects.
type ConnectionParams struct {
	Token   string
	Client  string
	Version string
	Commit  string
}

// WSTransport is a reconnecting websocket transport. A dropped connection is
// redialed with exponential backoff; the handler is told about each
// disconnect and reconnect but joined-room state is deliberately not
// replayed (callers re-join).
type WSTransport struct {
	url     string
	handler FrameHandler
	logger  zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	// writeMu serializes frame writes: gorilla connections support at most
	// one concurrent writer, and Session allows Send from any goroutine.
	writeMu sync.Mutex
}

// DialWS connects to the relay server and starts the read pump. The initial
// dial is synchronous so a bad URL or refused connection fails fast; only
// later drops trigger the redial loop.
func DialWS(serverURL string, params ConnectionParams, handler FrameHandler, logger zerolog.Logger) (*WSTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	query := u.Query()
	query.Set("token", params.Token)
	query.Set("client", params.Client)
	query.Set("version", params.Version)
	query.Set("commit", params.Commit)
	u.RawQuery = query.Encode()

	t := &WSTransport{
		url:     u.String(),
		handler: handler,
		logger:  logger.With().Str("component", "transport").Logger(),
		done:    make(chan struct{}),
	}

	conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	t.conn = conn

	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

// Send writes one frame. It fails with ErrNotConnected while a redial is in
// progress.
func (t *WSTransport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Close stops the transport and waits for the read pump to finish.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.mu.Unlock()
	})
	t.wg.Wait()
	return nil
}

func (t *WSTransport) readLoop() {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		if conn != nil {
			_, data, err := conn.ReadMessage()
			if err == nil {
				t.handler.HandleFrame(data)
				continue
			}
		}

		select {
		case <-t.done:
			return
		default:
		}

		t.mu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
			t.conn = nil
		}
		t.mu.Unlock()
		t.handler.HandleDisconnect()

		if !t.redial() {
			return
		}
		t.handler.HandleConnect()
	}
}

// redial reconnects with exponential backoff until it succeeds or the
// transport is closed.
func (t *WSTransport) redial() bool {
	backoff := redialBase
	for {
		select {
		case <-t.done:
			return false
		case <-time.After(backoff):
		}

		conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
		if err == nil {
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()
			t.logger.Info().Msg("reconnected")
			return true
		}

		t.logger.Debug().Err(err).Dur("backoff", backoff).Msg("redial failed")
		backoff *= 2
		if backoff > redialCap {
			backoff = redialCap
		}
	}
}
