package server

import (
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wire abstracts the framed transport under a session. The production
// implementation wraps an upgraded websocket; tests substitute an in-memory
// pipe. The transport guarantees ordered delivery per direction and handles
// its own keep-alive; a session only reads and writes whole frames.
type wire interface {
	// ReadMessage returns the next inbound frame. It returns an error
	// when the connection is closed.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one outbound frame.
	WriteMessage(data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// wsWire adapts an upgraded gobwas/ws connection to the wire interface.
// Control frames (ping, close) are handled inside ReadMessage.
type wsWire struct {
	conn net.Conn
}

func newWSWire(conn net.Conn) *wsWire {
	return &wsWire{conn: conn}
}

func (w *wsWire) ReadMessage() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadClientData(w.conn)
		if err != nil {
			return nil, err
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			return data, nil
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(w.conn, ws.OpPong, data); err != nil {
				return nil, err
			}
		case ws.OpClose:
			return nil, wsutil.ClosedError{Code: ws.StatusNormalClosure}
		}
	}
}

func (w *wsWire) WriteMessage(data []byte) error {
	return wsutil.WriteServerText(w.conn, data)
}

func (w *wsWire) Close() error {
	_ = wsutil.WriteServerMessage(w.conn, ws.OpClose, nil)
	return w.conn.Close()
}

func (w *wsWire) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}
