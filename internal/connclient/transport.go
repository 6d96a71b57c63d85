// Package connclient maintains one logical connection per identity
// across reconnects: exponential backoff, outbound queueing while the
// socket is down, and a process-wide registry so re-instantiated
// consumers reuse the live connection instead of duplicating it.
package connclient

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live socket. Implementations must allow concurrent
// WriteMessage calls and a single reader.
type Transport interface {
	// ReadMessage blocks until the next message or a read error.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one text message.
	WriteMessage(data []byte) error

	// Close sends a close frame with the given code and reason, then
	// closes the socket.
	Close(code int, reason string) error
}

// Dialer opens transports. Tests inject fakes; production uses the
// websocket dialer below.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// WebsocketDialer dials gorilla websocket transports.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.writeMu.Lock()
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	return t.conn.Close()
}
