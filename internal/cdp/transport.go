package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport carries whole frames between the client and the remote end.
//
// ReadMessage is only ever called from the client's read loop. WriteMessage
// may be called from many goroutines; implementations serialize writes.
// Close must unblock a pending ReadMessage.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// ErrTransportClosed is returned by WebSocketTransport after Close.
var ErrTransportClosed = errors.New("transport closed")

// WebSocketTransport is a Transport over a gorilla websocket connection.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketTransport wraps an established connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// DialWebSocket connects to a debugger websocket URL.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketTransport(conn), nil
}

// ReadMessage blocks until the next text or binary frame arrives.
func (t *WebSocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		select {
		case <-t.closed:
			return nil, ErrTransportClosed
		default:
		}
		return nil, err
	}
	return data, nil
}

// WriteMessage writes one text frame. The context deadline, if any, bounds
// the write.
func (t *WebSocketTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	// A zero deadline clears any previous one.
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection. It is idempotent.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		// WriteControl may run concurrently with a blocked writer.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

		err = t.conn.Close()
	})
	return err
}
