package transport

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// DefaultReadLimit caps a single inbound message.
const DefaultReadLimit = 1 << 20

// WebSocket adapts a nhooyr.io/websocket connection to Transport.
type WebSocket struct {
	conn *websocket.Conn
}

// NewWebSocket wraps an established connection.
func NewWebSocket(c *websocket.Conn) *WebSocket {
	return &WebSocket{conn: c}
}

// DialWebSocket dials a ws:// or wss:// URL. A nil opts dials with defaults.
// readLimit <= 0 selects DefaultReadLimit.
func DialWebSocket(ctx context.Context, url string, opts *websocket.DialOptions, readLimit int64) (*WebSocket, error) {
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	c.SetReadLimit(readLimitOrDefault(readLimit))
	return &WebSocket{conn: c}, nil
}

// AcceptWebSocket upgrades an HTTP request. On failure the upgrade has
// already written an HTTP error response.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions, readLimit int64) (*WebSocket, error) {
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(readLimitOrDefault(readLimit))
	return &WebSocket{conn: c}, nil
}

// Read implements Transport.
func (w *WebSocket) Read(ctx context.Context) ([]byte, bool, error) {
	kind, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	return data, kind == websocket.MessageBinary, nil
}

// Write implements Transport.
func (w *WebSocket) Write(ctx context.Context, data []byte, binary bool) error {
	kind := websocket.MessageText
	if binary {
		kind = websocket.MessageBinary
	}
	return w.conn.Write(ctx, kind, data)
}

// Close implements Transport with a normal closure status.
func (w *WebSocket) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// Subprotocol returns the negotiated subprotocol, if any.
func (w *WebSocket) Subprotocol() string {
	return w.conn.Subprotocol()
}

func readLimitOrDefault(limit int64) int64 {
	if limit <= 0 {
		return DefaultReadLimit
	}
	return limit
}
