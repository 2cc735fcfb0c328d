package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"
)

// closeGrace bounds the close-frame write on Gorilla.Close.
const closeGrace = time.Second

// Gorilla adapts a github.com/gorilla/websocket connection to Transport.
//
// gorilla reads are not context-aware: a context deadline is mapped onto the
// connection read deadline, and a blocked Read returns once Close is called.
type Gorilla struct {
	conn *gorilla.Conn
}

// NewGorilla wraps an established gorilla connection.
func NewGorilla(c *gorilla.Conn) *Gorilla {
	return &Gorilla{conn: c}
}

// DialGorilla dials url with dialer (gorilla.DefaultDialer when nil).
func DialGorilla(ctx context.Context, url string, dialer *gorilla.Dialer, header http.Header, readLimit int64) (*Gorilla, error) {
	if dialer == nil {
		dialer = gorilla.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("gorilla dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c.SetReadLimit(readLimitOrDefault(readLimit))
	return &Gorilla{conn: c}, nil
}

// UpgradeGorilla upgrades an HTTP request with upgrader. On failure the
// upgrader has already replied with an HTTP error.
func UpgradeGorilla(w http.ResponseWriter, r *http.Request, upgrader *gorilla.Upgrader, readLimit int64) (*Gorilla, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(readLimitOrDefault(readLimit))
	return &Gorilla{conn: c}, nil
}

// Read implements Transport.
func (g *Gorilla) Read(ctx context.Context) ([]byte, bool, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = g.conn.SetReadDeadline(deadline)
	}
	kind, data, err := g.conn.ReadMessage()
	if err != nil {
		return nil, false, err
	}
	return data, kind == gorilla.BinaryMessage, nil
}

// Write implements Transport.
func (g *Gorilla) Write(ctx context.Context, data []byte, binary bool) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = g.conn.SetWriteDeadline(deadline)
	} else {
		_ = g.conn.SetWriteDeadline(time.Time{})
	}
	kind := gorilla.TextMessage
	if binary {
		kind = gorilla.BinaryMessage
	}
	return g.conn.WriteMessage(kind, data)
}

// Close sends a normal-closure frame and closes the socket.
func (g *Gorilla) Close(reason string) error {
	msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, reason)
	_ = g.conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(closeGrace))
	return g.conn.Close()
}
