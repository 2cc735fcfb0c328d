package transport

import (
	"context"
	"net"
	"net/http"

	"google.golang.org/grpc/test/bufconn"
)

const memBufSize = 1024 * 1024 // 1MB buffer

// MemListener wraps bufconn.Listener so an HTTP server and WebSocket
// clients can meet in the same process without a socket.
type MemListener struct {
	*bufconn.Listener
}

// NewMemListener creates an in-process listener backed by an in-memory
// buffer.
func NewMemListener() *MemListener {
	return &MemListener{Listener: bufconn.Listen(memBufSize)}
}

// Dial creates a client-side connection to this in-process listener.
func (m *MemListener) Dial() (net.Conn, error) {
	return m.Listener.Dial()
}

// DialContext matches net.Dialer.DialContext; network and address are
// ignored.
func (m *MemListener) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	return m.Listener.DialContext(ctx)
}

// HTTPClient returns a client whose connections all land on this listener.
// Pass it to websocket.DialOptions.HTTPClient; any host in the URL works.
func (m *MemListener) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: m.DialContext,
		},
	}
}

// Addr returns the canonical in-memory listener address.
func (m *MemListener) Addr() net.Addr {
	return memAddr{}
}

type memAddr struct{}

func (memAddr) Network() string { return "mem" }
func (memAddr) String() string  { return "mem://" }
