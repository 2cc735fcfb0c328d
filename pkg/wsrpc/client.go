package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"
	"nhooyr.io/websocket"

	"github.com/organic-programming/go-wsrpc/pkg/transport"
)

// Client is the dialing side of a connection. Methods registered on the
// embedded Registry answer requests sent by the server.
type Client struct {
	*Registry

	opts *options

	mu     sync.Mutex
	conn   *Conn
	closed bool
}

// NewClient creates an unconnected client.
func NewClient(opts ...Option) *Client {
	return &Client{
		Registry: newEndpointRegistry(),
		opts:     newOptions(opts),
	}
}

// Connect dials url with nhooyr.io/websocket and starts the read loop.
func (c *Client) Connect(ctx context.Context, url string) error {
	if strings.TrimSpace(url) == "" {
		return errors.New("wsrpc: url is required")
	}
	if err := c.checkIdle(); err != nil {
		return err
	}

	t, err := transport.DialWebSocket(ctx, url, &websocket.DialOptions{
		HTTPClient: c.opts.httpClient,
		HTTPHeader: c.opts.header,
	}, c.opts.readLimit)
	if err != nil {
		return fmt.Errorf("wsrpc: %w", err)
	}
	return c.start(t, url)
}

// ConnectGorilla dials url with gorilla/websocket. A nil dialer uses
// gorilla.DefaultDialer.
func (c *Client) ConnectGorilla(ctx context.Context, url string, dialer *gorilla.Dialer) error {
	if strings.TrimSpace(url) == "" {
		return errors.New("wsrpc: url is required")
	}
	if err := c.checkIdle(); err != nil {
		return err
	}

	t, err := transport.DialGorilla(ctx, url, dialer, c.opts.header, c.opts.readLimit)
	if err != nil {
		return fmt.Errorf("wsrpc: %w", err)
	}
	return c.start(t, url)
}

func (c *Client) checkIdle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("wsrpc: client is closed")
	}
	if c.conn != nil && c.conn.IsOpen() {
		return errors.New("wsrpc: client already connected")
	}
	return nil
}

func (c *Client) start(t transport.Transport, url string) error {
	resolver := c.opts.resolver
	if resolver == nil {
		resolver = c.Registry
	}
	conn, err := newConn(context.Background(), url, t, resolver, c.opts, nil)
	if err != nil {
		_ = t.Close("")
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close("client closed")
		return errors.New("wsrpc: client is closed")
	}
	c.conn = conn
	c.mu.Unlock()

	go conn.serve()
	return nil
}

// Conn returns the current connection, or nil before Connect.
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connected reports whether the client has an open connection.
func (c *Client) Connected() bool {
	conn := c.Conn()
	return conn != nil && conn.IsOpen()
}

// Call forwards to Conn.Call. Without a connection it fails with Lost
// connection.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	conn := c.Conn()
	if conn == nil {
		return lostConnection()
	}
	return conn.Call(ctx, method, params, result)
}

// Send forwards to Conn.Send.
func (c *Client) Send(ctx context.Context, id any, method string, params any) (json.RawMessage, error) {
	conn := c.Conn()
	if conn == nil {
		return nil, lostConnection()
	}
	return conn.Send(ctx, id, method, params)
}

// Notify forwards to Conn.Notify.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	conn := c.Conn()
	if conn == nil {
		return lostConnection()
	}
	return conn.Notify(ctx, method, params)
}

// Pipeline starts a batch on the current connection. Without a connection
// every operation on it fails with Lost connection.
func (c *Client) Pipeline() *Pipeline {
	conn := c.Conn()
	if conn == nil {
		return &Pipeline{}
	}
	return conn.Pipeline()
}

// Close closes the connection. The client cannot be reconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
