package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/organic-programming/go-wsrpc/pkg/transport"
)

// Conn is one live JSON-RPC connection. Both the dialing and the accepting
// side get a Conn; its methods are safe for concurrent use.
type Conn struct {
	id        string
	transport transport.Transport
	resolver  Resolver
	opts      *options
	codec     *codec
	ids       IDGenerator
	logger    zerolog.Logger
	store     *Store
	request   *http.Request
	pending   *pendingTable

	sendMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

func newConn(parent context.Context, id string, t transport.Transport, resolver Resolver, opts *options, r *http.Request) (*Conn, error) {
	cd, err := newCodec(opts.cbor)
	if err != nil {
		return nil, err
	}
	ids := opts.ids
	if ids == nil {
		ids = SequentialIDs()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		id:        id,
		transport: t,
		resolver:  resolver,
		opts:      opts,
		codec:     cd,
		ids:       ids,
		logger:    opts.logger.With().Str("conn", id).Logger(),
		store:     newStore(),
		request:   r,
		pending:   newPendingTable(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.ctx = context.WithValue(ctx, connKey, c)
	return c, nil
}

// ID returns the connection id assigned by the endpoint.
func (c *Conn) ID() string { return c.id }

// Store returns the connection-scoped key/value store.
func (c *Conn) Store() *Store { return c.store }

// HTTPRequest returns the upgrade request for accepted connections and nil
// for dialed ones.
func (c *Conn) HTTPRequest() *http.Request { return c.request }

// Context is cancelled when the connection closes. Handler contexts derive
// from it.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed once the connection is gone. Pending calls fail right
// after.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the read error that ended the connection, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// IsOpen reports whether the connection still accepts calls.
func (c *Conn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the transport and fails pending calls with Lost connection.
// It does not wait for the read loop, so handlers and hooks may call it.
func (c *Conn) Close() error {
	return c.shutdown("closed", nil)
}

// serve reads frames until the transport fails.
func (c *Conn) serve() {
	for {
		data, binary, err := c.transport.Read(c.ctx)
		if err != nil {
			_ = c.shutdown("", err)
			return
		}
		c.dispatch(data, binary)
	}
}

// shutdown runs once. Later calls return nil.
func (c *Conn) shutdown(reason string, readErr error) error {
	var err error
	c.closeOnce.Do(func() {
		c.readErr = readErr
		err = c.transport.Close(reason)
		close(c.done)
		if n := c.pending.failAll(lostConnection()); n > 0 {
			c.logger.Debug().Int("pending", n).Msg("failed pending calls on close")
		}
		c.cancel()
		c.logger.Debug().Err(readErr).Msg("connection closed")
	})
	return err
}

// Call sends a request with a generated id and decodes the result into
// result, which may be nil.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := c.Send(ctx, c.ids(), method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("wsrpc: decode result of %s: %w", method, err)
	}
	return nil
}

// Notify sends a notification. It returns once the frame is written.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	_, err := c.Send(ctx, nil, method, params)
	return err
}

// Send writes one request and waits for its response. A nil id sends a
// notification and returns after the write. The wait ends early when ctx is
// done or the connection is lost.
func (c *Conn) Send(ctx context.Context, id any, method string, params any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := newRequestEnvelope(id, method, params)
	if err != nil {
		return nil, err
	}
	if !c.IsOpen() {
		return nil, lostConnection()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wsrpc: marshal request: %w", err)
	}

	if req.ID == nil {
		return nil, c.write(payload, c.codec.cbor)
	}

	type settled struct {
		resp *Response
		err  error
	}
	ch := make(chan settled, 1)
	key := idKey(req.ID)
	if err := c.pending.add(key, func(resp *Response, err error) {
		ch <- settled{resp: resp, err: err}
	}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, lostConnection()
		}
		return nil, fmt.Errorf("wsrpc: request id %s: %w", req.ID, err)
	}

	if err := c.write(payload, c.codec.cbor); err != nil {
		c.pending.remove(key)
		return nil, err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Error != nil {
			return nil, out.resp.Error
		}
		return out.resp.Result, nil
	case <-ctx.Done():
		c.pending.remove(key)
		return nil, ctx.Err()
	}
}

// write sends one JSON message. Transport failures are reported as
// Network error.
func (c *Conn) write(payload []byte, binary bool) error {
	data, err := c.codec.encode(payload, binary)
	if err != nil {
		return fmt.Errorf("wsrpc: encode frame: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.logger.Debug().Bool("binary", binary).RawJSON("frame", payload).Msg("-->")
	if err := c.transport.Write(c.ctx, data, binary); err != nil {
		return transportError(err)
	}
	return nil
}

func newRequestEnvelope(id any, method string, params any) (*envelope, error) {
	if strings.TrimSpace(method) == "" {
		return nil, errors.New("wsrpc: method is required")
	}
	env := &envelope{JSONRPC: Version, Method: method}

	if id != nil {
		raw, err := json.Marshal(id)
		if err != nil || !IsValidID(raw) {
			return nil, fmt.Errorf("wsrpc: id %v must be a string or number", id)
		}
		env.ID = raw
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	env.Params = raw
	return env, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case Params:
		if len(p) == 0 {
			return nil, nil
		}
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
	}
	raw, err := json.Marshal(params)
	if err == nil && string(raw) == "null" {
		// nil slices, maps and pointers mean no params.
		return nil, nil
	}
	if err != nil || !IsValidParams(raw) {
		return nil, &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: "params must be an array or object"}
	}
	return raw, nil
}
