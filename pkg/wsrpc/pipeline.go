package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
)

type pipelineState int

const (
	pipelineBuilding pipelineState = iota
	pipelineSent
	pipelineSettled
)

// Pipeline collects requests and notifications and sends them as one batch
// frame. A pipeline is used once.
type Pipeline struct {
	conn *Conn

	mu       sync.Mutex
	state    pipelineState
	requests []*envelope
	keys     []string
}

// Pipeline starts a new batch on c.
func (c *Conn) Pipeline() *Pipeline {
	return &Pipeline{conn: c}
}

// Request appends a request and returns the id it was given.
func (p *Pipeline) Request(method string, params any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pipelineBuilding {
		return nil, ErrPipelineRunning
	}
	if p.conn == nil {
		return nil, lostConnection()
	}

	id := p.conn.ids()
	env, err := newRequestEnvelope(id, method, params)
	if err != nil {
		return nil, err
	}
	p.requests = append(p.requests, env)
	p.keys = append(p.keys, idKey(env.ID))
	return id, nil
}

// Notification appends a notification.
func (p *Pipeline) Notification(method string, params any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pipelineBuilding {
		return ErrPipelineRunning
	}
	if p.conn == nil {
		return lostConnection()
	}

	env, err := newRequestEnvelope(nil, method, params)
	if err != nil {
		return err
	}
	p.requests = append(p.requests, env)
	return nil
}

// Len returns the number of queued messages.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Execute sends the batch and waits for one response per request. The
// responses are returned in the order they arrived, which need not match
// the order sent; use Response.HasID to match them. Element errors are
// reported inside the responses. Execute itself fails only when the batch
// cannot be sent, the connection is lost, or ctx is done.
func (p *Pipeline) Execute(ctx context.Context) ([]*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.state != pipelineBuilding {
		p.mu.Unlock()
		return nil, ErrPipelineRunning
	}
	p.state = pipelineSent
	requests, keys := p.requests, p.keys
	p.mu.Unlock()

	c := p.conn
	if c == nil {
		return nil, lostConnection()
	}
	if len(requests) == 0 {
		return nil, ErrPipelineEmpty
	}
	if !c.IsOpen() {
		return nil, lostConnection()
	}
	payload, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("wsrpc: marshal batch: %w", err)
	}

	if len(keys) == 0 {
		if err := c.write(payload, c.codec.cbor); err != nil {
			return nil, err
		}
		p.settle()
		return []*Response{}, nil
	}

	type settled struct {
		resp *Response
		err  error
	}
	ch := make(chan settled, len(keys))
	fn := func(resp *Response, err error) {
		ch <- settled{resp: resp, err: err}
	}
	for i, key := range keys {
		if err := c.pending.add(key, fn); err != nil {
			c.pending.remove(keys[:i]...)
			if errors.Is(err, ErrClosed) {
				return nil, lostConnection()
			}
			return nil, fmt.Errorf("wsrpc: request id %s: %w", key, err)
		}
	}

	if err := c.write(payload, c.codec.cbor); err != nil {
		c.pending.remove(keys...)
		return nil, err
	}

	out := make([]*Response, 0, len(keys))
	for len(out) < len(keys) {
		select {
		case s := <-ch:
			if s.err != nil {
				c.pending.remove(keys...)
				return nil, s.err
			}
			out = append(out, s.resp)
		case <-ctx.Done():
			c.pending.remove(keys...)
			return nil, ctx.Err()
		}
	}
	p.settle()
	return out, nil
}

func (p *Pipeline) settle() {
	p.mu.Lock()
	p.state = pipelineSettled
	p.mu.Unlock()
}
