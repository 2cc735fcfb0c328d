package wsrpc

import "sync"

// settleFunc receives either the matching response or the error that
// ended the wait. It must not block.
type settleFunc func(resp *Response, err error)

// pendingTable correlates outbound ids with their waiting callers.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[string]settleFunc
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]settleFunc)}
}

func (p *pendingTable) add(key string, fn settleFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, exists := p.calls[key]; exists {
		return ErrIDInUse
	}
	p.calls[key] = fn
	return nil
}

func (p *pendingTable) remove(keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		delete(p.calls, key)
	}
}

// resolve settles the call waiting on resp.ID. It reports false for
// unknown, late, or duplicate responses.
func (p *pendingTable) resolve(resp *Response) bool {
	key := idKey(resp.ID)

	p.mu.Lock()
	fn, ok := p.calls[key]
	delete(p.calls, key)
	p.mu.Unlock()

	if !ok {
		return false
	}
	fn(resp, nil)
	return true
}

// failAll settles every waiting call with err and refuses new entries.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]settleFunc)
	p.closed = true
	p.mu.Unlock()

	for _, fn := range calls {
		fn(nil, err)
	}
	return len(calls)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
