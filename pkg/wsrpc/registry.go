package wsrpc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ReservedPrefix marks system extension methods.
const ReservedPrefix = "rpc."

// Handler handles one inbound request. params is nil when the request had
// none. A nil result is sent as null. Returning an *Error forwards its
// code, message, and data; any other error is reported as Server error.
type Handler func(ctx context.Context, conn *Conn, params Params) (any, error)

// Typed adapts a function taking decoded params into a Handler. Params that
// do not decode into P are answered with Invalid params.
func Typed[P, R any](fn func(ctx context.Context, conn *Conn, params P) (R, error)) Handler {
	return func(ctx context.Context, conn *Conn, raw Params) (any, error) {
		var p P
		if err := raw.Decode(&p); err != nil {
			return nil, err
		}
		return fn(ctx, conn, p)
	}
}

// Method is a registered method. A Method with a nil Handler resolves but
// cannot be invoked.
type Method struct {
	Name    string
	Handler Handler
	// Limit caps concurrent invocations of this method. 0 is unlimited.
	Limit int

	sem *semaphore.Weighted
}

// Invoke runs the handler. Methods with a Limit wait in FIFO order until an
// invocation slot frees up or ctx is done.
func (m *Method) Invoke(ctx context.Context, conn *Conn, params Params) (any, error) {
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer m.sem.Release(1)
	}
	return m.Handler(ctx, conn, params)
}

// MethodOption configures a registration.
type MethodOption func(*Method)

// Concurrency limits the method to n concurrent invocations. n <= 0 means
// unlimited.
func Concurrency(n int) MethodOption {
	return func(m *Method) {
		if n < 0 {
			n = 0
		}
		m.Limit = n
	}
}

// Resolver maps an inbound request to a Method. Returning false answers the
// request with Method not found.
type Resolver interface {
	Resolve(ctx context.Context, conn *Conn, req *Request) (*Method, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, conn *Conn, req *Request) (*Method, bool)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, conn *Conn, req *Request) (*Method, bool) {
	return f(ctx, conn, req)
}

// Registry maps method names to handlers. It is safe for concurrent use and
// is the default Resolver.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Register adds or replaces a method. Names with the "rpc." prefix are
// reserved for RegisterExtension.
func (r *Registry) Register(name string, handler Handler, opts ...MethodOption) error {
	if strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("%w: method %q uses reserved prefix %q", ErrConfiguration, name, ReservedPrefix)
	}
	return r.register(name, handler, opts)
}

// RegisterExtension adds or replaces a system method. The name must carry
// the "rpc." prefix.
func (r *Registry) RegisterExtension(name string, handler Handler, opts ...MethodOption) error {
	if !strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("%w: extension %q must start with %q", ErrConfiguration, name, ReservedPrefix)
	}
	return r.register(name, handler, opts)
}

func (r *Registry) register(name string, handler Handler, opts []MethodOption) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: method name is required", ErrConfiguration)
	}
	if handler == nil {
		return fmt.Errorf("%w: method %q handler is not a function", ErrConfiguration, name)
	}

	m := &Method{Name: name, Handler: handler}
	for _, opt := range opts {
		opt(m)
	}
	if m.Limit > 0 {
		m.sem = semaphore.NewWeighted(int64(m.Limit))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = m
	return nil
}

// Unregister removes a method.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// SetConcurrency replaces the invocation limit of a registered method.
// Invocations already holding a slot keep the old limit.
func (r *Registry) SetConcurrency(name string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.methods[name]
	if !ok {
		return fmt.Errorf("%w: method %q is not registered", ErrConfiguration, name)
	}
	next := &Method{Name: m.Name, Handler: m.Handler}
	Concurrency(n)(next)
	if next.Limit > 0 {
		next.sem = semaphore.NewWeighted(int64(next.Limit))
	}
	r.methods[name] = next
	return nil
}

// Lookup returns the method registered under name.
func (r *Registry) Lookup(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Resolve implements Resolver with a plain name lookup.
func (r *Registry) Resolve(_ context.Context, _ *Conn, req *Request) (*Method, bool) {
	return r.Lookup(req.Method)
}

// Names returns the registered method names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

const heartbeatMethod = "rpc.heartbeat"

// newEndpointRegistry returns a registry carrying the built-in extensions.
func newEndpointRegistry() *Registry {
	r := NewRegistry()
	_ = r.RegisterExtension(heartbeatMethod, func(context.Context, *Conn, Params) (any, error) {
		return map[string]any{}, nil
	})
	return r
}
