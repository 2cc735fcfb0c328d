package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/organic-programming/go-wsrpc/pkg/transport"
)

// broadcastFanout bounds concurrent writes in Broadcast.
const broadcastFanout = 16

// Server accepts WebSocket connections and serves JSON-RPC on each of them.
// Methods registered on the embedded Registry are shared by every
// connection.
//
// Server is an http.Handler and can be mounted on any router; Start runs a
// standalone HTTP server instead.
type Server struct {
	*Registry

	opts *options

	mu       sync.Mutex
	address  string
	server   *http.Server
	listener net.Listener
	closed   bool

	connsMu sync.RWMutex
	conns   map[string]*Conn

	// connectQ buffers up to 32 connection events for WaitForClient.
	// When it is full, new events are dropped.
	connectQ chan string

	nextConnID int64
}

// NewServer creates a server bound to bindURL, e.g. ws://127.0.0.1:0/rpc.
// The URL is only used by Start.
func NewServer(bindURL string, opts ...Option) *Server {
	return &Server{
		Registry: newEndpointRegistry(),
		opts:     newOptions(opts),
		address:  bindURL,
		conns:    make(map[string]*Conn),
		connectQ: make(chan string, 32),
	}
}

// Address returns the bind URL before Start and the resolved URL after.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Start listens on the bind URL and serves in the background. It returns
// the resolved address.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New("wsrpc: server is closed")
	}
	if s.server != nil {
		addr := s.address
		s.mu.Unlock()
		return addr, nil
	}
	bindURL := s.address
	s.mu.Unlock()

	parsed, err := url.Parse(bindURL)
	if err != nil {
		return "", fmt.Errorf("wsrpc: invalid server URL: %w", err)
	}
	if parsed.Scheme != "ws" {
		return "", fmt.Errorf("wsrpc: unsupported scheme %q (expected ws://)", parsed.Scheme)
	}

	lis, err := transport.Listen(bindURL)
	if err != nil {
		return "", fmt.Errorf("wsrpc: listen failed: %w", err)
	}
	rpcPath := transport.Path(bindURL)

	mux := http.NewServeMux()
	mux.Handle(rpcPath, s)

	srv := &http.Server{Handler: mux}
	go func() {
		_ = srv.Serve(lis)
	}()

	actual := fmt.Sprintf("ws://%s%s", lis.Addr().String(), rpcPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = srv.Close()
		return "", errors.New("wsrpc: server is closed")
	}
	if s.server != nil {
		_ = srv.Close()
		return s.address, nil
	}
	s.server = srv
	s.listener = lis
	s.address = actual
	s.opts.logger.Info().Str("address", actual).Msg("listening")
	return actual, nil
}

// Close stops accepting connections and closes every open one. Their
// pending calls fail with Lost connection.
func (s *Server) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.server
	s.server = nil
	lis := s.listener
	s.listener = nil
	s.mu.Unlock()

	var shutdownErr error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownErr = err
		}
	}
	if lis != nil {
		_ = lis.Close()
	}

	for _, conn := range s.snapshot() {
		_ = conn.Close()
	}
	return shutdownErr
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ServeHTTP authenticates and upgrades the request, then serves the
// connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isClosed() {
		http.Error(w, "server is closed", http.StatusServiceUnavailable)
		return
	}
	if auth := s.opts.authenticate; auth != nil {
		if err := auth(r); err != nil {
			s.opts.logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade rejected")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	t, err := s.accept(w, r)
	if err != nil {
		s.opts.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id := fmt.Sprintf("c%d", atomic.AddInt64(&s.nextConnID, 1))
	resolver := s.opts.resolver
	if resolver == nil {
		resolver = s.Registry
	}
	conn, err := newConn(r.Context(), id, t, resolver, s.opts, r)
	if err != nil {
		s.opts.logger.Error().Err(err).Msg("connection setup failed")
		_ = t.Close("internal error")
		return
	}

	if fn := s.opts.onConnect; fn != nil && !fn(conn) {
		conn.logger.Info().Msg("connection rejected")
		_ = conn.shutdown("rejected", nil)
		return
	}

	if !s.admit(conn) {
		conn.logger.Info().Msg("connection closed before admission")
		_ = conn.shutdown("closed", nil)
		return
	}

	select {
	case s.connectQ <- id:
	default:
		conn.logger.Warn().Msg("dropping connect event: WaitForClient queue is full")
	}
	conn.logger.Info().Str("remote", r.RemoteAddr).Msg("connected")

	conn.serve()

	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()

	if fn := s.opts.onDisconnect; fn != nil {
		fn(conn)
	}
	conn.store.clear()
	conn.logger.Info().Msg("disconnected")
}

// admit adds conn to the connection table unless the server closed or the
// connection was closed by a hook. Close sets closed before it snapshots the
// table, so an admitted conn is always seen by Close.
func (s *Server) admit(conn *Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.isClosed() || !conn.IsOpen() {
		return false
	}
	s.conns[conn.ID()] = conn
	return true
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (transport.Transport, error) {
	if s.opts.upgrader != nil {
		u := s.opts.upgrader
		if u.CheckOrigin == nil && len(s.opts.origins) > 0 {
			copied := *u
			copied.CheckOrigin = s.checkOrigin
			u = &copied
		}
		return transport.UpgradeGorilla(w, r, u, s.opts.readLimit)
	}
	return transport.AcceptWebSocket(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.opts.origins,
		InsecureSkipVerify: len(s.opts.origins) == 0,
	}, s.opts.readLimit)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, pattern := range s.opts.origins {
		if ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(u.Host)); ok {
			return true
		}
	}
	return false
}

// ClientIDs returns the ids of open connections in sorted order.
func (s *Server) ClientIDs() []string {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()

	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Conn returns the open connection with the given id.
func (s *Server) Conn(id string) (*Conn, bool) {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// WaitForClient blocks until a client connects or ctx is done.
func (s *Server) WaitForClient(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case id := <-s.connectQ:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Broadcast sends a notification to every open connection except those
// whose ids are listed in skip. It returns the first write error.
func (s *Server) Broadcast(ctx context.Context, method string, params any, skip ...string) error {
	excluded := make(map[string]bool, len(skip))
	for _, id := range skip {
		excluded[id] = true
	}

	var g errgroup.Group
	g.SetLimit(broadcastFanout)
	for _, conn := range s.snapshot() {
		if excluded[conn.ID()] {
			continue
		}
		conn := conn
		g.Go(func() error {
			if err := conn.Notify(ctx, method, params); err != nil {
				return fmt.Errorf("wsrpc: broadcast to %s: %w", conn.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) snapshot() []*Conn {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}
