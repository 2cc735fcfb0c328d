// Package transport provides the frame transports and listener factories
// used by wsrpc endpoints.
//
// A Transport carries whole WebSocket messages for one connection. Two
// implementations are provided:
//   - WebSocket: nhooyr.io/websocket (default)
//   - Gorilla: github.com/gorilla/websocket
//
// Listen accepts URI-style listen addresses:
//   - tcp://<host>:<port>: TCP socket
//   - ws://<host>:<port>[/path]: TCP socket, the path is served by the caller
//   - unix://<path>: Unix domain socket
//   - mem://: in-process bufconn for tests and embedded peers
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
)

// DefaultURI is the listen address used when none is configured.
const DefaultURI = "tcp://127.0.0.1:8080"

// DefaultPath is the HTTP path upgraded to WebSocket when a ws:// URI has
// no path component.
const DefaultPath = "/rpc"

// Transport is one established, message-oriented connection.
//
// Read blocks until a whole message is available and reports whether it was
// sent as a binary frame. A Read error means the connection is gone; callers
// treat it as the close event. Write must not be called concurrently.
type Transport interface {
	Read(ctx context.Context) (data []byte, binary bool, err error)
	Write(ctx context.Context, data []byte, binary bool) error
	Close(reason string) error
}

// Listen parses a listen URI and returns a net.Listener.
func Listen(uri string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(uri, "tcp://"):
		addr := strings.TrimPrefix(uri, "tcp://")
		return net.Listen("tcp", addr)

	case strings.HasPrefix(uri, "ws://"):
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid ws listen URI %q: %w", uri, err)
		}
		host := parsed.Hostname()
		if host == "" {
			host = "127.0.0.1"
		}
		port := parsed.Port()
		if port == "" {
			return nil, fmt.Errorf("ws listen URI %q is missing a port", uri)
		}
		return net.Listen("tcp", net.JoinHostPort(host, port))

	case strings.HasPrefix(uri, "unix://"):
		path := strings.TrimPrefix(uri, "unix://")
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("unix transport URI %q is missing socket path", uri)
		}
		// Clean up stale socket files
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale unix socket %q: %w", path, err)
		}
		lis, err := net.Listen("unix", path)
		if err != nil {
			return nil, err
		}
		return &unixListener{
			Listener: lis,
			path:     path,
		}, nil

	case strings.HasPrefix(uri, "mem://"):
		return NewMemListener(), nil

	default:
		return nil, fmt.Errorf("unsupported transport URI: %q (expected tcp://, ws://, unix://, or mem://)", uri)
	}
}

// Path returns the HTTP path a ws:// URI asks to serve. Other schemes, and
// ws:// URIs without a path, yield DefaultPath.
func Path(uri string) string {
	if !strings.HasPrefix(uri, "ws://") {
		return DefaultPath
	}
	parsed, err := url.Parse(uri)
	if err != nil || parsed.EscapedPath() == "" || parsed.EscapedPath() == "/" {
		return DefaultPath
	}
	return parsed.EscapedPath()
}

// Scheme extracts the transport scheme name from a URI for logging.
func Scheme(uri string) string {
	if i := strings.Index(uri, "://"); i >= 0 {
		return uri[:i]
	}
	return uri
}

type unixListener struct {
	net.Listener
	path string
	once sync.Once
}

func (l *unixListener) Close() error {
	var closeErr error
	l.once.Do(func() {
		closeErr = l.Listener.Close()
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if closeErr == nil {
				closeErr = err
			}
		}
	})
	return closeErr
}
