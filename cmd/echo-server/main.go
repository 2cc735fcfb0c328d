package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/organic-programming/go-wsrpc/pkg/serve"
	"github.com/organic-programming/go-wsrpc/pkg/wsrpc"
)

const (
	defaultSDK     = "go-wsrpc"
	defaultVersion = "0.1.0"

	// slowLimit caps concurrent "slow" invocations unless the config
	// overrides it.
	slowLimit = 2
)

type PingRequest struct {
	Message string `json:"message"`
}

type PingResponse struct {
	Message string `json:"message"`
	SDK     string `json:"sdk"`
	Version string `json:"version"`
}

type server struct {
	rpc     *wsrpc.Server
	sdk     string
	version string
}

func (s *server) Ping(_ context.Context, _ *wsrpc.Conn, in PingRequest) (PingResponse, error) {
	return PingResponse{
		Message: in.Message,
		SDK:     s.sdk,
		Version: s.version,
	}, nil
}

// Slow sleeps for params[0] milliseconds.
func (s *server) Slow(ctx context.Context, _ *wsrpc.Conn, params []int) (int, error) {
	if len(params) != 1 || params[0] < 0 {
		return 0, wsrpc.NewError(wsrpc.CodeInvalidParams, "Invalid params", "expected [milliseconds]")
	}
	timer := time.NewTimer(time.Duration(params[0]) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return params[0], nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type sessionEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (s *server) SessionSet(_ context.Context, conn *wsrpc.Conn, in sessionEntry) (bool, error) {
	if in.Key == "" {
		return false, wsrpc.NewError(wsrpc.CodeInvalidParams, "Invalid params", "key is required")
	}
	conn.Store().Set(in.Key, in.Value)
	return true, nil
}

func (s *server) SessionGet(_ context.Context, conn *wsrpc.Conn, keys []string) (any, error) {
	if len(keys) != 1 {
		return nil, wsrpc.NewError(wsrpc.CodeInvalidParams, "Invalid params", "expected [key]")
	}
	v, _ := conn.Store().Get(keys[0])
	return v, nil
}

func (s *server) WhoAmI(_ context.Context, conn *wsrpc.Conn, _ wsrpc.Params) (any, error) {
	return conn.ID(), nil
}

// Shout notifies every other connected peer with "heard" and reports how
// many peers were addressed.
func (s *server) Shout(ctx context.Context, conn *wsrpc.Conn, in PingRequest) (int, error) {
	peers := 0
	for _, id := range s.rpc.ClientIDs() {
		if id != conn.ID() {
			peers++
		}
	}
	payload := map[string]string{"from": conn.ID(), "message": in.Message}
	if err := s.rpc.Broadcast(ctx, "heard", payload, conn.ID()); err != nil {
		return 0, err
	}
	return peers, nil
}

// Callback asks the calling peer to answer "client.ping" and returns its
// result.
func (s *server) Callback(ctx context.Context, conn *wsrpc.Conn, in PingRequest) (any, error) {
	var out any
	if err := conn.Call(ctx, "client.ping", in, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *server) register(rpc *wsrpc.Server) error {
	s.rpc = rpc
	methods := []struct {
		name    string
		handler wsrpc.Handler
		opts    []wsrpc.MethodOption
	}{
		{name: "echo.Ping", handler: wsrpc.Typed(s.Ping)},
		{name: "slow", handler: wsrpc.Typed(s.Slow), opts: []wsrpc.MethodOption{wsrpc.Concurrency(slowLimit)}},
		{name: "session.set", handler: wsrpc.Typed(s.SessionSet)},
		{name: "session.get", handler: wsrpc.Typed(s.SessionGet)},
		{name: "whoami", handler: s.WhoAmI},
		{name: "shout", handler: wsrpc.Typed(s.Shout)},
		{name: "callback", handler: wsrpc.Typed(s.Callback)},
	}
	for _, m := range methods {
		if err := rpc.Register(m.name, m.handler, m.opts...); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "serve" {
		args = args[1:]
	}

	srv := &server{
		sdk:     flagValue(args, "--sdk", defaultSDK),
		version: flagValue(args, "--version", defaultVersion),
	}
	err := serve.Run(args, srv.register, func(url string) {
		fmt.Println(url)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
		os.Exit(1)
	}
}

func flagValue(args []string, key, fallback string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == key {
			return args[i+1]
		}
	}
	return fallback
}
