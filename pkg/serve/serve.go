// Package serve provides the standard `serve` entry point for wsrpc
// binaries: configuration, logging, an HTTP router carrying the RPC
// endpoint and a health check, and graceful shutdown on SIGTERM/SIGINT.
//
// Usage in a main.go:
//
//	err := serve.Run(os.Args[1:], func(s *wsrpc.Server) error {
//	    return s.Register("echo", echo)
//	}, nil)
package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/organic-programming/go-wsrpc/pkg/config"
	"github.com/organic-programming/go-wsrpc/pkg/logging"
	"github.com/organic-programming/go-wsrpc/pkg/transport"
	"github.com/organic-programming/go-wsrpc/pkg/wsrpc"
)

// ShutdownTimeout bounds graceful draining before connections are dropped.
const ShutdownTimeout = 10 * time.Second

// HealthPath answers liveness probes.
const HealthPath = "/healthz"

// RegisterFunc registers methods on the server before it accepts peers.
type RegisterFunc func(s *wsrpc.Server) error

// Flags are the command-line switches understood by Run.
type Flags struct {
	Config string
	Listen string
}

// ParseFlags extracts --config, --listen and --port from command-line args.
// --port N is shorthand for --listen tcp://127.0.0.1:N.
func ParseFlags(args []string) Flags {
	var flags Flags
	for i, arg := range args {
		if i+1 >= len(args) {
			break
		}
		switch arg {
		case "--config":
			flags.Config = args[i+1]
		case "--listen":
			flags.Listen = args[i+1]
		case "--port":
			flags.Listen = "tcp://127.0.0.1:" + args[i+1]
		}
	}
	return flags
}

// LoadConfig loads the configuration named by flags and applies the listen
// override.
func LoadConfig(flags Flags) (*config.Config, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return nil, err
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
		if transport.Scheme(flags.Listen) == "ws" {
			cfg.Server.Path = transport.Path(flags.Listen)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Run parses args, serves until SIGTERM/SIGINT, then shuts down
// gracefully. ready, when non-nil, receives the public ws:// URL once the
// listener is bound.
func Run(args []string, register RegisterFunc, ready func(url string)) error {
	cfg, err := LoadConfig(ParseFlags(args))
	if err != nil {
		return err
	}
	logData, err := logging.FromConfig(cfg).Make()
	if err != nil {
		return err
	}
	defer logData.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return Serve(ctx, cfg, logData.Logger, register, func(addr net.Addr) {
		if ready != nil {
			ready(PublicURL(cfg, addr))
		}
	})
}

// Options maps the [server] section to endpoint options.
func Options(cfg *config.Config) []wsrpc.Option {
	opts := []wsrpc.Option{wsrpc.WithReadLimit(cfg.Server.ReadLimit)}
	if len(cfg.Server.Origins) > 0 {
		opts = append(opts, wsrpc.WithOrigins(cfg.Server.Origins...))
	}
	if cfg.Server.BinaryCBOR {
		opts = append(opts, wsrpc.WithBinaryCBOR())
	}
	return opts
}

// NewRouter mounts srv on the configured path next to the health check.
func NewRouter(cfg *config.Config, srv *wsrpc.Server) *mux.Router {
	r := mux.NewRouter()
	r.Handle(cfg.Server.Path, srv)
	r.HandleFunc(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"clients": len(srv.ClientIDs()),
			"methods": srv.Names(),
		})
	}).Methods(http.MethodGet)
	return r
}

// Serve binds cfg.Server.Listen and serves until ctx is done. Shutdown
// closes every peer connection, then drains HTTP for up to ShutdownTimeout
// before forcing a hard stop.
func Serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger, register RegisterFunc, ready func(net.Addr)) error {
	lis, err := transport.Listen(cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}

	opts := append(Options(cfg), wsrpc.WithLogger(logger))
	srv := wsrpc.NewServer(PublicURL(cfg, lis.Addr()), opts...)
	if register != nil {
		if err := register(srv); err != nil {
			_ = lis.Close()
			return err
		}
	}
	for name, m := range cfg.Methods {
		if err := srv.SetConcurrency(name, m.Concurrency); err != nil {
			_ = lis.Close()
			return err
		}
	}

	httpServer := &http.Server{
		Handler:           NewRouter(cfg, srv),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- httpServer.Serve(lis)
	}()

	logger.Info().
		Str("listen", cfg.Server.Listen).
		Str("transport", transport.Scheme(cfg.Server.Listen)).
		Str("path", cfg.Server.Path).
		Strs("methods", srv.Names()).
		Msg("wsrpc server listening")
	if ready != nil {
		ready(lis.Addr())
	}

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		_ = srv.Close(context.Background())
		if isBenignServeError(err) {
			return nil
		}
		return err
	}

	logger.Info().Msg("shutting down wsrpc server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	_ = srv.Close(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful stop timed out; forcing hard stop")
		_ = httpServer.Close()
	}
	if err := <-serveErrCh; !isBenignServeError(err) {
		return err
	}
	return nil
}

// PublicURL returns the ws:// URL peers dial for a bound listener.
// Wildcard hosts are replaced by 127.0.0.1. Non-TCP listeners report the
// configured URI.
func PublicURL(cfg *config.Config, addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return cfg.Server.Listen
	}
	host := extractHost(cfg.Server.Listen)
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, fmt.Sprint(tcp.Port)), cfg.Server.Path)
}

func extractHost(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	host, _, err := net.SplitHostPort(rest)
	if err != nil {
		return ""
	}
	return host
}

func isBenignServeError(err error) bool {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "use of closed network connection")
}
