package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/organic-programming/go-wsrpc/pkg/transport"
	"github.com/organic-programming/go-wsrpc/pkg/wsrpc"
)

const defaultDialTimeout = 5 * time.Second

type PingRequest struct {
	Message string `json:"message"`
}

type PingResponse struct {
	Message string `json:"message"`
	SDK     string `json:"sdk"`
	Version string `json:"version"`
}

type options struct {
	sdk       string
	serverSDK string
	message   string
	pipeline  int
	gorilla   bool
	cbor      bool
	timeout   time.Duration
}

func main() {
	sdk := flag.String("sdk", "go-wsrpc", "sdk name")
	serverSDK := flag.String("server-sdk", "unknown", "expected remote sdk name")
	message := flag.String("message", "hello", "Ping request message")
	pipeline := flag.Int("pipeline", 3, "number of pipelined Ping requests (0 disables)")
	useGorilla := flag.Bool("gorilla", false, "dial with gorilla/websocket instead of nhooyr.io/websocket")
	useCBOR := flag.Bool("cbor", false, "send binary CBOR frames")
	timeoutMs := flag.Int("timeout-ms", int(defaultDialTimeout/time.Millisecond), "dial+invoke timeout in milliseconds")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: go run ./cmd/echo-client [--sdk name] [--server-sdk name] [--message hello] [--pipeline 3] [--gorilla] [--cbor] [ws://host:port/path|tcp://host:port|unix://path]")
		os.Exit(2)
	}

	opts := options{
		sdk:       *sdk,
		serverSDK: *serverSDK,
		message:   *message,
		pipeline:  *pipeline,
		gorilla:   *useGorilla,
		cbor:      *useCBOR,
		timeout:   time.Duration(*timeoutMs) * time.Millisecond,
	}
	if opts.timeout <= 0 {
		opts.timeout = defaultDialTimeout
	}

	result, err := run(flag.Arg(0), opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_ = json.NewEncoder(os.Stdout).Encode(result)
}

func run(uri string, opts options) (map[string]any, error) {
	target, httpClient, err := normalizeTarget(uri)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	clientOpts := []wsrpc.Option{wsrpc.WithIDGenerator(wsrpc.ULIDs())}
	if httpClient != nil {
		clientOpts = append(clientOpts, wsrpc.WithHTTPClient(httpClient))
	}
	if opts.cbor {
		clientOpts = append(clientOpts, wsrpc.WithBinaryCBOR())
	}
	client := wsrpc.NewClient(clientOpts...)
	if err := client.Register("client.ping", wsrpc.Typed(func(_ context.Context, _ *wsrpc.Conn, in PingRequest) (string, error) {
		return "pong:" + in.Message, nil
	})); err != nil {
		return nil, err
	}

	if opts.gorilla {
		err = client.ConnectGorilla(ctx, target, nil)
	} else {
		err = client.Connect(ctx, target)
	}
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	defer client.Close()

	started := time.Now()
	var out PingResponse
	if err := client.Call(ctx, "echo.Ping", PingRequest{Message: opts.message}, &out); err != nil {
		return nil, fmt.Errorf("invoke failed: %w", err)
	}
	if out.Message != opts.message {
		return nil, fmt.Errorf("unexpected echo message: %q", out.Message)
	}
	latency := time.Since(started)

	if err := client.Notify(ctx, "echo.Ping", PingRequest{Message: "notify"}); err != nil {
		return nil, fmt.Errorf("notify failed: %w", err)
	}

	pipelined, err := runPipeline(ctx, client.Pipeline(), opts)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"status":       "pass",
		"sdk":          opts.sdk,
		"server_sdk":   opts.serverSDK,
		"latency_ms":   latency.Milliseconds(),
		"response_sdk": out.SDK,
		"pipelined":    pipelined,
	}, nil
}

// runPipeline batches opts.pipeline Ping requests and one notification and
// checks every echoed message.
func runPipeline(ctx context.Context, p *wsrpc.Pipeline, opts options) (int, error) {
	if opts.pipeline <= 0 {
		return 0, nil
	}

	want := make(map[string]string, opts.pipeline)
	for i := 0; i < opts.pipeline; i++ {
		msg := fmt.Sprintf("%s-%d", opts.message, i)
		id, err := p.Request("echo.Ping", PingRequest{Message: msg})
		if err != nil {
			return 0, fmt.Errorf("pipeline request: %w", err)
		}
		want[fmt.Sprint(id)] = msg
	}
	if err := p.Notification("echo.Ping", PingRequest{Message: "pipeline-notify"}); err != nil {
		return 0, fmt.Errorf("pipeline notification: %w", err)
	}

	resps, err := p.Execute(ctx)
	if err != nil {
		return 0, fmt.Errorf("pipeline failed: %w", err)
	}
	if len(resps) != opts.pipeline {
		return 0, fmt.Errorf("pipeline returned %d responses, want %d", len(resps), opts.pipeline)
	}
	for _, resp := range resps {
		var id string
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			return 0, fmt.Errorf("pipeline response id %s: %w", resp.ID, err)
		}
		var out PingResponse
		if err := resp.Decode(&out); err != nil {
			return 0, fmt.Errorf("pipeline element %s: %w", id, err)
		}
		if out.Message != want[id] {
			return 0, fmt.Errorf("pipeline element %s echoed %q, want %q", id, out.Message, want[id])
		}
	}
	return len(resps), nil
}

// normalizeTarget maps a transport URI to the ws:// URL to dial and, for
// Unix sockets, an HTTP client that dials the socket.
func normalizeTarget(uri string) (string, *http.Client, error) {
	switch {
	case strings.HasPrefix(uri, "ws://"), strings.HasPrefix(uri, "wss://"):
		return uri, nil, nil
	case strings.HasPrefix(uri, "tcp://"):
		return "ws://" + strings.TrimPrefix(uri, "tcp://") + transport.DefaultPath, nil, nil
	case strings.HasPrefix(uri, "unix://"):
		path := strings.TrimPrefix(uri, "unix://")
		if path == "" {
			return "", nil, fmt.Errorf("unsupported URI: %s", uri)
		}
		client := &http.Client{Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		}}
		return "ws://unix" + transport.DefaultPath, client, nil
	}
	return "", nil, fmt.Errorf("unsupported URI: %s", uri)
}
