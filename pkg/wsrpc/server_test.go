package wsrpc_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"
	"nhooyr.io/websocket"

	"github.com/organic-programming/go-wsrpc/pkg/transport"
	"github.com/organic-programming/go-wsrpc/pkg/wsrpc"
)

func startServer(t *testing.T, opts ...wsrpc.Option) (*wsrpc.Server, string) {
	t.Helper()
	server := wsrpc.NewServer("ws://127.0.0.1:0/rpc", opts...)
	addr, err := server.Start()
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Close(ctx)
	})
	return server, addr
}

func connectClient(t *testing.T, addr string, opts ...wsrpc.Option) *wsrpc.Client {
	t.Helper()
	client := wsrpc.NewClient(opts...)
	t.Cleanup(func() {
		_ = client.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx, addr); err != nil {
		t.Fatalf("connect client: %v", err)
	}
	return client
}

func timeoutCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBidirectionalCalls(t *testing.T) {
	server, addr := startServer(t)
	if err := server.Register("echo", func(_ context.Context, _ *wsrpc.Conn, p wsrpc.Params) (any, error) {
		var v map[string]any
		if err := p.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}); err != nil {
		t.Fatalf("register echo: %v", err)
	}

	client := connectClient(t, addr)
	if err := client.Register("hello", wsrpc.Typed(func(_ context.Context, _ *wsrpc.Conn, p struct {
		Name string `json:"name"`
	}) (string, error) {
		return "hello " + p.Name, nil
	})); err != nil {
		t.Fatalf("register hello: %v", err)
	}

	clientID, err := server.WaitForClient(timeoutCtx(t))
	if err != nil {
		t.Fatalf("wait for client: %v", err)
	}

	var echo map[string]any
	if err := client.Call(timeoutCtx(t), "echo", map[string]any{"message": "hi"}, &echo); err != nil {
		t.Fatalf("client call echo: %v", err)
	}
	if got, _ := echo["message"].(string); got != "hi" {
		t.Fatalf("echo message = %q, want %q", got, "hi")
	}

	conn, ok := server.Conn(clientID)
	if !ok {
		t.Fatalf("server has no connection %q", clientID)
	}
	var reply string
	if err := conn.Call(timeoutCtx(t), "hello", map[string]string{"name": "go"}, &reply); err != nil {
		t.Fatalf("server call hello: %v", err)
	}
	if reply != "hello go" {
		t.Fatalf("reply = %q, want %q", reply, "hello go")
	}

	var beat map[string]any
	if err := client.Call(timeoutCtx(t), "rpc.heartbeat", nil, &beat); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(beat) != 0 {
		t.Fatalf("heartbeat result = %v, want {}", beat)
	}
}

func TestMethodNotFoundOverWire(t *testing.T) {
	_, addr := startServer(t)
	client := connectClient(t, addr)

	err := client.Call(timeoutCtx(t), "missing", nil, nil)
	var rpcErr *wsrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *wsrpc.Error", err)
	}
	if rpcErr.Code != wsrpc.CodeMethodNotFound {
		t.Fatalf("code = %d, want %d", rpcErr.Code, wsrpc.CodeMethodNotFound)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	const delay = 100 * time.Millisecond
	sleep := func(ctx context.Context, _ *wsrpc.Conn, _ wsrpc.Params) (any, error) {
		select {
		case <-time.After(delay):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	server, addr := startServer(t)
	if err := server.Register("serial", sleep, wsrpc.Concurrency(1)); err != nil {
		t.Fatalf("register serial: %v", err)
	}
	if err := server.Register("parallel", sleep); err != nil {
		t.Fatalf("register parallel: %v", err)
	}
	client := connectClient(t, addr)

	run := func(method string) time.Duration {
		start := time.Now()
		var wg sync.WaitGroup
		errs := make(chan error, 3)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- client.Call(timeoutCtx(t), method, nil, nil)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("%s call: %v", method, err)
			}
		}
		return time.Since(start)
	}

	if elapsed := run("serial"); elapsed < 3*delay {
		t.Fatalf("serial calls took %v, want >= %v", elapsed, 3*delay)
	}
	if elapsed := run("parallel"); elapsed >= 2*delay {
		t.Fatalf("parallel calls took %v, want < %v", elapsed, 2*delay)
	}
}

func TestServerCloseFailsClientCalls(t *testing.T) {
	server, addr := startServer(t)
	started := make(chan struct{}, 3)
	if err := server.Register("hang", func(ctx context.Context, _ *wsrpc.Conn, _ wsrpc.Params) (any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatalf("register hang: %v", err)
	}
	client := connectClient(t, addr)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			errs <- client.Call(context.Background(), "hang", nil, nil)
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("handlers did not start")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Close(ctx); err != nil {
		t.Fatalf("close server: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			var rpcErr *wsrpc.Error
			if !errors.As(err, &rpcErr) || rpcErr.Code != wsrpc.CodeLostConnection {
				t.Fatalf("error = %v, want lost connection", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("client call still pending after server close")
		}
	}
	if client.Connected() {
		t.Fatal("client still connected after server close")
	}
}

func TestPipelineReverseReplies(t *testing.T) {
	// A raw peer that answers each batch element in reverse order, one
	// frame per response.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var batch []map[string]json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			return
		}
		for i := len(batch) - 1; i >= 0; i-- {
			id, ok := batch[i]["id"]
			if !ok {
				continue
			}
			resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"echo":%s}}`, id, batch[i]["params"])
			if err := c.Write(ctx, websocket.MessageText, []byte(resp)); err != nil {
				return
			}
		}
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	client := connectClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	p := client.Pipeline()
	var ids []any
	for i := 0; i < 3; i++ {
		id, err := p.Request("work", []int{i})
		if err != nil {
			t.Fatalf("pipeline request: %v", err)
		}
		ids = append(ids, id)
	}
	if err := p.Notification("note", nil); err != nil {
		t.Fatalf("pipeline notification: %v", err)
	}

	resps, err := p.Execute(timeoutCtx(t))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("got %d responses, want 3", len(resps))
	}
	for i, resp := range resps {
		want := 2 - i
		if !resp.HasID(ids[want]) {
			t.Fatalf("response %d has id %s, want %v", i, resp.ID, ids[want])
		}
		var out struct {
			Echo []int `json:"echo"`
		}
		if err := resp.Decode(&out); err != nil {
			t.Fatalf("decode response %d: %v", i, err)
		}
		if len(out.Echo) != 1 || out.Echo[0] != want {
			t.Fatalf("response %d echo = %v, want [%d]", i, out.Echo, want)
		}
	}
}

func TestConnectionStore(t *testing.T) {
	server, addr := startServer(t)
	_ = server.Register("login", func(_ context.Context, conn *wsrpc.Conn, p wsrpc.Params) (any, error) {
		var args []string
		if err := p.Decode(&args); err != nil {
			return nil, err
		}
		if len(args) != 1 {
			return nil, wsrpc.NewError(wsrpc.CodeInvalidParams, "Invalid params", "want [user]")
		}
		conn.Store().Set("user", args[0])
		return true, nil
	})
	_ = server.Register("whoami", func(_ context.Context, conn *wsrpc.Conn, _ wsrpc.Params) (any, error) {
		user, ok := conn.Store().Get("user")
		if !ok {
			return nil, wsrpc.NewError(-32010, "not logged in", nil)
		}
		return user, nil
	})

	alice := connectClient(t, addr)
	bob := connectClient(t, addr)

	if err := alice.Call(timeoutCtx(t), "login", []string{"alice"}, nil); err != nil {
		t.Fatalf("login: %v", err)
	}
	var who string
	if err := alice.Call(timeoutCtx(t), "whoami", nil, &who); err != nil || who != "alice" {
		t.Fatalf("whoami = %q, %v; want alice", who, err)
	}
	err := bob.Call(timeoutCtx(t), "whoami", nil, &who)
	var rpcErr *wsrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32010 {
		t.Fatalf("bob whoami error = %v, want -32010", err)
	}
}

func TestAuthenticatorRejectsUpgrade(t *testing.T) {
	_, addr := startServer(t, wsrpc.WithAuthenticator(func(r *http.Request) error {
		if r.URL.Query().Get("token") != "secret" {
			return errors.New("bad token")
		}
		return nil
	}))

	client := wsrpc.NewClient()
	defer client.Close()
	if err := client.Connect(timeoutCtx(t), addr); err == nil {
		t.Fatal("connect without token succeeded")
	}
	if !strings.Contains(fmt.Sprint(client.Connect(timeoutCtx(t), addr)), "401") {
		t.Fatal("expected 401 from rejected upgrade")
	}

	authed := connectClient(t, addr+"?token=secret")
	if err := authed.Call(timeoutCtx(t), "rpc.heartbeat", nil, nil); err != nil {
		t.Fatalf("heartbeat after auth: %v", err)
	}
}

func TestConnectHooks(t *testing.T) {
	disconnected := make(chan string, 2)
	var mu sync.Mutex
	admitted := 0
	_, addr := startServer(t,
		wsrpc.OnConnect(func(conn *wsrpc.Conn) bool {
			mu.Lock()
			defer mu.Unlock()
			admitted++
			return conn.HTTPRequest().Header.Get("X-Reject") == ""
		}),
		wsrpc.OnDisconnect(func(conn *wsrpc.Conn) {
			disconnected <- conn.ID()
		}),
	)

	rejected := wsrpc.NewClient(wsrpc.WithHeader(http.Header{"X-Reject": []string{"1"}}))
	defer rejected.Close()
	if err := rejected.Connect(timeoutCtx(t), addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := rejected.Call(timeoutCtx(t), "rpc.heartbeat", nil, nil); err == nil {
		t.Fatal("call on rejected connection succeeded")
	}

	client := connectClient(t, addr)
	if err := client.Call(timeoutCtx(t), "rpc.heartbeat", nil, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	_ = client.Close()

	select {
	case id := <-disconnected:
		if id == "" {
			t.Fatal("disconnect hook got empty id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook not called")
	}
	mu.Lock()
	defer mu.Unlock()
	if admitted != 2 {
		t.Fatalf("connect hook called %d times, want 2", admitted)
	}
}

func TestBroadcast(t *testing.T) {
	server, addr := startServer(t)

	got := make(chan string, 3)
	newPeer := func(name string) *wsrpc.Client {
		c := wsrpc.NewClient()
		_ = c.Register("peer.joined", func(_ context.Context, _ *wsrpc.Conn, p wsrpc.Params) (any, error) {
			got <- name + ":" + string(p)
			return nil, nil
		})
		t.Cleanup(func() { _ = c.Close() })
		if err := c.Connect(timeoutCtx(t), addr); err != nil {
			t.Fatalf("connect %s: %v", name, err)
		}
		if _, err := server.WaitForClient(timeoutCtx(t)); err != nil {
			t.Fatalf("wait for %s: %v", name, err)
		}
		return c
	}
	newPeer("a")
	newPeer("b")

	ids := server.ClientIDs()
	if len(ids) != 2 {
		t.Fatalf("client ids = %v, want 2", ids)
	}
	if err := server.Broadcast(timeoutCtx(t), "peer.joined", []string{"c"}, ids[0]); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case msg := <-got:
		if !strings.HasSuffix(msg, `:["c"]`) {
			t.Fatalf("notification = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}
	select {
	case msg := <-got:
		t.Fatalf("skipped peer got %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGorillaInterop(t *testing.T) {
	server, addr := startServer(t, wsrpc.WithGorillaUpgrader(&gorilla.Upgrader{}))
	_ = server.Register("add", wsrpc.Typed(func(_ context.Context, _ *wsrpc.Conn, p []int) (int, error) {
		sum := 0
		for _, v := range p {
			sum += v
		}
		return sum, nil
	}))

	gc := wsrpc.NewClient()
	defer gc.Close()
	if err := gc.ConnectGorilla(timeoutCtx(t), addr, nil); err != nil {
		t.Fatalf("gorilla connect: %v", err)
	}
	var sum int
	if err := gc.Call(timeoutCtx(t), "add", []int{1, 2, 3}, &sum); err != nil || sum != 6 {
		t.Fatalf("gorilla client add = %d, %v", sum, err)
	}

	nc := connectClient(t, addr)
	if err := nc.Call(timeoutCtx(t), "add", []int{4, 5}, &sum); err != nil || sum != 9 {
		t.Fatalf("nhooyr client add = %d, %v", sum, err)
	}
}

func TestBinaryCBOR(t *testing.T) {
	server, addr := startServer(t, wsrpc.WithBinaryCBOR())
	_ = server.Register("echo", func(_ context.Context, _ *wsrpc.Conn, p wsrpc.Params) (any, error) {
		var v any
		if err := p.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	})

	client := connectClient(t, addr, wsrpc.WithBinaryCBOR(), wsrpc.WithIDGenerator(wsrpc.UUIDs()))
	var out map[string]any
	if err := client.Call(timeoutCtx(t), "echo", map[string]any{"k": "v", "n": 2}, &out); err != nil {
		t.Fatalf("cbor echo: %v", err)
	}
	if out["k"] != "v" || out["n"] != float64(2) {
		t.Fatalf("cbor echo = %v", out)
	}
}

func TestMemTransport(t *testing.T) {
	mem := transport.NewMemListener()
	server := wsrpc.NewServer("mem://")
	_ = server.Register("ping", func(context.Context, *wsrpc.Conn, wsrpc.Params) (any, error) {
		return "pong", nil
	})
	httpSrv := &http.Server{Handler: server}
	go func() { _ = httpSrv.Serve(mem) }()
	defer func() {
		_ = httpSrv.Close()
		_ = server.Close(context.Background())
	}()

	client := wsrpc.NewClient(wsrpc.WithHTTPClient(mem.HTTPClient()), wsrpc.WithIDGenerator(wsrpc.ULIDs()))
	defer client.Close()
	if err := client.Connect(timeoutCtx(t), "ws://mem/rpc"); err != nil {
		t.Fatalf("connect over mem: %v", err)
	}
	var out string
	if err := client.Call(timeoutCtx(t), "ping", nil, &out); err != nil || out != "pong" {
		t.Fatalf("ping = %q, %v", out, err)
	}
}

func TestCloseDuringConnectHook(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	server, addr := startServer(t, wsrpc.OnConnect(func(*wsrpc.Conn) bool {
		close(entered)
		<-release
		return true
	}))

	client := connectClient(t, addr)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("connect hook not called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Close(ctx); err != nil {
		t.Fatalf("close server: %v", err)
	}
	close(release)

	select {
	case <-client.Conn().Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection admitted after server close is still open")
	}
	if ids := server.ClientIDs(); len(ids) != 0 {
		t.Fatalf("client ids after close = %v, want none", ids)
	}
	if err := client.Call(timeoutCtx(t), "rpc.heartbeat", nil, nil); err == nil {
		t.Fatal("heartbeat succeeded after server close")
	}
}

func TestConnectHookLifecycle(t *testing.T) {
	rejected := make(chan *wsrpc.Conn, 1)
	selfClosed := make(chan *wsrpc.Conn, 1)
	server, addr := startServer(t, wsrpc.OnConnect(func(conn *wsrpc.Conn) bool {
		switch conn.HTTPRequest().Header.Get("X-Mode") {
		case "reject":
			rejected <- conn
			return false
		case "close":
			_ = conn.Close()
			selfClosed <- conn
			return true
		}
		return true
	}))

	for _, tc := range []struct {
		mode string
		ch   chan *wsrpc.Conn
	}{
		{mode: "reject", ch: rejected},
		{mode: "close", ch: selfClosed},
	} {
		client := connectClient(t, addr, wsrpc.WithHeader(http.Header{"X-Mode": []string{tc.mode}}))

		var conn *wsrpc.Conn
		select {
		case conn = <-tc.ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("%s: connect hook did not return", tc.mode)
		}
		select {
		case <-conn.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: server conn still open", tc.mode)
		}
		if conn.IsOpen() {
			t.Fatalf("%s: IsOpen = true after hook", tc.mode)
		}
		select {
		case <-client.Conn().Done():
		case <-time.After(3 * time.Second):
			t.Fatalf("%s: client conn still open", tc.mode)
		}
	}
	if ids := server.ClientIDs(); len(ids) != 0 {
		t.Fatalf("client ids = %v, want none", ids)
	}
}

func TestPipelineWithoutConnection(t *testing.T) {
	p := wsrpc.NewClient().Pipeline()
	if p == nil {
		t.Fatal("Pipeline returned nil")
	}

	assertLost := func(what string, err error) {
		t.Helper()
		var rpcErr *wsrpc.Error
		if !errors.As(err, &rpcErr) || rpcErr.Code != wsrpc.CodeLostConnection {
			t.Fatalf("%s error = %v, want lost connection", what, err)
		}
	}
	_, err := p.Request("m", nil)
	assertLost("Request", err)
	assertLost("Notification", p.Notification("m", nil))
	_, err = p.Execute(context.Background())
	assertLost("Execute", err)
}
