package wsrpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type frame struct {
	data   []byte
	binary bool
}

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	in       chan frame
	out      chan frame
	closed   chan struct{}
	once     sync.Once
	writeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan frame, 16),
		out:    make(chan frame, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, bool, error) {
	select {
	case fr := <-f.in:
		return fr.data, fr.binary, nil
	case <-f.closed:
		return nil, false, io.EOF
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, data []byte, binary bool) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	f.out <- frame{data: append([]byte(nil), data...), binary: binary}
	return nil
}

func (f *fakeTransport) Close(string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(data string) {
	f.in <- frame{data: []byte(data)}
}

// next returns the next written frame decoded as JSON.
func (f *fakeTransport) next(t *testing.T) any {
	t.Helper()
	select {
	case fr := <-f.out:
		var v any
		require.NoError(t, json.Unmarshal(fr.data, &v), "frame %s", fr.data)
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for outbound frame")
		return nil
	}
}

func (f *fakeTransport) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case fr := <-f.out:
		t.Fatalf("unexpected frame: %s", fr.data)
	case <-time.After(d):
	}
}

func startTestConn(t *testing.T, reg *Registry, opts ...Option) (*Conn, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	conn, err := newConn(context.Background(), "t1", ft, reg, newOptions(opts), nil)
	require.NoError(t, err)
	go conn.serve()
	t.Cleanup(func() { _ = conn.Close() })
	return conn, ft
}

func errorCode(t *testing.T, msg any) float64 {
	t.Helper()
	obj, ok := msg.(map[string]any)
	require.True(t, ok, "message is not an object: %#v", msg)
	errObj, ok := obj["error"].(map[string]any)
	require.True(t, ok, "message has no error: %#v", msg)
	code, _ := errObj["code"].(float64)
	return code
}
