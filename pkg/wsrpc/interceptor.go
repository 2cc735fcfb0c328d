package wsrpc

import "context"

// MessageInterceptor observes whole inbound frames. Either hook may be nil.
type MessageInterceptor struct {
	// Pre runs before any element is classified. Returning false drops the
	// frame without a reply. The connection stays open.
	Pre func(ctx context.Context, conn *Conn, data []byte, binary bool) bool
	// Post runs after the frame was handled. reply is nil when nothing was
	// sent.
	Post func(ctx context.Context, conn *Conn, data []byte, reply []byte)
}

// RequestInterceptor wraps each resolved request. Either hook may be nil.
type RequestInterceptor struct {
	// Pre runs before the handler. A returned Response with Error set is
	// sent as is and the handler is skipped. The returned context, when not
	// nil, replaces the handler context.
	Pre func(ctx context.Context, conn *Conn, req *Request) (context.Context, *Response)
	// Post may modify resp before it is sent.
	Post func(ctx context.Context, conn *Conn, req *Request, resp *Response)
}
