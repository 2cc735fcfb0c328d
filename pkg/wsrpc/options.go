package wsrpc

import (
	"net/http"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Option configures a Client or Server.
type Option func(*options)

// Authenticator inspects the upgrade request. A non-nil error rejects the
// connection with 401 before the WebSocket handshake.
type Authenticator func(r *http.Request) error

type options struct {
	logger    zerolog.Logger
	resolver  Resolver
	message   MessageInterceptor
	request   RequestInterceptor
	ids       IDGenerator
	readLimit int64
	cbor      bool

	// server side
	authenticate Authenticator
	onConnect    func(*Conn) bool
	onDisconnect func(*Conn)
	origins      []string
	upgrader     *gorilla.Upgrader

	// client side
	httpClient *http.Client
	header     http.Header
}

func newOptions(opts []Option) *options {
	o := &options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger. Frames are traced at debug level.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithResolver replaces the registry lookup used to find handlers.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithMessageInterceptor installs frame-level hooks.
func WithMessageInterceptor(mi MessageInterceptor) Option {
	return func(o *options) { o.message = mi }
}

// WithRequestInterceptor installs request-level hooks.
func WithRequestInterceptor(ri RequestInterceptor) Option {
	return func(o *options) { o.request = ri }
}

// WithIDGenerator sets the generator for outbound request ids. By default
// every connection counts up from 1.
func WithIDGenerator(gen IDGenerator) Option {
	return func(o *options) { o.ids = gen }
}

// WithReadLimit caps inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithBinaryCBOR sends outbound requests as CBOR binary frames and decodes
// inbound binary frames as CBOR. Replies use the frame kind of the message
// they answer.
func WithBinaryCBOR() Option {
	return func(o *options) { o.cbor = true }
}

// WithAuthenticator checks each upgrade request.
func WithAuthenticator(a Authenticator) Option {
	return func(o *options) { o.authenticate = a }
}

// OnConnect is called before a server connection starts reading. Returning
// false closes it. The hook may notify the peer but must not wait on
// replies, since no frames are read until it returns.
func OnConnect(fn func(*Conn) bool) Option {
	return func(o *options) { o.onConnect = fn }
}

// OnDisconnect is called after a server connection closed and its pending
// calls were failed.
func OnDisconnect(fn func(*Conn)) Option {
	return func(o *options) { o.onDisconnect = fn }
}

// WithOrigins restricts accepted Origin hosts (path.Match patterns). With
// no patterns every origin is accepted.
func WithOrigins(patterns ...string) Option {
	return func(o *options) { o.origins = append(o.origins, patterns...) }
}

// WithGorillaUpgrader accepts connections with gorilla/websocket instead of
// nhooyr.io/websocket.
func WithGorillaUpgrader(u *gorilla.Upgrader) Option {
	return func(o *options) { o.upgrader = u }
}

// WithHTTPClient sets the HTTP client used to dial.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithHeader adds headers to the dial request.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}
