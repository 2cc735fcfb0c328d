// Package wsrpc implements JSON-RPC 2.0 over a bidirectional WebSocket.
//
// Both ends of a connection are symmetric:
//   - either side registers methods on a Registry
//   - either side issues requests, notifications, or pipelines on a Conn
//   - batches may mix requests and responses in one frame
//
// Inbound frames are classified element by element. Request elements are
// dispatched to the Registry (or a custom Resolver) and answered in input
// order; response elements settle the matching pending call.
package wsrpc

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/goccy/go-json"
)

// Version is the value of the "jsonrpc" member on every message.
const Version = "2.0"

// Wire and local error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000

	// Local only, never written to the wire.
	CodeLostConnection  = -32001
	CodeInvalidResponse = -32002
	CodeTransportError  = -32003
)

var (
	// ErrClosed is returned when a connection or endpoint has shut down.
	ErrClosed = errors.New("wsrpc: connection closed")
	// ErrConfiguration is returned by invalid registrations.
	ErrConfiguration = errors.New("wsrpc: configuration error")
	// ErrIDInUse is returned when an id is already awaiting a response.
	ErrIDInUse = errors.New("wsrpc: id already in use")
	// ErrPipelineRunning is returned when a pipeline is modified or executed
	// after Execute.
	ErrPipelineRunning = errors.New("wsrpc: pipeline is running")
	// ErrPipelineEmpty is returned when an empty pipeline is executed.
	ErrPipelineEmpty = errors.New("wsrpc: requests is empty")
)

// Error is a JSON-RPC error object. Handlers return it to control the
// error sent to the peer; callers receive it from failed requests.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewError returns an *Error with the given fields.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func (e *Error) Error() string {
	if e == nil {
		return "rpc error: <nil>"
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func lostConnection() *Error {
	return &Error{Code: CodeLostConnection, Message: "Lost connection!"}
}

func transportError(err error) *Error {
	return &Error{Code: CodeTransportError, Message: "Network error", Data: err.Error()}
}

// Params is the raw "params" member of a request. It is nil when the
// request carried no params.
type Params []byte

// Decode unmarshals the params into v. Decoding failures are reported as
// Invalid params.
func (p Params) Decode(v any) error {
	if len(p) == 0 {
		return nil
	}
	if err := json.Unmarshal(p, v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

// MarshalJSON writes the raw params unchanged.
func (p Params) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// Request is one inbound request element.
type Request struct {
	// ID is the raw request id, nil for notifications.
	ID     json.RawMessage
	Method string
	Params Params
}

// IsNotification reports whether no reply will be sent for r.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is a settled request: exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// Decode unmarshals the result into v, or returns the response error.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if v == nil || len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// HasID reports whether r answers the request sent with id.
func (r *Response) HasID(id any) bool {
	raw, err := json.Marshal(id)
	if err != nil {
		return false
	}
	return idKey(raw) == idKey(r.ID)
}

func (r *Response) envelope() *envelope {
	env := &envelope{JSONRPC: Version, ID: r.ID, Error: r.Error}
	if env.ID == nil {
		env.ID = nullID
	}
	if r.Error == nil {
		env.Result = r.Result
		if len(env.Result) == 0 {
			env.Result = nullID
		}
	}
	return env
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

func errorEnvelope(id json.RawMessage, code int, message string, data any) *envelope {
	if id == nil {
		id = nullID
	}
	return &envelope{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// idKey maps an id to its pending-table key. Numbers compare by value, so
// 1, 1.0 and 1e0 share a key; strings compare after unescaping.
func idKey(id json.RawMessage) string {
	raw := bytes.TrimSpace(id)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) != nil {
			break
		}
		if out, err := json.Marshal(s); err == nil {
			return string(out)
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		r, ok := new(big.Rat).SetString(string(raw))
		if !ok {
			break
		}
		if r.IsInt() {
			return r.Num().String()
		}
		return r.RatString()
	}
	return string(raw)
}
