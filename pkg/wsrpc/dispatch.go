package wsrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/goccy/go-json"
)

// work is one non-response element of an inbound frame, kept in input
// order.
type work struct {
	el      element
	invalid string
	id      json.RawMessage
}

// dispatch handles one inbound frame. Response elements settle pending
// calls before dispatch returns so arrival order is kept. Request elements
// run on their own goroutine, in input order, and their replies are sent
// together as one frame.
func (c *Conn) dispatch(data []byte, binary bool) {
	text, err := c.codec.decode(data, binary)
	if err != nil {
		c.logger.Debug().Err(err).Msg("undecodable binary frame")
		c.reply(errorEnvelope(nil, CodeParseError, "Parse error", nil), binary)
		return
	}
	c.logger.Debug().Bool("binary", binary).Bytes("frame", text).Msg("<--")

	trimmed := bytes.TrimSpace(text)
	if !json.Valid(trimmed) {
		c.reply(errorEnvelope(nil, CodeParseError, "Parse error", nil), binary)
		return
	}

	batch := trimmed[0] == '['
	var elems []json.RawMessage
	if batch {
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			c.reply(errorEnvelope(nil, CodeParseError, "Parse error", nil), binary)
			return
		}
	} else {
		elems = []json.RawMessage{trimmed}
	}
	if len(elems) == 0 {
		c.reply(errorEnvelope(nil, CodeInvalidRequest, "Invalid Request", nil), binary)
		return
	}

	if pre := c.opts.message.Pre; pre != nil && !pre(c.ctx, c, text, binary) {
		c.logger.Debug().Msg("frame vetoed by message interceptor")
		return
	}

	queue := make([]work, 0, len(elems))
	for _, raw := range elems {
		el := decodeElement(raw)
		isReq, isResp := el.isRequest(), el.isResponse()
		switch {
		case isReq && isResp:
			queue = append(queue, work{invalid: "Both request and response", id: el.validID()})
		case isReq:
			queue = append(queue, work{el: el})
		case isResp:
			c.settle(el)
		default:
			queue = append(queue, work{invalid: "Neither request nor response", id: el.validID()})
		}
	}

	if len(queue) == 0 {
		c.afterFrame(text, nil)
		return
	}
	go c.execute(queue, batch, text, binary)
}

func (c *Conn) execute(queue []work, batch bool, text []byte, binary bool) {
	replies := make([]*envelope, 0, len(queue))
	for _, w := range queue {
		if w.invalid != "" {
			replies = append(replies, errorEnvelope(w.id, CodeInvalidRequest, "Invalid Request", w.invalid))
			continue
		}
		if env := c.call(c.ctx, w.el); env != nil {
			replies = append(replies, env)
		}
	}

	if len(replies) == 0 {
		c.afterFrame(text, nil)
		return
	}
	var out any = replies[0]
	if batch {
		out = replies
	}
	payload, err := json.Marshal(out)
	if err != nil {
		c.logger.Warn().Err(err).Msg("marshal reply failed")
		c.afterFrame(text, nil)
		return
	}
	if err := c.write(payload, binary); err != nil {
		c.logger.Debug().Err(err).Msg("reply write failed")
	}
	c.afterFrame(text, payload)
}

func (c *Conn) afterFrame(text, reply []byte) {
	if post := c.opts.message.Post; post != nil {
		post(c.ctx, c, text, reply)
	}
}

// reply writes a frame-level error.
func (c *Conn) reply(env *envelope, binary bool) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.write(payload, binary); err != nil {
		c.logger.Debug().Err(err).Msg("reply write failed")
	}
}

// call runs one request element. It returns nil when no reply is owed:
// notifications and requests whose id cannot be echoed.
func (c *Conn) call(ctx context.Context, el element) *envelope {
	id := el.validID()

	var method string
	if err := json.Unmarshal(el["method"], &method); err != nil {
		if id == nil {
			return nil
		}
		return errorEnvelope(id, CodeInvalidRequest, "Invalid Request", "method must be a string")
	}
	if !IsValidParams(el["params"]) {
		if id == nil {
			return nil
		}
		return errorEnvelope(id, CodeInvalidParams, "Invalid params", "params must be an array or object")
	}

	req := &Request{ID: id, Method: method}
	if p := bytes.TrimSpace(el["params"]); len(p) > 0 {
		req.Params = Params(p)
	}

	resp := c.singleCall(withRequest(ctx, req), req)
	if req.IsNotification() {
		return nil
	}
	return resp.envelope()
}

func (c *Conn) singleCall(ctx context.Context, req *Request) *Response {
	m, ok := c.resolver.Resolve(ctx, c, req)
	if !ok || m == nil {
		return &Response{ID: req.ID, Error: &Error{Code: CodeMethodNotFound, Message: "Method not found"}}
	}
	if m.Handler == nil {
		return &Response{ID: req.ID, Error: &Error{Code: CodeInternalError, Message: "Internal error", Data: "method is not invocable"}}
	}

	if pre := c.opts.request.Pre; pre != nil {
		next, short := pre(ctx, c, req)
		if short != nil && short.Error != nil {
			if short.ID == nil {
				short.ID = req.ID
			}
			return short
		}
		if next != nil {
			ctx = next
		}
	}

	resp := &Response{ID: req.ID}
	result, err := c.invoke(ctx, m, req)
	if err != nil {
		resp.Error = toRPCError(err)
		c.logger.Debug().Str("method", req.Method).Err(err).Msg("handler failed")
	} else if raw, err := json.Marshal(result); err != nil {
		resp.Error = toRPCError(fmt.Errorf("marshal result: %w", err))
	} else {
		resp.Result = raw
	}

	if post := c.opts.request.Post; post != nil {
		post(ctx, c, req, resp)
	}
	return resp
}

func (c *Conn) invoke(ctx context.Context, m *Method, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return m.Invoke(ctx, c, req.Params)
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// toRPCError converts a handler error to its wire form. *Error values pass
// through; everything else becomes Server error.
func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return rpcErr
	}
	var p *panicError
	if errors.As(err, &p) {
		return &Error{
			Code:    CodeServerError,
			Message: "Server error",
			Data:    map[string]any{"message": p.Error(), "stack": p.stack, "name": "panic"},
		}
	}
	return &Error{
		Code:    CodeServerError,
		Message: "Server error",
		Data:    map[string]any{"message": err.Error(), "name": fmt.Sprintf("%T", err)},
	}
}

// settle resolves the pending call a response element answers.
func (c *Conn) settle(el element) {
	resp := &Response{ID: json.RawMessage(bytes.TrimSpace(el["id"]))}
	if el.has("result") {
		resp.Result = el["result"]
	} else {
		resp.Error = decodeWireError(el["error"])
	}
	if !c.pending.resolve(resp) {
		c.logger.Debug().Str("id", idKey(resp.ID)).Msg("dropping unmatched response")
	}
}

func decodeWireError(raw json.RawMessage) *Error {
	var wire struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data"`
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &wire) != nil || wire.Code == nil {
		return &Error{Code: CodeInvalidResponse, Message: "Invalid response", Data: json.RawMessage(trimmed)}
	}
	return &Error{Code: *wire.Code, Message: wire.Message, Data: wire.Data}
}
