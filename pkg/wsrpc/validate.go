package wsrpc

import (
	"bytes"

	"github.com/goccy/go-json"
)

// element is one decoded member of an inbound frame. A nil element is not a
// JSON object.
type element map[string]json.RawMessage

func decodeElement(raw json.RawMessage) element {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var el element
	if err := json.Unmarshal(trimmed, &el); err != nil {
		return nil
	}
	if el == nil {
		el = element{}
	}
	return el
}

func (e element) has(key string) bool {
	if e == nil {
		return false
	}
	_, ok := e[key]
	return ok
}

func (e element) isRequest() bool {
	return e.has("method")
}

func (e element) isResponse() bool {
	return e.has("id") && e.has("result") != e.has("error")
}

// validID returns the element id when it can be used for correlation.
func (e element) validID() json.RawMessage {
	id := e["id"]
	if !IsValidID(id) {
		return nil
	}
	return json.RawMessage(bytes.TrimSpace(id))
}

// IsRequestShaped reports whether raw is a JSON object with a "method" key.
func IsRequestShaped(raw []byte) bool {
	return decodeElement(raw).isRequest()
}

// IsResponseShaped reports whether raw is a JSON object with an "id" key and
// exactly one of "result" and "error".
func IsResponseShaped(raw []byte) bool {
	return decodeElement(raw).isResponse()
}

// IsValidID reports whether raw is a string or number id. null and absent
// ids are not valid for correlation.
func IsValidID(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	if c := trimmed[0]; c != '"' && c != '-' && (c < '0' || c > '9') {
		return false
	}
	return json.Valid(trimmed)
}

// IsValidParams reports whether raw is acceptable as the "params" member:
// absent, an array, or an object.
func IsValidParams(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	if trimmed[0] != '[' && trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
