package wsrpc

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

// codec converts binary frames when CBOR is enabled. The dispatcher always
// works on JSON text; binary frames are translated at the edge.
type codec struct {
	cbor bool
	dec  cbor.DecMode
	enc  cbor.EncMode
}

func newCodec(enabled bool) (*codec, error) {
	c := &codec{cbor: enabled}
	if !enabled {
		return c, nil
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("wsrpc: cbor decoder: %w", err)
	}
	enc, err := cbor.EncOptions{
		ShortestFloat: cbor.ShortestFloat16,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("wsrpc: cbor encoder: %w", err)
	}
	c.dec = dec
	c.enc = enc
	return c, nil
}

// decode returns the JSON text of an inbound frame.
func (c *codec) decode(data []byte, binary bool) ([]byte, error) {
	if !binary || !c.cbor {
		return data, nil
	}
	var v any
	if err := c.dec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// encode returns the frame payload for a JSON message.
func (c *codec) encode(payload []byte, binary bool) ([]byte, error) {
	if !binary || !c.cbor {
		return payload, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return c.enc.Marshal(v)
}
