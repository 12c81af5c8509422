package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Core Deterministic Encoding: sorted map keys, smallest integer
	// encoding, no indefinite-length items.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		// Keyword maps decode as map[string]any rather than
		// map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec encodes with fxamacker/cbor. Struct fields fall back to their json
// tags, so message records need no cbor tags.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

func (c *CBORCodec) Tag() string {
	return TagCBOR
}
