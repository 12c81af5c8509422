package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json. Numbers decoded into interface values become
// float64.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Tag() string {
	return TagJSON
}
