package codec

import (
	"bytes"
	"encoding/gob"
)

func init() {
	// Argument lists and keyword maps travel inside interface values.
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
}

// GobCodec is the native-object codec. Concrete types carried inside
// interface values (command arguments and results) must be registered with
// gob.Register by the program that defines them; unregistered types fail to
// encode with a SerializationError.
type GobCodec struct{}

func (c *GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (c *GobCodec) Tag() string {
	return TagGob
}
