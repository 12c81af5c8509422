// Package codec provides the payload encoders selected by a frame's codec tag.
//
// The header format is independent of the payload codec: a frame names its
// codec by tag and the receiver looks the tag up in a Registry. Unknown tags
// fail with errs.ErrUnsupportedCodec; there is no fallback.
//
// The gob codec is the native-object fast path. It trusts its input and must
// only be used between processes on the same host running with the same
// privileges (the listener enforces same-uid peers by default).
package codec

import (
	"fmt"
	"slices"
	"sync"

	"mini-ipc/errs"
)

// Tags of the built-in codecs. Tags are at most protocol.CodecTagSize bytes.
const (
	TagJSON     = "json"
	TagGob      = "gob"
	TagCBOR     = "cbor"
	TagJSONZstd = "json-zstd"
	TagCBORLZ4  = "cbor-lz4"
)

const maxTagSize = 10

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Tag() string
}

// Registry maps codec tags to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a registry holding codecs. It panics on an invalid or
// duplicate tag.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	for _, c := range codecs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Default holds every built-in codec.
var Default = NewRegistry(
	&JSONCodec{},
	&GobCodec{},
	&CBORCodec{},
	NewZstd(TagJSONZstd, &JSONCodec{}),
	NewLZ4(TagCBORLZ4, &CBORCodec{}),
)

func (r *Registry) Register(c Codec) error {
	tag := c.Tag()
	if tag == "" || len(tag) > maxTagSize {
		return fmt.Errorf("codec: tag %q must be 1 to %d bytes", tag, maxTagSize)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[tag]; ok {
		return fmt.Errorf("codec: tag %q already registered", tag)
	}
	r.codecs[tag] = c
	return nil
}

// Lookup returns the codec registered under tag.
func (r *Registry) Lookup(tag string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnsupportedCodec, tag)
	}
	return c, nil
}

// Encode serializes v with the codec named by tag. Values the codec cannot
// represent are reported as *errs.SerializationError.
func (r *Registry) Encode(tag string, v any) ([]byte, error) {
	c, err := r.Lookup(tag)
	if err != nil {
		return nil, err
	}
	data, err := c.Encode(v)
	if err != nil {
		return nil, &errs.SerializationError{Codec: tag, Err: err}
	}
	return data, nil
}

// Decode deserializes data into v with the codec named by tag.
func (r *Registry) Decode(tag string, data []byte, v any) error {
	c, err := r.Lookup(tag)
	if err != nil {
		return err
	}
	if err := c.Decode(data, v); err != nil {
		return fmt.Errorf("codec %s: decode: %w", tag, err)
	}
	return nil
}

// Tags lists the registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.codecs))
	for tag := range r.codecs {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// GetCodec looks tag up in the Default registry.
func GetCodec(tag string) (Codec, error) {
	return Default.Lookup(tag)
}
