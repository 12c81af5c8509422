package codec

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-ipc/errs"
	"mini-ipc/message"
)

// representative values whose decoded form is identical under every codec:
// floats with exact binary representations, strings, booleans and nested
// maps/sequences.
func representativeValues() []any {
	return []any{
		"hello",
		"",
		true,
		false,
		1.5,
		-1024.25,
		[]any{"a", 2.5, false},
		map[string]any{
			"n":      1.5,
			"s":      "x",
			"b":      true,
			"list":   []any{"a", 2.5, false},
			"nested": map[string]any{"k": "v", "deeper": []any{map[string]any{"z": 0.5}}},
		},
	}
}

func TestRoundTripAllCodecs(t *testing.T) {
	for _, tag := range Default.Tags() {
		t.Run(tag, func(t *testing.T) {
			for _, v := range representativeValues() {
				data, err := Default.Encode(tag, message.Success("echo", v))
				require.NoError(t, err)

				var out message.Result
				require.NoError(t, Default.Decode(tag, data, &out))
				assert.Equal(t, v, out.Value)
				assert.True(t, out.OK)
				assert.Equal(t, "echo", out.Command)
			}
		})
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req := &message.Request{
		Context: message.Thread,
		Name:    "abc",
		Args:    []any{"a", 2.5, true},
		Kwargs:  map[string]any{"swag": "yes"},
	}
	for _, tag := range Default.Tags() {
		data, err := Default.Encode(tag, req)
		require.NoError(t, err, tag)

		var out message.Request
		require.NoError(t, Default.Decode(tag, data, &out), tag)
		assert.Equal(t, *req, out, tag)
	}
}

func TestUnsupportedCodec(t *testing.T) {
	_, err := Default.Encode("pickle", "x")
	assert.True(t, errors.Is(err, errs.ErrUnsupportedCodec))

	var out any
	err = Default.Decode("pickle", []byte("x"), &out)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedCodec))

	_, err = GetCodec("nope")
	assert.True(t, errors.Is(err, errs.ErrUnsupportedCodec))
}

func TestUnserializableValue(t *testing.T) {
	_, err := Default.Encode(TagJSON, message.Success("bad", make(chan int)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSerialization))

	var serr *errs.SerializationError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, TagJSON, serr.Codec)
}

type unregistered struct{ A int }

func TestGobRequiresRegisteredTypes(t *testing.T) {
	_, err := Default.Encode(TagGob, message.Success("x", unregistered{A: 1}))
	assert.True(t, errors.Is(err, errs.ErrSerialization))
}

func TestRegisterRejectsBadTags(t *testing.T) {
	r := NewRegistry(&JSONCodec{})
	assert.Error(t, r.Register(&JSONCodec{}))
	assert.Error(t, r.Register(NewZstd("", &JSONCodec{})))
	assert.Error(t, r.Register(NewZstd("far-too-long-tag", &JSONCodec{})))
	assert.NoError(t, r.Register(NewZstd("json-z", &JSONCodec{})))
	assert.Equal(t, []string{"json", "json-z"}, r.Tags())
}

func TestCompressionShrinksRepetitivePayloads(t *testing.T) {
	big := strings.Repeat("repetitive payload ", 1000)
	plain, err := Default.Encode(TagJSON, message.Success("big", big))
	require.NoError(t, err)

	for _, tag := range []string{TagJSONZstd, TagCBORLZ4} {
		packed, err := Default.Encode(tag, message.Success("big", big))
		require.NoError(t, err)
		assert.Less(t, len(packed), len(plain)/4, tag)

		var out message.Result
		require.NoError(t, Default.Decode(tag, packed, &out))
		assert.Equal(t, big, out.Value)
	}
}

func TestCorruptCompressedPayload(t *testing.T) {
	var out message.Result
	assert.Error(t, Default.Decode(TagJSONZstd, []byte("not zstd"), &out))
	assert.Error(t, Default.Decode(TagCBORLZ4, []byte("not lz4"), &out))
}

func BenchmarkCodecs(b *testing.B) {
	req := &message.Request{
		Name:   "pow",
		Args:   []any{2.0, 10.0},
		Kwargs: map[string]any{},
	}
	for _, tag := range Default.Tags() {
		b.Run(tag, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				data, _ := Default.Encode(tag, req)
				var out message.Request
				Default.Decode(tag, data, &out)
			}
		})
	}
}
