package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// maxDecompressed bounds the size a compressed payload may inflate to.
const maxDecompressed = 256 << 20

// compressed wraps an inner codec with a compression stage.
type compressed struct {
	tag        string
	inner      Codec
	compress   func([]byte) ([]byte, error)
	decompress func([]byte) ([]byte, error)
}

func (c *compressed) Encode(v any) ([]byte, error) {
	data, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return c.compress(data)
}

func (c *compressed) Decode(data []byte, v any) error {
	raw, err := c.decompress(data)
	if err != nil {
		return err
	}
	return c.inner.Decode(raw, v)
}

func (c *compressed) Tag() string {
	return c.tag
}

// zstd encoder and decoder are safe for concurrent use and reused across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressed))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// NewZstd returns a codec that zstd-compresses the output of inner.
func NewZstd(tag string, inner Codec) Codec {
	return &compressed{
		tag:   tag,
		inner: inner,
		compress: func(data []byte) ([]byte, error) {
			return zstdEncoder.EncodeAll(data, nil), nil
		},
		decompress: func(data []byte) ([]byte, error) {
			out, err := zstdDecoder.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress: %w", err)
			}
			return out, nil
		},
	}
}

// NewLZ4 returns a codec that LZ4-compresses (frame format) the output of inner.
func NewLZ4(tag string, inner Codec) Codec {
	return &compressed{
		tag:   tag,
		inner: inner,
		compress: func(data []byte) ([]byte, error) {
			var buf bytes.Buffer
			w := lz4.NewWriter(&buf)
			if _, err := w.Write(data); err != nil {
				return nil, fmt.Errorf("lz4 compress: %w", err)
			}
			if err := w.Close(); err != nil {
				return nil, fmt.Errorf("lz4 compress: %w", err)
			}
			return buf.Bytes(), nil
		},
		decompress: func(data []byte) ([]byte, error) {
			r := io.LimitReader(lz4.NewReader(bytes.NewReader(data)), maxDecompressed)
			out, err := io.ReadAll(r)
			if err != nil {
				return nil, fmt.Errorf("lz4 decompress: %w", err)
			}
			return out, nil
		},
	}
}
