// Package protocol implements the length-framed binary wire format.
//
// Every frame starts with a fixed 6-byte prefix: the total frame length and the
// header kind. The kind selects a registered header layout, so a receiver can
// work out the size and shape of the header from the prefix alone. The payload
// follows the header and is decoded by the codec named in the header.
//
// Frame format (big-endian):
//
//	0          4      6                          6+N
//	┌──────────┬──────┬──────────────────────────┬──────────────────┐
//	│total_len │ kind │ layout fields (N bytes)  │ payload ...      │
//	│  uint32  │uint16│                          │ data_length bytes│
//	└──────────┴──────┴──────────────────────────┴──────────────────┘
//
// Client-request fields: message_id u32 | data_length u32 | want_result u8 | codec_tag [10]
// Server-response fields: message_id u32 | data_length u32 | codec_tag [10]
//
// Invariant: total_len == 6 + N + data_length.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"mini-ipc/errs"
)

const (
	PrefixSize   = 6  // total_length (4) + header_kind (2)
	CodecTagSize = 10 // zero-padded codec tag
)

// MaxPayload bounds data_length so a corrupt prefix cannot make a reader
// allocate unbounded memory.
const MaxPayload = 64 << 20

// Kind identifies a header layout. Kinds are assigned sequentially, starting
// at 1, in the order layouts are registered.
type Kind uint16

// Header is one concrete header layout. Implementations encode only their own
// fields; the prefix is written by the Registry.
type Header interface {
	// Layout returns the name the layout was registered under.
	Layout() string
	// FieldsSize is the fixed byte length of the layout fields.
	FieldsSize() int
	PutFields(b []byte) error
	ParseFields(b []byte) error
	// PayloadLength is the data_length field.
	PayloadLength() uint32
	// ID returns the message_id field.
	ID() uint32
	// CodecTag returns the payload codec tag.
	CodecTag() string
}

// NeedMoreError is returned by the decoders when the buffer is short. Remaining
// is the exact number of additional bytes required.
type NeedMoreError struct {
	Remaining uint32
}

func (e *NeedMoreError) Error() string {
	return fmt.Sprintf("protocol: need %d more bytes", e.Remaining)
}

// IsNeedMore reports whether err asks for more bytes, and how many.
func IsNeedMore(err error) (uint32, bool) {
	var need *NeedMoreError
	if errors.As(err, &need) {
		return need.Remaining, true
	}
	return 0, false
}

// putTag writes tag right-padded with zero bytes.
func putTag(b []byte, tag string) error {
	if len(tag) > CodecTagSize {
		return fmt.Errorf("codec tag %q is longer than %d bytes", tag, CodecTagSize)
	}
	n := copy(b[:CodecTagSize], tag)
	clear(b[n:CodecTagSize])
	return nil
}

func parseTag(b []byte) string {
	return string(bytes.TrimRight(b[:CodecTagSize], "\x00"))
}

// RequestHeader is the client-request layout.
type RequestHeader struct {
	MessageID  uint32
	DataLength uint32
	WantResult bool
	Codec      string
}

const RequestLayout = "client-request"

func (h *RequestHeader) Layout() string        { return RequestLayout }
func (h *RequestHeader) FieldsSize() int       { return 4 + 4 + 1 + CodecTagSize }
func (h *RequestHeader) PayloadLength() uint32 { return h.DataLength }
func (h *RequestHeader) ID() uint32            { return h.MessageID }
func (h *RequestHeader) CodecTag() string      { return h.Codec }

func (h *RequestHeader) PutFields(b []byte) error {
	binary.BigEndian.PutUint32(b[0:4], h.MessageID)
	binary.BigEndian.PutUint32(b[4:8], h.DataLength)
	b[8] = 0
	if h.WantResult {
		b[8] = 1
	}
	return putTag(b[9:], h.Codec)
}

func (h *RequestHeader) ParseFields(b []byte) error {
	h.MessageID = binary.BigEndian.Uint32(b[0:4])
	h.DataLength = binary.BigEndian.Uint32(b[4:8])
	switch b[8] {
	case 0:
		h.WantResult = false
	case 1:
		h.WantResult = true
	default:
		return fmt.Errorf("invalid want_result byte %#x", b[8])
	}
	h.Codec = parseTag(b[9:])
	return nil
}

// ResponseHeader is the server-response layout.
type ResponseHeader struct {
	MessageID  uint32
	DataLength uint32
	Codec      string
}

const ResponseLayout = "server-response"

func (h *ResponseHeader) Layout() string        { return ResponseLayout }
func (h *ResponseHeader) FieldsSize() int       { return 4 + 4 + CodecTagSize }
func (h *ResponseHeader) PayloadLength() uint32 { return h.DataLength }
func (h *ResponseHeader) ID() uint32            { return h.MessageID }
func (h *ResponseHeader) CodecTag() string      { return h.Codec }

func (h *ResponseHeader) PutFields(b []byte) error {
	binary.BigEndian.PutUint32(b[0:4], h.MessageID)
	binary.BigEndian.PutUint32(b[4:8], h.DataLength)
	return putTag(b[8:], h.Codec)
}

func (h *ResponseHeader) ParseFields(b []byte) error {
	h.MessageID = binary.BigEndian.Uint32(b[0:4])
	h.DataLength = binary.BigEndian.Uint32(b[4:8])
	h.Codec = parseTag(b[8:])
	return nil
}

func protocolError(op string, err error) error {
	return &errs.ProtocolError{Op: op, Err: err}
}
