package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"mini-ipc/errs"
)

type layout struct {
	name      string
	size      int // prefix + fields
	newHeader func() Header
}

// Registry maps header kinds to layouts. Kinds are handed out sequentially at
// registration and are stable for the lifetime of the Registry; they are not
// persisted. Both ends of a connection must register the same layouts in the
// same order, which Default guarantees.
type Registry struct {
	mu     sync.RWMutex
	next   Kind
	byKind map[Kind]*layout
	byName map[string]Kind
}

// NewRegistry returns an empty registry whose first layout receives kind 1.
func NewRegistry() *Registry {
	return &Registry{
		next:   1,
		byKind: make(map[Kind]*layout),
		byName: make(map[string]Kind),
	}
}

// NewDefaultRegistry returns a registry holding the request layout (kind 1)
// and the response layout (kind 2).
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(func() Header { return new(RequestHeader) })
	r.MustRegister(func() Header { return new(ResponseHeader) })
	return r
}

// Default is the registry shared by the Connector and the Listener.
var Default = NewDefaultRegistry()

// Register adds a layout and returns the kind assigned to it. The layout name
// is taken from a header produced by newHeader.
func (r *Registry) Register(newHeader func() Header) (Kind, error) {
	sample := newHeader()
	name := sample.Layout()

	r.mu.Lock()
	defer r.mu.Unlock()
	if kind, ok := r.byName[name]; ok {
		return kind, fmt.Errorf("protocol: header layout %q already registered as kind %d", name, kind)
	}
	kind := r.next
	r.next++
	r.byKind[kind] = &layout{
		name:      name,
		size:      PrefixSize + sample.FieldsSize(),
		newHeader: newHeader,
	}
	r.byName[name] = kind
	return kind, nil
}

// MustRegister is Register that panics on a duplicate layout.
func (r *Registry) MustRegister(newHeader func() Header) Kind {
	kind, err := r.Register(newHeader)
	if err != nil {
		panic(err)
	}
	return kind
}

// KindOf returns the kind assigned to the named layout.
func (r *Registry) KindOf(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.byName[name]
	return kind, ok
}

// HeaderSize returns the full header size (prefix included) for kind.
func (r *Registry) HeaderSize(kind Kind) (int, error) {
	l, err := r.lookup(kind)
	if err != nil {
		return 0, err
	}
	return l.size, nil
}

func (r *Registry) lookup(kind Kind) (*layout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byKind[kind]
	if !ok {
		return nil, protocolError("decode header", fmt.Errorf("%w: %d", errs.ErrUnknownHeaderKind, kind))
	}
	return l, nil
}

// Encode returns the header bytes for h. total_length is computed from the
// layout size and h's data_length.
func (r *Registry) Encode(h Header) ([]byte, error) {
	kind, ok := r.KindOf(h.Layout())
	if !ok {
		return nil, protocolError("encode header", fmt.Errorf("%w: layout %q not registered", errs.ErrUnknownHeaderKind, h.Layout()))
	}
	if h.PayloadLength() > MaxPayload {
		return nil, protocolError("encode header", fmt.Errorf("payload of %d bytes exceeds limit of %d", h.PayloadLength(), MaxPayload))
	}
	size := PrefixSize + h.FieldsSize()
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(size)+h.PayloadLength())
	binary.BigEndian.PutUint16(buf[4:6], uint16(kind))
	if err := h.PutFields(buf[PrefixSize:]); err != nil {
		return nil, protocolError("encode header", err)
	}
	return buf, nil
}

// DecodeHeader decodes the header at the start of buf. Bytes past the header
// are ignored. When buf is too short it returns a *NeedMoreError carrying the
// number of bytes still missing from the header: first the prefix, then, once
// the prefix is known, the layout fields.
func (r *Registry) DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < PrefixSize {
		return nil, &NeedMoreError{Remaining: uint32(PrefixSize - len(buf))}
	}
	total := binary.BigEndian.Uint32(buf[0:4])
	kind := Kind(binary.BigEndian.Uint16(buf[4:6]))

	l, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	if total < uint32(l.size) {
		return nil, protocolError("decode header", fmt.Errorf("total length %d shorter than %s header (%d bytes)", total, l.name, l.size))
	}
	if len(buf) < l.size {
		return nil, &NeedMoreError{Remaining: uint32(l.size - len(buf))}
	}

	h := l.newHeader()
	if err := h.ParseFields(buf[PrefixSize:l.size]); err != nil {
		return nil, protocolError("decode header", err)
	}
	if total != uint32(l.size)+h.PayloadLength() {
		return nil, protocolError("decode header", fmt.Errorf("total length %d does not match header %d + data %d", total, l.size, h.PayloadLength()))
	}
	if h.PayloadLength() > MaxPayload {
		return nil, protocolError("decode header", fmt.Errorf("payload of %d bytes exceeds limit of %d", h.PayloadLength(), MaxPayload))
	}
	return h, nil
}

// Frame is a decoded header plus its payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// DecodeFrame decodes a complete frame from the start of buf. When buf holds
// fewer than total_length bytes the returned *NeedMoreError carries the exact
// shortfall against total_length. Trailing bytes are ignored.
func (r *Registry) DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < PrefixSize {
		return nil, &NeedMoreError{Remaining: uint32(PrefixSize - len(buf))}
	}
	total := binary.BigEndian.Uint32(buf[0:4])
	if uint32(len(buf)) < total {
		if _, err := r.lookup(Kind(binary.BigEndian.Uint16(buf[4:6]))); err != nil {
			return nil, err
		}
		return nil, &NeedMoreError{Remaining: total - uint32(len(buf))}
	}
	h, err := r.DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	size := total - h.PayloadLength()
	return &Frame{Header: h, Payload: buf[size:total]}, nil
}

// ReadHeader reads exactly one header from rd. It reads the prefix first and
// then issues one read of exactly the size the decoder asks for.
func (r *Registry) ReadHeader(rd io.Reader) (Header, error) {
	buf := make([]byte, PrefixSize, 32)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return nil, readError("read header", err)
	}
	for {
		h, err := r.DecodeHeader(buf)
		remaining, short := IsNeedMore(err)
		if !short {
			return h, err
		}
		n := len(buf)
		buf = append(buf, make([]byte, remaining)...)
		if _, err := io.ReadFull(rd, buf[n:]); err != nil {
			return nil, readError("read header", err)
		}
	}
}

// ReadFrame reads one header and its payload from rd.
func (r *Registry) ReadFrame(rd io.Reader) (Header, []byte, error) {
	h, err := r.ReadHeader(rd)
	if err != nil {
		return nil, nil, err
	}
	payload := make([]byte, h.PayloadLength())
	if _, err := io.ReadFull(rd, payload); err != nil {
		return h, nil, readError("read payload", err)
	}
	return h, payload, nil
}

// WriteFrame writes the header for h followed by payload. h's data_length must
// equal len(payload).
func (r *Registry) WriteFrame(w io.Writer, h Header, payload []byte) error {
	if int(h.PayloadLength()) != len(payload) {
		return protocolError("write frame", fmt.Errorf("data_length %d does not match payload of %d bytes", h.PayloadLength(), len(payload)))
	}
	header, err := r.Encode(h)
	if err != nil {
		return err
	}
	if err := WriteFull(w, header); err != nil {
		return err
	}
	return WriteFull(w, payload)
}

// WriteFull writes all of b, retrying short writes.
func WriteFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// readError keeps a clean io.EOF (peer sent nothing) distinguishable from a
// truncated frame.
func readError(op string, err error) error {
	if err == io.EOF {
		return err
	}
	return protocolError(op, err)
}
