// Package transport implements the client side of the socket protocol.
//
// A Connector opens one connection per request: it frames and sends the
// request, then (when a result is wanted) reads the listener's acknowledgement
// and the final result off the same connection before closing it.
//
//	Send ──connect (retry)──→ write request frame ──→ [no result] close
//	                                              └─→ Receive: ACK(id) → result(id) → close
//
// Connecting retries only while the socket is missing or refusing
// connections, so a client started alongside its listener does not fail
// during the listener's startup window.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"mini-ipc/codec"
	"mini-ipc/errs"
	"mini-ipc/message"
	"mini-ipc/protocol"
)

// Defaults for the connect retry policy.
const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultMinSleep       = 10 * time.Millisecond
	DefaultMaxSleep       = 50 * time.Millisecond
	DefaultReceiveTimeout = 30 * time.Second
)

// Connector sends requests to the listener bound at one socket path.
// It is safe for concurrent use; each call gets its own connection.
type Connector struct {
	path           string
	codecTag       string
	codecs         *codec.Registry
	frames         *protocol.Registry
	connectTimeout time.Duration
	minSleep       time.Duration
	maxSleep       time.Duration
	receiveTimeout time.Duration
	logger         *zap.Logger

	nextID atomic.Uint32
}

// Option configures a Connector.
type Option func(*Connector)

// WithCodec selects the payload codec used for requests.
func WithCodec(tag string) Option {
	return func(c *Connector) { c.codecTag = tag }
}

// WithCodecs replaces the codec registry.
func WithCodecs(r *codec.Registry) Option {
	return func(c *Connector) { c.codecs = r }
}

// WithFrames replaces the header-kind registry.
func WithFrames(r *protocol.Registry) Option {
	return func(c *Connector) { c.frames = r }
}

// WithConnectTimeout bounds how long connecting keeps retrying.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Connector) { c.connectTimeout = d }
}

// WithRetrySleep sets the first and the largest pause between connect attempts.
func WithRetrySleep(first, limit time.Duration) Option {
	return func(c *Connector) {
		c.minSleep = first
		c.maxSleep = limit
	}
}

// WithReceiveTimeout bounds the wait for each response frame. Zero leaves
// only the call's context in charge.
func WithReceiveTimeout(d time.Duration) Option {
	return func(c *Connector) { c.receiveTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Connector) { c.logger = l }
}

// NewConnector returns a connector for the socket at path.
func NewConnector(path string, opts ...Option) *Connector {
	c := &Connector{
		path:           path,
		codecTag:       codec.TagJSON,
		codecs:         codec.Default,
		frames:         protocol.Default,
		connectTimeout: DefaultConnectTimeout,
		minSleep:       DefaultMinSleep,
		maxSleep:       DefaultMaxSleep,
		receiveTimeout: DefaultReceiveTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxSleep < c.minSleep {
		c.maxSleep = c.minSleep
	}
	// Ids start just past the process id so concurrent clients on one host
	// rarely collide in the listener's message log.
	c.nextID.Store(uint32(os.Getpid()) + 1)
	return c
}

func (c *Connector) Path() string  { return c.path }
func (c *Connector) Codec() string { return c.codecTag }

// NextID returns a fresh message id.
func (c *Connector) NextID() uint32 {
	return c.nextID.Add(1) - 1
}

// Connect opens a connection to the listener.
//
// While the socket is absent or refuses connections, Connect sleeps and tries
// again. The pause starts at the minimum sleep and grows by half of it per
// attempt up to the maximum. Once the connect timeout has elapsed, one last
// attempt is made and its failure is returned as *errs.ConnectError. Any other
// dial failure is returned immediately.
func (c *Connector) Connect(ctx context.Context) (net.Conn, error) {
	deadline := time.Now().Add(c.connectTimeout)
	sleep := c.minSleep
	step := c.minSleep / 2
	attempts := 0

	for time.Now().Before(deadline) {
		conn, err := c.dial(ctx)
		attempts++
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, &errs.ConnectError{Path: c.path, Err: ctx.Err()}
		}
		if !retryable(err) {
			return nil, &errs.ConnectError{Path: c.path, Err: err}
		}
		c.logger.Debug("socket not ready, retrying",
			zap.String("path", c.path),
			zap.Int("attempt", attempts),
			zap.Duration("sleep", sleep),
			zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &errs.ConnectError{Path: c.path, Err: ctx.Err()}
		case <-timer.C:
		}
		sleep = min(sleep+step, c.maxSleep)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("connect failed", zap.String("path", c.path), zap.Int("attempts", attempts+1), zap.Error(err))
		return nil, &errs.ConnectError{Path: c.path, Err: err}
	}
	return conn, nil
}

func (c *Connector) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", c.path)
}

// retryable reports whether err means the listener is not up yet.
func retryable(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED)
}

// Send encodes req, connects and writes one request frame. When wantResult is
// false the connection is closed after the write and conn is nil; otherwise
// the caller must pass conn to Receive.
func (c *Connector) Send(ctx context.Context, req *message.Request, wantResult bool) (conn net.Conn, id uint32, err error) {
	payload, err := c.codecs.Encode(c.codecTag, req)
	if err != nil {
		return nil, 0, err
	}
	id = c.NextID()
	header := &protocol.RequestHeader{
		MessageID:  id,
		DataLength: uint32(len(payload)),
		WantResult: wantResult,
		Codec:      c.codecTag,
	}

	conn, err = c.Connect(ctx)
	if err != nil {
		return nil, id, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	}
	if err := c.frames.WriteFrame(conn, header, payload); err != nil {
		conn.Close()
		return nil, id, err
	}
	c.logger.Debug("request sent",
		zap.Uint32("id", id),
		zap.String("command", req.Name),
		zap.Stringer("context", req.Context),
		zap.Bool("want_result", wantResult))

	if !wantResult {
		conn.Close()
		return nil, id, nil
	}
	return conn, id, nil
}

// Reply is what the listener sent back for one request.
type Reply struct {
	// RequestID is the id of the request frame; zero when unknown.
	RequestID uint32
	// MessageID is the id the listener assigned to the exchange.
	MessageID uint32
	// Acked reports whether an acknowledgement preceded the result.
	Acked  bool
	Codec  string
	Result *message.Result
}

// Receive reads the response to a request sent on conn and closes conn.
//
// An acknowledgement frame may precede the result; Receive skips it and keeps
// reading until a non-acknowledgement frame arrives, which must carry the
// acknowledged id. The receive timeout, if
// set, applies to each frame.
func (c *Connector) Receive(ctx context.Context, conn net.Conn) (*Reply, error) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	reply := &Reply{}
	for {
		if c.receiveTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.receiveTimeout))
		}
		header, payload, err := c.frames.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("%w after %s", errs.ErrReceiveTimeout, c.receiveTimeout)
			}
			return nil, err
		}
		if header.Layout() != protocol.ResponseLayout {
			return nil, &errs.ProtocolError{Op: "receive", Err: fmt.Errorf("unexpected %s frame", header.Layout())}
		}

		var res message.Result
		if err := c.codecs.Decode(header.CodecTag(), payload, &res); err != nil {
			return nil, err
		}
		if res.Ack {
			reply.Acked = true
			reply.MessageID = header.ID()
			c.logger.Debug("request acknowledged", zap.Uint32("id", header.ID()), zap.String("command", res.Command))
			continue
		}
		// The result must come under the id the acknowledgement announced.
		if reply.Acked && header.ID() != reply.MessageID {
			return nil, &errs.ProtocolError{Op: "receive", Err: fmt.Errorf("result id %d does not match acknowledgement id %d", header.ID(), reply.MessageID)}
		}
		reply.MessageID = header.ID()
		reply.Codec = header.CodecTag()
		reply.Result = &res
		return reply, nil
	}
}

// Call sends req and waits for its result.
func (c *Connector) Call(ctx context.Context, req *message.Request) (*Reply, error) {
	conn, id, err := c.Send(ctx, req, true)
	if err != nil {
		return nil, err
	}
	reply, err := c.Receive(ctx, conn)
	if err != nil {
		return nil, err
	}
	reply.RequestID = id
	return reply, nil
}

// Notify sends req without waiting for any response.
func (c *Connector) Notify(ctx context.Context, req *message.Request) error {
	_, _, err := c.Send(ctx, req, false)
	return err
}
