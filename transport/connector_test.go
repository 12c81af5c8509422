package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-ipc/codec"
	"mini-ipc/errs"
	"mini-ipc/message"
	"mini-ipc/protocol"
)

func socketPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(os.TempDir(), "ipc-"+uuid.NewString()[:8]+".sock")
	t.Cleanup(func() { os.Remove(path) })
	return path
}

// echoListener answers each request with an ACK and then a result carrying the
// request's name and arguments, mimicking the listener's exchange.
func echoListener(t *testing.T, path string, ack bool) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		var serverID uint32 = 1000
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			serverID++
			go func(conn net.Conn, id uint32) {
				defer conn.Close()
				header, payload, err := protocol.Default.ReadFrame(conn)
				if err != nil {
					return
				}
				req := header.(*protocol.RequestHeader)
				var msg message.Request
				if err := codec.Default.Decode(req.Codec, payload, &msg); err != nil {
					return
				}
				if !req.WantResult {
					return
				}
				if ack {
					writeResult(conn, id, req.Codec, message.Ack(msg.Name))
				}
				writeResult(conn, id, req.Codec, message.Success(msg.Name, msg.Args))
			}(conn, serverID)
		}
	}()
	return ln
}

func writeResult(conn net.Conn, id uint32, tag string, res *message.Result) {
	data, err := codec.Default.Encode(tag, res)
	if err != nil {
		return
	}
	protocol.Default.WriteFrame(conn, &protocol.ResponseHeader{
		MessageID:  id,
		DataLength: uint32(len(data)),
		Codec:      tag,
	}, data)
}

func TestCallRoundTrip(t *testing.T) {
	path := socketPath(t)
	echoListener(t, path, true)

	for _, tag := range codec.Default.Tags() {
		c := NewConnector(path, WithCodec(tag), WithLogger(zaptest.NewLogger(t)))
		reply, err := c.Call(context.Background(), &message.Request{Name: "echo", Args: []any{"a", 1.5}})
		require.NoError(t, err, tag)
		assert.True(t, reply.Acked, tag)
		assert.True(t, reply.Result.OK)
		assert.Equal(t, "echo", reply.Result.Command)
		assert.Equal(t, []any{"a", 1.5}, reply.Result.Value)
		assert.Equal(t, tag, reply.Codec)
		assert.Greater(t, reply.MessageID, uint32(1000))
		assert.NotZero(t, reply.RequestID)
	}
}

func TestReceiveWithoutAck(t *testing.T) {
	path := socketPath(t)
	echoListener(t, path, false)

	reply, err := NewConnector(path).Call(context.Background(), &message.Request{Name: "x"})
	require.NoError(t, err)
	assert.False(t, reply.Acked)
	assert.Equal(t, "x", reply.Result.Command)
}

func TestMessageIDsStartPastPID(t *testing.T) {
	c := NewConnector("/unused")
	first := c.NextID()
	assert.Equal(t, uint32(os.Getpid())+1, first)
	assert.Equal(t, first+1, c.NextID())
}

func TestConnectWaitsForLateListener(t *testing.T) {
	path := socketPath(t)
	go func() {
		time.Sleep(150 * time.Millisecond)
		echoListener(t, path, true)
	}()

	c := NewConnector(path, WithConnectTimeout(2*time.Second))
	start := time.Now()
	reply, err := c.Call(context.Background(), &message.Request{Name: "late"})
	require.NoError(t, err)
	assert.Equal(t, "late", reply.Result.Command)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestConnectGivesUpAfterTimeout(t *testing.T) {
	path := socketPath(t)
	c := NewConnector(path, WithConnectTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := c.Connect(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConnect))
	var cerr *errs.ConnectError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, path, cerr.Path)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestConnectRefusedIsRetried(t *testing.T) {
	// A socket file nobody listens on refuses connections.
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	c := NewConnector(path, WithConnectTimeout(80*time.Millisecond))
	start := time.Now()
	_, err = c.Connect(context.Background())
	assert.True(t, errors.Is(err, errs.ErrConnect))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestConnectOtherErrorsAreImmediate(t *testing.T) {
	// Paths longer than sun_path fail with EINVAL, which is never retried.
	long := filepath.Join(os.TempDir(), strings.Repeat("x", 200)+".sock")
	c := NewConnector(long, WithConnectTimeout(5*time.Second))

	start := time.Now()
	_, err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConnect))
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewConnector(socketPath(t), WithConnectTimeout(5*time.Second))
	_, err := c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestResultMustMatchAckID(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		header, _, err := protocol.Default.ReadFrame(conn)
		if err != nil {
			return
		}
		tag := header.CodecTag()
		writeResult(conn, 5, tag, message.Ack("mismatch"))
		writeResult(conn, 6, tag, message.Success("mismatch", 1))
	}()

	c := NewConnector(path)
	_, err = c.Call(context.Background(), &message.Request{Name: "mismatch"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrProtocol), "got %v", err)
}

func TestReceiveTimeoutDefaultsToFinite(t *testing.T) {
	c := NewConnector(socketPath(t))
	assert.Equal(t, DefaultReceiveTimeout, c.receiveTimeout)
	assert.Positive(t, c.receiveTimeout)
}

func TestReceiveTimeout(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Read the request and never answer.
		protocol.Default.ReadFrame(conn)
		time.Sleep(time.Second)
		conn.Close()
	}()

	c := NewConnector(path, WithReceiveTimeout(50*time.Millisecond))
	_, err = c.Call(context.Background(), &message.Request{Name: "slow"})
	assert.True(t, errors.Is(err, errs.ErrReceiveTimeout))
}

func TestNotifyDoesNotWait(t *testing.T) {
	path := socketPath(t)
	got := make(chan string, 1)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		header, payload, err := protocol.Default.ReadFrame(conn)
		if err != nil {
			return
		}
		var msg message.Request
		codec.Default.Decode(header.CodecTag(), payload, &msg)
		if !header.(*protocol.RequestHeader).WantResult {
			got <- msg.Name
		}
	}()

	require.NoError(t, NewConnector(path).Notify(context.Background(), &message.Request{Name: "fire"}))
	select {
	case name := <-got:
		assert.Equal(t, "fire", name)
	case <-time.After(time.Second):
		t.Fatal("listener never saw the notification")
	}
}

func TestSendUnserializableRequest(t *testing.T) {
	c := NewConnector(socketPath(t))
	_, _, err := c.Send(context.Background(), &message.Request{Name: "bad", Args: []any{make(chan int)}}, true)
	assert.True(t, errors.Is(err, errs.ErrSerialization))
}
