package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{&ConnectError{Path: "/x", Err: io.EOF}, ErrConnect},
		{&ProtocolError{Op: "read", Err: io.ErrUnexpectedEOF}, ErrProtocol},
		{&UnknownCommandError{Name: "x"}, ErrUnknownCommand},
		{&ExecutionError{Command: "x", Err: io.EOF}, ErrExecution},
		{&DuplicateCommandError{Type: "T", Name: "x"}, ErrDuplicateCommand},
		{&SerializationError{Codec: "json", Err: io.EOF}, ErrSerialization},
	}
	for _, tc := range cases {
		assert.True(t, errors.Is(tc.err, tc.sentinel), tc.err.Error())
		assert.True(t, errors.Is(fmt.Errorf("wrapped: %w", tc.err), tc.sentinel))
	}

	// The cause stays reachable.
	assert.True(t, errors.Is(&ConnectError{Path: "/x", Err: io.EOF}, io.EOF))
}

func TestKindOfRoundTrip(t *testing.T) {
	cases := map[string]error{
		KindUnknownCommand: &UnknownCommandError{Name: "x"},
		KindSerialization:  &SerializationError{Codec: "gob", Err: io.EOF},
		KindBind:           fmt.Errorf("%w: missing x", ErrBind),
		KindProtocol:       ErrUnsupportedCodec,
		KindUnavailable:    ErrPoolClosed,
		KindExecution:      errors.New("anything else"),
	}
	for kind, err := range cases {
		assert.Equal(t, kind, KindOf(err))

		remote := &RemoteError{Command: "x", Kind: kind, Message: err.Error()}
		if sentinel := remote.Unwrap(); sentinel != nil {
			assert.Equal(t, kind, KindOf(remote), "remote %s keeps its kind", kind)
		}
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	err := &RemoteError{Command: "pow", Kind: KindExecution, Message: "boom", MessageID: 7}
	assert.Equal(t, `ipc: remote execution error on "pow": boom`, err.Error())
	assert.True(t, errors.Is(err, ErrExecution))
	assert.False(t, errors.Is(err, ErrUnknownCommand))
}
