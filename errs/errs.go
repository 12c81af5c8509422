// Package errs defines the error taxonomy shared by the client and server sides.
//
// Sentinels are matched with errors.Is; the typed errors carry context and unwrap
// to their sentinel so either style works at the call site.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrConnect           = errors.New("ipc: cannot connect")
	ErrProtocol          = errors.New("ipc: protocol error")
	ErrUnsupportedCodec  = errors.New("ipc: unsupported codec")
	ErrUnknownHeaderKind = errors.New("ipc: unknown header kind")
	ErrUnknownCommand    = errors.New("ipc: unknown command")
	ErrExecution         = errors.New("ipc: command execution failed")
	ErrDuplicateCommand  = errors.New("ipc: command already defined")
	ErrSerialization     = errors.New("ipc: value cannot be serialized")
	ErrBind              = errors.New("ipc: arguments do not match signature")
	ErrReceiveTimeout    = errors.New("ipc: timed out waiting for response")
	ErrListenerStopped   = errors.New("ipc: listener stopped")
	ErrPeerNotPermitted  = errors.New("ipc: peer credentials rejected")
	ErrNoEndpoints       = errors.New("ipc: no endpoints available")
	ErrPoolClosed        = errors.New("ipc: pool closed")
)

// ConnectError is returned when the socket is absent or refuses connections
// after the retry policy has been exhausted.
type ConnectError struct {
	Path string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ipc: connect %s: %v", e.Path, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{ErrConnect, e.Err} }

// ProtocolError reports a malformed or truncated frame, an unknown header
// kind, or an unknown codec tag.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ipc: protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() []error { return []error{ErrProtocol, e.Err} }

// UnknownCommandError names a command that is absent from the registry.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("ipc: unknown command %q", e.Name)
}

func (e *UnknownCommandError) Unwrap() error { return ErrUnknownCommand }

// ExecutionError wraps a failure raised by a command body.
type ExecutionError struct {
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("ipc: command %q failed: %v", e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() []error { return []error{ErrExecution, e.Err} }

// DuplicateCommandError is raised while building a command registry.
type DuplicateCommandError struct {
	Type string
	Name string
}

func (e *DuplicateCommandError) Error() string {
	return fmt.Sprintf("ipc: %s: command %q defined twice", e.Type, e.Name)
}

func (e *DuplicateCommandError) Unwrap() error { return ErrDuplicateCommand }

// SerializationError reports a value that cannot cross a process boundary
// through the selected codec.
type SerializationError struct {
	Codec string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("ipc: %s codec cannot serialize value: %v", e.Codec, e.Err)
}

func (e *SerializationError) Unwrap() []error { return []error{ErrSerialization, e.Err} }

// RemoteError is an error result relayed from the listener. Kind holds the
// name of the server-side error class ("unknown_command", "execution", ...).
type RemoteError struct {
	Command   string
	Kind      string
	Message   string
	MessageID uint32
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ipc: remote %s error on %q: %s", e.Kind, e.Command, e.Message)
}

// Unwrap maps the remote kind back onto the local sentinel so callers can
// write errors.Is(err, errs.ErrUnknownCommand) on the client side.
func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case KindUnknownCommand:
		return ErrUnknownCommand
	case KindExecution:
		return ErrExecution
	case KindProtocol:
		return ErrProtocol
	case KindSerialization:
		return ErrSerialization
	case KindBind:
		return ErrBind
	}
	return nil
}

// Kinds carried in error results.
const (
	KindUnknownCommand = "unknown_command"
	KindExecution      = "execution"
	KindProtocol       = "protocol"
	KindSerialization  = "serialization"
	KindBind           = "bind"
	KindUnavailable    = "unavailable"
)

// KindOf classifies err for transmission in an error result.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return KindUnknownCommand
	case errors.Is(err, ErrSerialization):
		return KindSerialization
	case errors.Is(err, ErrBind):
		return KindBind
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrUnsupportedCodec):
		return KindProtocol
	case errors.Is(err, ErrPoolClosed), errors.Is(err, ErrListenerStopped):
		return KindUnavailable
	default:
		return KindExecution
	}
}
