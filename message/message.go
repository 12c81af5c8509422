// Package message defines the records carried as frame payloads.
//
// A Request names a command and carries its bound arguments; a Result carries
// either the command's return value or an error description. Both are plain
// structs so every codec in the codec package can serialize them.
package message

import (
	"fmt"
	"strings"
)

// Context is the execution policy attached to a command at registration time.
type Context uint8

const (
	Blocking Context = iota // run inline in the connection handler
	Thread                  // run on the bounded goroutine pool
	Process                 // run in a worker process
	Server                  // run inline against the listener itself
)

var contextNames = [...]string{"BLOCKING", "THREAD", "PROCESS", "SERVER"}

func (c Context) String() string {
	if int(c) < len(contextNames) {
		return contextNames[c]
	}
	return fmt.Sprintf("Context(%d)", uint8(c))
}

// ParseContext accepts the names printed by String, case-insensitively.
func ParseContext(s string) (Context, error) {
	for i, name := range contextNames {
		if strings.EqualFold(s, name) {
			return Context(i), nil
		}
	}
	return 0, fmt.Errorf("unknown execution context %q", s)
}

// Request is the payload of a client-request frame.
//
// Args holds every positional value after binding (defaults applied), so the
// receiver never has to re-apply defaults. Kwargs holds keyword-only values
// and any extra keywords captured by a variadic keyword parameter.
type Request struct {
	Context Context        `json:"context"`
	Name    string         `json:"name"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
}

func (r *Request) String() string {
	return fmt.Sprintf("%s[%s](args=%v, kwargs=%v)", r.Name, r.Context, r.Args, r.Kwargs)
}

// Result is the payload of a server-response frame.
//
// An acknowledgement (Ack=true) precedes the real result when the caller asked
// for one; both travel under the same message id.
type Result struct {
	Ack     bool   `json:"ack,omitempty"`
	OK      bool   `json:"ok"`
	Command string `json:"command,omitempty"`
	Value   any    `json:"value,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Success builds an OK result.
func Success(command string, value any) *Result {
	return &Result{OK: true, Command: command, Value: value}
}

// Failure builds an error result.
func Failure(command, kind string, err error) *Result {
	return &Result{Command: command, Kind: kind, Error: err.Error()}
}

// Ack builds the acknowledgement sent before execution starts.
func Ack(command string) *Result {
	return &Result{Ack: true, OK: true, Command: command}
}
