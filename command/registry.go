// Package command builds the table of remotely callable commands for a type.
//
// A Registry is built once, from explicit definitions, when the exposing type
// is set up:
//
//	calc := command.MustBuild[*Calc]("Calc",
//		command.Define("pow", command.Sig(command.Required("x"), command.Required("y")),
//			command.Method2((*Calc).Pow)),
//		command.Define("crunch", command.Sig(command.Required("n")),
//			command.Method1((*Calc).Crunch)).In(message.Thread),
//	)
//
// The registry is immutable afterwards and is shared, read-only, by the
// listener serving the type and by every client generated from it. Every
// registry also carries the reserved SERVER-context command "stop".
package command

import (
	"context"
	"fmt"
	"slices"

	"mini-ipc/errs"
	"mini-ipc/message"
)

// Stop is the reserved command that halts the remote listener.
const Stop = "stop"

// Host is the listener as seen by SERVER-context commands.
type Host interface {
	// Stop halts the accept loop. It does not wait for in-flight work.
	Stop()
	SocketPath() string
}

// MethodFunc is an instance-bound command body. recv is the exposed object.
type MethodFunc[T any] func(ctx context.Context, recv T, args Args) (any, error)

// Func is an unbound command body. host is the listener for SERVER-context
// commands and nil otherwise.
type Func func(ctx context.Context, host Host, args Args) (any, error)

// Def is one command definition, consumed by Build.
type Def[T any] struct {
	name      string
	context   message.Context
	signature Signature
	method    MethodFunc[T]
	fn        Func
}

// Define declares an instance-bound command in the BLOCKING context.
func Define[T any](name string, sig Signature, fn MethodFunc[T]) Def[T] {
	return Def[T]{name: name, context: message.Blocking, signature: sig, method: fn}
}

// DefineFunc declares an unbound command in the BLOCKING context.
func DefineFunc[T any](name string, sig Signature, fn Func) Def[T] {
	return Def[T]{name: name, context: message.Blocking, signature: sig, fn: fn}
}

// In returns a copy of d that runs in ctx.
func (d Def[T]) In(ctx message.Context) Def[T] {
	d.context = ctx
	return d
}

// Descriptor is the registered, immutable form of a command.
type Descriptor[T any] struct {
	Name      string
	Context   message.Context
	Signature Signature
	// Bound reports whether the command receives the exposed object.
	Bound bool

	method MethodFunc[T]
	fn     Func
}

// Invoke runs the command body. recv is used by bound commands; host is passed
// to unbound SERVER-context commands.
func (d *Descriptor[T]) Invoke(ctx context.Context, recv T, host Host, args Args) (any, error) {
	if d.Bound {
		return d.method(ctx, recv, args)
	}
	if d.Context != message.Server {
		host = nil
	}
	return d.fn(ctx, host, args)
}

// Registry maps command names to descriptors for one exposing type.
type Registry[T any] struct {
	typeName string
	commands map[string]*Descriptor[T]
	names    []string
}

// Build creates the registry for typeName from defs. Defining two commands
// with the same name, or redefining "stop", fails with
// *errs.DuplicateCommandError.
func Build[T any](typeName string, defs ...Def[T]) (*Registry[T], error) {
	r := &Registry[T]{
		typeName: typeName,
		commands: make(map[string]*Descriptor[T], len(defs)+1),
	}
	stop := DefineFunc[T](Stop, Sig(), func(_ context.Context, host Host, _ Args) (any, error) {
		if host != nil {
			host.Stop()
		}
		return nil, nil
	}).In(message.Server)

	for _, d := range append([]Def[T]{stop}, defs...) {
		if err := r.add(d); err != nil {
			return nil, err
		}
	}
	slices.Sort(r.names)
	return r, nil
}

// MustBuild is Build that panics on error. Use it for package-level registries.
func MustBuild[T any](typeName string, defs ...Def[T]) *Registry[T] {
	r, err := Build(typeName, defs...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry[T]) add(d Def[T]) error {
	if d.name == "" {
		return fmt.Errorf("command: %s: command without a name", r.typeName)
	}
	if _, exists := r.commands[d.name]; exists {
		return &errs.DuplicateCommandError{Type: r.typeName, Name: d.name}
	}
	if (d.method == nil) == (d.fn == nil) {
		return fmt.Errorf("command: %s.%s: exactly one of method or func must be set", r.typeName, d.name)
	}
	if d.method != nil && d.context == message.Server {
		return fmt.Errorf("command: %s.%s: SERVER-context commands run against the listener and cannot be bound to the exposed object", r.typeName, d.name)
	}
	if err := d.signature.validate(); err != nil {
		return fmt.Errorf("command: %s.%s: %w", r.typeName, d.name, err)
	}
	r.commands[d.name] = &Descriptor[T]{
		Name:      d.name,
		Context:   d.context,
		Signature: d.signature,
		Bound:     d.method != nil,
		method:    d.method,
		fn:        d.fn,
	}
	r.names = append(r.names, d.name)
	return nil
}

// TypeName is the name the registry was built for; it selects the default
// socket path.
func (r *Registry[T]) TypeName() string { return r.typeName }

// Lookup returns the descriptor for name.
func (r *Registry[T]) Lookup(name string) (*Descriptor[T], bool) {
	d, ok := r.commands[name]
	return d, ok
}

// Names returns the command names in sorted order.
func (r *Registry[T]) Names() []string {
	return slices.Clone(r.names)
}

func (r *Registry[T]) Len() int { return len(r.commands) }
