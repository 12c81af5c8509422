package command

import (
	"context"
	"fmt"

	"mini-ipc/errs"
	"mini-ipc/message"
)

// Execute runs the command named by req against recv and reports the outcome
// as a result. Unknown names, arguments that do not bind and failing or
// panicking bodies all become error results; Execute itself never fails.
func (r *Registry[T]) Execute(ctx context.Context, recv T, host Host, req *message.Request) (res *message.Result) {
	d, ok := r.Lookup(req.Name)
	if !ok {
		err := &errs.UnknownCommandError{Name: req.Name}
		return message.Failure(req.Name, errs.KindOf(err), err)
	}

	// Requests carry already-bound arguments; binding again is a no-op for
	// them and rejects anything a hand-built request got wrong.
	args, err := d.Signature.Bind(req.Args, req.Kwargs)
	if err != nil {
		return message.Failure(req.Name, errs.KindBind, err)
	}

	defer func() {
		if p := recover(); p != nil {
			err := &errs.ExecutionError{Command: req.Name, Err: fmt.Errorf("panic: %v", p)}
			res = message.Failure(req.Name, errs.KindExecution, err)
		}
	}()
	value, err := d.Invoke(ctx, recv, host, args)
	if err != nil {
		return message.Failure(req.Name, errs.KindOf(err), &errs.ExecutionError{Command: req.Name, Err: err})
	}
	return message.Success(req.Name, value)
}
