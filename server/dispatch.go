package server

import (
	"context"

	"go.uber.org/zap"

	"mini-ipc/errs"
	"mini-ipc/message"
)

// dispatch is the innermost handler of the middleware chain. It runs the
// request in the execution context the command was registered with; the
// context carried in the request is informational only.
func (l *Listener[T]) dispatch(ctx context.Context, req *message.Request) *message.Result {
	d, ok := l.commands.Lookup(req.Name)
	if !ok {
		// Execute reports the unknown name.
		return l.commands.Execute(ctx, l.recv, l, req)
	}

	switch d.Context {
	case message.Thread:
		v, err := l.threads.Submit(ctx, func(ctx context.Context) (any, error) {
			return l.commands.Execute(ctx, l.recv, l, req), nil
		})
		if err != nil {
			return message.Failure(req.Name, errs.KindOf(err), err)
		}
		return v.(*message.Result)

	case message.Process:
		res, err := l.processes.Submit(ctx, req)
		if err != nil {
			l.logger.Warn("worker process failed", zap.String("command", req.Name), zap.Error(err))
			return message.Failure(req.Name, errs.KindOf(err), err)
		}
		return res

	default:
		// BLOCKING and SERVER run inline; SERVER commands get the listener.
		return l.commands.Execute(ctx, l.recv, l, req)
	}
}
