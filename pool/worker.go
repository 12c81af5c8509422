package pool

import (
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"mini-ipc/codec"
	"mini-ipc/command"
	"mini-ipc/errs"
	"mini-ipc/message"
	"mini-ipc/protocol"
)

// ServeWorker is the worker side of Processes. It reads request frames from
// r, executes them against recv and writes one result frame per request to
// w, until r reaches EOF.
//
// Workers have no listener, so SERVER-context commands see a nil host.
func ServeWorker[T any](ctx context.Context, r io.Reader, w io.Writer, reg *command.Registry[T], recv T, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	frames := protocol.Default
	codecs := codec.Default

	for {
		h, payload, err := frames.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		tag := h.CodecTag()

		var req message.Request
		var res *message.Result
		if err := codecs.Decode(tag, payload, &req); err != nil {
			res = message.Failure("", errs.KindOf(err), err)
		} else {
			res = reg.Execute(ctx, recv, nil, &req)
		}

		data, err := codecs.Encode(tag, res)
		if err != nil {
			data, err = codecs.Encode(tag, message.Failure(req.Name, errs.KindSerialization, err))
			if err != nil {
				return err
			}
		}
		if err := frames.WriteFrame(w, &protocol.ResponseHeader{
			MessageID:  h.ID(),
			DataLength: uint32(len(data)),
			Codec:      tag,
		}, data); err != nil {
			return err
		}
		logger.Debug("worker executed", zap.String("command", req.Name), zap.Bool("ok", res.OK))
	}
}

// WorkerRequested reports whether this process was started by Spawn for
// typeName.
func WorkerRequested(typeName string) bool {
	return os.Getenv(EnvWorker) == typeName
}
