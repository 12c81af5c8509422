package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"mini-ipc/command"
	"mini-ipc/message"
	"mini-ipc/transport"
)

// takeoverTimeout bounds the wait for a previous listener to release the path.
const takeoverTimeout = 2 * time.Second

// takeover frees the socket path. A live listener at the path is asked to
// stop; a socket file nobody accepts on is removed.
func (l *Listener[T]) takeover(ctx context.Context) error {
	fi, err := os.Lstat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", l.path)
	}

	// A single attempt: a refused connection means the file is stale.
	conn := transport.NewConnector(l.path,
		transport.WithConnectTimeout(0),
		transport.WithLogger(l.logger))
	err = conn.Notify(ctx, &message.Request{Context: message.Server, Name: command.Stop})
	switch {
	case err == nil:
		l.logger.Info("asked previous listener to stop", zap.String("path", l.path))
	case errors.Is(err, unix.ECONNREFUSED):
		l.logger.Info("removing stale socket", zap.String("path", l.path))
		return removeStale(l.path)
	case errors.Is(err, unix.ENOENT):
		return nil
	default:
		return err
	}

	// Wait for the old listener to unlink its socket.
	deadline := time.Now().Add(takeoverTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(l.path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		c, err := conn.Connect(ctx)
		if err == nil {
			// Still accepting; the stop has not landed yet.
			c.Close()
		} else if errors.Is(err, unix.ECONNREFUSED) {
			return removeStale(l.path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return fmt.Errorf("previous listener did not release the socket within %s", takeoverTimeout)
}
