package server

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"mini-ipc/command"
	"mini-ipc/pool"
)

// RunWorkerIfRequested turns this process into a PROCESS-context worker when
// it was started as one for commands' type, and exits when the worker is
// done. Otherwise it returns immediately. Call it at the top of main, or of
// TestMain in test binaries, before anything writes to stdout.
func RunWorkerIfRequested[T any](commands *command.Registry[T], factory func() T) {
	if !pool.WorkerRequested(commands.TypeName()) {
		return
	}
	// stdout carries frames; logs go to stderr.
	logger := zap.NewNop()
	if os.Getenv("IPC_WORKER_DEBUG") != "" {
		logger, _ = zap.NewDevelopment()
	}
	if err := pool.ServeWorker(context.Background(), os.Stdin, os.Stdout, commands, factory(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "ipc worker %s: %v\n", commands.TypeName(), err)
		os.Exit(1)
	}
	os.Exit(0)
}
