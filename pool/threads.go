// Package pool runs commands off the connection handler: THREAD-context
// commands on a bounded set of goroutines, PROCESS-context commands in
// re-executed worker processes.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"mini-ipc/errs"
)

// Task is one unit of work submitted to Threads.
type Task func(ctx context.Context) (any, error)

// Threads bounds how many tasks run at once. Submitters beyond the bound
// wait for a free slot.
type Threads struct {
	slots  chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewThreads returns a pool running at most size tasks at once. size <= 0
// means one per CPU.
func NewThreads(size int, logger *zap.Logger) *Threads {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Threads{
		slots:  make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Size is the number of tasks that may run at once.
func (p *Threads) Size() int { return cap(p.slots) }

// Submit runs task on the pool and waits for its outcome. It fails with
// errs.ErrPoolClosed once Close has been called, and with ctx.Err() when ctx
// ends before a slot frees up. A panicking task is reported as an error.
func (p *Threads) Submit(ctx context.Context, task Task) (any, error) {
	select {
	case <-p.done:
		return nil, errs.ErrPoolClosed
	default:
	}
	select {
	case p.slots <- struct{}{}:
	case <-p.done:
		return nil, errs.ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type outcome struct {
		value any
		err   error
	}
	out := make(chan outcome, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
				out <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := task(ctx)
		out <- outcome{v, err}
	}()
	o := <-out
	return o.value, o.err
}

// Close stops accepting tasks. Running tasks are not interrupted and Close
// does not wait for them; use Wait for that.
func (p *Threads) Close() {
	p.once.Do(func() { close(p.done) })
}

// Wait blocks until every submitted task has returned.
func (p *Threads) Wait() {
	p.wg.Wait()
}
