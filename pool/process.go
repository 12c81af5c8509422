package pool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"mini-ipc/codec"
	"mini-ipc/errs"
	"mini-ipc/message"
	"mini-ipc/protocol"
)

// EnvWorker is set, to the exposing type's name, in the environment of
// worker processes.
const EnvWorker = "IPC_WORKER"

// Worker is one worker process. Requests go to its stdin and results come
// back on its stdout, framed exactly like socket traffic.
type Worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	nextID uint32
	once   sync.Once

	unusable bool // Marked true when an exchange failed; the worker is discarded
}

// Pid is the worker's process id.
func (w *Worker) Pid() int { return w.cmd.Process.Pid }

func (w *Worker) kill() { w.stop(true) }

// retire closes stdin so the worker exits once its loop sees EOF.
func (w *Worker) retire() { w.stop(false) }

func (w *Worker) stop(force bool) {
	w.once.Do(func() {
		w.stdin.Close()
		if force {
			w.cmd.Process.Kill()
		}
		go w.cmd.Wait()
	})
}

// SpawnFunc starts a worker process.
type SpawnFunc func() (*Worker, error)

// Spawn starts the current executable as a worker for typeName. The program
// must call server.RunWorkerIfRequested (or pool.ServeWorker) early in main,
// or in TestMain for test binaries.
func Spawn(typeName string) SpawnFunc {
	return func() (*Worker, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		cmd := exec.Command(exe)
		cmd.Env = append(os.Environ(), EnvWorker+"="+typeName)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker: %w", err)
		}
		return &Worker{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}, nil
	}
}

// Processes is a pool of worker processes.
//
// Pool design: idle workers sit in a buffered channel, which gives a FIFO
// queue that blocks on empty. Workers are started lazily, up to max.
type Processes struct {
	mu      sync.Mutex
	idle    chan *Worker
	max     int
	current int  // workers started and not yet discarded
	closed  bool // set by Close; returned workers are retired
	done    chan struct{}
	spawn   SpawnFunc
	codec   string
	codecs  *codec.Registry
	frames  *protocol.Registry
	logger  *zap.Logger
}

// ProcessOption configures Processes.
type ProcessOption func(*Processes)

// WithCodec selects the codec used on worker pipes. It must be able to carry
// every argument and result value of PROCESS-context commands.
func WithCodec(tag string) ProcessOption {
	return func(p *Processes) { p.codec = tag }
}

func WithLogger(l *zap.Logger) ProcessOption {
	return func(p *Processes) { p.logger = l }
}

// NewProcesses creates a pool of at most size workers started by spawn.
// size <= 0 means one per CPU. The pool starts empty and grows on demand.
func NewProcesses(size int, spawn SpawnFunc, opts ...ProcessOption) *Processes {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Processes{
		idle:   make(chan *Worker, size),
		max:    size,
		done:   make(chan struct{}),
		spawn:  spawn,
		codec:  codec.TagGob,
		codecs: codec.Default,
		frames: protocol.Default,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs req in a worker process and returns its result. Errors are
// pool or pipe failures; command failures come back as error results.
func (p *Processes) Submit(ctx context.Context, req *message.Request) (*message.Result, error) {
	w, err := p.get(ctx)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		res *message.Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := p.exchange(w, req)
		out <- outcome{res, err}
	}()

	select {
	case o := <-out:
		if o.err != nil {
			w.unusable = true
		}
		p.put(w)
		return o.res, o.err
	case <-ctx.Done():
		// The worker is mid-command; killing it is the only way to stop it.
		w.unusable = true
		w.kill()
		<-out
		p.put(w)
		return nil, ctx.Err()
	}
}

func (p *Processes) exchange(w *Worker, req *message.Request) (*message.Result, error) {
	payload, err := p.codecs.Encode(p.codec, req)
	if err != nil {
		return nil, err
	}
	w.nextID++
	header := &protocol.RequestHeader{
		MessageID:  w.nextID,
		DataLength: uint32(len(payload)),
		WantResult: true,
		Codec:      p.codec,
	}
	if err := p.frames.WriteFrame(w.stdin, header, payload); err != nil {
		return nil, fmt.Errorf("worker %d: %w", w.Pid(), err)
	}

	h, data, err := p.frames.ReadFrame(w.stdout)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", w.Pid(), err)
	}
	if h.ID() != header.MessageID {
		return nil, &errs.ProtocolError{Op: "worker", Err: fmt.Errorf("result id %d for request %d", h.ID(), header.MessageID)}
	}
	var res message.Result
	if err := p.codecs.Decode(h.CodecTag(), data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// get retrieves an idle worker, starting one when the pool is under its
// limit, and otherwise blocks until one is returned.
func (p *Processes) get(ctx context.Context) (*Worker, error) {
	select {
	case w := <-p.idle:
		return w, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.ErrPoolClosed
	}
	if p.current < p.max {
		p.current++
		p.mu.Unlock()
		w, err := p.spawn()
		if err != nil {
			p.mu.Lock()
			p.current--
			p.mu.Unlock()
			return nil, err
		}
		p.logger.Debug("worker started", zap.Int("pid", w.Pid()))
		return w, nil
	}
	p.mu.Unlock()

	// At capacity: wait for a worker to be returned.
	select {
	case w := <-p.idle:
		return w, nil
	case <-p.done:
		return nil, errs.ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put returns a worker to the pool. Unusable workers are killed and
// discarded; after Close every returned worker is retired.
func (p *Processes) put(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.unusable || p.closed {
		if w.unusable {
			w.kill()
		} else {
			w.retire()
		}
		p.current--
		return
	}
	p.idle <- w
}

// Close retires idle workers and makes busy ones retire when they finish.
// It does not wait for running commands.
func (p *Processes) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	for {
		select {
		case w := <-p.idle:
			w.retire()
			p.current--
		default:
			return nil
		}
	}
}

// Len is the number of live workers.
func (p *Processes) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
