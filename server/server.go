// Package server implements the Listener: it binds the type's Unix socket,
// accepts one request per connection and runs it in the command's execution
// context.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → peer check → read request frame → decode payload
//	  → [want_result] ACK(id) → middleware chain → dispatch by context → result(id) → close
//
// BLOCKING and SERVER commands run in the connection goroutine, THREAD
// commands on a bounded goroutine pool and PROCESS commands in worker
// processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mini-ipc/codec"
	"mini-ipc/command"
	"mini-ipc/config"
	"mini-ipc/errs"
	"mini-ipc/message"
	"mini-ipc/middleware"
	"mini-ipc/pool"
	"mini-ipc/protocol"
	"mini-ipc/registry"
)

// Listener serves the commands of one exposed object.
type Listener[T any] struct {
	commands *command.Registry[T]
	recv     T
	path     string
	cfg      *config.Config
	logger   *zap.Logger
	codecs   *codec.Registry
	frames   *protocol.Registry

	middlewares []middleware.Middleware // Registered middlewares (applied in order, after the built-in ones)
	handler     middleware.HandlerFunc  // middleware(middleware(...(dispatch)))
	threads     *pool.Threads
	processes   *pool.Processes
	spawn       pool.SpawnFunc
	directory   registry.Registry      // endpoint directory, nil when not publishing
	etcd        *registry.EtcdRegistry // directory opened from the configuration, closed on stop
	unpubOnce   sync.Once
	checkPeer   bool
	history     *history

	mu       sync.Mutex
	ln       net.Listener
	ready    chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	shutdown atomic.Bool    // Set during Stop so Accept errors are recognized as intentional
	nextID   atomic.Uint32  // ids for acknowledgements and results
	wg       sync.WaitGroup // in-flight connections
	baseCtx  context.Context
}

// Option configures a Listener.
type Option func(*options)

type options struct {
	path        string
	cfg         *config.Config
	logger      *zap.Logger
	middlewares []middleware.Middleware
	directory   registry.Registry
	spawn       pool.SpawnFunc
	checkPeer   *bool
}

// WithPath binds path instead of the type's default socket.
func WithPath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithConfig takes the runtime directory, pool sizes and server settings
// from cfg.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMiddleware appends middlewares to the dispatch chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithDirectory publishes the socket path in dir while serving.
func WithDirectory(dir registry.Registry) Option {
	return func(o *options) { o.directory = dir }
}

// WithSpawn replaces how PROCESS workers are started.
func WithSpawn(spawn pool.SpawnFunc) Option {
	return func(o *options) { o.spawn = spawn }
}

// WithPeerCheck enables or disables rejecting peers running as another user.
func WithPeerCheck(enabled bool) Option {
	return func(o *options) { o.checkPeer = &enabled }
}

// NewListener creates a listener exposing recv through commands. Nothing is
// bound until Serve.
func NewListener[T any](commands *command.Registry[T], recv T, opts ...Option) *Listener[T] {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = config.Default()
	}
	path := o.path
	if path == "" {
		path = cfg.SocketPath(commands.TypeName())
	}
	checkPeer := !cfg.Server.AllowAnyPeer
	if o.checkPeer != nil {
		checkPeer = *o.checkPeer
	}
	spawn := o.spawn
	if spawn == nil {
		spawn = pool.Spawn(commands.TypeName())
	}
	logger := o.logger.With(zap.String("type", commands.TypeName()))

	return &Listener[T]{
		commands:    commands,
		recv:        recv,
		path:        path,
		cfg:         cfg,
		logger:      logger,
		codecs:      codec.Default,
		frames:      protocol.Default,
		middlewares: o.middlewares,
		threads:     pool.NewThreads(cfg.Server.ThreadWorkers, logger),
		processes: pool.NewProcesses(cfg.Server.ProcessWorkers, spawn,
			pool.WithLogger(logger.Named("workers"))),
		spawn:     spawn,
		directory: o.directory,
		checkPeer: checkPeer,
		history:   newHistory(cfg.Server.HistorySize),
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
		baseCtx:   context.Background(),
	}
}

// SocketPath is the path the listener binds.
func (l *Listener[T]) SocketPath() string { return l.path }

// Ready is closed once the socket is bound and accepting.
func (l *Listener[T]) Ready() <-chan struct{} { return l.ready }

// Done is closed once Stop has been called.
func (l *Listener[T]) Done() <-chan struct{} { return l.stopped }

// History returns the most recent requests, oldest first.
func (l *Listener[T]) History() []Entry { return l.history.snapshot() }

// Serve binds the socket, taking it over from a previous listener if one is
// running, and accepts connections until Stop is called or ctx ends. It
// returns nil after a stop.
func (l *Listener[T]) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return err
	}
	if err := l.takeover(ctx); err != nil {
		return fmt.Errorf("take over %s: %w", l.path, err)
	}
	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.shutdown.Load() {
		l.mu.Unlock()
		ln.Close()
		return nil
	}
	l.ln = ln
	l.baseCtx = ctx
	l.mu.Unlock()

	// Build the middleware chain once at startup (not per-request).
	l.handler = middleware.Chain(l.chain()...)(l.dispatch)

	if l.directory == nil {
		etcd, err := registry.FromConfig(l.cfg.Directory, l.logger)
		if err != nil {
			l.logger.Warn("opening endpoint directory failed", zap.Strings("etcd", l.cfg.Directory.Etcd), zap.Error(err))
		} else if etcd != nil {
			l.etcd = etcd
			l.directory = etcd
		}
	}
	if l.directory != nil {
		if err := l.publish(ctx); err != nil {
			l.logger.Warn("publishing endpoint failed", zap.Error(err))
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-l.stopped:
		}
	}()

	l.logger.Info("listening", zap.String("path", l.path))
	close(l.ready)

	// Accept loop: one goroutine per connection
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.shutdown.Load() {
				l.unpublish()
				l.logger.Info("stopped", zap.String("path", l.path))
				return nil
			}
			l.logger.Error("accept failed", zap.String("path", l.path), zap.Error(err))
			l.Stop()
			l.unpublish()
			return err
		}
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

// chain lists the middlewares wrapped around dispatch, outermost first.
func (l *Listener[T]) chain() []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.RecoverMiddleware(l.logger),
		middleware.LoggingMiddleware(l.logger),
	}
	if l.cfg.Server.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(l.cfg.Server.RateLimit, l.cfg.Server.RateBurst))
	}
	if l.cfg.Server.CommandTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(l.cfg.Server.CommandTimeout))
	}
	return append(mws, l.middlewares...)
}

// Stop halts the accept loop and releases the pools without waiting for
// in-flight commands. It is safe to call more than once, and from a
// command running on this listener.
func (l *Listener[T]) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.shutdown.Store(true)
		ln := l.ln
		l.mu.Unlock()

		close(l.stopped)
		l.threads.Close()
		l.processes.Close()
		if ln != nil {
			ln.Close()
		}
	})
}

// Shutdown stops the listener and then waits, up to timeout, for open
// connections to finish.
func (l *Listener[T]) Shutdown(timeout time.Duration) error {
	l.Stop()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// handleConn serves exactly one request:
//
//	AWAIT_HEADER → AWAIT_BODY → DISPATCH → (ACK) → EXECUTE → RESPOND → CLOSE
//
// Once a request header has been read, every failure is answered with an
// error result (when the caller wants one) before closing.
func (l *Listener[T]) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()
	log := l.logger.With(zap.String("conn", uuid.NewString()))

	if l.checkPeer {
		if err := checkPeer(conn); err != nil {
			log.Warn("connection rejected", zap.Error(err))
			return
		}
	}

	h, payload, err := l.frames.ReadFrame(conn)
	if h == nil {
		if err != nil && !errors.Is(err, errs.ErrProtocol) {
			log.Debug("connection closed before a request", zap.Error(err))
		} else if err != nil {
			log.Warn("bad request header", zap.Error(err))
		}
		return
	}
	reqHeader, ok := h.(*protocol.RequestHeader)
	if !ok {
		log.Warn("unexpected frame", zap.String("layout", h.Layout()))
		return
	}
	id := l.nextID.Add(1)
	if err != nil {
		log.Warn("truncated request", zap.Error(err))
		l.respond(conn, log, reqHeader, id, message.Failure("", errs.KindProtocol, err))
		return
	}

	var req message.Request
	if err := l.codecs.Decode(reqHeader.Codec, payload, &req); err != nil {
		log.Warn("undecodable request", zap.String("codec", reqHeader.Codec), zap.Error(err))
		l.respond(conn, log, reqHeader, id, message.Failure("", errs.KindOf(err), err))
		return
	}
	l.history.add(Entry{ID: id, RequestID: reqHeader.MessageID, Request: req, At: time.Now()})
	log.Debug("request", zap.Uint32("id", id), zap.Stringer("request", &req))

	if reqHeader.WantResult {
		if err := l.write(conn, reqHeader.Codec, id, message.Ack(req.Name)); err != nil {
			log.Debug("caller went away before the ACK", zap.Error(err))
			return
		}
	}

	res := l.handler(l.baseCtx, &req)
	l.respond(conn, log, reqHeader, id, res)
}

// respond sends res when the caller asked for a result.
func (l *Listener[T]) respond(conn net.Conn, log *zap.Logger, h *protocol.RequestHeader, id uint32, res *message.Result) {
	if !h.WantResult {
		return
	}
	tag := h.Codec
	if _, err := l.codecs.Lookup(tag); err != nil {
		// The caller cannot decode anything we send; answer in JSON.
		tag = codec.TagJSON
	}
	if err := l.write(conn, tag, id, res); err != nil {
		log.Debug("writing result failed", zap.Uint32("id", id), zap.Error(err))
	}
}

// write encodes res and sends it under id. A result that does not serialize
// is replaced by a serialization error result.
func (l *Listener[T]) write(conn net.Conn, tag string, id uint32, res *message.Result) error {
	data, err := l.codecs.Encode(tag, res)
	if err != nil {
		data, err = l.codecs.Encode(tag, message.Failure(res.Command, errs.KindSerialization, err))
		if err != nil {
			return err
		}
	}
	return l.frames.WriteFrame(conn, &protocol.ResponseHeader{
		MessageID:  id,
		DataLength: uint32(len(data)),
		Codec:      tag,
	}, data)
}

// publish registers the socket in the endpoint directory.
func (l *Listener[T]) publish(ctx context.Context) error {
	host, _ := os.Hostname()
	return l.directory.Register(ctx, registry.Endpoint{
		TypeName: l.commands.TypeName(),
		Path:     l.path,
		Host:     host,
		PID:      os.Getpid(),
		Weight:   l.cfg.Directory.Weight,
	}, l.cfg.Directory.TTL)
}

// unpublish removes the socket from the endpoint directory and closes a
// directory the listener opened itself.
func (l *Listener[T]) unpublish() {
	l.unpubOnce.Do(func() {
		if l.directory == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.directory.Deregister(ctx, l.commands.TypeName(), l.path); err != nil {
			l.logger.Warn("deregistering endpoint failed", zap.Error(err))
		}
		if l.etcd != nil {
			l.etcd.Close()
		}
	})
}

// removeStale removes a socket file nobody listens on. Anything other than a
// socket is left alone.
func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
