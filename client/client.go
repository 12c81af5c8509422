// Package client is the calling side of an exposed type.
//
// A Client is built from the same command registry as the listener, so it
// knows every command's execution context and signature. Calls bind their
// arguments locally, defaults included, and ship the complete argument set:
//
//	c := client.New(calc.Commands)
//	resp, err := c.Call(ctx, "pow", 2, 10)             // positional
//	resp, err = c.Call(ctx, "pow", 2, client.Kw{"y": 10}) // keyword
//	n, err := client.As[int](resp)
//
// Funcs returns the same calls as a table of closures, one per command.
package client

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"mini-ipc/command"
	"mini-ipc/config"
	"mini-ipc/errs"
	"mini-ipc/loadbalance"
	"mini-ipc/message"
	"mini-ipc/registry"
	"mini-ipc/transport"
)

// Kw marks keyword arguments. It must be the last argument of a call.
type Kw map[string]any

// Response is the outcome of a successful call.
type Response struct {
	// MessageID is the id of the request frame.
	MessageID uint32
	// ServerID is the id the listener used for its acknowledgement and result.
	ServerID uint32
	Acked    bool
	Command  string
	Value    any
}

// As converts the response value to V.
func As[V any](r *Response) (V, error) {
	return command.Convert[V](r.Value)
}

// Proxy is one generated call.
type Proxy func(ctx context.Context, args ...any) (*Response, error)

type Client[T any] struct {
	commands *command.Registry[T]
	path     string
	logger   *zap.Logger
	connOpts []transport.Option

	directory registry.Registry // find the socket from the directory; nil uses path
	balancer  loadbalance.Balancer

	// etcd directory from the configuration, opened on first use
	dirCfg  config.DirectoryConfig
	dirOnce sync.Once
	dirErr  error
	etcd    *registry.EtcdRegistry

	mu         sync.Mutex
	connectors map[string]*transport.Connector // connector for each socket path
}

// Option configures a Client.
type Option func(*options)

type options struct {
	path      string
	cfg       *config.Config
	logger    *zap.Logger
	connOpts  []transport.Option
	directory registry.Registry
	balancer  loadbalance.Balancer
	key       string
}

// WithPath connects to path instead of the type's default socket.
func WithPath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithConfig takes the runtime directory, codec and timeouts from cfg.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport passes options to every connector the client creates. They
// apply after those derived from the configuration.
func WithTransport(opts ...transport.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithDirectory resolves the socket through dir on every call, picking among
// several listeners with b. When b is nil the configured balancer is used.
// Without this option, a configuration naming etcd endpoints opens an etcd
// directory.
func WithDirectory(dir registry.Registry, b loadbalance.Balancer) Option {
	return func(o *options) {
		o.directory = dir
		o.balancer = b
	}
}

// WithBalanceKey sets the key a consistent-hash balancer routes by. It
// defaults to the host name.
func WithBalanceKey(key string) Option {
	return func(o *options) { o.key = key }
}

// New returns a client for the type described by commands.
func New[T any](commands *command.Registry[T], opts ...Option) *Client[T] {
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
	connOpts := []transport.Option{
		transport.WithCodec(cfg.Client.Codec),
		transport.WithConnectTimeout(cfg.Client.ConnectTimeout),
		transport.WithRetrySleep(cfg.Client.RetryMinSleep, cfg.Client.RetryMaxSleep),
		transport.WithReceiveTimeout(cfg.Client.ReceiveTimeout),
		transport.WithLogger(o.logger),
	}
	if o.key == "" {
		o.key, _ = os.Hostname()
	}
	if o.balancer == nil {
		o.balancer = loadbalance.ByName(cfg.Directory.Balancer, o.key)
	}
	c := &Client[T]{
		commands:   commands,
		path:       path,
		logger:     o.logger,
		connOpts:   append(connOpts, o.connOpts...),
		directory:  o.directory,
		balancer:   o.balancer,
		connectors: make(map[string]*transport.Connector),
	}
	if o.directory == nil {
		c.dirCfg = cfg.Directory
	}
	return c
}

// Close releases the etcd directory opened from the configuration, if any.
func (c *Client[T]) Close() error {
	c.dirOnce.Do(func() {})
	if c.etcd != nil {
		return c.etcd.Close()
	}
	return nil
}

// resolver returns the directory calls resolve through, or nil when the
// socket path is fixed.
func (c *Client[T]) resolver() (registry.Registry, error) {
	if c.directory != nil {
		return c.directory, nil
	}
	c.dirOnce.Do(func() {
		c.etcd, c.dirErr = registry.FromConfig(c.dirCfg, c.logger)
	})
	if c.dirErr != nil {
		return nil, fmt.Errorf("open directory: %w", c.dirErr)
	}
	if c.etcd == nil {
		return nil, nil
	}
	return c.etcd, nil
}

// Path is the socket used when no directory is configured.
func (c *Client[T]) Path() string { return c.path }

// Signature returns the call signature of name.
func (c *Client[T]) Signature(name string) (command.Signature, bool) {
	d, ok := c.commands.Lookup(name)
	if !ok {
		return command.Signature{}, false
	}
	return d.Signature, true
}

// Call invokes name and waits for its result. Error results come back as
// *errs.RemoteError.
func (c *Client[T]) Call(ctx context.Context, name string, args ...any) (*Response, error) {
	req, err := c.request(name, args)
	if err != nil {
		return nil, err
	}
	conn, err := c.connector(ctx)
	if err != nil {
		return nil, err
	}
	reply, err := conn.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	res := reply.Result
	if !res.OK {
		return nil, &errs.RemoteError{
			Command:   name,
			Kind:      res.Kind,
			Message:   res.Error,
			MessageID: reply.MessageID,
		}
	}
	return &Response{
		MessageID: reply.RequestID,
		ServerID:  reply.MessageID,
		Acked:     reply.Acked,
		Command:   res.Command,
		Value:     res.Value,
	}, nil
}

// Notify invokes name without waiting for it to run.
func (c *Client[T]) Notify(ctx context.Context, name string, args ...any) error {
	req, err := c.request(name, args)
	if err != nil {
		return err
	}
	conn, err := c.connector(ctx)
	if err != nil {
		return err
	}
	return conn.Notify(ctx, req)
}

// Stop asks the listener to shut down. It does not wait for the listener
// to go away.
func (c *Client[T]) Stop(ctx context.Context) error {
	return c.Notify(ctx, command.Stop)
}

// Funcs returns one proxy per command, keyed by command name.
func (c *Client[T]) Funcs() map[string]Proxy {
	funcs := make(map[string]Proxy, c.commands.Len())
	for _, name := range c.commands.Names() {
		funcs[name] = func(ctx context.Context, args ...any) (*Response, error) {
			return c.Call(ctx, name, args...)
		}
	}
	return funcs
}

// request binds args against the command's signature. Names the registry
// does not know are sent as given, so the listener can answer for them.
func (c *Client[T]) request(name string, args []any) (*message.Request, error) {
	var kw Kw
	if n := len(args); n > 0 {
		if k, ok := args[n-1].(Kw); ok {
			kw = k
			args = args[:n-1]
		}
	}
	for _, a := range args {
		if _, ok := a.(Kw); ok {
			return nil, fmt.Errorf("%w: %s: keyword arguments must come last", errs.ErrBind, name)
		}
	}

	d, ok := c.commands.Lookup(name)
	if !ok {
		return &message.Request{Context: message.Blocking, Name: name, Args: args, Kwargs: kw}, nil
	}
	bound, err := d.Signature.Bind(args, kw)
	if err != nil {
		return nil, fmt.Errorf("%s%s: %w", name, d.Signature, err)
	}
	return &message.Request{
		Context: d.Context,
		Name:    name,
		Args:    bound.Positional,
		Kwargs:  bound.Keywords,
	}, nil
}

// connector returns the connector for the socket this call should use.
func (c *Client[T]) connector(ctx context.Context) (*transport.Connector, error) {
	dir, err := c.resolver()
	if err != nil {
		return nil, err
	}
	path := c.path
	if dir != nil {
		eps, err := dir.Discover(ctx, c.commands.TypeName())
		if err != nil {
			return nil, err
		}
		ep, err := c.balancer.Pick(eps)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.commands.TypeName(), err)
		}
		path = ep.Path
		c.logger.Debug("endpoint picked", zap.String("path", path), zap.String("balancer", c.balancer.Name()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.connectors[path]
	if !ok {
		conn = transport.NewConnector(path, c.connOpts...)
		c.connectors[path] = conn
	}
	return conn, nil
}
