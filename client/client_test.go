package client_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-ipc/client"
	"mini-ipc/command"
	"mini-ipc/config"
	"mini-ipc/errs"
	"mini-ipc/loadbalance"
	"mini-ipc/message"
	"mini-ipc/registry"
	"mini-ipc/server"
)

type Arith struct{}

type Pair struct {
	A, B int
}

var arithCommands = command.MustBuild[*Arith]("Arith",
	command.Define("add", command.Sig(command.Required("a"), command.Optional("b", 1)),
		command.Method2(func(_ *Arith, a, b int) (int, error) { return a + b, nil })),
	command.Define("swap", command.Sig(command.Required("pair")),
		command.Method1(func(_ *Arith, p Pair) (Pair, error) { return Pair{A: p.B, B: p.A}, nil })).In(message.Thread),
	command.Define[*Arith]("sum", command.Sig().WithVarArgs(),
		func(_ context.Context, _ *Arith, args command.Args) (any, error) {
			total := 0.0
			for i := range args.Positional {
				v, err := command.Arg[float64](args, i)
				if err != nil {
					return nil, err
				}
				total += v
			}
			return total, nil
		}),
	command.Define("nap", command.Sig(command.Required("ms")),
		command.Method1(func(_ *Arith, ms int) (bool, error) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return true, nil
		})),
	command.DefineFunc[*Arith]("where", command.Sig(),
		func(_ context.Context, host command.Host, _ command.Args) (any, error) {
			return host.SocketPath(), nil
		}).In(message.Server),
)

func socketPath(tb testing.TB) string {
	tb.Helper()
	path := filepath.Join(os.TempDir(), "ipc-"+uuid.NewString()[:8]+".sock")
	tb.Cleanup(func() { os.Remove(path) })
	return path
}

func serve(tb testing.TB, path string, opts ...server.Option) *server.Listener[*Arith] {
	tb.Helper()
	l := server.NewListener(arithCommands, &Arith{}, append([]server.Option{server.WithPath(path)}, opts...)...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Serve(context.Background()); err != nil {
			tb.Error(err)
		}
	}()
	tb.Cleanup(func() {
		l.Shutdown(2 * time.Second)
		<-done
	})
	select {
	case <-l.Ready():
	case <-done:
		tb.Fatal("listener exited")
	case <-time.After(3 * time.Second):
		tb.Fatal("listener not ready")
	}
	return l
}

func TestCall(t *testing.T) {
	path := socketPath(t)
	serve(t, path)
	c := client.New(arithCommands, client.WithPath(path), client.WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	resp, err := c.Call(ctx, "add", 2, 3)
	require.NoError(t, err)
	n, err := client.As[int](resp)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	resp, err = c.Call(ctx, "add", 2)
	require.NoError(t, err)
	n, _ = client.As[int](resp)
	assert.Equal(t, 3, n, "b defaults to 1")

	resp, err = c.Call(ctx, "add", client.Kw{"a": 10, "b": 20})
	require.NoError(t, err)
	n, _ = client.As[int](resp)
	assert.Equal(t, 30, n)

	resp, err = c.Call(ctx, "swap", Pair{A: 1, B: 2})
	require.NoError(t, err)
	p, err := client.As[Pair](resp)
	require.NoError(t, err)
	assert.Equal(t, Pair{A: 2, B: 1}, p)

	resp, err = c.Call(ctx, "sum", 1, 2, 3.5)
	require.NoError(t, err)
	total, _ := client.As[float64](resp)
	assert.Equal(t, 6.5, total)
}

func TestStuckCommandTimesOut(t *testing.T) {
	path := socketPath(t)
	serve(t, path)

	cfg := config.Default()
	require.Positive(t, cfg.Client.ReceiveTimeout)
	cfg.Client.ReceiveTimeout = 200 * time.Millisecond
	c := client.New(arithCommands, client.WithPath(path), client.WithConfig(cfg))

	start := time.Now()
	_, err := c.Call(context.Background(), "nap", 1500)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrReceiveTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBindErrorsStayLocal(t *testing.T) {
	// Nothing listens here; binding must fail before any connect attempt.
	c := client.New(arithCommands, client.WithPath(socketPath(t)))
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  string
		args []any
	}{
		{"missing required", "add", nil},
		{"too many positional", "add", []any{1, 2, 3}},
		{"unknown keyword", "add", []any{1, client.Kw{"c": 1}}},
		{"keyword given twice", "add", []any{1, client.Kw{"a": 1}}},
		{"keywords not last", "add", []any{client.Kw{"a": 1}, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			_, err := c.Call(ctx, tt.cmd, tt.args...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrBind), "got %v", err)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestUnknownCommandIsSent(t *testing.T) {
	path := socketPath(t)
	serve(t, path)
	c := client.New(arithCommands, client.WithPath(path))

	_, err := c.Call(context.Background(), "mul", 2, 3)
	var remote *errs.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "mul", remote.Command)
	assert.True(t, errors.Is(err, errs.ErrUnknownCommand))
}

func TestSignatureAndFuncs(t *testing.T) {
	c := client.New(arithCommands)

	sig, ok := c.Signature("add")
	require.True(t, ok)
	assert.Equal(t, "(a, b=1)", sig.String())

	sig, ok = c.Signature(command.Stop)
	require.True(t, ok)
	assert.Equal(t, "()", sig.String())

	_, ok = c.Signature("mul")
	assert.False(t, ok)

	funcs := c.Funcs()
	assert.Len(t, funcs, arithCommands.Len())
	assert.Contains(t, funcs, "add")
	assert.Contains(t, funcs, command.Stop)
}

func TestDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)
	c := client.New(arithCommands)
	assert.Equal(t, filepath.Join(dir, "ipc_Arith"), c.Path())
}

func TestNotifyAndStop(t *testing.T) {
	path := socketPath(t)
	l := serve(t, path)
	c := client.New(arithCommands, client.WithPath(path))

	require.NoError(t, c.Notify(context.Background(), "add", 1, 2))
	require.NoError(t, c.Stop(context.Background()))
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestDirectoryRoundRobin(t *testing.T) {
	dir := registry.NewMemoryRegistry()
	first, second := socketPath(t), socketPath(t)
	serve(t, first, server.WithDirectory(dir))
	serve(t, second, server.WithDirectory(dir))

	c := client.New(arithCommands,
		client.WithDirectory(dir, &loadbalance.RoundRobinBalancer{}),
		client.WithLogger(zaptest.NewLogger(t)))

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		resp, err := c.Call(context.Background(), "where")
		require.NoError(t, err)
		seen[resp.Value.(string)]++
	}
	assert.Equal(t, map[string]int{first: 2, second: 2}, seen)
}

func TestDirectoryConsistentHash(t *testing.T) {
	dir := registry.NewMemoryRegistry()
	serve(t, socketPath(t), server.WithDirectory(dir))
	serve(t, socketPath(t), server.WithDirectory(dir))

	c := client.New(arithCommands, client.WithDirectory(dir, loadbalance.NewConsistentHashBalancer("session-1")))
	var paths []string
	for i := 0; i < 3; i++ {
		resp, err := c.Call(context.Background(), "where")
		require.NoError(t, err)
		paths = append(paths, resp.Value.(string))
	}
	assert.Equal(t, paths[0], paths[1])
	assert.Equal(t, paths[0], paths[2])
}

func TestConfiguredBalancer(t *testing.T) {
	dir := registry.NewMemoryRegistry()
	serve(t, socketPath(t), server.WithDirectory(dir))
	serve(t, socketPath(t), server.WithDirectory(dir))

	cfg := config.Default()
	cfg.Directory.Balancer = "ConsistentHash"
	c := client.New(arithCommands, client.WithConfig(cfg),
		client.WithDirectory(dir, nil), client.WithBalanceKey("session-7"))

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		resp, err := c.Call(context.Background(), "where")
		require.NoError(t, err)
		seen[resp.Value.(string)]++
	}
	assert.Len(t, seen, 1, "a hashed key sticks to one listener")
}

func TestConfiguredEtcdDirectory(t *testing.T) {
	runtime := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", runtime)
	// A listener on the default path: reaching it would mean the directory
	// was ignored.
	serve(t, filepath.Join(runtime, "ipc_Arith"))

	cfg := config.Default()
	cfg.Directory.Etcd = []string{"127.0.0.1:1"}
	cfg.Directory.DialTimeout = 100 * time.Millisecond
	c := client.New(arithCommands, client.WithConfig(cfg))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Call(ctx, "add", 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errs.ErrConnect), "got %v", err)
}

func TestDirectoryWithoutEndpoints(t *testing.T) {
	c := client.New(arithCommands, client.WithDirectory(registry.NewMemoryRegistry(), nil))
	_, err := c.Call(context.Background(), "add", 1)
	assert.True(t, errors.Is(err, errs.ErrNoEndpoints))
}

func BenchmarkCall(b *testing.B) {
	path := socketPath(b)
	serve(b, path)
	c := client.New(arithCommands, client.WithPath(path))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Call(ctx, "add", i, 1); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCallParallel(b *testing.B) {
	path := socketPath(b)
	serve(b, path)
	c := client.New(arithCommands, client.WithPath(path))
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.Call(ctx, "swap", Pair{A: 1, B: 2}); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
