package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Client.ReceiveTimeout)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
runtime_dir: /tmp/ipc
client:
  codec: cbor
  connect_timeout: 500ms
  receive_timeout: 3s
server:
  thread_workers: 4
  rate_limit: 100
  rate_burst: 10
log:
  level: debug
directory:
  etcd: [localhost:2379]
  balancer: hash
`))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ipc", cfg.RuntimeDir)
	assert.Equal(t, "cbor", cfg.Client.Codec)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.ConnectTimeout)
	assert.Equal(t, 3*time.Second, cfg.Client.ReceiveTimeout)
	// untouched values keep their defaults
	assert.Equal(t, 10*time.Millisecond, cfg.Client.RetryMinSleep)
	assert.Equal(t, 128, cfg.Server.HistorySize)
	assert.Equal(t, 4, cfg.Server.ThreadWorkers)
	assert.Equal(t, []string{"localhost:2379"}, cfg.Directory.Etcd)
	assert.Equal(t, "hash", cfg.Directory.Balancer)
	assert.Equal(t, int64(10), cfg.Directory.TTL)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown codec":   "client: {codec: pickle}",
		"bad level":       "log: {level: loud}",
		"negative worker": "server: {thread_workers: -1}",
		"sleep order":     "client: {retry_min_sleep: 1s, retry_max_sleep: 10ms}",
		"not yaml":        "client: [",
		"no receive wait": "client: {receive_timeout: 0s}",
		"negative wait":   "client: {receive_timeout: -1s}",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime_dir: ${IPC_TEST_DIR:-/fallback}\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/fallback", cfg.RuntimeDir)

	t.Setenv("IPC_TEST_DIR", "/from/env")
	t.Setenv(EnvConfig, path)
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.RuntimeDir)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/a/b/c")
	assert.Equal(t, "/a/b/c", RuntimeDir())
	assert.Equal(t, "/a/b/c/ipc_Calc", DefaultSocketPath("Calc"))

	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Equal(t, "/run/user/"+strconv.Itoa(os.Getuid()), RuntimeDir())

	cfg := Default()
	cfg.RuntimeDir = "/srv/sock"
	assert.Equal(t, "/srv/sock/ipc_Calc", cfg.SocketPath("Calc"))
}

func TestNewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Development: true}.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = LogConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}
