// Package config loads the settings shared by listeners and clients.
//
// Configuration comes from a single YAML file named by the IPC_CONFIG
// environment variable or passed to LoadFile. Values missing from the file
// keep their defaults. ${VAR} and ${VAR:-default} are expanded in paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"mini-ipc/codec"
)

// EnvConfig names the environment variable read by Load.
const EnvConfig = "IPC_CONFIG"

type Config struct {
	// RuntimeDir holds the listener sockets. Empty means RuntimeDir().
	RuntimeDir string `yaml:"runtime_dir"`

	Client    ClientConfig    `yaml:"client"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Directory DirectoryConfig `yaml:"directory"`
}

type ClientConfig struct {
	// Codec is the payload codec tag used for requests.
	Codec          string        `yaml:"codec"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryMinSleep  time.Duration `yaml:"retry_min_sleep"`
	RetryMaxSleep  time.Duration `yaml:"retry_max_sleep"`
	// ReceiveTimeout bounds the wait for each response frame. It must be
	// positive; a call never outlives it once the listener goes quiet.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
}

type ServerConfig struct {
	// ThreadWorkers bounds concurrent THREAD-context commands. Zero means
	// one per CPU.
	ThreadWorkers int `yaml:"thread_workers"`
	// ProcessWorkers is the number of worker processes for PROCESS-context
	// commands. Zero means one per CPU.
	ProcessWorkers int `yaml:"process_workers"`
	// HistorySize is the number of recent requests kept for inspection.
	HistorySize int `yaml:"history_size"`
	// AllowAnyPeer disables the same-uid peer check.
	AllowAnyPeer bool `yaml:"allow_any_peer"`
	// CommandTimeout answers with an error once a command runs this long.
	// Zero disables it.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second, zero disables
	RateBurst      int           `yaml:"rate_burst"`
}

type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DirectoryConfig configures the etcd endpoint directory. It is disabled
// when Etcd is empty.
type DirectoryConfig struct {
	Etcd        []string      `yaml:"etcd"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TTL         int64         `yaml:"ttl"` // seconds
	Balancer    string        `yaml:"balancer"`
	Weight      int           `yaml:"weight"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Codec:          codec.TagJSON,
			ConnectTimeout: 2 * time.Second,
			RetryMinSleep:  10 * time.Millisecond,
			RetryMaxSleep:  50 * time.Millisecond,
			ReceiveTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			HistorySize: 128,
			RateBurst:   1,
		},
		Log: LogConfig{
			Level: "info",
		},
		Directory: DirectoryConfig{
			DialTimeout: 2 * time.Second,
			TTL:         10,
			Balancer:    "RoundRobin",
			Weight:      1,
		},
	}
}

// Load loads the file named by IPC_CONFIG, or returns Default when it is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.RuntimeDir = expandVars(cfg.RuntimeDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if _, err := codec.GetCodec(c.Client.Codec); err != nil {
		errs = append(errs, fmt.Errorf("client.codec: %w", err))
	}
	if c.Client.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("client.connect_timeout must not be negative"))
	}
	if c.Client.ReceiveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("client.receive_timeout must be positive"))
	}
	if c.Client.RetryMinSleep <= 0 || c.Client.RetryMaxSleep < c.Client.RetryMinSleep {
		errs = append(errs, fmt.Errorf("client.retry_min_sleep must be positive and at most retry_max_sleep"))
	}
	if c.Server.ThreadWorkers < 0 || c.Server.ProcessWorkers < 0 {
		errs = append(errs, fmt.Errorf("server worker counts must not be negative"))
	}
	if c.Server.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("server.history_size must not be negative"))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("server.rate_burst must be at least 1 when rate_limit is set"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// SocketPath is the socket a listener for typeName binds when no explicit
// path is given.
func (c *Config) SocketPath(typeName string) string {
	dir := c.RuntimeDir
	if dir == "" {
		dir = RuntimeDir()
	}
	return filepath.Join(dir, "ipc_"+typeName)
}

// RuntimeDir is $XDG_RUNTIME_DIR, or /run/user/{uid} when that is unset.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return "/run/user/" + strconv.Itoa(unix.Getuid())
}

// DefaultSocketPath is SocketPath under the default runtime directory.
func DefaultSocketPath(typeName string) string {
	return filepath.Join(RuntimeDir(), "ipc_"+typeName)
}

// NewLogger builds the zap logger described by c.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}
