// Package config loads sharedqueue settings from TOML or YAML files and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	qerrors "github.com/vinayprograms/sharedqueue/errors"
	"github.com/vinayprograms/sharedqueue/logging"
	"github.com/vinayprograms/sharedqueue/queue"
	"github.com/vinayprograms/sharedqueue/storage"
)

// ErrInsecurePermissions is returned when a config file holding a password
// is readable by group or others.
var ErrInsecurePermissions = fmt.Errorf("config file has insecure permissions")

// Backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
	BackendPebble = "pebble"
	BackendBadger = "badger"
)

// Environment overrides.
const (
	EnvBackend   = "SHAREDQUEUE_BACKEND"
	EnvNATSURL   = "SHAREDQUEUE_NATS_URL"
	EnvRedisAddr = "SHAREDQUEUE_REDIS_ADDR"
	EnvPebbleDir = "SHAREDQUEUE_PEBBLE_DIR"
	EnvBadgerDir = "SHAREDQUEUE_BADGER_DIR"
	EnvLogLevel  = "SHAREDQUEUE_LOG_LEVEL"
)

// Duration is a time.Duration written as a string ("100ms", "5s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	if v, err := time.ParseDuration(raw); err == nil {
		d.Duration = v
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		d.Duration = time.Duration(f * float64(time.Second))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full file layout.
type Config struct {
	Queue     QueueConfig     `toml:"queue" yaml:"queue"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	NATS      NATSConfig      `toml:"nats" yaml:"nats"`
	Redis     RedisConfig     `toml:"redis" yaml:"redis"`
	Pebble    PebbleConfig    `toml:"pebble" yaml:"pebble"`
	Badger    BadgerConfig    `toml:"badger" yaml:"badger"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

// QueueConfig holds coordinator policy.
type QueueConfig struct {
	Namespace      string   `toml:"namespace" yaml:"namespace"`
	BatchSize      int      `toml:"batch_size" yaml:"batch_size"` // -1 for unbounded
	PollInterval   Duration `toml:"poll_interval" yaml:"poll_interval"`
	LeaseExpiry    Duration `toml:"lease_expiry" yaml:"lease_expiry"`
	InitialBackoff Duration `toml:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff" yaml:"max_backoff"`
	ReleaseOnExit  bool     `toml:"release_on_exit" yaml:"release_on_exit"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	Backend    string   `toml:"backend" yaml:"backend"`
	MaxRetries int      `toml:"max_retries" yaml:"max_retries"`
	RetryWait  Duration `toml:"retry_wait" yaml:"retry_wait"`
}

// NATSConfig configures the JetStream KV backend.
type NATSConfig struct {
	URL     string   `toml:"url" yaml:"url"`
	Bucket  string   `toml:"bucket" yaml:"bucket"`
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
}

// PebbleConfig configures the local Pebble backend.
type PebbleConfig struct {
	Dir  string `toml:"dir" yaml:"dir"`
	Sync bool   `toml:"sync" yaml:"sync"`
}

// BadgerConfig configures the local Badger backend.
type BadgerConfig struct {
	Dir  string `toml:"dir" yaml:"dir"`
	Sync bool   `toml:"sync" yaml:"sync"`
}

// MetricsConfig configures the Prometheus endpoint of the run command.
type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"` // empty disables
}

// TelemetryConfig configures tracing and event export for the run command.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"` // OTLP; empty disables tracing
	Protocol    string  `toml:"protocol" yaml:"protocol"` // grpc or http
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`

	Events       string `toml:"events" yaml:"events"` // noop, file or http
	EventsTarget string `toml:"events_target" yaml:"events_target"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Namespace:      storage.DefaultNamespace,
			BatchSize:      queue.DefaultBatchSize,
			PollInterval:   Duration{queue.DefaultPollInterval},
			LeaseExpiry:    Duration{queue.DefaultLeaseExpiry},
			InitialBackoff: Duration{queue.DefaultInitialBackoff},
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			MaxRetries: storage.DefaultMaxRetries,
			RetryWait:  Duration{storage.DefaultRetryWait},
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Bucket:  "sharedqueue",
			Timeout: Duration{5 * time.Second},
		},
		Redis: RedisConfig{
			Addr: ":6379",
		},
		Pebble: PebbleConfig{
			Dir: "sharedqueue-data",
		},
		Badger: BadgerConfig{
			Dir: "sharedqueue-badger",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"sharedqueue.toml", "sharedqueue.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(home, ".config", "sharedqueue")
		paths = append(paths, filepath.Join(dir, "config.toml"), filepath.Join(dir, "config.yaml"))
	}

	return paths
}

// Load reads the first existing standard config file, falling back to
// Default when none exists. Environment overrides are applied either way.
// Returns the path used, or "" for defaults.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}

	cfg := Default()
	cfg.ApplyEnv()
	return cfg, "", cfg.Validate()
}

// LoadFile reads path over the defaults, applies environment overrides
// and validates the result. Files ending in .yaml or .yml are YAML; all
// others are TOML. Unknown keys are rejected in both formats.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := decodeYAML(path, cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeTOML(path, cfg); err != nil {
			return nil, err
		}
	}

	// A file with a password must be owner-only
	if cfg.Redis.Password != "" && runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must not be group/world accessible)",
				ErrInsecurePermissions, path, mode)
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeTOML(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return qerrors.Configuration("parse "+path, qerrors.WithCause(err))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return qerrors.Configuration("unknown keys in " + path + ": " + strings.Join(keys, ", "))
	}
	return nil
}

func decodeYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return qerrors.Configuration("open "+path, qerrors.WithCause(err))
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return qerrors.Configuration("parse "+path, qerrors.WithCause(err))
	}
	return nil
}

// ApplyEnv overrides fields from SHAREDQUEUE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvPebbleDir); v != "" {
		c.Pebble.Dir = v
	}
	if v := os.Getenv(EnvBadgerDir); v != "" {
		c.Badger.Dir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendNATS, BackendRedis, BackendPebble, BackendBadger:
	default:
		return qerrors.Configuration("unknown backend " + c.Store.Backend)
	}

	switch {
	case c.Store.Backend == BackendNATS && c.NATS.URL == "":
		return qerrors.Configuration("nats.url is required")
	case c.Store.Backend == BackendRedis && c.Redis.Addr == "":
		return qerrors.Configuration("redis.addr is required")
	case c.Store.Backend == BackendPebble && c.Pebble.Dir == "":
		return qerrors.Configuration("pebble.dir is required")
	case c.Store.Backend == BackendBadger && c.Badger.Dir == "":
		return qerrors.Configuration("badger.dir is required")
	}

	if c.Queue.Namespace == "" || strings.ContainsAny(c.Queue.Namespace, " .") {
		return qerrors.Configuration("queue.namespace must be non-empty without spaces or dots")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return qerrors.Configuration("log.level", qerrors.WithCause(err))
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return qerrors.Configuration("telemetry.protocol must be grpc or http")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return qerrors.Configuration("telemetry.sample_ratio must be within [0, 1]")
	}
	switch c.Telemetry.Events {
	case "", "noop":
	case "file", "http":
		if c.Telemetry.EventsTarget == "" {
			return qerrors.Configuration("telemetry.events_target is required for " + c.Telemetry.Events + " events")
		}
	default:
		return qerrors.Configuration("telemetry.events must be noop, file or http")
	}

	if c.Queue.BatchSize < queue.Unbounded {
		return qerrors.Configuration("queue.batch_size must be positive, 0 for default or -1 for unbounded")
	}
	for name, d := range map[string]Duration{
		"queue.poll_interval":   c.Queue.PollInterval,
		"queue.lease_expiry":    c.Queue.LeaseExpiry,
		"queue.initial_backoff": c.Queue.InitialBackoff,
		"queue.max_backoff":     c.Queue.MaxBackoff,
		"store.retry_wait":      c.Store.RetryWait,
	} {
		if d.Duration < 0 {
			return qerrors.Configuration(name + " must not be negative")
		}
	}
	return nil
}

// QueueConfig builds the coordinator config for process over s.
func (c *Config) QueueConfig(process queue.ProcessFunc, s storage.Storage) queue.Config {
	return queue.Config{
		Process:        process,
		Storage:        s,
		BatchSize:      c.Queue.BatchSize,
		PollInterval:   c.Queue.PollInterval.Duration,
		LeaseExpiry:    c.Queue.LeaseExpiry.Duration,
		InitialBackoff: c.Queue.InitialBackoff.Duration,
		MaxBackoff:     c.Queue.MaxBackoff.Duration,
	}
}

// StorageOptions returns the storage options for this config.
func (c *Config) StorageOptions() []storage.Option {
	return []storage.Option{
		storage.WithNamespace(c.Queue.Namespace),
		storage.WithMaxRetries(c.Store.MaxRetries),
		storage.WithRetryWait(c.Store.RetryWait.Duration),
	}
}

// Logger returns a logger at the configured level.
func (c *Config) Logger() *logging.Logger {
	l := logging.New()
	if level, err := logging.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(level)
	}
	return l
}
