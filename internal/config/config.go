package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override, e.g. COMPILE_REDIS_ADDR.
const EnvPrefix = "COMPILE_"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Store    StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	Queue    QueueConfig    `yaml:"queue" envPrefix:"QUEUE_"`
	Worker   WorkerConfig   `yaml:"worker" envPrefix:"WORKER_"`
	Sandbox  SandboxConfig  `yaml:"sandbox" envPrefix:"SANDBOX_"`
	Callback CallbackConfig `yaml:"callback" envPrefix:"CALLBACK_"`
	Archive  ArchiveConfig  `yaml:"archive" envPrefix:"ARCHIVE_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
	Tracing  TracingConfig  `yaml:"tracing" envPrefix:"TRACING_"`
	Security SecurityConfig `yaml:"security" envPrefix:"SECURITY_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	TLS      TLSConfig      `yaml:"tls" envPrefix:"TLS_"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes" env:"MAX_REQUEST_BODY_BYTES"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Username     string        `yaml:"username" env:"USERNAME"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// StoreConfig selects where job records live.
type StoreConfig struct {
	Backend     string        `yaml:"backend" env:"BACKEND"` // "redis" (default) or "memory"
	PendingTTL  time.Duration `yaml:"pending_ttl" env:"PENDING_TTL"`
	TerminalTTL time.Duration `yaml:"terminal_ttl" env:"TERMINAL_TTL"`
}

type QueueConfig struct {
	Backend string        `yaml:"backend" env:"BACKEND"` // "redis" (default) or "memory"
	LockTTL time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
}

type WorkerConfig struct {
	Count        int           `yaml:"count" env:"COUNT"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

type SandboxConfig struct {
	Engine              string        `yaml:"engine" env:"ENGINE"` // "auto", "docker" (default), "docker-api" or "containerd"
	Image               string        `yaml:"image" env:"IMAGE"`
	ContainerPrefix     string        `yaml:"container_prefix" env:"CONTAINER_PREFIX"`
	WorkspaceDir        string        `yaml:"workspace_dir" env:"WORKSPACE_DIR"`
	User                string        `yaml:"user" env:"USER"` // empty runs as the image's default user
	Limits              LimitsConfig  `yaml:"limits" envPrefix:"LIMITS_"`
	Seccomp             bool          `yaml:"seccomp" env:"SECCOMP"`
	CompileTimeout      time.Duration `yaml:"compile_timeout" env:"COMPILE_TIMEOUT"`
	RunTimeout          time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	MaxOutputLines      int           `yaml:"max_output_lines" env:"MAX_OUTPUT_LINES"`
	MaxUsage            int           `yaml:"max_usage" env:"MAX_USAGE"`
	DockerHost          string        `yaml:"docker_host" env:"DOCKER_HOST"`
	ContainerdSocket    string        `yaml:"containerd_socket" env:"CONTAINERD_SOCKET"`
	ContainerdNamespace string        `yaml:"containerd_namespace" env:"CONTAINERD_NAMESPACE"`
}

type LimitsConfig struct {
	CPUShares int64 `yaml:"cpu_shares" env:"CPU_SHARES"`
	MemoryMB  int64 `yaml:"memory_mb" env:"MEMORY_MB"`
	PidsLimit int64 `yaml:"pids_limit" env:"PIDS_LIMIT"`
	DiskMB    int64 `yaml:"disk_mb" env:"DISK_MB"`
}

type CallbackConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	SigningSecret string        `yaml:"signing_secret" env:"SIGNING_SECRET"`
	RetryCapacity int64         `yaml:"retry_capacity" env:"RETRY_CAPACITY"`
}

// ArchiveConfig controls the durable dead-letter archive.
type ArchiveConfig struct {
	Driver       string        `yaml:"driver" env:"DRIVER"` // "none" (default), "postgres" or "sqlite"
	DSN          string        `yaml:"dsn" env:"DSN"`
	Path         string        `yaml:"path" env:"PATH"`
	BufferSize   int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	FlushTimeout time.Duration `yaml:"flush_timeout" env:"FLUSH_TIMEOUT"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

type TracingConfig struct {
	Enabled bool    `yaml:"enabled" env:"ENABLED"`
	Sample  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header" env:"API_KEY_HEADER"`
	AllowedKeys          []string `yaml:"allowed_keys" env:"ALLOWED_KEYS"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated" env:"ALLOW_UNAUTHENTICATED"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst       int      `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"KEY_FILE"`
}

// Load reads configuration from a YAML file, applies COMPILE_* environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CONFIG_PATH or the default
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("path", path).Msg("config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays COMPILE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	return nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  64 << 10, // code is capped at 10k characters
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Store: StoreConfig{
			Backend:     "redis",
			PendingTTL:  24 * time.Hour,
			TerminalTTL: time.Hour,
		},
		Queue: QueueConfig{
			Backend: "redis",
			LockTTL: 10 * time.Minute,
		},
		Worker: WorkerConfig{
			Count:        2,
			PollInterval: 10 * time.Second,
			DrainTimeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			Engine:          "docker",
			Image:           "eclipse-temurin:17-jdk",
			ContainerPrefix: "compile-executor-",
			WorkspaceDir:    "/tmp/compile-sandbox",
			Limits: LimitsConfig{
				CPUShares: 819,
				MemoryMB:  512,
				PidsLimit: 100,
				DiskMB:    64,
			},
			Seccomp:             true,
			CompileTimeout:      10 * time.Second,
			RunTimeout:          5 * time.Second,
			MaxOutputLines:      100,
			MaxUsage:            100,
			ContainerdSocket:    "/run/containerd/containerd.sock",
			ContainerdNamespace: "compile",
		},
		Callback: CallbackConfig{
			Timeout:       30 * time.Second,
			RetryCapacity: 1000,
		},
		Archive: ArchiveConfig{
			Driver:       "none",
			Path:         "data/dead_letters.db",
			BufferSize:   256,
			FlushTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Log: LogConfig{
			Level: "info",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if err := oneOf("store.backend", c.Store.Backend, "redis", "memory"); err != nil {
		return err
	}
	if err := oneOf("queue.backend", c.Queue.Backend, "redis", "memory"); err != nil {
		return err
	}
	if (c.Store.Backend == "redis" || c.Queue.Backend == "redis") && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when a redis backend is selected")
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if c.Worker.PollInterval < time.Second {
		return fmt.Errorf("worker.poll_interval must be >= 1s, got %s", c.Worker.PollInterval)
	}
	if err := oneOf("sandbox.engine", c.Sandbox.Engine, "auto", "docker", "docker-api", "containerd"); err != nil {
		return err
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required")
	}
	if c.Sandbox.ContainerPrefix == "" {
		return fmt.Errorf("sandbox.container_prefix is required")
	}
	if !filepath.IsAbs(c.Sandbox.WorkspaceDir) {
		return fmt.Errorf("sandbox.workspace_dir: %q must be an absolute path", c.Sandbox.WorkspaceDir)
	}
	if c.Sandbox.CompileTimeout <= 0 || c.Sandbox.RunTimeout <= 0 {
		return fmt.Errorf("sandbox.compile_timeout and sandbox.run_timeout must be positive")
	}
	if c.Sandbox.MaxOutputLines < 1 {
		return fmt.Errorf("sandbox.max_output_lines must be >= 1")
	}
	if c.Sandbox.MaxUsage < 1 {
		return fmt.Errorf("sandbox.max_usage must be >= 1")
	}
	if c.Sandbox.Limits.MemoryMB < 128 {
		return fmt.Errorf("sandbox.limits.memory_mb must be >= 128 for the JVM")
	}
	if c.Callback.Timeout <= 0 {
		return fmt.Errorf("callback.timeout must be positive")
	}
	if c.Callback.RetryCapacity < 1 {
		return fmt.Errorf("callback.retry_capacity must be >= 1")
	}
	if err := oneOf("archive.driver", c.Archive.Driver, "none", "postgres", "sqlite"); err != nil {
		return err
	}
	if c.Archive.Driver == "postgres" {
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive.dsn is required for the postgres driver")
		}
		if strings.Contains(c.Archive.DSN, "sslmode=disable") {
			log.Warn().Msg("archive DSN has sslmode=disable, connections to Postgres are unencrypted")
		}
	}
	if c.Archive.Driver == "sqlite" && c.Archive.Path == "" {
		return fmt.Errorf("archive.path is required for the sqlite driver")
	}
	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RedisURL renders the Redis target for logs without credentials.
func (c *Config) RedisURL() string {
	u := url.URL{Scheme: "redis", Host: c.Redis.Addr, Path: fmt.Sprintf("/%d", c.Redis.DB)}
	return u.String()
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}
