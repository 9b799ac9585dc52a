package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a Crucible node
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Redis        RedisConfig        `yaml:"redis"`
	Store        StoreConfig        `yaml:"store"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Pool         PoolConfig         `yaml:"pool"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Writer       WriterConfig       `yaml:"writer"`
	API          APIConfig          `yaml:"api"`
	Limits       Limits             `yaml:"limits"`
}

// LogConfig controls structured logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RedisConfig locates the coordination store / event bus / task stream
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig selects the durable store backend
type StoreConfig struct {
	// Driver is "postgres" or "bolt"
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"`
}

// OrchestratorConfig locates the execution orchestrator
type OrchestratorConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	WatchLabel     string        `yaml:"watch_label"`
}

// PoolConfig declares the sandbox fleet
type PoolConfig struct {
	Name      string   `yaml:"name"`
	Sandboxes []string `yaml:"sandboxes"`
}

// DispatcherConfig controls the task dispatch workers
type DispatcherConfig struct {
	Workers         int           `yaml:"workers"`
	AssignBackoff   time.Duration `yaml:"assign_backoff"`
	MaxRetries      int           `yaml:"max_retries"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	DeadLetterLimit int           `yaml:"dead_letter_limit"`
}

// MonitorConfig controls the job lifecycle monitor
type MonitorConfig struct {
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	GapWait           time.Duration `yaml:"gap_wait"`
	OrphanInterval    time.Duration `yaml:"orphan_interval"`
}

// WriterConfig controls the durable store writer
type WriterConfig struct {
	// StrictOrdering rejects the queued/provisioning → completed shortcut
	// transitions and relies entirely on the monitor's ordered queue.
	StrictOrdering bool `yaml:"strict_ordering"`
}

// APIConfig controls the internal health/metrics listener
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Limits are the platform-wide bounds applied at the gateway and on
// captured output.
type Limits struct {
	MaxSourceBytes   int           `yaml:"max_source_bytes"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxOutputBytes   int           `yaml:"max_output_bytes"`
	MaxMemoryBytes   int64         `yaml:"max_memory_bytes"`
	MaxCPUCores      float64       `yaml:"max_cpu_cores"`
	MaxRetries       int           `yaml:"max_retries"`
	BusyMarkerTTL    time.Duration `yaml:"busy_marker_ttl"`
	BatchCeiling     int           `yaml:"batch_ceiling"`
	BatchPerSecond   int           `yaml:"batch_per_second"`
	Runtimes         []string      `yaml:"runtimes"`
}

// DefaultConfig returns the platform defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Store: StoreConfig{
			Driver:  "bolt",
			DataDir: "/var/lib/crucible",
		},
		Orchestrator: OrchestratorConfig{
			BaseURL:        "http://localhost:8090",
			RequestTimeout: 30 * time.Second,
			WatchLabel:     "crucible.io/eval",
		},
		Pool: PoolConfig{
			Name: "default",
		},
		Dispatcher: DispatcherConfig{
			Workers:         4,
			AssignBackoff:   5 * time.Second,
			MaxRetries:      3,
			BaseBackoff:     1 * time.Second,
			MaxBackoff:      5 * time.Minute,
			DeadLetterLimit: 1000,
		},
		Monitor: MonitorConfig{
			ReconnectInterval: 5 * time.Minute,
			GapWait:           30 * time.Second,
			OrphanInterval:    5 * time.Minute,
		},
		API: APIConfig{
			ListenAddr: ":9090",
		},
		Limits: Limits{
			MaxSourceBytes: 64 * 1024,
			MaxTimeout:     300 * time.Second,
			MaxOutputBytes: 1024 * 1024,
			MaxMemoryBytes: 512 * 1024 * 1024,
			MaxCPUCores:    0.5,
			MaxRetries:     3,
			BusyMarkerTTL:  600 * time.Second,
			BatchCeiling:   100,
			BatchPerSecond: 10,
			Runtimes:       []string{"py", "node", "go"},
		},
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case "bolt":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store.data_dir is required for the bolt driver")
		}
	default:
		return fmt.Errorf("unknown store driver: %s", c.Store.Driver)
	}

	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive")
	}
	if c.Limits.MaxSourceBytes <= 0 || c.Limits.MaxOutputBytes <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	return nil
}

// RuntimeRegistered reports whether the runtime tag is registered
func (l Limits) RuntimeRegistered(runtime string) bool {
	for _, r := range l.Runtimes {
		if r == runtime {
			return true
		}
	}
	return false
}
