package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"snapcheck/internal/analyzer"
	"snapcheck/internal/policy"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Policy   PolicyConfig   `yaml:"policy"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

type SandboxConfig struct {
	Backend          string        `yaml:"backend"` // "process" (default) or "containerd"
	WorkRoot         string        `yaml:"work_root"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MaxOutputBytes   int64         `yaml:"max_output_bytes"` // per stream
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	Image            string        `yaml:"image"`
	Limits           LimitsConfig  `yaml:"limits"`
}

// LimitsConfig applies only to the containerd backend.
type LimitsConfig struct {
	CPUShares int64 `yaml:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
}

// PolicyConfig extends or replaces the built-in rule table. Extra rules are
// evaluated before the built-ins so deployments can tighten the screen
// without recompiling.
type PolicyConfig struct {
	DisableBuiltin bool          `yaml:"disable_builtin"`
	Rules          []policy.Rule `yaml:"rules"`
}

// EffectiveRules is the ordered rule table the engine is built from.
func (p PolicyConfig) EffectiveRules() []policy.Rule {
	if p.DisableBuiltin {
		return p.Rules
	}
	rules := make([]policy.Rule, 0, len(p.Rules)+16)
	rules = append(rules, p.Rules...)
	return append(rules, policy.DefaultRules()...)
}

// AnalyzerConfig appends extra log signatures to the built-in pattern table.
type AnalyzerConfig struct {
	Patterns []analyzer.PatternSpec `yaml:"patterns"`
}

type StoreConfig struct {
	Dir      string `yaml:"dir"`
	DSN      string `yaml:"dsn"` // non-empty selects the Postgres store
	PageSize int    `yaml:"page_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// Load reads configuration from a YAML file, layered over defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or env
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  4 << 20,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Sandbox: SandboxConfig{
			Backend:          "process",
			WorkRoot:         filepath.Join(os.TempDir(), "snapcheck"),
			DefaultTimeout:   60 * time.Second,
			MaxTimeout:       4 * time.Minute,
			MaxConcurrent:    4,
			MaxOutputBytes:   1 << 20, // 1MB per stream
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "snapcheck",
			Image:            "docker.io/library/alpine:3.20",
			Limits: LimitsConfig{
				CPUShares: 1024,
				MemoryMB:  512,
				PidsLimit: 256,
			},
		},
		Store: StoreConfig{
			Dir:      "var/snapcheck/results",
			PageSize: 50,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MaxOutputBytes < 1024 {
		return fmt.Errorf("sandbox.max_output_bytes must be >= 1024")
	}
	switch c.Sandbox.Backend {
	case "process", "containerd":
	default:
		return fmt.Errorf("sandbox.backend must be process or containerd, got %q", c.Sandbox.Backend)
	}
	if c.Store.Dir == "" && c.Store.DSN == "" {
		return fmt.Errorf("store.dir or store.dsn is required")
	}
	if c.Store.PageSize < 1 {
		return fmt.Errorf("store.page_size must be >= 1")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
