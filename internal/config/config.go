package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"wasm-plugin-sandbox/internal/policy"
	"wasm-plugin-sandbox/internal/sandbox"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig              `yaml:"server"`
	Security SecurityConfig            `yaml:"security"`
	Engine   EngineConfig              `yaml:"engine"`
	Sandbox  SandboxConfig             `yaml:"sandbox"`
	Batch    BatchConfig               `yaml:"batch"`
	Database DatabaseConfig            `yaml:"database"`
	Metrics  MetricsConfig             `yaml:"metrics"`
	Tracing  TracingConfig             `yaml:"tracing"`
	Policies map[string]PolicyOverride `yaml:"policies"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body"`
}

type SecurityConfig struct {
	// AllowedKeys are API keys accepted by the HTTP surface. Empty plus
	// AllowUnauthenticated accepts everything (development only).
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

type EngineConfig struct {
	// WorkDir is the parent for per-execution staging areas. Empty
	// uses the system temp dir.
	WorkDir string `yaml:"work_dir"`
	MaxFuel uint64 `yaml:"max_fuel"`
}

type SandboxConfig struct {
	DefaultPhase     string `yaml:"default_phase"`
	DefaultIsolation string `yaml:"default_isolation"`
	MaxCodeBytes     int64  `yaml:"max_code_bytes"`
}

type BatchConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AuditBuffer     int           `yaml:"audit_buffer"`
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

// PolicyOverride tightens one phase's built-in policy. Only narrowing
// values are accepted at registry construction.
type PolicyOverride struct {
	MaxMemoryMB      int64         `yaml:"max_memory_mb"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	BlockImports     []string      `yaml:"block_imports"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
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
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxRequestBody:  4 << 20, // 4MB
		},
		Security: SecurityConfig{
			AllowUnauthenticated: true,
			RateLimitRPS:         10,
			RateLimitBurst:       20,
		},
		Engine: EngineConfig{
			MaxFuel: 0, // engine default
		},
		Sandbox: SandboxConfig{
			DefaultPhase:     "basic",
			DefaultIsolation: "strict",
			MaxCodeBytes:     1 << 20, // 1MB
		},
		Batch: BatchConfig{
			MaxConcurrent: 5,
			TaskTimeout:   60 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			AuditBuffer:     10000,
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

// Address returns the host:port the HTTP server binds to.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if len(c.Security.AllowedKeys) == 0 && !c.Security.AllowUnauthenticated {
		log.Warn().Msg("no API keys configured and allow_unauthenticated is false, HTTP requests will be rejected")
	}
	if _, err := policy.PhaseFor(c.Sandbox.DefaultPhase); err != nil {
		return fmt.Errorf("sandbox.default_phase: %w", err)
	}
	if _, err := sandbox.IsolationFor(c.Sandbox.DefaultIsolation); err != nil {
		return fmt.Errorf("sandbox.default_isolation: %w", err)
	}
	if c.Sandbox.MaxCodeBytes < 1 {
		return fmt.Errorf("sandbox.max_code_bytes must be >= 1")
	}
	if c.Batch.MaxConcurrent < 1 {
		return fmt.Errorf("batch.max_concurrent must be >= 1")
	}
	if c.Batch.TaskTimeout <= 0 {
		return fmt.Errorf("batch.task_timeout must be positive")
	}
	for name := range c.Policies {
		if _, err := policy.PhaseFor(name); err != nil {
			return fmt.Errorf("policies: %w", err)
		}
	}
	if c.Engine.WorkDir != "" && !filepath.IsAbs(c.Engine.WorkDir) {
		return fmt.Errorf("engine.work_dir: %q must be an absolute path", c.Engine.WorkDir)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// PolicyOverrides converts the YAML policy section into registry
// overrides keyed by phase.
func (c *Config) PolicyOverrides() (map[policy.Phase]policy.Override, error) {
	if len(c.Policies) == 0 {
		return nil, nil
	}
	out := make(map[policy.Phase]policy.Override, len(c.Policies))
	for name, ov := range c.Policies {
		ph, err := policy.PhaseFor(name)
		if err != nil {
			return nil, err
		}
		out[ph] = policy.Override{
			MaxMemoryMB:      ov.MaxMemoryMB,
			MaxExecutionTime: ov.MaxExecutionTime,
			BlockImports:     ov.BlockImports,
		}
	}
	return out, nil
}

// DefaultPhase returns the parsed default phase. Validate must have
// accepted the config first.
func (c *Config) DefaultPhase() policy.Phase {
	ph, _ := policy.PhaseFor(c.Sandbox.DefaultPhase)
	return ph
}

// DefaultIsolation returns the parsed default isolation level.
func (c *Config) DefaultIsolation() sandbox.IsolationLevel {
	level, _ := sandbox.IsolationFor(c.Sandbox.DefaultIsolation)
	return level
}
