// Package config loads the switchboard configuration file.
//
// Files are YAML, or JSON5 when the extension is .json or .json5. ${VAR} and
// ${VAR:-default} references are expanded from the environment before
// parsing. $include pulls in other files; keys in the including file win and
// providers merge by name.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the main configuration structure for switchboard.
type Config struct {
	Version int `yaml:"version" jsonschema:"description=Configuration file version"`

	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Storage   StorageConfig   `yaml:"storage"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Tools     ToolsConfig     `yaml:"tools"`

	// DefaultProvider names the provider used when a request names none.
	// Empty means the first configured provider.
	DefaultProvider string `yaml:"default_provider"`

	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// Debug forwards debug events to every client, not just those that ask.
	Debug bool `yaml:"debug"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format         string   `yaml:"format" jsonschema:"enum=json,enum=text"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// On reports whether metrics are served. Metrics are on unless disabled.
func (m MetricsConfig) On() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig controls OpenTelemetry tracing. Tracing is off without an endpoint.
type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// StorageConfig selects the conversation store.
type StorageConfig struct {
	Driver string `yaml:"driver" jsonschema:"enum=memory,enum=sqlite"`
	Path   string `yaml:"path"`
}

// WorkspaceConfig confines tools and CLI agents to a set of directories.
type WorkspaceConfig struct {
	// Roots are the allowed directories. Default: the working directory.
	Roots []string `yaml:"roots"`

	// WorkDir is the default working directory. Default: the first root.
	WorkDir string `yaml:"work_dir"`
}

// ToolsConfig configures the built-in tools offered to hosted providers.
type ToolsConfig struct {
	// Enabled restricts the catalog. Empty enables every built-in tool.
	Enabled        []string    `yaml:"enabled"`
	MaxReadBytes   int         `yaml:"max_read_bytes"`
	MaxGlobResults int         `yaml:"max_glob_results"`
	MaxGrepMatches int         `yaml:"max_grep_matches"`
	Shell          ShellConfig `yaml:"shell"`
	Screens        *bool       `yaml:"screens"`
}

// ScreensOn reports whether the open_screen tool is offered.
func (t ToolsConfig) ScreensOn() bool {
	return t.Screens == nil || *t.Screens
}

// ShellConfig configures the bash tool.
type ShellConfig struct {
	Path      string            `yaml:"path"`
	Timeout   time.Duration     `yaml:"timeout"`
	MaxOutput int               `yaml:"max_output"`
	Env       map[string]string `yaml:"env"`
}

// ProviderConfig is one configured backend. Fields that do not apply to the
// provider's type are ignored.
type ProviderConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type" jsonschema:"enum=anthropic,enum=openai,enum=claude-cli,enum=codex-cli"`

	DefaultModel string        `yaml:"default_model"`
	Models       []ModelConfig `yaml:"models"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// Hosted providers.
	APIKey            string      `yaml:"api_key"`
	BaseURL           string      `yaml:"base_url"`
	Organization      string      `yaml:"organization"`
	MaxTokens         int         `yaml:"max_tokens"`
	MaxRetries        int         `yaml:"max_retries"`
	Retry             RetryConfig `yaml:"retry"`
	MaxToolIterations int         `yaml:"max_tool_iterations"`

	// CLI providers.
	Binary         string            `yaml:"binary"`
	ExtraArgs      []string          `yaml:"extra_args"`
	Env            map[string]string `yaml:"env"`
	KillGrace      time.Duration     `yaml:"kill_grace"`
	PermissionMode string            `yaml:"permission_mode"`
	Sandbox        string            `yaml:"sandbox"`
}

// ModelConfig overrides a catalog entry. Prices are USD per million tokens.
type ModelConfig struct {
	ID                     string  `yaml:"id"`
	DisplayName            string  `yaml:"display_name"`
	ContextWindow          int     `yaml:"context_window"`
	MaxOutputTokens        int     `yaml:"max_output_tokens"`
	InputPricePerMTok      float64 `yaml:"input_price_per_mtok"`
	OutputPricePerMTok     float64 `yaml:"output_price_per_mtok"`
	CacheWritePricePerMTok float64 `yaml:"cache_write_price_per_mtok"`
	CacheReadPricePerMTok  float64 `yaml:"cache_read_price_per_mtok"`
}

// RetryConfig shapes the backoff between stream setup attempts.
type RetryConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
	Jitter  float64       `yaml:"jitter"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given: every
// provider type, API keys from the environment, rooted at the current
// directory.
func Default() *Config {
	cfg := &Config{
		DefaultProvider: "claude-cli",
		Providers: []ProviderConfig{
			{Type: "claude-cli"},
			{Type: "codex-cli"},
			{Type: "anthropic", APIKey: os.Getenv("ANTHROPIC_API_KEY")},
			{Type: "openai", APIKey: os.Getenv("OPENAI_API_KEY")},
		},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8787"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "switchboard"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageMemory
		if cfg.Storage.Path != "" {
			cfg.Storage.Driver = StorageSQLite
		}
	}
	if len(cfg.Workspace.Roots) == 0 {
		cfg.Workspace.Roots = []string{"."}
	}
	if cfg.Workspace.WorkDir == "" {
		cfg.Workspace.WorkDir = cfg.Workspace.Roots[0]
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].Name == "" {
			cfg.Providers[i].Name = cfg.Providers[i].Type
		}
	}
}
