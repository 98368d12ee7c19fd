// Package config handles configuration loading and validation for the
// monitoring daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	Watch       WatchConfig       `toml:"watch"`
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Suppression SuppressionConfig `toml:"suppression"`
	Ingest      IngestConfig      `toml:"ingest"`
	Logging     LoggingConfig     `toml:"logging"`
}

// WatchConfig holds file watching configuration.
type WatchConfig struct {
	// Paths is the list of directory roots to monitor.
	Paths []string `toml:"paths"`

	// IgnorePatterns are glob patterns excluded from monitoring, matched
	// against full relative paths and individual path segments.
	IgnorePatterns []string `toml:"ignore_patterns"`

	// IncludeHidden keeps dotfiles under observation when true.
	IncludeHidden bool `toml:"include_hidden"`

	// DebounceMs is how long a path must stay quiet before its change is
	// classified and emitted.
	DebounceMs int `toml:"debounce_ms"`
}

// ServerConfig holds the HTTP surface and deployment identity.
type ServerConfig struct {
	Listen      string `toml:"listen"`
	Environment string `toml:"environment"`
	Host        string `toml:"host"`
	Site        string `toml:"site"`
}

// StorageConfig holds every persisted-state location.
type StorageConfig struct {
	Dir           string `toml:"dir"`
	AuditLog      string `toml:"audit_log"`
	QuarantineDir string `toml:"quarantine_dir"`
	RulesPath     string `toml:"rules_path"`
	AgentsPath    string `toml:"agents_path"`
}

// SuppressionConfig tunes burst collapsing.
type SuppressionConfig struct {
	WindowSec    int `toml:"window_sec"`
	Threshold    int `toml:"threshold"`
	StaleIdleSec int `toml:"stale_idle_sec"`
}

// IngestConfig tunes the agent submission pipeline.
type IngestConfig struct {
	BufferSize int `toml:"buffer_size"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		Watch: WatchConfig{
			Paths:          []string{"./watched"},
			IgnorePatterns: []string{".git", "*.swp", "*.tmp", "*~"},
			DebounceMs:     500,
		},
		Server: ServerConfig{
			Listen:      ":8787",
			Environment: "production",
			Host:        defaultHostname(),
			Site:        "default",
		},
		Storage: StorageConfig{
			Dir:           "./data",
			AuditLog:      "./data/audit.log",
			QuarantineDir: "./data/quarantine",
			RulesPath:     "./data/rules.yaml",
			AgentsPath:    "./data/agents.yaml",
		},
		Suppression: SuppressionConfig{
			WindowSec:    10,
			Threshold:    5,
			StaleIdleSec: 300,
		},
		Ingest: IngestConfig{
			BufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if len(c.Watch.Paths) == 0 {
		return fmt.Errorf("watch.paths must name at least one directory")
	}
	for _, p := range c.Watch.Paths {
		if p == "" {
			return fmt.Errorf("watch.paths entries must be non-empty")
		}
	}
	if c.Watch.DebounceMs < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir must not be empty")
	}
	if c.Suppression.WindowSec <= 0 {
		return fmt.Errorf("suppression.window_sec must be positive")
	}
	if c.Suppression.Threshold <= 0 {
		return fmt.Errorf("suppression.threshold must be positive")
	}
	if c.Suppression.StaleIdleSec <= 0 {
		return fmt.Errorf("suppression.stale_idle_sec must be positive")
	}
	if c.Ingest.BufferSize <= 0 {
		return fmt.Errorf("ingest.buffer_size must be positive")
	}
	return nil
}

// ApplyEnvOverrides lets the environment adjust deploy-time knobs without
// touching the file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("HACKSTONE_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("HACKSTONE_ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("HACKSTONE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Debounce returns the watcher debounce as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// SuppressionWindow returns the burst window as a duration.
func (c *Config) SuppressionWindow() time.Duration {
	return time.Duration(c.Suppression.WindowSec) * time.Second
}

// SuppressionStale returns the idle GC threshold as a duration.
func (c *Config) SuppressionStale() time.Duration {
	return time.Duration(c.Suppression.StaleIdleSec) * time.Second
}

// Load reads the TOML configuration at path. A missing file is replaced
// with defaults; a corrupt file is backed up aside and replaced with
// defaults. Startup only fails when even the defaults cannot be written
// or the resulting configuration is invalid.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if werr := Save(path, cfg); werr != nil {
			return nil, werr
		}
		return finish(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(raw), cfg); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if rerr := os.Rename(path, backup); rerr != nil {
			return nil, fmt.Errorf("config corrupt and backup failed: %w", err)
		}
		cfg = Default()
		if werr := Save(path, cfg); werr != nil {
			return nil, werr
		}
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as TOML, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
