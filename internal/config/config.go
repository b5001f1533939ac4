package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// LocalConfigName is the per-project config file searched for in parent directories
const LocalConfigName = ".sandbox-builder.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Sandbox       SandboxConfig       `toml:"sandbox"`
	Agent         AgentConfig         `toml:"agent"`
	Sync          SyncConfig          `toml:"sync"`
	GitHub        GitHubConfig        `toml:"github"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Logging       LoggingConfig       `toml:"logging"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath             string `toml:"database_path"`
	ScratchDir               string `toml:"scratch_dir"`
	MaxConcurrentGenerations int    `toml:"max_concurrent_generations"`
}

// SandboxConfig holds sandbox provider and lifecycle settings
type SandboxConfig struct {
	Provider           string   `toml:"provider"` // docker or podman
	Image              string   `toml:"image"`
	Workdir            string   `toml:"workdir"`
	TTL                Duration `toml:"ttl"`
	SweepSchedule      string   `toml:"sweep_schedule"`
	ProbeTimeout       Duration `toml:"probe_timeout"`
	PreviewPort        int      `toml:"preview_port"`
	PreviewSettleDelay Duration `toml:"preview_settle_delay"`
	// PreviewHostPattern maps {port} and {id} to an externally reachable host
	PreviewHostPattern string `toml:"preview_host_pattern"`
}

// AgentConfig holds coding agent settings
type AgentConfig struct {
	Command   string   `toml:"command"`
	Model     string   `toml:"model"`
	MaxTurns  int      `toml:"max_turns"`
	ExtraArgs []string `toml:"extra_args"`
}

// SyncConfig holds file sync settings
type SyncConfig struct {
	Watch bool `toml:"watch"`
}

// GitHubConfig holds VCS provider settings
type GitHubConfig struct {
	GHPath       string `toml:"gh_path"`
	DefaultOwner string `toml:"default_owner"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	JSON    bool   `toml:"json"`
	File    string `toml:"file"`
	Journal bool   `toml:"journal"`
}

// Duration is a time.Duration that reads from TOML strings like "5m"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:             filepath.Join(home, ".sandbox-builder", "builder.db"),
			ScratchDir:               filepath.Join(home, ".sandbox-builder", "scratch"),
			MaxConcurrentGenerations: 4,
		},
		Sandbox: SandboxConfig{
			Provider:           "docker",
			Image:              "python:3.12-slim",
			Workdir:            "/home/user/app",
			TTL:                Duration{time.Hour},
			SweepSchedule:      "@every 5m",
			ProbeTimeout:       Duration{5 * time.Second},
			PreviewPort:        8000,
			PreviewSettleDelay: Duration{2 * time.Second},
			PreviewHostPattern: "{port}-{id}.sandbox.localhost",
		},
		Agent: AgentConfig{
			Command:  "claude",
			MaxTurns: 40,
		},
		GitHub: GitHubConfig{
			GHPath: "gh",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ScratchDir = ExpandPath(cfg.General.ScratchDir)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path if given, otherwise the
// nearest local config, otherwise the user config.
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if c.Sandbox.TTL.Duration <= 0 {
		return fmt.Errorf("sandbox.ttl must be positive")
	}
	if _, err := cron.ParseStandard(c.Sandbox.SweepSchedule); err != nil {
		return fmt.Errorf("sandbox.sweep_schedule: %w", err)
	}
	if c.Sandbox.PreviewPort < 1 || c.Sandbox.PreviewPort > 65535 {
		return fmt.Errorf("sandbox.preview_port out of range: %d", c.Sandbox.PreviewPort)
	}
	if c.General.MaxConcurrentGenerations < 1 {
		return fmt.Errorf("general.max_concurrent_generations must be at least 1")
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sandbox-builder", "config.toml")
}
