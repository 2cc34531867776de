// Package config holds the devhook process configuration. The config is an
// explicit struct constructed once at startup and passed into every component
// that needs it; there is no ambient global.
//
// Values come from three layers, later layers winning:
//  1. built-in defaults (WithDefaults)
//  2. $DEVHOOK_HOME/config.toml, if present
//  3. environment variables for secrets and path overrides
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full devhook configuration.
type Config struct {
	// GitHub settings.
	GitHubToken     string `toml:"github_token"`
	WebhookSecret   string `toml:"webhook_secret"`
	MentionedUser   string `toml:"mentioned_user"`

	// Slot pool. The set is fixed for the process lifetime.
	Slots []string `toml:"slots"`

	// Directories.
	Home         string `toml:"-"`             // resolved base dir, not read from file
	RepoCacheDir string `toml:"repo_cache_dir"` // cloned repositories
	WorkspaceDir string `toml:"workspace_dir"`  // per-slot sandbox workspaces
	JournalPath  string `toml:"journal_path"`   // sqlite task journal

	// Timeouts and intervals.
	TaskTimeout    time.Duration `toml:"task_timeout"`
	IdleTimeout    time.Duration `toml:"idle_timeout"`
	ReaperInterval time.Duration `toml:"reaper_interval"`

	// HTTP server.
	ListenAddr  string `toml:"listen_addr"`
	WebhookPath string `toml:"webhook_path"`

	// Logging.
	LogLevel  string `toml:"log_level"`  // debug, info, warn, error
	LogFormat string `toml:"log_format"` // text or json

	// DevMode relaxes binding defaults and enables the synthetic test-event
	// endpoint. Test events never reach real collaboration threads.
	DevMode bool `toml:"dev_mode"`

	// Artifact upload (optional; disabled when Bucket is empty).
	Artifacts ArtifactsConfig `toml:"artifacts"`
}

// ArtifactsConfig configures S3 workspace-artifact uploads.
type ArtifactsConfig struct {
	Bucket string `toml:"bucket"`
	Prefix string `toml:"prefix"`
	Region string `toml:"region"`
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	out := c
	if len(out.Slots) == 0 {
		out.Slots = []string{"eamonn", "harry", "darren"}
	}
	if out.Home == "" {
		out.Home = defaultHome()
	}
	if out.RepoCacheDir == "" {
		out.RepoCacheDir = filepath.Join(out.Home, "repos")
	}
	if out.WorkspaceDir == "" {
		out.WorkspaceDir = filepath.Join(out.Home, "workspaces")
	}
	if out.JournalPath == "" {
		out.JournalPath = filepath.Join(out.Home, "journal.db")
	}
	if out.TaskTimeout == 0 {
		out.TaskTimeout = 30 * time.Minute
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 30 * time.Minute
	}
	if out.ReaperInterval == 0 {
		out.ReaperInterval = time.Minute
	}
	if out.ListenAddr == "" {
		if out.DevMode {
			out.ListenAddr = "127.0.0.1:8000"
		} else {
			out.ListenAddr = "0.0.0.0:8000"
		}
	}
	if out.WebhookPath == "" {
		out.WebhookPath = "/webhook"
	}
	if out.LogLevel == "" {
		out.LogLevel = "info"
	}
	if out.LogFormat == "" {
		if out.DevMode {
			out.LogFormat = "text"
		} else {
			out.LogFormat = "json"
		}
	}
	if out.Artifacts.Prefix == "" {
		out.Artifacts.Prefix = "devhook-artifacts"
	}
	if out.Artifacts.Region == "" {
		out.Artifacts.Region = "us-east-1"
	}
	return out
}

// Load reads $DEVHOOK_HOME/config.toml (absence is not an error), applies
// environment overrides and defaults, and validates the result.
func Load() (Config, error) {
	return LoadFrom(defaultHome())
}

// LoadFrom is Load with an explicit home directory, for tests.
func LoadFrom(home string) (Config, error) {
	var cfg Config
	cfg.Home = home

	path := filepath.Join(home, "config.toml")
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from home dir
	switch {
	case os.IsNotExist(err):
		// No config file; defaults plus env only.
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and the slot list from the environment.
// Secrets belong in the environment, not on disk.
func (c *Config) applyEnv() {
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHubToken = v
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		c.WebhookSecret = v
	}
	if v := os.Getenv("GITHUB_MENTIONED_USER"); v != "" {
		c.MentionedUser = v
	}
	if v := os.Getenv("DEVHOOK_SLOTS"); v != "" {
		c.Slots = splitList(v)
	}
}

// Validate reports configuration that cannot work at runtime.
func (c Config) Validate() error {
	if len(c.Slots) == 0 {
		return fmt.Errorf("config: slot pool is empty")
	}
	seen := make(map[string]bool, len(c.Slots))
	for _, s := range c.Slots {
		if s == "" {
			return fmt.Errorf("config: empty slot name")
		}
		if seen[s] {
			return fmt.Errorf("config: duplicate slot name %q", s)
		}
		seen[s] = true
	}
	if !c.DevMode {
		if c.WebhookSecret == "" {
			return fmt.Errorf("config: webhook_secret is required (GITHUB_WEBHOOK_SECRET)")
		}
		if c.GitHubToken == "" {
			return fmt.Errorf("config: github_token is required (GITHUB_TOKEN)")
		}
		if c.MentionedUser == "" {
			return fmt.Errorf("config: mentioned_user is required (GITHUB_MENTIONED_USER)")
		}
	}
	return nil
}

// EnsureDirectories creates the repo cache and workspace directories.
func (c Config) EnsureDirectories() error {
	for _, dir := range []string{c.RepoCacheDir, c.WorkspaceDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// splitList parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// defaultHome returns $DEVHOOK_HOME or ~/.devhook.
func defaultHome() string {
	if v := os.Getenv("DEVHOOK_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devhook"
	}
	return filepath.Join(home, ".devhook")
}
