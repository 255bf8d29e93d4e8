// Package config loads the steamboost YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/Dicklesworthstone/steamboost/internal/account"
	"github.com/Dicklesworthstone/steamboost/internal/retry"
)

// DefaultPort is the dashboard port used when neither the config file nor
// the environment sets one.
const DefaultPort = "10000"

// DriverSimulated is the only built-in client driver.
const DriverSimulated = "simulated"

// Config is the on-disk configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// StatePath is the account registry JSON file. DBPath is the SQLite
	// activity database. Empty values use the defaults under HomeDir.
	StatePath string `yaml:"state_path,omitempty"`
	DBPath    string `yaml:"db_path,omitempty"`

	BroadcastInterval time.Duration   `yaml:"broadcast_interval"`
	UsageTimeout      time.Duration   `yaml:"usage_timeout"`
	UsageInterval     time.Duration   `yaml:"usage_interval"`
	RetryDelays       []time.Duration `yaml:"retry_delays"`
	JournalSize       int             `yaml:"journal_size"`
	HistoryRetention  time.Duration   `yaml:"history_retention"`

	Challenge ChallengeConfig `yaml:"challenge"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Driver    DriverConfig    `yaml:"driver"`

	Accounts []AccountConfig `yaml:"accounts"`
}

// ChallengeConfig rate-limits second-factor code submissions per account.
type ChallengeConfig struct {
	Interval time.Duration `yaml:"interval"`
	Burst    int           `yaml:"burst"`
}

// DashboardConfig enables HTTP basic auth when PasswordHash is set.
type DashboardConfig struct {
	Username     string `yaml:"username,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// AuthEnabled reports whether the dashboard requires credentials.
func (d DashboardConfig) AuthEnabled() bool {
	return d.PasswordHash != ""
}

// DriverConfig selects and tunes the protocol client driver.
type DriverConfig struct {
	Name             string        `yaml:"name"`
	Latency          time.Duration `yaml:"latency"`
	RequireGuard     bool          `yaml:"require_guard"`
	BaseUsageMinutes int64         `yaml:"base_usage_minutes"`
}

// AccountConfig seeds one account. Password may instead come from the
// environment variable named by PasswordEnv.
type AccountConfig struct {
	ID           string   `yaml:"id"`
	DisplayName  string   `yaml:"display_name,omitempty"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password,omitempty"`
	PasswordEnv  string   `yaml:"password_env,omitempty"`
	SharedSecret string   `yaml:"shared_secret,omitempty"`
	GameIDs      []uint32 `yaml:"game_ids"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Listen:            ":" + DefaultPort,
		LogLevel:          "info",
		BroadcastInterval: time.Second,
		UsageTimeout:      15 * time.Second,
		UsageInterval:     10 * time.Minute,
		RetryDelays:       append([]time.Duration(nil), retry.DefaultPolicy().Delays...),
		JournalSize:       50,
		HistoryRetention:  30 * 24 * time.Hour,
		Challenge: ChallengeConfig{
			Interval: 5 * time.Second,
			Burst:    3,
		},
		Driver: DriverConfig{
			Name:    DriverSimulated,
			Latency: 2 * time.Second,
		},
	}
}

// HomeDir returns $STEAMBOOST_HOME, falling back to ~/.steamboost.
func HomeDir() string {
	if home := os.Getenv("STEAMBOOST_HOME"); home != "" {
		return home
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".steamboost"
	}
	return filepath.Join(homeDir, ".steamboost")
}

// ConfigPath returns the default config file location:
// $STEAMBOOST_HOME/config.yaml, else $XDG_CONFIG_HOME/steamboost/config.yaml,
// else ~/.config/steamboost/config.yaml.
func ConfigPath() string {
	if home := os.Getenv("STEAMBOOST_HOME"); home != "" {
		return filepath.Join(home, "config.yaml")
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "steamboost", "config.yaml")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "steamboost", "config.yaml")
	}
	return filepath.Join(homeDir, ".config", "steamboost", "config.yaml")
}

// Load reads the config at path (ConfigPath when empty), applies
// environment overrides and validates the result. A missing file yields
// DefaultConfig.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment. STEAMBOOST_LISTEN wins
// over PORT.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Listen = ":" + port
	}
	if listen := strings.TrimSpace(getenv("STEAMBOOST_LISTEN")); listen != "" {
		c.Listen = listen
	}
	if level := strings.TrimSpace(getenv("STEAMBOOST_LOG_LEVEL")); level != "" {
		c.LogLevel = level
	}
}

// Validate checks the config for values the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("listen address is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry_delays: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"broadcast_interval": c.BroadcastInterval,
		"usage_timeout":      c.UsageTimeout,
		"usage_interval":     c.UsageInterval,
		"history_retention":  c.HistoryRetention,
		"challenge.interval": c.Challenge.Interval,
		"driver.latency":     c.Driver.Latency,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.JournalSize < 0 {
		return errors.New("journal_size must not be negative")
	}
	if c.Challenge.Burst < 0 {
		return errors.New("challenge.burst must not be negative")
	}
	if c.Driver.Name != "" && c.Driver.Name != DriverSimulated {
		return fmt.Errorf("unknown driver %q", c.Driver.Name)
	}
	if c.Dashboard.AuthEnabled() {
		if c.Dashboard.Username == "" {
			return errors.New("dashboard.username is required with a password hash")
		}
		if _, err := bcrypt.Cost([]byte(c.Dashboard.PasswordHash)); err != nil {
			return fmt.Errorf("dashboard.password_hash: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = struct{}{}
		if strings.TrimSpace(a.Username) == "" {
			return fmt.Errorf("account %s: username is required", a.ID)
		}
		if a.Password == "" && a.PasswordEnv == "" {
			return fmt.Errorf("account %s: password or password_env is required", a.ID)
		}
	}
	return nil
}

// RetryPolicy returns the reconnect policy built from RetryDelays.
func (c *Config) RetryPolicy() retry.Policy {
	if len(c.RetryDelays) == 0 {
		return retry.DefaultPolicy()
	}
	return retry.Policy{Delays: append([]time.Duration(nil), c.RetryDelays...)}
}

// ResolvedStatePath returns StatePath or its default.
func (c *Config) ResolvedStatePath() string {
	if c.StatePath != "" {
		return c.StatePath
	}
	return filepath.Join(HomeDir(), "data", "accounts.json")
}

// Records converts the configured accounts into registry records, reading
// PasswordEnv through getenv. Accounts whose password cannot be resolved
// are skipped and reported in the returned error.
func (c *Config) Records(getenv func(string) string) ([]account.Record, error) {
	out := make([]account.Record, 0, len(c.Accounts))
	var errs []error
	for _, a := range c.Accounts {
		password := a.Password
		if password == "" && a.PasswordEnv != "" {
			password = getenv(a.PasswordEnv)
		}
		if password == "" {
			errs = append(errs, fmt.Errorf("account %s: %s is empty", a.ID, a.PasswordEnv))
			continue
		}
		out = append(out, account.Record{
			ID:           a.ID,
			DisplayName:  a.DisplayName,
			Username:     a.Username,
			Password:     password,
			SharedSecret: a.SharedSecret,
			GameIDs:      append([]uint32(nil), a.GameIDs...),
		})
	}
	return out, errors.Join(errs...)
}

// ParseLevel parses a slog level name; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
