// Package config loads and hot-reloads the gateway's YAML configuration:
// provider credentials, the staleDrop and announce tunables named in
// spec.md §6, and the tool-result size cap.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig holds the Provider adapter's connection settings.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig lists the configured provider channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// StaleDropConfig controls InboundGate's stale-delivery handling (spec.md §4.3, §6).
type StaleDropConfig struct {
	Enabled        bool  `yaml:"enabled"`
	Reply          bool  `yaml:"reply"`
	SkewWindowMs   int64 `yaml:"skew_window_ms"`
	RecentIDsLimit int   `yaml:"recent_ids_limit"`
}

// AnnounceConfig controls AnnounceQueue's per-key default settings (spec.md §4.5, §6).
type AnnounceConfig struct {
	Mode        string `yaml:"mode"`         // "followup" or "collect"
	DebounceMs  int64  `yaml:"debounce_ms"`
	Cap         int    `yaml:"cap"`
	DropPolicy  string `yaml:"drop_policy"`  // "summarize", "oldest", "newest"
	MaxAgeMs    int64  `yaml:"max_age_ms"`
}

// ToolResultConfig controls ToolResultGuard's size cap (spec.md §4.6, §6).
type ToolResultConfig struct {
	HardMaxChars int `yaml:"hard_max_chars"`
}

// GroupPolicyConfig controls TaskCoordinator's admission policy for a group chat
// (spec.md §4.4 step 4).
type GroupPolicyConfig struct {
	ChatID          string   `yaml:"chat_id"`
	SenderAllowlist []string `yaml:"sender_allowlist"` // empty = all senders allowed
	RequireMention  bool     `yaml:"require_mention"`
}

// PolicyConfig gathers the allowlist checks TaskCoordinator applies before dispatch.
type PolicyConfig struct {
	GroupAllowlist []string            `yaml:"group_allowlist"` // empty = all groups allowed
	DMAllowlist    []string            `yaml:"dm_allowlist"`    // empty = all DMs allowed
	Groups         []GroupPolicyConfig `yaml:"groups"`
}

// TelemetryConfig controls the otelgw provider's tracer/meter setup.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "none"
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the gateway's root configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	AccountID string `yaml:"account_id"`
	LogLevel  string `yaml:"log_level"`
	StateDir  string `yaml:"state_dir"`

	StaleDrop  StaleDropConfig   `yaml:"stale_drop"`
	Announce   AnnounceConfig    `yaml:"announce"`
	ToolResult ToolResultConfig  `yaml:"tool_result"`
	Policy     PolicyConfig      `yaml:"policy"`
	Channels   ChannelsConfig    `yaml:"channels"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`

	// ReconcileIntervalMinutes schedules the periodic sweep beyond the
	// boot-time reconcile call (0 disables periodic reconciliation).
	ReconcileIntervalMinutes int `yaml:"reconcile_interval_minutes"`

	// ReconcileMaxAgeHours bounds how old an orphaned task may be before
	// boot reconciliation gives up on it (spec.md §4.4 reconcile).
	ReconcileMaxAgeHours int `yaml:"reconcile_max_age_hours"`

	// AgentEndpoint is the base URL of the agent runtime httpdispatch talks
	// to. The runtime itself is an external process, not part of this repo.
	AgentEndpoint string `yaml:"agent_endpoint"`

	// AgentAPIAddr is where this gateway listens for the agent runtime's
	// callbacks: session transcript appends and out-of-band announcements.
	AgentAPIAddr string `yaml:"agent_api_addr"`
}

func defaultConfig() Config {
	return Config{
		AccountID: "default",
		LogLevel:  "info",
		StaleDrop: StaleDropConfig{
			Enabled:        true,
			Reply:          true,
			SkewWindowMs:   5000,
			RecentIDsLimit: 250,
		},
		Announce: AnnounceConfig{
			Mode:       "followup",
			DebounceMs: 1000,
			Cap:        20,
			DropPolicy: "summarize",
			MaxAgeMs:   int64(10 * time.Minute / time.Millisecond),
		},
		ToolResult: ToolResultConfig{
			HardMaxChars: 30000,
		},
		ReconcileIntervalMinutes: 15,
		ReconcileMaxAgeHours:     24,
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
		AgentEndpoint: "http://127.0.0.1:8790",
		AgentAPIAddr:  "127.0.0.1:8791",
	}
}

// HomeDir returns the gateway's state home, honoring FEISHUGATE_HOME.
func HomeDir() string {
	if override := os.Getenv("FEISHUGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".feishugate")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (creating the home directory if needed), applies
// environment overrides, and fills in defaults for anything left unset.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create feishugate home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.AccountID == "" {
		cfg.AccountID = "default"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.HomeDir, "state")
	}
	if cfg.StaleDrop.SkewWindowMs == 0 {
		cfg.StaleDrop.SkewWindowMs = 5000
	}
	if cfg.StaleDrop.RecentIDsLimit <= 0 {
		cfg.StaleDrop.RecentIDsLimit = 250
	}
	if cfg.Announce.Mode == "" {
		cfg.Announce.Mode = "followup"
	}
	if cfg.Announce.DebounceMs <= 0 {
		cfg.Announce.DebounceMs = 1000
	}
	if cfg.Announce.Cap <= 0 {
		cfg.Announce.Cap = 20
	}
	if cfg.Announce.DropPolicy == "" {
		cfg.Announce.DropPolicy = "summarize"
	}
	if cfg.ToolResult.HardMaxChars <= 0 {
		cfg.ToolResult.HardMaxChars = 30000
	}
	if cfg.ReconcileMaxAgeHours <= 0 {
		cfg.ReconcileMaxAgeHours = 24
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
	if cfg.AgentEndpoint == "" {
		cfg.AgentEndpoint = "http://127.0.0.1:8790"
	}
	if cfg.AgentAPIAddr == "" {
		cfg.AgentAPIAddr = "127.0.0.1:8791"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FEISHUGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FEISHUGATE_ACCOUNT_ID"); raw != "" {
		cfg.AccountID = raw
	}
	if raw := os.Getenv("FEISHUGATE_STATE_DIR"); raw != "" {
		cfg.StateDir = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("FEISHUGATE_AGENT_ENDPOINT"); raw != "" {
		cfg.AgentEndpoint = raw
	}
	if raw := os.Getenv("FEISHUGATE_STALE_SKEW_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.StaleDrop.SkewWindowMs = v
		}
	}
	if raw := os.Getenv("FEISHUGATE_ANNOUNCE_CAP"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Announce.Cap = v
		}
	}
}

// saveRawConfig marshals and atomically writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write config.yaml.tmp: %w", err)
	}
	return os.Rename(tmp, path)
}

func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// SetTelegramToken updates the Telegram token in config.yaml, preserving other settings.
func SetTelegramToken(homeDir, token string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	channels, _ := raw["channels"].(map[string]interface{})
	if channels == nil {
		channels = make(map[string]interface{})
	}
	telegram, _ := channels["telegram"].(map[string]interface{})
	if telegram == nil {
		telegram = make(map[string]interface{})
	}
	telegram["token"] = token
	telegram["enabled"] = true
	channels["telegram"] = telegram
	raw["channels"] = channels
	return saveRawConfig(configPath, raw)
}
