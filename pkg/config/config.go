// Package config holds runtime configuration for every heysquid process.
// Values come from defaults, then an optional JSON config file, then
// environment variables (HEYSQUID_*), highest wins.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config is shared by the listeners, the dispatcher, the scheduler and the
// dashboard. The timing knobs mirror behavior the rest of the system depends
// on; they are tunable but the defaults are the tested values.
type Config struct {
	// State directory containing messages.json, working.json, kanban.json etc.
	DataDir string `json:"data_dir" env:"HEYSQUID_DATA_DIR"`

	// External coding-agent command. Invoked with the combined instruction
	// on stdin; treated as a black box.
	AgentCommand string   `json:"agent_command" env:"HEYSQUID_AGENT_CMD"`
	AgentArgs    []string `json:"agent_args" env:"HEYSQUID_AGENT_ARGS" envSeparator:" "`

	// Queue/lock tuning.
	RetentionDays      int `json:"retention_days" env:"HEYSQUID_RETENTION_DAYS"`
	StaleLockSecs      int `json:"stale_lock_secs" env:"HEYSQUID_STALE_LOCK_SECS"`
	MessageExpiryHours int `json:"message_expiry_hours" env:"HEYSQUID_MESSAGE_EXPIRY_HOURS"`
	MaxRetries         int `json:"max_retries" env:"HEYSQUID_MAX_RETRIES"`
	DoneCap            int `json:"done_cap" env:"HEYSQUID_DONE_CAP"`
	ArchiveCap         int `json:"archive_cap" env:"HEYSQUID_ARCHIVE_CAP"`
	ArchiveAfterHours  int `json:"archive_after_hours" env:"HEYSQUID_ARCHIVE_AFTER_HOURS"`
	PollIntervalSecs   int `json:"poll_interval_secs" env:"HEYSQUID_POLL_INTERVAL_SECS"`

	// Channel credentials. Empty means the channel is disabled.
	TelegramToken   string `json:"telegram_token" env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID  string `json:"telegram_chat_id" env:"TELEGRAM_CHAT_ID"`
	SlackBotToken   string `json:"slack_bot_token" env:"SLACK_BOT_TOKEN"`
	SlackAppToken   string `json:"slack_app_token" env:"SLACK_APP_TOKEN"`
	SlackChannelID  string `json:"slack_channel_id" env:"SLACK_CHANNEL_ID"`
	DiscordToken    string `json:"discord_token" env:"DISCORD_BOT_TOKEN"`
	DiscordChannel  string `json:"discord_channel_id" env:"DISCORD_CHANNEL_ID"`
	EnableTUI       bool   `json:"enable_tui" env:"HEYSQUID_ENABLE_TUI"`

	// Dashboard HTTP server. Empty address disables it.
	DashboardAddr string `json:"dashboard_addr" env:"HEYSQUID_DASHBOARD_ADDR"`

	// Automation registry overrides (YAML). Optional.
	AutomationsFile string `json:"automations_file" env:"HEYSQUID_AUTOMATIONS_FILE"`

	LogLevel string `json:"log_level" env:"HEYSQUID_LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:            filepath.Join(home, ".heysquid", "data"),
		AgentCommand:       "claude",
		AgentArgs:          []string{"-p"},
		RetentionDays:      30,
		StaleLockSecs:      1800,
		MessageExpiryHours: 24,
		MaxRetries:         3,
		DoneCap:            50,
		ArchiveCap:         200,
		ArchiveAfterHours:  24,
		PollIntervalSecs:   5,
		DashboardAddr:      "127.0.0.1:8787",
		LogLevel:           "info",
	}
}

// Load builds the effective config. path may be empty, in which case only
// defaults and environment apply. A missing file at the default location is
// not an error; an explicit path that cannot be read is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".heysquid", "config.json")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the default config to path, refusing to overwrite.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
