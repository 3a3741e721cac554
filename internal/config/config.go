package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/nara/pkg/heartbeat"
)

// Config represents the main Nara configuration
type Config struct {
	// Data directory, defaults to ~/.nara
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Engine binary and spawn defaults
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Daily token budget
	Budget BudgetConfig `json:"budget" mapstructure:"budget"`

	// Chat backends
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Feishu   FeishuConfig   `json:"feishu" mapstructure:"feishu"`

	// Scheduled tasks
	Heartbeat HeartbeatConfig `json:"heartbeat" mapstructure:"heartbeat"`

	// Interactive dispatch
	Dispatcher DispatcherConfig `json:"dispatcher" mapstructure:"dispatcher"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// EngineConfig holds the external engine invocation defaults
type EngineConfig struct {
	Bin            string   `json:"bin" mapstructure:"bin"`
	Model          string   `json:"model" mapstructure:"model"`
	AllowedTools   []string `json:"allowed_tools" mapstructure:"allowed_tools"`
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	DefaultCwd     string   `json:"default_cwd" mapstructure:"default_cwd"`
}

// BudgetConfig holds the daily token allowance
type BudgetConfig struct {
	DailyLimit   int64   `json:"daily_limit" mapstructure:"daily_limit"`
	WarnFraction float64 `json:"warn_fraction" mapstructure:"warn_fraction"`
}

// TelegramConfig holds Telegram bot credentials and access policy
type TelegramConfig struct {
	Enabled   bool    `json:"enabled" mapstructure:"enabled"`
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"`
	// NotifyChat receives scheduled task notifications
	NotifyChat int64 `json:"notify_chat" mapstructure:"notify_chat"`
}

// FeishuConfig holds Feishu app credentials and access policy
type FeishuConfig struct {
	Enabled   bool     `json:"enabled" mapstructure:"enabled"`
	AppID     string   `json:"app_id" mapstructure:"app_id"`
	AppSecret string   `json:"app_secret" mapstructure:"app_secret"`
	Allowlist []string `json:"allowlist" mapstructure:"allowlist"`
	// NotifyChat receives scheduled task notifications
	NotifyChat string `json:"notify_chat" mapstructure:"notify_chat"`
}

// HeartbeatConfig holds the scheduled task list
type HeartbeatConfig struct {
	TickSeconds int              `json:"tick_seconds" mapstructure:"tick_seconds"`
	Tasks       []heartbeat.Task `json:"tasks" mapstructure:"tasks"`
}

// DispatcherConfig holds interactive dispatch settings
type DispatcherConfig struct {
	CooldownSeconds int `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
	File  string `json:"file" mapstructure:"file"`
}

// MetricsConfig holds the optional Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Bin:            "claude",
			TimeoutSeconds: 120,
		},
		Budget: BudgetConfig{
			DailyLimit:   50000,
			WarnFraction: 0.8,
		},
		Heartbeat: HeartbeatConfig{
			TickSeconds: 30,
		},
		Dispatcher: DispatcherConfig{
			CooldownSeconds: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Engine.Bin == "" {
		return fmt.Errorf("engine.bin is required")
	}
	if c.Budget.DailyLimit < 0 {
		return fmt.Errorf("budget.daily_limit must not be negative")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	if c.Feishu.Enabled && (c.Feishu.AppID == "" || c.Feishu.AppSecret == "") {
		return fmt.Errorf("feishu.app_id and feishu.app_secret are required when feishu is enabled")
	}
	if err := validateTasks(c.Heartbeat.Tasks); err != nil {
		return fmt.Errorf("heartbeat tasks invalid: %w", err)
	}
	return nil
}

// StateFile returns the daemon state file path
func (c *Config) StateFile() string {
	return filepath.Join(c.DataDir, "state.json")
}

// PidFile returns the daemon pid file path
func (c *Config) PidFile() string {
	return filepath.Join(c.DataDir, "nara.pid")
}

// RunLogFile returns the task run-history database path
func (c *Config) RunLogFile() string {
	return filepath.Join(c.DataDir, "runs.db")
}

// DefaultPath returns the default config file location
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".nara", "nara.yaml"), nil
}
