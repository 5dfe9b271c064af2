package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/stellarlinkco/cabot/internal/logging"
)

const (
	DefaultTimezone         = "Europe/Moscow"
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 18790
	DefaultPollTimeout      = 30
	DefaultQueueSize        = 8
	DefaultMinDescription   = 5
	DefaultReminderInterval = "6h"
	DefaultScanSchedule     = "@every 10m"
	DefaultDeliveryTimeout  = "15s"
	DefaultBatchLimit       = 500
	DefaultSessionIdle      = "20m"
	DefaultSweepSchedule    = "@every 1m"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
)

type Config struct {
	Timezone string         `json:"timezone" mapstructure:"timezone"`
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Tasks    TasksConfig    `json:"tasks" mapstructure:"tasks"`
	Reminder ReminderConfig `json:"reminder" mapstructure:"reminder"`
	Session  SessionConfig  `json:"session" mapstructure:"session"`
	Storage  StorageConfig  `json:"storage" mapstructure:"storage"`
	Gateway  GatewayConfig  `json:"gateway" mapstructure:"gateway"`
	Log      logging.Config `json:"log" mapstructure:"log"`
}

type TelegramConfig struct {
	Token       string   `json:"token" mapstructure:"token"`
	AllowFrom   []string `json:"allowFrom" mapstructure:"allowFrom"`
	Proxy       string   `json:"proxy,omitempty" mapstructure:"proxy"`
	PollTimeout int      `json:"pollTimeout" mapstructure:"pollTimeout"`
	QueueSize   int      `json:"queueSize" mapstructure:"queueSize"`
}

type TasksConfig struct {
	// ReviewFlow routes completion through on_review and creator confirmation.
	ReviewFlow      bool `json:"reviewFlow" mapstructure:"reviewFlow"`
	AllowSelfAssign bool `json:"allowSelfAssign" mapstructure:"allowSelfAssign"`
	MinDescription  int  `json:"minDescription" mapstructure:"minDescription"`
}

type ReminderConfig struct {
	Interval        string `json:"interval" mapstructure:"interval"`
	Schedule        string `json:"schedule" mapstructure:"schedule"`
	DeliveryTimeout string `json:"deliveryTimeout" mapstructure:"deliveryTimeout"`
	BatchLimit      int    `json:"batchLimit" mapstructure:"batchLimit"`
}

type SessionConfig struct {
	IdleTimeout   string `json:"idleTimeout" mapstructure:"idleTimeout"`
	SweepSchedule string `json:"sweepSchedule" mapstructure:"sweepSchedule"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath" mapstructure:"dbPath"`
}

// GatewayConfig is the read-only HTTP status API.
type GatewayConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

func DefaultConfig() *Config {
	return &Config{
		Timezone: DefaultTimezone,
		Telegram: TelegramConfig{
			PollTimeout: DefaultPollTimeout,
			QueueSize:   DefaultQueueSize,
		},
		Tasks: TasksConfig{
			MinDescription: DefaultMinDescription,
		},
		Reminder: ReminderConfig{
			Interval:        DefaultReminderInterval,
			Schedule:        DefaultScanSchedule,
			DeliveryTimeout: DefaultDeliveryTimeout,
			BatchLimit:      DefaultBatchLimit,
		},
		Session: SessionConfig{
			IdleTimeout:   DefaultSessionIdle,
			SweepSchedule: DefaultSweepSchedule,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(ConfigDir(), "data", "cabot.db"),
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Log: logging.Config{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
			Output: "stderr",
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".cabot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// envBindings maps config keys to the environment variables that override
// them, highest priority first.
var envBindings = map[string][]string{
	"timezone":                 {"CABOT_TIMEZONE"},
	"telegram.token":           {"CABOT_TELEGRAM_TOKEN", "BOT_TOKEN"},
	"telegram.allowFrom":       {"CABOT_TELEGRAM_ALLOW_FROM"},
	"telegram.proxy":           {"CABOT_TELEGRAM_PROXY"},
	"tasks.reviewFlow":         {"CABOT_REVIEW_FLOW"},
	"tasks.allowSelfAssign":    {"CABOT_ALLOW_SELF_ASSIGN"},
	"tasks.minDescription":     {"CABOT_MIN_DESCRIPTION"},
	"reminder.interval":        {"CABOT_REMINDER_INTERVAL"},
	"reminder.schedule":        {"CABOT_REMINDER_SCHEDULE"},
	"reminder.deliveryTimeout": {"CABOT_DELIVERY_TIMEOUT"},
	"session.idleTimeout":      {"CABOT_SESSION_IDLE"},
	"storage.dbPath":           {"CABOT_DB_PATH"},
	"gateway.enabled":          {"CABOT_GATEWAY_ENABLED"},
	"gateway.host":             {"CABOT_GATEWAY_HOST"},
	"gateway.port":             {"CABOT_GATEWAY_PORT"},
	"log.level":                {"CABOT_LOG_LEVEL"},
	"log.format":               {"CABOT_LOG_FORMAT"},
	"log.output":               {"CABOT_LOG_OUTPUT"},
}

// LoadConfig reads ~/.cabot/config.json over the defaults, then applies
// environment overrides. Variables from ~/.cabot/.env and ./.env are loaded
// first without replacing ones already set.
func LoadConfig() (*Config, error) {
	for _, envFile := range []string{filepath.Join(ConfigDir(), ".env"), ".env"} {
		if err := gotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigFile(ConfigPath())
	v.SetConfigType("json")
	setDefaults(v, DefaultConfig())
	for key, names := range envBindings {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("timezone", d.Timezone)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.allowFrom", []string{})
	v.SetDefault("telegram.proxy", "")
	v.SetDefault("telegram.pollTimeout", d.Telegram.PollTimeout)
	v.SetDefault("telegram.queueSize", d.Telegram.QueueSize)
	v.SetDefault("tasks.reviewFlow", d.Tasks.ReviewFlow)
	v.SetDefault("tasks.allowSelfAssign", d.Tasks.AllowSelfAssign)
	v.SetDefault("tasks.minDescription", d.Tasks.MinDescription)
	v.SetDefault("reminder.interval", d.Reminder.Interval)
	v.SetDefault("reminder.schedule", d.Reminder.Schedule)
	v.SetDefault("reminder.deliveryTimeout", d.Reminder.DeliveryTimeout)
	v.SetDefault("reminder.batchLimit", d.Reminder.BatchLimit)
	v.SetDefault("session.idleTimeout", d.Session.IdleTimeout)
	v.SetDefault("session.sweepSchedule", d.Session.SweepSchedule)
	v.SetDefault("storage.dbPath", d.Storage.DBPath)
	v.SetDefault("gateway.enabled", d.Gateway.Enabled)
	v.SetDefault("gateway.host", d.Gateway.Host)
	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = d.Timezone
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = d.Telegram.PollTimeout
	}
	if c.Telegram.QueueSize <= 0 {
		c.Telegram.QueueSize = d.Telegram.QueueSize
	}
	if c.Tasks.MinDescription <= 0 {
		c.Tasks.MinDescription = d.Tasks.MinDescription
	}
	if c.Reminder.Interval == "" {
		c.Reminder.Interval = d.Reminder.Interval
	}
	if c.Reminder.Schedule == "" {
		c.Reminder.Schedule = d.Reminder.Schedule
	}
	if c.Reminder.DeliveryTimeout == "" {
		c.Reminder.DeliveryTimeout = d.Reminder.DeliveryTimeout
	}
	if c.Reminder.BatchLimit <= 0 {
		c.Reminder.BatchLimit = d.Reminder.BatchLimit
	}
	if c.Session.IdleTimeout == "" {
		c.Session.IdleTimeout = d.Session.IdleTimeout
	}
	if c.Session.SweepSchedule == "" {
		c.Session.SweepSchedule = d.Session.SweepSchedule
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = d.Storage.DBPath
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = d.Gateway.Host
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = d.Gateway.Port
	}
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram token is required (set telegram.token or CABOT_TELEGRAM_TOKEN)"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	for name, raw := range map[string]string{
		"reminder.interval":        c.Reminder.Interval,
		"reminder.deliveryTimeout": c.Reminder.DeliveryTimeout,
		"session.idleTimeout":      c.Session.IdleTimeout,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, raw))
		}
	}
	for name, spec := range map[string]string{
		"reminder.schedule":     c.Reminder.Schedule,
		"session.sweepSchedule": c.Session.SweepSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, spec, err))
		}
	}
	return errors.Join(errs...)
}

// Location returns the display and input zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) ReminderInterval() time.Duration {
	return parseDuration(c.Reminder.Interval, DefaultReminderInterval)
}

func (c *Config) DeliveryTimeout() time.Duration {
	return parseDuration(c.Reminder.DeliveryTimeout, DefaultDeliveryTimeout)
}

func (c *Config) SessionIdle() time.Duration {
	return parseDuration(c.Session.IdleTimeout, DefaultSessionIdle)
}

func parseDuration(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
