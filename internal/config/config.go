package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config keeps runtime settings for the bot.
type Config struct {
	TelegramToken   string
	DatabaseURL     string
	DefaultTimezone string

	Scheduler   Scheduler
	Maintenance Maintenance
	Log         Log
}

// Scheduler configures the firing engine.
type Scheduler struct {
	// RetryLimit caps delivery attempts before a reminder turns failed.
	RetryLimit int
	// RetryBackoff are the delays before each retry, in order. The last
	// entry repeats once the sequence runs out.
	RetryBackoff []time.Duration
	// DeliveryTimeout bounds a single dispatcher call.
	DeliveryTimeout time.Duration
	// ClockSkewTolerance is the acceptable wake imprecision: reminders due
	// within this much of now fire immediately instead of re-arming.
	ClockSkewTolerance time.Duration
	// StaleCutoff discards reminders found overdue by more than this at
	// recovery. Zero disables the cutoff and overdue reminders fire
	// immediately.
	StaleCutoff time.Duration
	// Workers is the delivery worker pool size.
	Workers int
}

// Maintenance configures the cron-driven housekeeping jobs.
type Maintenance struct {
	// PurgeInterval is how often terminal reminders are purged. Zero
	// disables purging.
	PurgeInterval time.Duration
	// Retention is how long terminal reminders are kept before purge.
	Retention time.Duration
	// SummaryTime is the daily digest time as HH:MM. Empty disables it.
	SummaryTime string
}

type Log struct {
	Level   string
	Console bool
}

// fileConfig is the YAML shape. Durations are strings so the file can say
// "30s" or "5m" (see time.ParseDuration).
type fileConfig struct {
	TelegramToken   string `yaml:"telegram_token"`
	DatabaseURL     string `yaml:"database_url"`
	DefaultTimezone string `yaml:"default_timezone"`

	Scheduler struct {
		RetryLimit         int      `yaml:"retry_limit"`
		RetryBackoff       []string `yaml:"retry_backoff"`
		DeliveryTimeout    string   `yaml:"delivery_timeout"`
		ClockSkewTolerance string   `yaml:"clock_skew_tolerance"`
		StaleCutoff        string   `yaml:"stale_cutoff"`
		Workers            int      `yaml:"workers"`
	} `yaml:"scheduler"`

	Maintenance struct {
		PurgeInterval string `yaml:"purge_interval"`
		Retention     string `yaml:"retention"`
		SummaryTime   string `yaml:"summary_time"`
	} `yaml:"maintenance"`

	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"log"`
}

// Load reads the optional YAML file, applies environment overrides and
// fills in defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg := Config{
		TelegramToken:   raw.TelegramToken,
		DatabaseURL:     raw.DatabaseURL,
		DefaultTimezone: raw.DefaultTimezone,
		Maintenance: Maintenance{
			SummaryTime: raw.Maintenance.SummaryTime,
		},
		Log: Log{
			Level:   raw.Log.Level,
			Console: raw.Log.Console,
		},
	}

	if v := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); v != "" {
		cfg.TelegramToken = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_TIMEZONE")); v != "" {
		cfg.DefaultTimezone = v
	}

	var err error
	cfg.Scheduler.RetryLimit = raw.Scheduler.RetryLimit
	if cfg.Scheduler.RetryLimit <= 0 {
		cfg.Scheduler.RetryLimit = 3
	}
	cfg.Scheduler.Workers = raw.Scheduler.Workers
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 2
	}
	for i, s := range raw.Scheduler.RetryBackoff {
		d, perr := parseDuration(fmt.Sprintf("scheduler.retry_backoff[%d]", i), s)
		if perr != nil {
			return Config{}, perr
		}
		cfg.Scheduler.RetryBackoff = append(cfg.Scheduler.RetryBackoff, d)
	}
	if len(cfg.Scheduler.RetryBackoff) == 0 {
		cfg.Scheduler.RetryBackoff = []time.Duration{10 * time.Second, time.Minute, 5 * time.Minute}
	}
	if cfg.Scheduler.DeliveryTimeout, err = parseDurationOr("scheduler.delivery_timeout", raw.Scheduler.DeliveryTimeout, 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Scheduler.ClockSkewTolerance, err = parseDurationOr("scheduler.clock_skew_tolerance", raw.Scheduler.ClockSkewTolerance, time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Scheduler.StaleCutoff, err = parseDurationOr("scheduler.stale_cutoff", raw.Scheduler.StaleCutoff, 0); err != nil {
		return Config{}, err
	}

	if cfg.Maintenance.PurgeInterval, err = parseDurationOr("maintenance.purge_interval", raw.Maintenance.PurgeInterval, 6*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.Maintenance.Retention, err = parseDurationOr("maintenance.retention", raw.Maintenance.Retention, 30*24*time.Hour); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "remindbot.db"
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "Europe/Moscow"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.TelegramToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_TOKEN is required")
	}

	return cfg, nil
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func parseDurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 && strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return d, nil
}
