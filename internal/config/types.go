package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	YouTube  YouTubeConfig  `json:"youtube"`
	Watch    WatchConfig    `json:"watch"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig  `json:"storage,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AllowedUserIDs restricts command usage to the listed users.
	// Empty means everyone may use the bot.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`

	// PollTimeout is the long-poll timeout (Go duration string, default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// YouTubeConfig configures the Data API client.
//
// APIKeys is an ordered ring; the client rotates to the next key when the
// current one is rejected for quota reasons. At least one key is required.
type YouTubeConfig struct {
	APIKeys []string `json:"api_keys"`

	// RetryAttempts per key for transient network failures (default 3).
	RetryAttempts int `json:"retry_attempts,omitempty"`
	// RetryBase is the initial backoff delay, doubling each attempt (default "500ms").
	RetryBase string `json:"retry_base,omitempty"`
	// HTTPTimeout bounds a single HTTP request (default "15s").
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

// WatchConfig controls the live-detection sweep loop.
type WatchConfig struct {
	// PollSchedule is either a Go duration ("2m") or a cron expression
	// ("*/2 * * * *"). Default "2m".
	PollSchedule string `json:"poll_schedule,omitempty"`

	// Cooldown suppresses polling of a channel after a notification
	// (Go duration string, default "1h"; "0s" disables).
	Cooldown string `json:"cooldown,omitempty"`
}

// NotifierConfig controls the outbound delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/onairbot.json" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "file" (default) or "sqlite"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"` // default true
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Defaults mirroring the recognized options in the runbook.
const (
	DefaultPollSchedule = "2m"
	DefaultCooldown     = "1h"
)

// Validate checks startup invariants. Failing here is fatal: the bot must
// not start without a Telegram token or at least one API key.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	keys := 0
	for _, k := range c.YouTube.APIKeys {
		if strings.TrimSpace(k) != "" {
			keys++
		}
	}
	if keys == 0 {
		return errors.New("youtube.api_keys: at least one non-empty key is required")
	}
	if _, err := ParseDurationField("watch.cooldown", c.Watch.Cooldown); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"youtube.retry_base", c.YouTube.RetryBase},
		{"youtube.http_timeout", c.YouTube.HTTPTimeout},
		{"notifier.retry_base", c.Notifier.RetryBase},
		{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	return nil
}

// CooldownDuration returns the configured cooldown (default 1h).
func (c *Config) CooldownDuration() time.Duration {
	d, err := ParseDurationField("watch.cooldown", c.Watch.Cooldown)
	if err != nil {
		return time.Hour
	}
	if strings.TrimSpace(c.Watch.Cooldown) == "" {
		return time.Hour
	}
	return d
}

// ConsoleLogging reports whether console output is enabled (default true).
func (c *Config) ConsoleLogging() bool {
	if c.Logging.Console == nil {
		return true
	}
	return *c.Logging.Console
}
