package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Schedule ScheduleConfig `json:"schedule"`
	Reminder ReminderConfig `json:"reminder"`
	Bot      BotConfig      `json:"bot"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Dir         string `json:"dir"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type ScheduleConfig struct {
	// Dir holds the times_<city>.json timetable files.
	Dir string `json:"dir"`
}

// ReminderConfig controls the notification engine.
//
// All durations are Go duration strings (e.g. "60s", "2m").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "60s"
//   - late_window: "2m"
//   - congrats_window: "2m"
//   - retry_max: 3
//   - default_retry_after: "5s"
//   - rate_per_sec: 25
//   - send_workers: 4
//   - home_timezone: "Asia/Tashkent"
//   - compact_at: "03:30"
type ReminderConfig struct {
	TickInterval      string `json:"tick_interval"`
	LateWindow        string `json:"late_window"`
	CongratsWindow    string `json:"congrats_window"`
	RetryMax          int    `json:"retry_max"`
	DefaultRetryAfter string `json:"default_retry_after"`
	RatePerSec        int    `json:"rate_per_sec"`
	SendWorkers       int    `json:"send_workers"`
	HomeTimezone      string `json:"home_timezone"`
	// CompactAt is the daily tracker compaction time, HH:MM in home_timezone.
	CompactAt string `json:"compact_at"`
}

type BotConfig struct {
	UsersPerPage  int `json:"users_per_page,omitempty"`
	BroadcastRate int `json:"broadcast_rate_per_sec,omitempty"`
}

// Validate rejects configs that cannot run. It is also installed as the
// Watch() validator so a bad edit never reaches subscribers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	switch cfg.Storage.Driver {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	tick, err := ParseDurationOrDefault("reminder.tick_interval", cfg.Reminder.TickInterval, time.Minute)
	if err != nil {
		return err
	}
	late, err := ParseDurationOrDefault("reminder.late_window", cfg.Reminder.LateWindow, 2*time.Minute)
	if err != nil {
		return err
	}
	// A late window shorter than the tick leaves a gap where a reminder due
	// between two ticks is neither armed nor caught up, and silently drops.
	if late <= tick {
		return fmt.Errorf("reminder.late_window (%s) must be greater than reminder.tick_interval (%s)", late, tick)
	}
	if _, err := ParseDurationField("reminder.congrats_window", cfg.Reminder.CongratsWindow); err != nil {
		return err
	}
	if _, err := ParseDurationField("reminder.default_retry_after", cfg.Reminder.DefaultRetryAfter); err != nil {
		return err
	}
	if cfg.Reminder.RetryMax < 0 {
		return errors.New("reminder.retry_max must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Reminder.HomeTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("reminder.home_timezone: %w", err)
		}
	}
	if at := strings.TrimSpace(cfg.Reminder.CompactAt); at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			return fmt.Errorf("reminder.compact_at: invalid time %q, expected HH:MM", at)
		}
	}
	return nil
}
