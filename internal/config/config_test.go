package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  admin_user_ids: [99]
  poll_timeout: "10s"
logging:
  level: "info"
  console: true
storage:
  driver: "file"
  dir: "./state"
schedule:
  dir: "./data"
reminder:
  tick_interval: "60s"
  late_window: "2m"
  congrats_window: "2m"
  retry_max: 3
  default_retry_after: "5s"
  rate_per_sec: 25
  send_workers: 4
  home_timezone: "Asia/Tashkent"
  compact_at: "03:30"
bot:
  users_per_page: 15
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 1 || cfg.Telegram.AdminUserIDs[0] != 99 {
		t.Fatalf("admins = %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Reminder.TickInterval != "60s" || cfg.Reminder.HomeTimezone != "Asia/Tashkent" {
		t.Fatalf("reminder = %+v", cfg.Reminder)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nmystery_knob: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestValidateMissingToken(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "telegram.token") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateLateWindowInvariant(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Telegram: TelegramConfig{Token: "x"},
		Reminder: ReminderConfig{TickInterval: "60s", LateWindow: "30s"},
	}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "late_window") {
		t.Fatalf("short late window accepted: %v", err)
	}

	cfg.Reminder.LateWindow = "2m"
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid window rejected: %v", err)
	}
}

func TestValidateBadTimezone(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Telegram: TelegramConfig{Token: "x"},
		Reminder: ReminderConfig{HomeTimezone: "Mars/Olympus"},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("bad timezone accepted")
	}
}

func TestValidateBadCompactAt(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Telegram: TelegramConfig{Token: "x"},
		Reminder: ReminderConfig{CompactAt: "half past three"},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("bad compact_at accepted")
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	if _, err := ParseDurationField("x", "not-a-duration"); err == nil {
		t.Fatal("bad duration accepted")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	d, err := ParseDurationOrDefault("x", "", 42)
	if err != nil || d != 42 {
		t.Fatalf("default not applied: d=%v err=%v", d, err)
	}
}
