package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate rejects configs that would break a running bot on hot reload:
// unparseable durations, unknown timezones, a missing token.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
		if _, err := strconv.ParseInt(gl, 10, 64); err != nil {
			return fmt.Errorf("telegram.group_log: not a chat id: %q", gl)
		}
	}

	durations := []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"reminders.retention", cfg.Reminders.Retention},
		{"reminders.warn_lead", cfg.Reminders.WarnLead},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay},
		{"directory.retry_base", cfg.Directory.RetryBase},
		{"directory.retry_max_delay", cfg.Directory.RetryMaxDelay},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct {
			path string
			raw  string
		}{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Reminders.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("reminders.default_timezone: unknown zone %q", tz)
		}
	}
	if cfg.Reminders.HorizonYears < 0 {
		return fmt.Errorf("reminders.horizon_years must be >= 0")
	}
	if cfg.Reminders.MaxTargets < 0 || cfg.Reminders.MaxMessageLen < 0 {
		return fmt.Errorf("reminders limits must be >= 0")
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}
	return nil
}
