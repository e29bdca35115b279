package app

import (
	"strings"

	"remibot/internal/config"
	"remibot/internal/directory"
	"remibot/internal/reminder"
	"remibot/internal/scheduler"
	"remibot/internal/storage"
	logx "remibot/pkg/logx"
)

const (
	defaultSaveFile  = "reminders.json"
	defaultZonesFile = "timezones.json"
)

func zonesPath(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Reminders.TimezonesFile); p != "" {
		return p
	}
	return defaultZonesFile
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, nil
	}
	path := strings.TrimSpace(cfg.Reminders.SaveFile)
	if path == "" {
		path = defaultSaveFile
	}
	return storage.Config{Driver: "file", Path: path}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	warnLead, err := config.ParseDurationField("reminders.warn_lead", cfg.Reminders.WarnLead)
	if err != nil {
		return scheduler.Config{}, err
	}
	retention, err := config.ParseDurationField("reminders.retention", cfg.Reminders.Retention)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryBase, err := config.ParseDurationField("delivery.retry_base", cfg.Delivery.RetryBase)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		WarnLead:      warnLead,
		Retention:     retention,
		RatePerSec:    cfg.Delivery.RatePerSec,
		RetryMax:      cfg.Delivery.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil
}

func mapDirectoryConfig(cfg *config.Config) (directory.Config, error) {
	retryBase, err := config.ParseDurationField("directory.retry_base", cfg.Directory.RetryBase)
	if err != nil {
		return directory.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("directory.retry_max_delay", cfg.Directory.RetryMaxDelay)
	if err != nil {
		return directory.Config{}, err
	}
	return directory.Config{
		LookupsPerSec:   cfg.Directory.LookupsPerSec,
		RetryMax:        cfg.Directory.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		CacheMaxEntries: cfg.Directory.CacheMaxEntries,
	}, nil
}

func mapLimits(cfg *config.Config) reminder.Limits {
	return reminder.Limits{
		DefaultTimezone: cfg.Reminders.DefaultTimezone,
		MaxTargets:      cfg.Reminders.MaxTargets,
		MaxMessageLen:   cfg.Reminders.MaxMessageLen,
		HorizonYears:    cfg.Reminders.HorizonYears,
	}
}

func mapLogConfig(cfg *config.Config, chatEnabled bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    chatEnabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}
