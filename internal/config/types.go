package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	Reminders RemindersConfig `json:"reminders"`
	Delivery  DeliveryConfig  `json:"delivery,omitempty"`
	Directory DirectoryConfig `json:"directory,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AdminUserIDs may remove or edit anyone's reminders.
	AdminUserIDs []int64 `json:"admin_user_ids"`

	// GroupLog is the chat id that receives warn+ log messages when
	// logging.telegram is enabled.
	GroupLog string `json:"group_log"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string        `json:"level"`
	Console  bool          `json:"console"`
	File     FileLogConfig `json:"file"`
	Telegram ChatLogConfig `json:"telegram"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ChatLogConfig mirrors logging to a chat; see telegram.group_log for the
// destination.
type ChatLogConfig struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RemindersConfig controls the reminder core.
//
// All durations are Go duration strings (e.g. "15m", "168h").
//
// Defaults (when fields are omitted/zero):
//   - save_file: "reminders.json" (only used when storage is omitted)
//   - timezones_file: "timezones.json"
//   - default_timezone: "UTC"
//   - max_targets: 25
//   - max_message_len: 1000
//   - horizon_years: 10
//   - retention: "168h"
//   - warn_lead: "15m"
type RemindersConfig struct {
	SaveFile        string `json:"save_file,omitempty"`
	TimezonesFile   string `json:"timezones_file,omitempty"`
	DefaultTimezone string `json:"default_timezone,omitempty"`
	MaxTargets      int    `json:"max_targets,omitempty"`
	MaxMessageLen   int    `json:"max_message_len,omitempty"`
	HorizonYears    int    `json:"horizon_years,omitempty"`
	Retention       string `json:"retention,omitempty"`
	WarnLead        string `json:"warn_lead,omitempty"`
}

// DeliveryConfig controls reminder delivery pacing and retry.
type DeliveryConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// DirectoryConfig controls identity resolution throttling and caching.
type DirectoryConfig struct {
	LookupsPerSec   int    `json:"lookups_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	CacheMaxEntries int    `json:"cache_max_entries,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./reminders.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
