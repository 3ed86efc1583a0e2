package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Alert    AlertConfig    `json:"alert"`
	SOS      SOSConfig      `json:"sos"`
	Storage  StorageConfig  `json:"storage,omitempty"`
	Breaks   BreaksConfig   `json:"breaks,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs always pass admin checks and may manage the extra-admin list.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is an optional chat id (as string) receiving warning-level logs.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AlertConfig controls the SOS alert engine.
//
// All durations are Go duration strings. Defaults when omitted:
//   - ttl: "5m"
//   - refresh_every: "30s"
//   - dashboard_topic: "Активные темы"
type AlertConfig struct {
	TTL            string `json:"ttl,omitempty"`
	RefreshEvery   string `json:"refresh_every,omitempty"`
	DashboardTopic string `json:"dashboard_topic,omitempty"`
}

// SOSConfig holds the trigger word list. Words are matched as
// case-insensitive substrings inside topic messages; the list is
// hot-reloadable and extendable at runtime via /gadd and /gdel.
type SOSConfig struct {
	Words []string `json:"words"`
}

// StorageConfig controls the sqlite workstation pool.
type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// BreaksConfig controls scheduled break reminders.
type BreaksConfig struct {
	Timezone  string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Kyiv"
	MaxActive int    `json:"max_active,omitempty"`
}
