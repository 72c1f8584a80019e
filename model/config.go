package model

import "time"

// Config stores the application's configuration.
type Config struct {
	BotToken       string
	DatabaseDriver string // sqlite3 or pgx
	DatabaseURL    string
	RedisURL       string
	LogLevel       string
	LogFormat      string
	LogWebhookURL  string
	MetricsAddr    string
	Automod        AutomodConfig
	Jobs           JobsConfig
}

// AutomodConfig tunes detection and enforcement.
type AutomodConfig struct {
	CooldownTTL       time.Duration // violation-signature lock
	ActionLockTTL     time.Duration // per stateful action lock
	StateRetention    time.Duration // sliding-window retention
	RegexTimeout      time.Duration
	RuleCacheTTL      time.Duration
	PurgeLimit        int // messages removed per delete burst
	PurgePages        int // history pages scanned per delete burst
	EvaluationTimeout time.Duration
}

// JobsConfig tunes the scheduled job worker.
type JobsConfig struct {
	Interval               time.Duration
	BatchSize              int
	MaxAttempts            int
	StaleAfter             time.Duration
	Concurrency            int
	FailedRetentionDays    int
	ViolationRetentionDays int
}
