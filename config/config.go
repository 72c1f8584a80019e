package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"discord-automod/model"
	"discord-automod/utils"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_driver", "sqlite3")
	v.SetDefault("database_url", "file:data/automod.db?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("automod_cooldown_ttl", 10*time.Second)
	v.SetDefault("automod_action_lock_ttl", 15*time.Second)
	v.SetDefault("automod_state_retention", 300*time.Second)
	v.SetDefault("automod_regex_timeout", 100*time.Millisecond)
	v.SetDefault("automod_rule_cache_ttl", 5*time.Minute)
	v.SetDefault("automod_purge_limit", 80)
	v.SetDefault("automod_purge_pages", 3)
	v.SetDefault("automod_evaluation_timeout", 30*time.Second)

	v.SetDefault("jobs_interval", 5*time.Second)
	v.SetDefault("jobs_batch_size", 25)
	v.SetDefault("jobs_max_attempts", 5)
	v.SetDefault("jobs_stale_after", 60*time.Second)
	v.SetDefault("jobs_concurrency", 4)
	v.SetDefault("jobs_failed_retention_days", 7)
	v.SetDefault("jobs_violation_retention_days", 90)
}

// Load loads the configuration from the .env file, environment variables and
// an optional data/config.yaml.
func Load() (*model.Config, error) {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Info: .env file not found, relying on environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("data")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*model.Config, error) {
	token := v.GetString("bot_token")
	if token == "" {
		return nil, errors.New("BOT_TOKEN environment variable not set")
	}

	driver := v.GetString("database_driver")
	if driver != "sqlite3" && driver != "pgx" {
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q (want sqlite3 or pgx)", driver)
	}

	var durErr error
	dur := func(key string) time.Duration {
		d, err := duration(v, key)
		if err != nil && durErr == nil {
			durErr = err
		}
		return d
	}

	cfg := &model.Config{
		BotToken:       token,
		DatabaseDriver: driver,
		DatabaseURL:    v.GetString("database_url"),
		RedisURL:       v.GetString("redis_url"),
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
		LogWebhookURL:  v.GetString("log_webhook_url"),
		MetricsAddr:    v.GetString("metrics_addr"),
		Automod: model.AutomodConfig{
			CooldownTTL:       dur("automod_cooldown_ttl"),
			ActionLockTTL:     dur("automod_action_lock_ttl"),
			StateRetention:    dur("automod_state_retention"),
			RegexTimeout:      dur("automod_regex_timeout"),
			RuleCacheTTL:      dur("automod_rule_cache_ttl"),
			PurgeLimit:        v.GetInt("automod_purge_limit"),
			PurgePages:        v.GetInt("automod_purge_pages"),
			EvaluationTimeout: dur("automod_evaluation_timeout"),
		},
		Jobs: model.JobsConfig{
			Interval:               dur("jobs_interval"),
			BatchSize:              v.GetInt("jobs_batch_size"),
			MaxAttempts:            v.GetInt("jobs_max_attempts"),
			StaleAfter:             dur("jobs_stale_after"),
			Concurrency:            v.GetInt("jobs_concurrency"),
			FailedRetentionDays:    v.GetInt("jobs_failed_retention_days"),
			ViolationRetentionDays: v.GetInt("jobs_violation_retention_days"),
		},
	}

	if durErr != nil {
		return nil, durErr
	}

	if cfg.LogWebhookURL == "" {
		log.Println("Warning: LOG_WEBHOOK_URL not set, audit mirroring will be disabled")
	}
	return cfg, nil
}

// duration reads a duration setting. Strings go through utils.ParseDuration
// so environment values may use days, e.g. AUTOMOD_STATE_RETENTION=1d.
func duration(v *viper.Viper, key string) (time.Duration, error) {
	s, ok := v.Get(key).(string)
	if !ok {
		return v.GetDuration(key), nil
	}
	d, err := utils.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
	}
	return d, nil
}
