package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS guild_config (
	guild_id TEXT NOT NULL PRIMARY KEY,
	automod_enabled BOOLEAN NOT NULL DEFAULT 1,
	dm_on_action BOOLEAN NOT NULL DEFAULT 1,
	public_notice BOOLEAN NOT NULL DEFAULT 1,
	max_warns INTEGER NOT NULL DEFAULT 0,
	warn_decay_days INTEGER NOT NULL DEFAULT 30,
	mute_role_id TEXT NOT NULL DEFAULT '',
	log_channel_id TEXT NOT NULL DEFAULT '',
	escalation_policy TEXT NOT NULL DEFAULT 'single'
);`, `
CREATE TABLE IF NOT EXISTS auto_mod_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	rule_type TEXT NOT NULL,
	pattern TEXT NOT NULL DEFAULT '',
	threshold INTEGER NOT NULL DEFAULT 0,
	window_seconds INTEGER NOT NULL DEFAULT 0,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	actions TEXT NOT NULL DEFAULT '[]',
	exempt_roles TEXT NOT NULL DEFAULT '[]',
	exempt_channels TEXT NOT NULL DEFAULT '[]',
	enabled BOOLEAN NOT NULL DEFAULT 1,
	quarantined BOOLEAN NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS auto_mod_rules_guild_idx ON auto_mod_rules(guild_id);
`, `
CREATE TABLE IF NOT EXISTS infractions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	moderator_id TEXT NOT NULL,
	type TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER,
	expires_at TIMESTAMP,
	active BOOLEAN NOT NULL DEFAULT 1,
	context TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP,
	revoker_id TEXT
);`, `
CREATE INDEX IF NOT EXISTS infractions_guild_user_idx ON infractions(guild_id, user_id, type);
`, `
CREATE TABLE IF NOT EXISTS warn_thresholds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL,
	warn_count INTEGER NOT NULL,
	action TEXT NOT NULL,
	duration_seconds INTEGER,
	UNIQUE(guild_id, warn_count)
);`, `
CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	action TEXT NOT NULL,
	target_id TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS automod_violations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	rule_id INTEGER NOT NULL,
	channel_id TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	violation_type TEXT NOT NULL,
	action TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS automod_violations_created_idx ON automod_violations(created_at);
`, `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	guild_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	infraction_id INTEGER,
	run_at TIMESTAMP NOT NULL,
	priority INTEGER NOT NULL DEFAULT 50,
	data TEXT NOT NULL DEFAULT '{}',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	locked_at TIMESTAMP,
	locked_by TEXT,
	last_error TEXT,
	failed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS scheduled_jobs_due_idx ON scheduled_jobs(run_at, priority);
`}

var postgresSchema = []string{`
CREATE TABLE IF NOT EXISTS guild_config (
	guild_id TEXT PRIMARY KEY,
	automod_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	dm_on_action BOOLEAN NOT NULL DEFAULT TRUE,
	public_notice BOOLEAN NOT NULL DEFAULT TRUE,
	max_warns INTEGER NOT NULL DEFAULT 0,
	warn_decay_days INTEGER NOT NULL DEFAULT 30,
	mute_role_id TEXT NOT NULL DEFAULT '',
	log_channel_id TEXT NOT NULL DEFAULT '',
	escalation_policy TEXT NOT NULL DEFAULT 'single'
);`, `
CREATE TABLE IF NOT EXISTS auto_mod_rules (
	id BIGSERIAL PRIMARY KEY,
	guild_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	rule_type TEXT NOT NULL,
	pattern TEXT NOT NULL DEFAULT '',
	threshold INTEGER NOT NULL DEFAULT 0,
	window_seconds INTEGER NOT NULL DEFAULT 0,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	actions JSONB NOT NULL DEFAULT '[]',
	exempt_roles JSONB NOT NULL DEFAULT '[]',
	exempt_channels JSONB NOT NULL DEFAULT '[]',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	quarantined BOOLEAN NOT NULL DEFAULT FALSE,
	priority INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, `
CREATE INDEX IF NOT EXISTS auto_mod_rules_guild_idx ON auto_mod_rules(guild_id);
`, `
CREATE TABLE IF NOT EXISTS infractions (
	id BIGSERIAL PRIMARY KEY,
	guild_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	moderator_id TEXT NOT NULL,
	type TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	duration_seconds BIGINT,
	expires_at TIMESTAMPTZ,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	context JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at TIMESTAMPTZ,
	revoker_id TEXT
);`, `
CREATE INDEX IF NOT EXISTS infractions_guild_user_idx ON infractions(guild_id, user_id, type);
`, `
CREATE TABLE IF NOT EXISTS warn_thresholds (
	id BIGSERIAL PRIMARY KEY,
	guild_id TEXT NOT NULL,
	warn_count INTEGER NOT NULL,
	action TEXT NOT NULL,
	duration_seconds BIGINT,
	UNIQUE(guild_id, warn_count)
);`, `
CREATE TABLE IF NOT EXISTS audit_logs (
	id BIGSERIAL PRIMARY KEY,
	guild_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	action TEXT NOT NULL,
	target_id TEXT NOT NULL DEFAULT '',
	details JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, `
CREATE TABLE IF NOT EXISTS automod_violations (
	id BIGSERIAL PRIMARY KEY,
	guild_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	rule_id BIGINT NOT NULL,
	channel_id TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	violation_type TEXT NOT NULL,
	action TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	details JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, `
CREATE INDEX IF NOT EXISTS automod_violations_created_idx ON automod_violations(created_at);
`, `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id BIGSERIAL PRIMARY KEY,
	type TEXT NOT NULL,
	guild_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	infraction_id BIGINT,
	run_at TIMESTAMPTZ NOT NULL,
	priority INTEGER NOT NULL DEFAULT 50,
	data JSONB NOT NULL DEFAULT '{}',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	locked_at TIMESTAMPTZ,
	locked_by TEXT,
	last_error TEXT,
	failed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, `
CREATE INDEX IF NOT EXISTS scheduled_jobs_due_idx ON scheduled_jobs(run_at, priority DESC) WHERE failed_at IS NULL;
`}

// Migrate creates the tables the bot needs if they do not exist yet.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	schema := sqliteSchema
	if IsPostgres(db) {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
