package database

import (
	"context"
	"database/sql"
	"discord-automod/model"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GetGuildConfig loads the guild's settings, falling back to the defaults
// when the guild has no row yet.
func GetGuildConfig(ctx context.Context, db sqlx.ExtContext, guildID string) (model.GuildConfig, error) {
	var cfg model.GuildConfig
	err := sqlx.GetContext(ctx, db, &cfg, db.Rebind("SELECT * FROM guild_config WHERE guild_id = ?"), guildID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultGuildConfig(guildID), nil
	}
	if err != nil {
		return model.GuildConfig{}, fmt.Errorf("failed to get config for guild %s: %w", guildID, err)
	}
	if cfg.EscalationPolicy == "" {
		cfg.EscalationPolicy = model.EscalationSingle
	}
	return cfg, nil
}

// UpsertGuildConfig writes the guild's settings.
func UpsertGuildConfig(ctx context.Context, db sqlx.ExtContext, cfg model.GuildConfig) error {
	query := `INSERT INTO guild_config
              (guild_id, automod_enabled, dm_on_action, public_notice, max_warns, warn_decay_days,
               mute_role_id, log_channel_id, escalation_policy)
              VALUES (:guild_id, :automod_enabled, :dm_on_action, :public_notice, :max_warns, :warn_decay_days,
                      :mute_role_id, :log_channel_id, :escalation_policy)
              ON CONFLICT (guild_id) DO UPDATE SET
                automod_enabled = excluded.automod_enabled,
                dm_on_action = excluded.dm_on_action,
                public_notice = excluded.public_notice,
                max_warns = excluded.max_warns,
                warn_decay_days = excluded.warn_decay_days,
                mute_role_id = excluded.mute_role_id,
                log_channel_id = excluded.log_channel_id,
                escalation_policy = excluded.escalation_policy`
	if _, err := sqlx.NamedExecContext(ctx, db, query, cfg); err != nil {
		return fmt.Errorf("failed to save config for guild %s: %w", cfg.GuildID, err)
	}
	return nil
}
