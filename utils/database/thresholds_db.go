package database

import (
	"context"
	"discord-automod/model"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GetWarnThresholds returns the guild's escalation thresholds ordered by warn count.
func GetWarnThresholds(ctx context.Context, db sqlx.ExtContext, guildID string) ([]model.WarnThreshold, error) {
	var out []model.WarnThreshold
	query := "SELECT * FROM warn_thresholds WHERE guild_id = ? ORDER BY warn_count ASC"
	if err := sqlx.SelectContext(ctx, db, &out, db.Rebind(query), guildID); err != nil {
		return nil, fmt.Errorf("failed to get warn thresholds for guild %s: %w", guildID, err)
	}
	return out, nil
}

// UpsertWarnThreshold sets the action taken when a user reaches warn_count warns.
func UpsertWarnThreshold(ctx context.Context, db sqlx.ExtContext, th model.WarnThreshold) error {
	query := `INSERT INTO warn_thresholds (guild_id, warn_count, action, duration_seconds)
              VALUES (:guild_id, :warn_count, :action, :duration_seconds)
              ON CONFLICT (guild_id, warn_count) DO UPDATE SET
                action = excluded.action,
                duration_seconds = excluded.duration_seconds`
	if _, err := sqlx.NamedExecContext(ctx, db, query, th); err != nil {
		return fmt.Errorf("failed to save warn threshold %d for guild %s: %w", th.WarnCount, th.GuildID, err)
	}
	return nil
}

// DeleteWarnThreshold removes the threshold at warn_count.
func DeleteWarnThreshold(ctx context.Context, db sqlx.ExtContext, guildID string, warnCount int) error {
	query := "DELETE FROM warn_thresholds WHERE guild_id = ? AND warn_count = ?"
	if _, err := db.ExecContext(ctx, db.Rebind(query), guildID, warnCount); err != nil {
		return fmt.Errorf("failed to delete warn threshold %d for guild %s: %w", warnCount, guildID, err)
	}
	return nil
}
