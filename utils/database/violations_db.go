package database

import (
	"context"
	"discord-automod/model"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// InsertViolationRecord stores one attempted automod action.
func InsertViolationRecord(ctx context.Context, db sqlx.ExtContext, rec *model.ViolationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	query := `INSERT INTO automod_violations
              (guild_id, user_id, rule_id, channel_id, message_id, violation_type, action, success, error, details, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              RETURNING id`
	row := db.QueryRowxContext(ctx, db.Rebind(query),
		rec.GuildID, rec.UserID, rec.RuleID, rec.ChannelID, rec.MessageID, rec.ViolationType,
		rec.Action, rec.Success, rec.Error, rec.Details, rec.CreatedAt)
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("failed to insert violation record for rule %d: %w", rec.RuleID, err)
	}
	return nil
}

// GetViolationRecords lists a user's violation records in a guild, oldest first.
func GetViolationRecords(ctx context.Context, db sqlx.ExtContext, guildID, userID string) ([]model.ViolationRecord, error) {
	var out []model.ViolationRecord
	query := "SELECT * FROM automod_violations WHERE guild_id = ? AND user_id = ? ORDER BY id ASC"
	if err := sqlx.SelectContext(ctx, db, &out, db.Rebind(query), guildID, userID); err != nil {
		return nil, fmt.Errorf("failed to get violation records for user %s: %w", userID, err)
	}
	return out, nil
}

// DeleteViolationRecordsBefore prunes violation records created before cutoff.
func DeleteViolationRecordsBefore(ctx context.Context, db sqlx.ExtContext, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, db.Rebind("DELETE FROM automod_violations WHERE created_at < ?"), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune violation records: %w", err)
	}
	return res.RowsAffected()
}
