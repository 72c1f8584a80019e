package database

import (
	"context"
	"discord-automod/model"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// InsertInfraction stores a new case and fills in its id.
func InsertInfraction(ctx context.Context, db sqlx.ExtContext, inf *model.Infraction) error {
	if inf.CreatedAt.IsZero() {
		inf.CreatedAt = time.Now().UTC()
	}
	inf.CreatedAt = inf.CreatedAt.UTC()
	if inf.ExpiresAt != nil {
		t := inf.ExpiresAt.UTC()
		inf.ExpiresAt = &t
	}

	query := `INSERT INTO infractions
              (guild_id, user_id, moderator_id, type, reason, duration_seconds, expires_at, active, context, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              RETURNING id`
	row := db.QueryRowxContext(ctx, db.Rebind(query),
		inf.GuildID, inf.UserID, inf.ModeratorID, inf.Type, inf.Reason, inf.DurationSeconds,
		inf.ExpiresAt, inf.Active, inf.Context, inf.CreatedAt)
	if err := row.Scan(&inf.ID); err != nil {
		return fmt.Errorf("failed to insert %s infraction for user %s: %w", inf.Type, inf.UserID, err)
	}
	return nil
}

// CountActiveWarns counts the user's warns that are active, not revoked and,
// when since is set, created at or after since.
func CountActiveWarns(ctx context.Context, db sqlx.ExtContext, guildID, userID string, since *time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM infractions
              WHERE guild_id = ? AND user_id = ? AND type = ? AND active = TRUE AND revoked_at IS NULL`
	args := []interface{}{guildID, userID, model.InfractionWarn}
	if since != nil {
		query += " AND created_at >= ?"
		args = append(args, since.UTC())
	}

	var count int
	if err := sqlx.GetContext(ctx, db, &count, db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count warns for user %s: %w", userID, err)
	}
	return count, nil
}

// CreateWarnAndCount inserts a warn and counts the user's active warns in the
// same transaction, so two concurrent warns never observe the same count.
// SQLite serializes through its immediate write lock; Postgres takes a
// transaction-scoped advisory lock on the guild and user.
func CreateWarnAndCount(ctx context.Context, db *sqlx.DB, inf *model.Infraction, since *time.Time) (int, error) {
	var count int
	err := WithTx(ctx, db, func(tx *sqlx.Tx) error {
		if IsPostgres(tx) {
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", inf.GuildID+":"+inf.UserID); err != nil {
				return fmt.Errorf("failed to lock warns of user %s: %w", inf.UserID, err)
			}
		}
		if err := InsertInfraction(ctx, tx, inf); err != nil {
			return err
		}
		var err error
		count, err = CountActiveWarns(ctx, tx, inf.GuildID, inf.UserID, since)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetInfraction retrieves a single case by id.
func GetInfraction(ctx context.Context, db sqlx.ExtContext, id int64) (*model.Infraction, error) {
	var inf model.Infraction
	if err := sqlx.GetContext(ctx, db, &inf, db.Rebind("SELECT * FROM infractions WHERE id = ?"), id); err != nil {
		return nil, fmt.Errorf("failed to get infraction %d: %w", id, err)
	}
	return &inf, nil
}

// GetInfractionsByUser lists a user's cases in a guild, newest first.
func GetInfractionsByUser(ctx context.Context, db sqlx.ExtContext, guildID, userID string) ([]model.Infraction, error) {
	var out []model.Infraction
	query := "SELECT * FROM infractions WHERE guild_id = ? AND user_id = ? ORDER BY id DESC"
	if err := sqlx.SelectContext(ctx, db, &out, db.Rebind(query), guildID, userID); err != nil {
		return nil, fmt.Errorf("failed to get infractions for user %s: %w", userID, err)
	}
	return out, nil
}

// DeactivateInfraction marks a case inactive. It is idempotent.
func DeactivateInfraction(ctx context.Context, db sqlx.ExtContext, id int64) error {
	if _, err := db.ExecContext(ctx, db.Rebind("UPDATE infractions SET active = FALSE WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to deactivate infraction %d: %w", id, err)
	}
	return nil
}

// RevokeInfraction deactivates a case and records who revoked it. It reports
// false when the case does not exist or was already revoked.
func RevokeInfraction(ctx context.Context, db sqlx.ExtContext, id int64, revokerID string, at time.Time) (bool, error) {
	query := `UPDATE infractions SET active = FALSE, revoked_at = ?, revoker_id = ?
              WHERE id = ? AND revoked_at IS NULL`
	res, err := db.ExecContext(ctx, db.Rebind(query), at.UTC(), revokerID, id)
	if err != nil {
		return false, fmt.Errorf("failed to revoke infraction %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeactivateExpiredInfractions deactivates every active case whose end has passed.
func DeactivateExpiredInfractions(ctx context.Context, db sqlx.ExtContext, now time.Time) (int64, error) {
	query := `UPDATE infractions SET active = FALSE
              WHERE active = TRUE AND expires_at IS NOT NULL AND expires_at <= ?`
	res, err := db.ExecContext(ctx, db.Rebind(query), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired infractions: %w", err)
	}
	return res.RowsAffected()
}
