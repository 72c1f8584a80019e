package database

import (
	"context"
	"discord-automod/model"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// InsertAuditEntry appends an entry to audit_logs.
func InsertAuditEntry(ctx context.Context, db sqlx.ExtContext, entry *model.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	query := `INSERT INTO audit_logs (guild_id, actor_id, action, target_id, details, created_at)
              VALUES (?, ?, ?, ?, ?, ?)
              RETURNING id`
	row := db.QueryRowxContext(ctx, db.Rebind(query),
		entry.GuildID, entry.ActorID, entry.Action, entry.TargetID, entry.Details, entry.CreatedAt)
	if err := row.Scan(&entry.ID); err != nil {
		return fmt.Errorf("failed to insert audit entry %s: %w", entry.Action, err)
	}
	return nil
}

// GetAuditEntries lists a guild's audit entries, newest first. An empty
// action matches every action.
func GetAuditEntries(ctx context.Context, db sqlx.ExtContext, guildID, action string, limit int) ([]model.AuditEntry, error) {
	query := "SELECT * FROM audit_logs WHERE guild_id = ?"
	args := []interface{}{guildID}
	if action != "" {
		query += " AND action = ?"
		args = append(args, action)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var out []model.AuditEntry
	if err := sqlx.SelectContext(ctx, db, &out, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get audit entries for guild %s: %w", guildID, err)
	}
	return out, nil
}
