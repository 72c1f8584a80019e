package database

import (
	"context"
	"discord-automod/model"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// GetActiveRules returns the enabled, non-quarantined rules of a guild in
// evaluation order: highest priority first, then oldest id first.
func GetActiveRules(ctx context.Context, db sqlx.ExtContext, guildID string) ([]model.Rule, error) {
	var rules []model.Rule
	query := `SELECT * FROM auto_mod_rules
              WHERE guild_id = ? AND enabled = TRUE AND quarantined = FALSE
              ORDER BY priority DESC, id ASC`
	err := sqlx.SelectContext(ctx, db, &rules, db.Rebind(query), guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rules for guild %s: %w", guildID, err)
	}
	return rules, nil
}

// InsertRule stores a new rule and fills in its id and timestamps.
func InsertRule(ctx context.Context, db sqlx.ExtContext, rule *model.Rule) error {
	now := time.Now().UTC()
	if rule.Version == 0 {
		rule.Version = 1
	}
	rule.CreatedAt, rule.UpdatedAt = now, now

	query := `INSERT INTO auto_mod_rules
              (guild_id, name, rule_type, pattern, threshold, window_seconds, duration_seconds,
               actions, exempt_roles, exempt_channels, enabled, quarantined, priority, version, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              RETURNING id`
	row := db.QueryRowxContext(ctx, db.Rebind(query),
		rule.GuildID, rule.Name, rule.Type, rule.Pattern, rule.Threshold, rule.WindowSeconds, rule.DurationSeconds,
		rule.Actions, rule.ExemptRoles, rule.ExemptChannels, rule.Enabled, rule.Quarantined, rule.Priority, rule.Version,
		rule.CreatedAt, rule.UpdatedAt)
	if err := row.Scan(&rule.ID); err != nil {
		return fmt.Errorf("failed to insert rule %q: %w", rule.Name, err)
	}
	return nil
}

// SetRuleEnabled toggles a rule and bumps its version.
func SetRuleEnabled(ctx context.Context, db sqlx.ExtContext, ruleID int64, enabled bool) error {
	query := `UPDATE auto_mod_rules SET enabled = ?, version = version + 1, updated_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, db.Rebind(query), enabled, time.Now().UTC(), ruleID); err != nil {
		return fmt.Errorf("failed to update rule %d: %w", ruleID, err)
	}
	return nil
}
