package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// InfractionType is the kind of moderation case.
type InfractionType string

const (
	InfractionWarn    InfractionType = "warn"
	InfractionTimeout InfractionType = "timeout"
	InfractionKick    InfractionType = "kick"
	InfractionBan     InfractionType = "ban"
	InfractionMute    InfractionType = "mute"
	InfractionNote    InfractionType = "note"
	InfractionUnban   InfractionType = "unban"
)

// Infraction is a persisted per-user moderation case.
// The database table is named 'infractions'.
type Infraction struct {
	ID              int64             `db:"id"` // Primary Key, Auto-increment
	GuildID         string            `db:"guild_id"`
	UserID          string            `db:"user_id"`
	ModeratorID     string            `db:"moderator_id"` // bot's own id when automated
	Type            InfractionType    `db:"type"`
	Reason          string            `db:"reason"`
	DurationSeconds *int64            `db:"duration_seconds"`
	ExpiresAt       *time.Time        `db:"expires_at"`
	Active          bool              `db:"active"`
	Context         InfractionContext `db:"context"`
	CreatedAt       time.Time         `db:"created_at"`
	RevokedAt       *time.Time        `db:"revoked_at"`
	RevokerID       *string           `db:"revoker_id"`
}

// Expired reports whether the infraction has a fixed end that is already past.
func (i *Infraction) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

// InfractionContext is the structured context stored alongside a case.
type InfractionContext struct {
	Automod       bool           `json:"automod,omitempty"`
	RuleID        int64          `json:"rule_id,omitempty"`
	RuleName      string         `json:"rule_name,omitempty"`
	ViolationType RuleType       `json:"violation_type,omitempty"`
	Evidence      Evidence       `json:"evidence,omitempty"`
	ChannelID     string         `json:"channel_id,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	Escalated     bool           `json:"escalated,omitempty"`
	WarnCount     int            `json:"warn_count,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Value implements driver.Valuer.
func (c InfractionContext) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *InfractionContext) Scan(src interface{}) error {
	var out InfractionContext
	if err := scanJSON(src, &out); err != nil {
		return fmt.Errorf("scan infraction context: %w", err)
	}
	*c = out
	return nil
}

// WarnThreshold maps a cumulative warn count to an automatic action.
type WarnThreshold struct {
	ID              int64      `db:"id"`
	GuildID         string     `db:"guild_id"`
	WarnCount       int        `db:"warn_count"`
	Action          ActionType `db:"action"`
	DurationSeconds *int64     `db:"duration_seconds"`
}
