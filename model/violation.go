package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Evidence is the structured key/value detail of a violation (counts, percentages, matched terms).
type Evidence map[string]any

// Value implements driver.Valuer.
func (e Evidence) Value() (driver.Value, error) {
	if e == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(e))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (e *Evidence) Scan(src interface{}) error {
	out := Evidence{}
	if err := scanJSON(src, &out); err != nil {
		return fmt.Errorf("scan evidence: %w", err)
	}
	*e = out
	return nil
}

// Violation is the transient result of one rule matching one message.
type Violation struct {
	Type    RuleType
	Details Evidence
}

// ViolationRecord is one attempted action of an automod enforcement,
// stored in automod_violations.
type ViolationRecord struct {
	ID            int64      `db:"id"`
	GuildID       string     `db:"guild_id"`
	UserID        string     `db:"user_id"`
	RuleID        int64      `db:"rule_id"`
	ChannelID     string     `db:"channel_id"`
	MessageID     string     `db:"message_id"`
	ViolationType RuleType   `db:"violation_type"`
	Action        ActionType `db:"action"`
	Success       bool       `db:"success"`
	Error         string     `db:"error"`
	Details       Evidence   `db:"details"`
	CreatedAt     time.Time  `db:"created_at"`
}

// AuditEntry is a row of audit_logs.
type AuditEntry struct {
	ID        int64     `db:"id"`
	GuildID   string    `db:"guild_id"`
	ActorID   string    `db:"actor_id"`
	Action    string    `db:"action"`
	TargetID  string    `db:"target_id"`
	Details   Evidence  `db:"details"`
	CreatedAt time.Time `db:"created_at"`
}
