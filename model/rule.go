package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RuleType is the closed set of automod rule kinds.
type RuleType string

const (
	RuleSpam        RuleType = "spam"
	RuleChannelSpam RuleType = "channel_spam"
	RuleMentionSpam RuleType = "mention_spam"
	RuleCaps        RuleType = "caps"
	RuleInvite      RuleType = "invite"
	RuleLink        RuleType = "link"
	RuleKeyword     RuleType = "keyword"
	RuleRegex       RuleType = "regex"
)

// RuleTypes lists every rule type the evaluator knows about.
var RuleTypes = []RuleType{
	RuleSpam, RuleChannelSpam, RuleMentionSpam, RuleCaps,
	RuleInvite, RuleLink, RuleKeyword, RuleRegex,
}

// Valid reports whether t is one of the known rule types.
func (t RuleType) Valid() bool {
	for _, known := range RuleTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Rule is a guild-scoped automod rule as stored in auto_mod_rules.
// The core only reads rules; configuration commands own writes.
type Rule struct {
	ID              int64      `db:"id"`
	GuildID         string     `db:"guild_id"`
	Name            string     `db:"name"`
	Type            RuleType   `db:"rule_type"`
	Pattern         string     `db:"pattern"`
	Threshold       int        `db:"threshold"`
	WindowSeconds   int        `db:"window_seconds"`
	DurationSeconds int        `db:"duration_seconds"`
	Actions         ActionList `db:"actions"`
	ExemptRoles     StringList `db:"exempt_roles"`
	ExemptChannels  StringList `db:"exempt_channels"`
	Enabled         bool       `db:"enabled"`
	Quarantined     bool       `db:"quarantined"`
	Priority        int        `db:"priority"`
	Version         int        `db:"version"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Window returns the rule's time window, falling back to def when unset.
func (r *Rule) Window(def time.Duration) time.Duration {
	if r.WindowSeconds <= 0 {
		return def
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// Duration returns the configured action duration, zero when permanent.
func (r *Rule) Duration() time.Duration {
	if r.DurationSeconds <= 0 {
		return 0
	}
	return time.Duration(r.DurationSeconds) * time.Second
}

// Active reports whether the rule should be evaluated at all.
func (r *Rule) Active() bool {
	return r.Enabled && !r.Quarantined
}

// ExemptsChannel reports whether messages in channelID bypass the rule.
func (r *Rule) ExemptsChannel(channelID string) bool {
	return r.ExemptChannels.Contains(channelID)
}

// ExemptsRoles reports whether any of the given roles bypasses the rule.
func (r *Rule) ExemptsRoles(roles []string) bool {
	for _, role := range roles {
		if r.ExemptRoles.Contains(role) {
			return true
		}
	}
	return false
}

// StringList is a list of ids persisted as a JSON array column.
type StringList []string

// Contains reports whether v is in the list.
func (l StringList) Contains(v string) bool {
	for _, s := range l {
		if s == v {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	var out []string
	if err := scanJSON(src, &out); err != nil {
		return fmt.Errorf("scan string list: %w", err)
	}
	*l = out
	return nil
}

// scanJSON decodes a JSON column regardless of whether the driver hands back
// text or bytes. NULL and empty values leave v untouched.
func scanJSON(src interface{}, v interface{}) error {
	var raw []byte
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = s
	case string:
		raw = []byte(s)
	default:
		return fmt.Errorf("unsupported type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
