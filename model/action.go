package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// ActionType is an enforcement step an automod rule can take.
type ActionType string

const (
	ActionDelete  ActionType = "delete"
	ActionWarn    ActionType = "warn"
	ActionTimeout ActionType = "timeout"
	ActionKick    ActionType = "kick"
	ActionBan     ActionType = "ban"
	// ActionMute is the role-based mute. Automod rules alias it to timeout;
	// manual moderation can still apply it directly.
	ActionMute ActionType = "mute"
)

// Stateful reports whether the action changes the member's standing and
// therefore needs a per-action lock.
func (a ActionType) Stateful() bool {
	switch a {
	case ActionTimeout, ActionKick, ActionBan, ActionMute:
		return true
	}
	return false
}

// ParseAction normalizes a single action token.
func ParseAction(raw string) (ActionType, error) {
	switch a := ActionType(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionDelete, ActionWarn, ActionTimeout, ActionKick, ActionBan:
		return a, nil
	case ActionMute:
		return ActionTimeout, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
	}
}

// ParseActions normalizes an ordered list of action tokens. "mute" becomes
// "timeout", duplicates keep their first position, unknown tokens fail the whole list.
func ParseActions(raw []string) (ActionList, error) {
	out := make(ActionList, 0, len(raw))
	seen := make(map[ActionType]bool, len(raw))
	for _, token := range raw {
		if strings.TrimSpace(token) == "" {
			continue
		}
		a, err := ParseAction(token)
		if err != nil {
			return nil, err
		}
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out, nil
}

// ActionList is the ordered list of actions of a rule, stored as a JSON array.
type ActionList []ActionType

// Has reports whether the list contains a.
func (l ActionList) Has(a ActionType) bool {
	for _, x := range l {
		if x == a {
			return true
		}
	}
	return false
}

// Strings returns the actions as plain strings.
func (l ActionList) Strings() []string {
	out := make([]string, len(l))
	for i, a := range l {
		out[i] = string(a)
	}
	return out
}

// Value implements driver.Valuer.
func (l ActionList) Value() (driver.Value, error) {
	b, err := json.Marshal(l.Strings())
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner. Stored tokens are kept verbatim; the rule
// compiler normalizes them so a bad token fails one rule, not the whole load.
func (l *ActionList) Scan(src interface{}) error {
	var raw []string
	if err := scanJSON(src, &raw); err != nil {
		return fmt.Errorf("scan action list: %w", err)
	}
	out := make(ActionList, len(raw))
	for i, s := range raw {
		out[i] = ActionType(s)
	}
	*l = out
	return nil
}
