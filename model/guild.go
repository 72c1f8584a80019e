package model

import "time"

// EscalationPolicy decides whether automod warns feed the escalation engine.
type EscalationPolicy string

const (
	// EscalationSingle evaluates warn thresholds once per automod warn; the
	// escalated action itself never escalates again.
	EscalationSingle EscalationPolicy = "single"
	// EscalationTerminal treats automod warns as terminal: no escalation pass.
	EscalationTerminal EscalationPolicy = "terminal"
)

const (
	DefaultWarnDecayDays = 30
	// DefaultMaxWarnsTimeout is the fallback action length once max_warns is reached.
	DefaultMaxWarnsTimeout = 24 * time.Hour
)

// GuildConfig holds the per-guild settings the core reads from guild_config.
type GuildConfig struct {
	GuildID          string           `db:"guild_id"`
	AutomodEnabled   bool             `db:"automod_enabled"`
	DMOnAction       bool             `db:"dm_on_action"`
	PublicNotice     bool             `db:"public_notice"`
	MaxWarns         int              `db:"max_warns"`
	WarnDecayDays    int              `db:"warn_decay_days"`
	MuteRoleID       string           `db:"mute_role_id"`
	LogChannelID     string           `db:"log_channel_id"`
	EscalationPolicy EscalationPolicy `db:"escalation_policy"`
}

// DefaultGuildConfig is used for guilds without a guild_config row.
func DefaultGuildConfig(guildID string) GuildConfig {
	return GuildConfig{
		GuildID:          guildID,
		AutomodEnabled:   true,
		DMOnAction:       true,
		PublicNotice:     true,
		WarnDecayDays:    DefaultWarnDecayDays,
		EscalationPolicy: EscalationSingle,
	}
}

// WarnDecay returns how long a warn keeps counting toward escalation.
// Zero means warns never decay.
func (c GuildConfig) WarnDecay() time.Duration {
	if c.WarnDecayDays <= 0 {
		return 0
	}
	return time.Duration(c.WarnDecayDays) * 24 * time.Hour
}

// EscalatesAutomodWarns reports whether automod warns run an escalation pass.
func (c GuildConfig) EscalatesAutomodWarns() bool {
	return c.EscalationPolicy != EscalationTerminal
}

// GuildSnapshot is the cached automod view of a guild: its settings and
// its enabled rules in evaluation order.
type GuildSnapshot struct {
	Config GuildConfig
	Rules  []Rule
}
