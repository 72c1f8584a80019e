package automod

import (
	"context"
	"time"

	"discord-automod/model"
	"discord-automod/state"
	"discord-automod/utils/database"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const ruleCacheSize = 5_000

// ruleSet is a guild's settings and its compiled rules in evaluation order.
type ruleSet struct {
	config model.GuildConfig
	rules  []*compiledRule
}

// RuleCache serves compiled rule sets. Lookups go process memory, then the
// shared config cache, then the database.
type RuleCache struct {
	db           sqlx.ExtContext
	shared       *state.ConfigCache
	local        *expirable.LRU[string, *ruleSet]
	regexTimeout time.Duration
	log          *zap.Logger
}

// NewRuleCache builds a cache whose local entries live for ttl. shared may
// be nil.
func NewRuleCache(db sqlx.ExtContext, shared *state.ConfigCache, ttl, regexTimeout time.Duration, log *zap.Logger) *RuleCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &RuleCache{
		db:           db,
		shared:       shared,
		local:        expirable.NewLRU[string, *ruleSet](ruleCacheSize, nil, ttl),
		regexTimeout: regexTimeout,
		log:          log,
	}
}

// get returns the rule set of a guild.
func (c *RuleCache) get(ctx context.Context, guildID string) (*ruleSet, error) {
	if rs, ok := c.local.Get(guildID); ok {
		ruleCacheLookups.WithLabelValues("local").Inc()
		return rs, nil
	}

	snap, err := c.snapshot(ctx, guildID)
	if err != nil {
		return nil, err
	}
	rs := c.compile(snap)
	c.local.Add(guildID, rs)
	return rs, nil
}

func (c *RuleCache) snapshot(ctx context.Context, guildID string) (*model.GuildSnapshot, error) {
	if c.shared != nil {
		snap, ok, err := c.shared.Get(ctx, guildID)
		switch {
		case err != nil:
			c.log.Warn("shared config cache unavailable", zap.String("guild_id", guildID), zap.Error(err))
		case ok:
			ruleCacheLookups.WithLabelValues("shared").Inc()
			return snap, nil
		}
	}

	ruleCacheLookups.WithLabelValues("database").Inc()
	cfg, err := database.GetGuildConfig(ctx, c.db, guildID)
	if err != nil {
		return nil, err
	}
	rules, err := database.GetActiveRules(ctx, c.db, guildID)
	if err != nil {
		return nil, err
	}
	snap := &model.GuildSnapshot{Config: cfg, Rules: rules}
	if c.shared != nil {
		if err := c.shared.Set(ctx, snap); err != nil {
			c.log.Warn("failed to populate shared config cache", zap.String("guild_id", guildID), zap.Error(err))
		}
	}
	return snap, nil
}

func (c *RuleCache) compile(snap *model.GuildSnapshot) *ruleSet {
	rs := &ruleSet{config: snap.Config, rules: make([]*compiledRule, 0, len(snap.Rules))}
	for _, r := range snap.Rules {
		if !r.Active() {
			continue
		}
		cr, err := compileRule(r, c.regexTimeout)
		if err != nil {
			c.log.Warn("skipping invalid rule",
				zap.String("guild_id", snap.Config.GuildID),
				zap.Int64("rule_id", r.ID),
				zap.Error(err))
			continue
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs
}

// Invalidate drops the local copy of a guild's rule set.
func (c *RuleCache) Invalidate(guildID string) {
	c.local.Remove(guildID)
}
