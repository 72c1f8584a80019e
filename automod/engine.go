package automod

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discord-automod/audit"
	"discord-automod/model"
	"discord-automod/moderation"
	"discord-automod/state"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Engine runs the automod pass for inbound messages.
type Engine struct {
	rules     *RuleCache
	shared    *state.ConfigCache
	evaluator *Evaluator
	resolver  *Resolver
	cfg       model.AutomodConfig
	log       *zap.Logger
}

// NewEngine wires the rule cache, evaluator and resolver. shared may be nil,
// in which case config changes only reach this process.
func NewEngine(db *sqlx.DB, store *state.Store, shared *state.ConfigCache, platform model.Platform, mod *moderation.Service, recorder *audit.Recorder, cfg model.AutomodConfig, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = withDefaults(cfg)
	return &Engine{
		rules:     NewRuleCache(db, shared, cfg.RuleCacheTTL, cfg.RegexTimeout, log),
		shared:    shared,
		evaluator: NewEvaluator(store),
		resolver: &Resolver{
			db:       db,
			store:    store,
			platform: platform,
			mod:      mod,
			audit:    recorder,
			cfg:      cfg,
			log:      log,
		},
		cfg: cfg,
		log: log,
	}
}

func withDefaults(cfg model.AutomodConfig) model.AutomodConfig {
	if cfg.CooldownTTL <= 0 {
		cfg.CooldownTTL = 10 * time.Second
	}
	if cfg.ActionLockTTL <= 0 {
		cfg.ActionLockTTL = 15 * time.Second
	}
	if cfg.RegexTimeout <= 0 {
		cfg.RegexTimeout = 100 * time.Millisecond
	}
	if cfg.RuleCacheTTL <= 0 {
		cfg.RuleCacheTTL = 5 * time.Minute
	}
	if cfg.PurgeLimit <= 0 {
		cfg.PurgeLimit = 80
	}
	if cfg.PurgePages <= 0 {
		cfg.PurgePages = 3
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = 30 * time.Second
	}
	return cfg
}

// HandleMessage evaluates msg against its guild's rules in priority order.
// At most one rule acts per message. A nil result means nothing matched.
func (e *Engine) HandleMessage(ctx context.Context, msg *model.Message) (res *Result, err error) {
	if msg == nil || msg.GuildID == "" || msg.AuthorBot || msg.AuthorPrivileged {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		evaluationDuration.Observe(time.Since(start).Seconds())
		if p := recover(); p != nil {
			e.log.Error("automod pass panicked",
				zap.String("guild_id", msg.GuildID),
				zap.String("message_id", msg.ID),
				zap.Any("panic", p))
			res, err = nil, fmt.Errorf("automod pass panicked: %v", p)
		}
	}()
	messagesEvaluated.Inc()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.EvaluationTimeout)
	defer cancel()

	rs, err := e.rules.get(ctx, msg.GuildID)
	if err != nil {
		return nil, fmt.Errorf("load rules for guild %s: %w", msg.GuildID, err)
	}
	if !rs.config.AutomodEnabled {
		return nil, nil
	}

	var last *Result
	for _, rule := range rs.rules {
		if rule.ExemptsChannel(msg.ChannelID) || rule.ExemptsRoles(msg.MemberRoles) {
			continue
		}
		v, err := e.evaluator.Evaluate(ctx, rule, msg)
		if err != nil {
			ruleErrors.WithLabelValues(string(rule.Type)).Inc()
			e.log.Warn("rule evaluation failed",
				zap.String("guild_id", msg.GuildID),
				zap.Int64("rule_id", rule.ID),
				zap.String("type", string(rule.Type)),
				zap.Error(err))
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return last, ctx.Err()
			}
			continue
		}
		if v == nil {
			continue
		}
		violationCount.WithLabelValues(string(v.Type)).Inc()

		r := e.resolver.Resolve(ctx, rs.config, rule, msg, v)
		if r.Acted || r.Deleted {
			return r, nil
		}
		last = r
	}
	return last, nil
}

// InvalidateGuildConfig drops the guild's rule set here and, through the
// shared cache, in every other process.
func (e *Engine) InvalidateGuildConfig(ctx context.Context, guildID string) error {
	e.rules.Invalidate(guildID)
	if e.shared == nil {
		return nil
	}
	return e.shared.Invalidate(ctx, guildID)
}

// Subscribe keeps the local rule cache in step with invalidations published
// by other processes. The returned function ends the subscription.
func (e *Engine) Subscribe(ctx context.Context) (func() error, error) {
	if e.shared == nil {
		return func() error { return nil }, nil
	}
	return e.shared.Subscribe(ctx, e.rules.Invalidate)
}
