package moderation

import (
	"context"
	"time"

	"discord-automod/model"
	"discord-automod/utils/database"
)

// AutoAction is the automatic consequence of reaching a warn count.
type AutoAction struct {
	Action   model.ActionType
	Duration time.Duration // zero means permanent
}

// ResolveAutoAction returns the action configured for a user who now has
// warnCount active warns, or nil when nothing should happen.
func (s *Service) ResolveAutoAction(ctx context.Context, guildID string, warnCount int) (*AutoAction, error) {
	cfg, err := database.GetGuildConfig(ctx, s.db, guildID)
	if err != nil {
		return nil, err
	}
	return s.resolveForConfig(ctx, cfg, warnCount)
}

func (s *Service) resolveForConfig(ctx context.Context, cfg model.GuildConfig, warnCount int) (*AutoAction, error) {
	thresholds, err := database.GetWarnThresholds(ctx, s.db, cfg.GuildID)
	if err != nil {
		return nil, err
	}
	return resolveAutoAction(thresholds, cfg.MaxWarns, warnCount), nil
}

// resolveAutoAction picks the highest threshold not above count. Without any
// thresholds the guild max_warns setting maps to a 24h timeout.
func resolveAutoAction(thresholds []model.WarnThreshold, maxWarns, count int) *AutoAction {
	if count <= 0 {
		return nil
	}
	if len(thresholds) == 0 {
		if maxWarns > 0 && count >= maxWarns {
			return &AutoAction{Action: model.ActionTimeout, Duration: model.DefaultMaxWarnsTimeout}
		}
		return nil
	}

	var best *model.WarnThreshold
	for i := range thresholds {
		th := &thresholds[i]
		if th.WarnCount > count {
			continue
		}
		if best == nil || th.WarnCount > best.WarnCount {
			best = th
		}
	}
	if best == nil {
		return nil
	}

	action, err := model.ParseAction(string(best.Action))
	if err != nil || !action.Stateful() {
		return nil
	}
	auto := &AutoAction{Action: action}
	if best.DurationSeconds != nil && *best.DurationSeconds > 0 {
		auto.Duration = time.Duration(*best.DurationSeconds) * time.Second
	}
	if action == model.ActionTimeout && auto.Duration == 0 {
		auto.Duration = model.DefaultMaxWarnsTimeout
	}
	return auto
}
