package automod

import (
	"context"
	"fmt"
	"strings"

	"discord-automod/model"

	"go.uber.org/zap"
)

var actionVerbs = map[model.ActionType]string{
	model.ActionDelete:  "message removed",
	model.ActionWarn:    "warned",
	model.ActionTimeout: "timed out",
	model.ActionKick:    "kicked",
	model.ActionBan:     "banned",
	model.ActionMute:    "muted",
}

// notify tells the member and the channel what happened. Failures are
// logged and otherwise ignored.
func (r *Resolver) notify(ctx context.Context, guild model.GuildConfig, rule *compiledRule, msg *model.Message, v *model.Violation, res *Result, log *zap.Logger) {
	taken := summarize(res)
	if taken == "" {
		return
	}

	if guild.DMOnAction {
		content := fmt.Sprintf("Your message was flagged by automod (%s): %s.", describeViolation(rule, v), taken)
		if err := r.platform.SendDirectMessage(ctx, msg.AuthorID, content); err != nil {
			log.Debug("failed to DM member", zap.Error(err))
		}
	}

	if !guild.PublicNotice {
		return
	}
	ok, err := r.platform.HasChannelPermission(ctx, msg.ChannelID, model.PermissionSendMessages)
	if err != nil {
		log.Debug("failed to check send permission", zap.String("channel_id", msg.ChannelID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	content := fmt.Sprintf("<@%s> %s by automod (%s).", msg.AuthorID, taken, describeViolation(rule, v))
	if err := r.platform.SendChannelMessage(ctx, msg.ChannelID, content); err != nil {
		log.Debug("failed to post public notice", zap.String("channel_id", msg.ChannelID), zap.Error(err))
	}
}

func summarize(res *Result) string {
	var parts []string
	seen := map[model.ActionType]bool{}
	for _, o := range res.Outcomes {
		if !o.Success || seen[o.Action] {
			continue
		}
		verb, ok := actionVerbs[o.Action]
		if !ok {
			continue
		}
		seen[o.Action] = true
		parts = append(parts, verb)
	}
	return strings.Join(parts, ", ")
}

func describeViolation(rule *compiledRule, v *model.Violation) string {
	if rule.Name != "" {
		return rule.Name
	}
	return strings.ReplaceAll(string(v.Type), "_", " ")
}
