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
	"discord-automod/utils/database"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// defaultAutomodTimeout applies to timeout actions of rules without a duration.
const defaultAutomodTimeout = 10 * time.Minute

// Outcome is the result of one attempted action.
type Outcome struct {
	Action       model.ActionType
	Success      bool
	Skipped      bool
	Escalated    bool
	Error        string
	InfractionID int64
	Deleted      int
}

// Result is what one message's automod pass did.
type Result struct {
	// Acted is set when a rule matched and this process won its cooldown.
	Acted     bool
	RuleID    int64
	Violation *model.Violation
	Outcomes  []Outcome
	// Cooldown is set when the same violation was just handled elsewhere.
	Cooldown bool
	// Deleted reports that the triggering message was removed.
	Deleted bool
}

func (r *Result) anySuccess() bool {
	for _, o := range r.Outcomes {
		if o.Success {
			return true
		}
	}
	return false
}

// Resolver turns a violation into enforcement.
type Resolver struct {
	db       sqlx.ExtContext
	store    *state.Store
	platform model.Platform
	mod      *moderation.Service
	audit    *audit.Recorder
	cfg      model.AutomodConfig
	log      *zap.Logger
}

// Resolve enforces a rule's actions once per cooldown. A caller that loses
// the cooldown race only removes the triggering message.
func (r *Resolver) Resolve(ctx context.Context, guild model.GuildConfig, rule *compiledRule, msg *model.Message, v *model.Violation) *Result {
	res := &Result{RuleID: rule.ID, Violation: v}
	log := r.log.With(
		zap.String("guild_id", msg.GuildID),
		zap.String("user_id", msg.AuthorID),
		zap.Int64("rule_id", rule.ID),
		zap.String("violation", string(v.Type)))

	signature := fmt.Sprintf("%d:%s", rule.ID, v.Type)
	_, first, err := r.store.TryAcquireLock(ctx, msg.GuildID, msg.AuthorID, signature, r.cfg.CooldownTTL)
	if err != nil {
		log.Warn("cooldown lock unavailable, treating as held", zap.Error(err))
		first = false
	}

	if !first {
		res.Cooldown = true
		cooldownSkips.Inc()
		if rule.actions.Has(model.ActionDelete) {
			err := r.platform.DeleteMessage(ctx, msg.ChannelID, msg.ID)
			if err == nil || errors.Is(err, model.ErrTargetGone) {
				res.Deleted = true
			}
			out := Outcome{Action: model.ActionDelete, Success: res.Deleted, Error: errText(err)}
			if res.Deleted {
				out.Deleted = 1
			}
			r.recordOutcome(ctx, rule, msg, v, out, log)
			res.Outcomes = append(res.Outcomes, out)
		}
		res.Outcomes = append(res.Outcomes, Outcome{Skipped: true, Error: "skipped, cooldown"})
		log.Debug("violation in cooldown")
		return res
	}

	// The cooldown lock is left to expire; it is what suppresses duplicates.
	res.Acted = true
	applied := make(map[model.ActionType]bool)
	for _, action := range rule.actions {
		outs := r.execute(ctx, rule, msg, v, action, applied, log)
		for _, o := range outs {
			if o.Action == model.ActionDelete && o.Success {
				res.Deleted = true
			}
			if o.Success && o.Action.Stateful() {
				applied[o.Action] = true
			}
			r.recordOutcome(ctx, rule, msg, v, o, log)
		}
		res.Outcomes = append(res.Outcomes, outs...)
	}

	r.auditViolation(ctx, rule, msg, v, res, log)
	if res.anySuccess() {
		r.notify(ctx, guild, rule, msg, v, res, log)
	}
	return res
}

// execute runs one action. applied holds the stateful actions already
// carried out in this pass, including by escalation; those are not repeated.
func (r *Resolver) execute(ctx context.Context, rule *compiledRule, msg *model.Message, v *model.Violation, action model.ActionType, applied map[model.ActionType]bool, log *zap.Logger) []Outcome {
	switch action {
	case model.ActionDelete:
		n, err := r.purge(ctx, rule, msg, log)
		return []Outcome{r.count(Outcome{Action: action, Success: err == nil, Error: errText(err), Deleted: n})}

	case model.ActionWarn:
		wr, err := r.mod.Warn(ctx, moderation.WarnRequest{
			GuildID:     msg.GuildID,
			UserID:      msg.AuthorID,
			ModeratorID: r.platform.BotUserID(),
			Reason:      automodReason(rule, v),
			Context:     violationContext(rule, msg, v),
			Automod:     true,
			Guard: func(ctx context.Context, guildID, userID string, escalated model.ActionType) (func(), bool) {
				if applied[escalated] {
					return nil, false
				}
				return r.claimAction(ctx, guildID, userID, escalated, log)
			},
		})
		if err != nil {
			log.Warn("automod warn failed", zap.Error(err))
			return []Outcome{r.count(Outcome{Action: action, Error: err.Error()})}
		}
		outs := []Outcome{r.count(Outcome{Action: action, Success: true, InfractionID: wr.Infraction.ID})}
		if wr.AutoAction != nil {
			esc := Outcome{Action: wr.AutoAction.Action, Escalated: true, Success: wr.Escalation != nil, Error: errText(wr.EscalationErr)}
			if errors.Is(wr.EscalationErr, moderation.ErrActionInProgress) {
				esc.Skipped = true
				esc.Error = "skipped, action in progress"
			}
			if wr.Escalation != nil && wr.Escalation.Infraction != nil {
				esc.InfractionID = wr.Escalation.Infraction.ID
			}
			outs = append(outs, r.count(esc))
		}
		return outs

	case model.ActionTimeout, model.ActionKick, model.ActionBan:
		if applied[action] {
			return []Outcome{r.count(Outcome{Action: action, Skipped: true, Error: "skipped, already applied"})}
		}
		return []Outcome{r.count(r.applyLocked(ctx, rule, msg, v, action, log))}
	}
	return []Outcome{r.count(Outcome{Action: action, Error: model.ErrInvalidAction.Error()})}
}

// applyLocked runs a stateful action under its own short lock so duplicate
// violations never apply it twice.
func (r *Resolver) applyLocked(ctx context.Context, rule *compiledRule, msg *model.Message, v *model.Violation, action model.ActionType, log *zap.Logger) Outcome {
	release, ok := r.claimAction(ctx, msg.GuildID, msg.AuthorID, action, log)
	if !ok {
		return Outcome{Action: action, Skipped: true, Error: "skipped, action in progress"}
	}
	defer release()

	duration := rule.Duration()
	if action == model.ActionTimeout && duration == 0 {
		duration = defaultAutomodTimeout
	}
	if action == model.ActionKick {
		duration = 0
	}
	res, err := r.mod.Apply(ctx, moderation.ApplyRequest{
		GuildID:     msg.GuildID,
		UserID:      msg.AuthorID,
		ModeratorID: r.platform.BotUserID(),
		Action:      action,
		Duration:    duration,
		Reason:      automodReason(rule, v),
		Context:     violationContext(rule, msg, v),
	})
	out := Outcome{Action: action}
	if res != nil && res.Infraction != nil {
		out.InfractionID = res.Infraction.ID
	}
	if err != nil {
		out.Error = describeError(err)
		// the action itself went through when only the reversal failed to schedule
		out.Success = res != nil
		log.Warn("automod action failed", zap.String("action", string(action)), zap.Error(err))
		return out
	}
	out.Success = true
	return out
}

// claimAction takes the per-member lock of a stateful action. Escalations
// from warns go through the same lock. A Redis error counts as not acquired.
func (r *Resolver) claimAction(ctx context.Context, guildID, userID string, action model.ActionType, log *zap.Logger) (func(), bool) {
	lock, ok, err := r.store.TryAcquireLock(ctx, guildID, userID, "action:"+string(action), r.cfg.ActionLockTTL)
	if err != nil {
		log.Warn("action lock unavailable", zap.String("action", string(action)), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return func() {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, state.ErrLockNotHeld) {
			log.Warn("failed to release action lock", zap.String("action", string(action)), zap.Error(err))
		}
	}, true
}

func (r *Resolver) count(o Outcome) Outcome {
	outcome := "success"
	switch {
	case o.Skipped:
		outcome = "skipped"
	case !o.Success:
		outcome = "error"
	}
	actionCount.WithLabelValues(string(o.Action), outcome).Inc()
	return o
}

func (r *Resolver) recordOutcome(ctx context.Context, rule *compiledRule, msg *model.Message, v *model.Violation, o Outcome, log *zap.Logger) {
	details := model.Evidence{}
	for k, val := range v.Details {
		details[k] = val
	}
	if o.InfractionID != 0 {
		details["infraction_id"] = o.InfractionID
	}
	if o.Deleted > 0 {
		details["deleted"] = o.Deleted
	}
	if o.Skipped {
		details["skipped"] = true
	}
	if o.Escalated {
		details["escalated"] = true
	}
	rec := &model.ViolationRecord{
		GuildID:       msg.GuildID,
		UserID:        msg.AuthorID,
		RuleID:        rule.ID,
		ChannelID:     msg.ChannelID,
		MessageID:     msg.ID,
		ViolationType: v.Type,
		Action:        o.Action,
		Success:       o.Success,
		Error:         o.Error,
		Details:       details,
	}
	if err := database.InsertViolationRecord(ctx, r.db, rec); err != nil {
		log.Warn("failed to record violation outcome", zap.String("action", string(o.Action)), zap.Error(err))
	}
}

func (r *Resolver) auditViolation(ctx context.Context, rule *compiledRule, msg *model.Message, v *model.Violation, res *Result, log *zap.Logger) {
	actions := make([]string, 0, len(res.Outcomes))
	failed := 0
	for _, o := range res.Outcomes {
		actions = append(actions, string(o.Action))
		if !o.Success {
			failed++
		}
	}
	entry := model.AuditEntry{
		GuildID:  msg.GuildID,
		ActorID:  r.platform.BotUserID(),
		Action:   audit.ActionAutomodViolation,
		TargetID: msg.AuthorID,
		Details: model.Evidence{
			"rule_id":        rule.ID,
			"rule_name":      rule.Name,
			"violation_type": string(v.Type),
			"channel_id":     msg.ChannelID,
			"message_id":     msg.ID,
			"actions":        actions,
			"failed":         failed,
			"evidence":       map[string]any(v.Details),
		},
	}
	if err := r.audit.Record(ctx, entry); err != nil {
		log.Warn("failed to audit violation", zap.Error(err))
	}
}

func violationContext(rule *compiledRule, msg *model.Message, v *model.Violation) model.InfractionContext {
	return model.InfractionContext{
		Automod:       true,
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		ViolationType: v.Type,
		Evidence:      v.Details,
		ChannelID:     msg.ChannelID,
		MessageID:     msg.ID,
	}
}

func automodReason(rule *compiledRule, v *model.Violation) string {
	if rule.Name == "" {
		return fmt.Sprintf("Automod: %s", v.Type)
	}
	return fmt.Sprintf("Automod: %s (%s)", rule.Name, v.Type)
}

func describeError(err error) string {
	switch {
	case errors.Is(err, model.ErrForbidden):
		return "missing permissions: " + err.Error()
	case errors.Is(err, model.ErrMissingMuteRole):
		return "configuration: " + err.Error()
	}
	return err.Error()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return describeError(err)
}
