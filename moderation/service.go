// Package moderation applies moderation actions and records them as
// infractions. Automod and manual commands share it, so a warn from either
// path escalates the same way.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discord-automod/audit"
	"discord-automod/jobs"
	"discord-automod/model"
	"discord-automod/utils/database"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRevoked is returned when revoking a case twice.
	ErrAlreadyRevoked = errors.New("infraction already revoked")
	// ErrActionInProgress is returned when a guard refuses an escalated action.
	ErrActionInProgress = errors.New("action already in progress")
)

// ActionGuard claims a stateful action for a member. When ok is false the
// action is being applied elsewhere and must be skipped; release is only
// valid when ok is true.
type ActionGuard func(ctx context.Context, guildID, userID string, action model.ActionType) (release func(), ok bool)

// reapplyLead starts the next timeout segment before the current one ends.
const reapplyLead = time.Minute

// Enqueuer schedules reversal jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req jobs.EnqueueRequest) (*model.ScheduledJob, error)
}

// Service applies actions on the platform and persists them.
type Service struct {
	db       *sqlx.DB
	platform model.Platform
	jobs     Enqueuer
	audit    *audit.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// NewService wires the moderation service.
func NewService(db *sqlx.DB, platform model.Platform, enqueuer Enqueuer, recorder *audit.Recorder, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:       db,
		platform: platform,
		jobs:     enqueuer,
		audit:    recorder,
		log:      log.Named("moderation"),
		now:      time.Now,
	}
}

// WarnRequest describes a warn. Automod marks warns issued by a rule.
type WarnRequest struct {
	GuildID     string
	UserID      string
	ModeratorID string
	Reason      string
	Context     model.InfractionContext
	Automod     bool
	// Guard, when set, must grant the escalated action before it is applied.
	Guard ActionGuard
}

// WarnResult is the stored warn, the user's active warn count including it
// and the escalation that followed, if any.
type WarnResult struct {
	Infraction    *model.Infraction
	WarnCount     int
	AutoAction    *AutoAction
	Escalation    *ApplyResult
	EscalationErr error
}

// Warn stores a warn and runs at most one escalation pass. The escalated
// action goes straight to Apply and never escalates again. Automod warns skip
// escalation when the guild policy is terminal.
func (s *Service) Warn(ctx context.Context, req WarnRequest) (*WarnResult, error) {
	cfg, err := database.GetGuildConfig(ctx, s.db, req.GuildID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var since *time.Time
	if decay := cfg.WarnDecay(); decay > 0 {
		t := now.Add(-decay)
		since = &t
	}

	infCtx := req.Context
	infCtx.Automod = req.Automod
	inf := &model.Infraction{
		GuildID:     req.GuildID,
		UserID:      req.UserID,
		ModeratorID: s.moderatorOr(req.ModeratorID),
		Type:        model.InfractionWarn,
		Reason:      reasonOr(req.Reason),
		Active:      true,
		Context:     infCtx,
		CreatedAt:   now,
	}
	count, err := database.CreateWarnAndCount(ctx, s.db, inf, since)
	if err != nil {
		return nil, err
	}
	warnsIssued.WithLabelValues(sourceOf(req.Automod)).Inc()
	res := &WarnResult{Infraction: inf, WarnCount: count}

	s.recordInfraction(ctx, inf, model.Evidence{"warn_count": count})

	if req.Automod && !cfg.EscalatesAutomodWarns() {
		return res, nil
	}

	auto, err := s.resolveForConfig(ctx, cfg, count)
	if err != nil {
		s.log.Warn("failed to resolve escalation",
			zap.String("guild_id", req.GuildID),
			zap.String("user_id", req.UserID),
			zap.Error(err))
		res.EscalationErr = err
		return res, nil
	}
	if auto == nil {
		return res, nil
	}
	res.AutoAction = auto

	escCtx := model.InfractionContext{
		Automod:       req.Automod,
		RuleID:        infCtx.RuleID,
		RuleName:      infCtx.RuleName,
		ViolationType: infCtx.ViolationType,
		ChannelID:     infCtx.ChannelID,
		MessageID:     infCtx.MessageID,
		Escalated:     true,
		WarnCount:     count,
	}
	if req.Guard != nil {
		release, ok := req.Guard(ctx, req.GuildID, req.UserID, auto.Action)
		if !ok {
			s.log.Info("escalation skipped, action in progress",
				zap.String("guild_id", req.GuildID),
				zap.String("user_id", req.UserID),
				zap.String("action", string(auto.Action)))
			res.EscalationErr = ErrActionInProgress
			return res, nil
		}
		defer release()
	}
	applied, err := s.Apply(ctx, ApplyRequest{
		GuildID:     req.GuildID,
		UserID:      req.UserID,
		ModeratorID: s.platform.BotUserID(),
		Action:      auto.Action,
		Duration:    auto.Duration,
		Reason:      fmt.Sprintf("Reached %d warnings", count),
		Context:     escCtx,
	})
	res.Escalation = applied
	if err != nil {
		s.log.Warn("escalation action failed",
			zap.String("guild_id", req.GuildID),
			zap.String("user_id", req.UserID),
			zap.String("action", string(auto.Action)),
			zap.Error(err))
		res.EscalationErr = err
	}
	return res, nil
}

// ApplyRequest describes a stateful action. Duration zero means permanent;
// timeouts always need one.
type ApplyRequest struct {
	GuildID           string
	UserID            string
	ModeratorID       string
	Action            model.ActionType
	Duration          time.Duration
	Reason            string
	Context           model.InfractionContext
	DeleteMessageDays int
}

// ApplyResult is the stored case and the reversal job scheduled for it.
type ApplyResult struct {
	Infraction *model.Infraction
	Job        *model.ScheduledJob
}

// Apply performs the action on the platform, stores the infraction and
// schedules its reversal. The platform call comes first so a refused action
// leaves no case behind.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	now := s.now().UTC()
	reason := reasonOr(req.Reason)
	inf := &model.Infraction{
		GuildID:     req.GuildID,
		UserID:      req.UserID,
		ModeratorID: s.moderatorOr(req.ModeratorID),
		Type:        model.InfractionType(req.Action),
		Reason:      reason,
		Active:      true,
		Context:     req.Context,
		CreatedAt:   now,
	}
	if req.Duration > 0 && req.Action != model.ActionKick {
		secs := int64(req.Duration / time.Second)
		end := now.Add(req.Duration)
		inf.DurationSeconds = &secs
		inf.ExpiresAt = &end
	}

	var reversal *jobs.EnqueueRequest
	switch req.Action {
	case model.ActionTimeout:
		if req.Duration <= 0 {
			return nil, fmt.Errorf("%w: timeout needs a duration", model.ErrInvalidAction)
		}
		segment := req.Duration
		if segment > model.MaxTimeout {
			segment = model.MaxTimeout
		}
		until := now.Add(segment)
		if err := s.platform.TimeoutMember(ctx, req.GuildID, req.UserID, &until, reason); err != nil {
			return nil, fmt.Errorf("timeout %s: %w", req.UserID, err)
		}
		if req.Duration > model.MaxTimeout {
			reversal = &jobs.EnqueueRequest{
				Type:  model.JobReapplyTimeout,
				RunAt: until.Add(-reapplyLead),
				Data:  model.ReapplyTimeoutPayload{EndsAt: *inf.ExpiresAt, Reason: reason},
			}
		} else {
			reversal = &jobs.EnqueueRequest{
				Type:  model.JobUntimeout,
				RunAt: *inf.ExpiresAt,
				Data:  model.UntimeoutPayload{Reason: "Timeout expired"},
			}
		}

	case model.ActionKick:
		if err := s.platform.KickMember(ctx, req.GuildID, req.UserID, reason); err != nil {
			return nil, fmt.Errorf("kick %s: %w", req.UserID, err)
		}
		inf.Active = false

	case model.ActionBan:
		if err := s.platform.BanMember(ctx, req.GuildID, req.UserID, reason, req.DeleteMessageDays); err != nil {
			return nil, fmt.Errorf("ban %s: %w", req.UserID, err)
		}
		if inf.ExpiresAt != nil {
			reversal = &jobs.EnqueueRequest{
				Type:  model.JobUnban,
				RunAt: *inf.ExpiresAt,
				Data:  model.UnbanPayload{Reason: "Temporary ban expired"},
			}
		}

	case model.ActionMute:
		cfg, err := database.GetGuildConfig(ctx, s.db, req.GuildID)
		if err != nil {
			return nil, err
		}
		if cfg.MuteRoleID == "" {
			return nil, fmt.Errorf("mute %s: %w", req.UserID, model.ErrMissingMuteRole)
		}
		if err := s.platform.AddMemberRole(ctx, req.GuildID, req.UserID, cfg.MuteRoleID, reason); err != nil {
			return nil, fmt.Errorf("mute %s: %w", req.UserID, err)
		}
		if inf.ExpiresAt != nil {
			reversal = &jobs.EnqueueRequest{
				Type:  model.JobUnmute,
				RunAt: *inf.ExpiresAt,
				Data:  model.UnmutePayload{RoleID: cfg.MuteRoleID, Reason: "Mute expired"},
			}
		}

	default:
		return nil, fmt.Errorf("%w: %q cannot be applied", model.ErrInvalidAction, req.Action)
	}

	if err := database.InsertInfraction(ctx, s.db, inf); err != nil {
		return nil, fmt.Errorf("%s applied but not recorded: %w", req.Action, err)
	}
	actionsApplied.WithLabelValues(string(req.Action)).Inc()
	res := &ApplyResult{Infraction: inf}

	if reversal != nil {
		reversal.GuildID = req.GuildID
		reversal.UserID = req.UserID
		reversal.InfractionID = &inf.ID
		job, err := s.jobs.Enqueue(ctx, *reversal)
		if err != nil {
			s.log.Error("failed to schedule reversal",
				zap.Int64("infraction_id", inf.ID),
				zap.String("type", string(reversal.Type)),
				zap.Error(err))
			s.recordInfraction(ctx, inf, nil)
			return res, fmt.Errorf("schedule %s for infraction %d: %w", reversal.Type, inf.ID, err)
		}
		res.Job = job
	}

	s.recordInfraction(ctx, inf, nil)
	return res, nil
}

// Revoke marks a case revoked and lifts its effect on the platform when it
// is still active. A missing target is not an error.
func (s *Service) Revoke(ctx context.Context, infractionID int64, revokerID, reason string) (*model.Infraction, error) {
	inf, err := database.GetInfraction(ctx, s.db, infractionID)
	if err != nil {
		return nil, err
	}
	ok, err := database.RevokeInfraction(ctx, s.db, infractionID, revokerID, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return inf, ErrAlreadyRevoked
	}

	if inf.Active {
		if err := s.lift(ctx, inf, reasonOr(reason)); err != nil && !errors.Is(err, model.ErrTargetGone) {
			s.log.Warn("failed to lift revoked infraction",
				zap.Int64("infraction_id", inf.ID),
				zap.String("type", string(inf.Type)),
				zap.Error(err))
		}
	}

	entry := model.AuditEntry{
		GuildID:  inf.GuildID,
		ActorID:  revokerID,
		Action:   audit.ActionRevoke,
		TargetID: inf.UserID,
		Details: model.Evidence{
			"infraction_id": inf.ID,
			"type":          string(inf.Type),
			"reason":        reason,
		},
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log.Warn("failed to audit revoke", zap.Int64("infraction_id", inf.ID), zap.Error(err))
	}
	return inf, nil
}

func (s *Service) lift(ctx context.Context, inf *model.Infraction, reason string) error {
	switch inf.Type {
	case model.InfractionBan:
		return s.platform.UnbanMember(ctx, inf.GuildID, inf.UserID, reason)
	case model.InfractionTimeout:
		return s.platform.TimeoutMember(ctx, inf.GuildID, inf.UserID, nil, reason)
	case model.InfractionMute:
		cfg, err := database.GetGuildConfig(ctx, s.db, inf.GuildID)
		if err != nil {
			return err
		}
		if cfg.MuteRoleID == "" {
			return model.ErrMissingMuteRole
		}
		return s.platform.RemoveMemberRole(ctx, inf.GuildID, inf.UserID, cfg.MuteRoleID, reason)
	}
	return nil
}

// recordInfraction writes the audit entry of a case. Audit failures are logged.
func (s *Service) recordInfraction(ctx context.Context, inf *model.Infraction, extra model.Evidence) {
	details := model.Evidence{
		"infraction_id": inf.ID,
		"reason":        inf.Reason,
		"automod":       inf.Context.Automod,
	}
	if inf.DurationSeconds != nil {
		details["duration_seconds"] = *inf.DurationSeconds
	}
	if inf.Context.Escalated {
		details["escalated"] = true
	}
	if inf.Context.RuleID != 0 {
		details["rule_id"] = inf.Context.RuleID
	}
	for k, v := range extra {
		details[k] = v
	}
	entry := model.AuditEntry{
		GuildID:  inf.GuildID,
		ActorID:  inf.ModeratorID,
		Action:   string(inf.Type),
		TargetID: inf.UserID,
		Details:  details,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log.Warn("failed to audit infraction", zap.Int64("infraction_id", inf.ID), zap.Error(err))
	}
}

func (s *Service) moderatorOr(id string) string {
	if id != "" {
		return id
	}
	return s.platform.BotUserID()
}

func reasonOr(reason string) string {
	if reason == "" {
		return "No reason provided"
	}
	return reason
}

func sourceOf(automod bool) string {
	if automod {
		return "automod"
	}
	return "manual"
}
