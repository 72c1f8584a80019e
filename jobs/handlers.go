package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discord-automod/audit"
	"discord-automod/model"
	"discord-automod/utils/database"

	"go.uber.org/zap"
)

// reapplyLead starts the next timeout segment before the current one ends.
const reapplyLead = time.Minute

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

// deactivate marks the job's infraction inactive once its reversal ran.
func (s *Scheduler) deactivate(ctx context.Context, job *model.ScheduledJob) error {
	if job.InfractionID == nil {
		return nil
	}
	return database.DeactivateInfraction(ctx, s.db, *job.InfractionID)
}

func (s *Scheduler) runUnban(ctx context.Context, job *model.ScheduledJob) error {
	var p model.UnbanPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	err := s.platform.UnbanMember(ctx, job.GuildID, job.UserID, reasonOr(p.Reason, "Temporary ban expired"))
	if err != nil && !errors.Is(err, model.ErrTargetGone) {
		return fmt.Errorf("unban %s: %w", job.UserID, err)
	}
	if dErr := s.deactivate(ctx, job); dErr != nil {
		return dErr
	}
	return err
}

func (s *Scheduler) runUntimeout(ctx context.Context, job *model.ScheduledJob) error {
	var p model.UntimeoutPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	err := s.platform.TimeoutMember(ctx, job.GuildID, job.UserID, nil, reasonOr(p.Reason, "Timeout expired"))
	if err != nil && !errors.Is(err, model.ErrTargetGone) {
		return fmt.Errorf("clear timeout of %s: %w", job.UserID, err)
	}
	if dErr := s.deactivate(ctx, job); dErr != nil {
		return dErr
	}
	return err
}

func (s *Scheduler) runUnmute(ctx context.Context, job *model.ScheduledJob) error {
	var p model.UnmutePayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	roleID := p.RoleID
	if roleID == "" {
		cfg, err := database.GetGuildConfig(ctx, s.db, job.GuildID)
		if err != nil {
			return err
		}
		roleID = cfg.MuteRoleID
	}
	if roleID == "" {
		return fmt.Errorf("unmute %s in guild %s: %w", job.UserID, job.GuildID, model.ErrMissingMuteRole)
	}

	err := s.platform.RemoveMemberRole(ctx, job.GuildID, job.UserID, roleID, reasonOr(p.Reason, "Mute expired"))
	if err != nil && !errors.Is(err, model.ErrTargetGone) {
		return fmt.Errorf("remove mute role %s from %s: %w", roleID, job.UserID, err)
	}
	if dErr := s.deactivate(ctx, job); dErr != nil {
		return dErr
	}
	return err
}

// runReapplyTimeout applies the next segment of a timeout longer than the
// platform cap and schedules itself again while time remains.
func (s *Scheduler) runReapplyTimeout(ctx context.Context, job *model.ScheduledJob) error {
	var p model.ReapplyTimeoutPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	now := s.now()
	remaining := p.EndsAt.Sub(now)
	if remaining <= 0 {
		return s.deactivate(ctx, job)
	}

	segment := remaining
	if segment > model.MaxTimeout {
		segment = model.MaxTimeout
	}
	until := now.Add(segment)
	if err := s.platform.TimeoutMember(ctx, job.GuildID, job.UserID, &until, reasonOr(p.Reason, "Timeout continued")); err != nil {
		return fmt.Errorf("reapply timeout of %s: %w", job.UserID, err)
	}

	if remaining > model.MaxTimeout {
		next := EnqueueRequest{
			Type:         model.JobReapplyTimeout,
			GuildID:      job.GuildID,
			UserID:       job.UserID,
			InfractionID: job.InfractionID,
			RunAt:        until.Add(-reapplyLead),
			Priority:     job.Priority,
			Data:         p,
		}
		if _, err := s.Enqueue(ctx, next); err != nil {
			return fmt.Errorf("schedule next timeout segment: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) runSlowmodeEnd(ctx context.Context, job *model.ScheduledJob) error {
	var p model.SlowmodeEndPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	if err := s.platform.SetSlowmode(ctx, job.ChannelID, p.PreviousSeconds); err != nil {
		return fmt.Errorf("restore slowmode of channel %s: %w", job.ChannelID, err)
	}
	return nil
}

// runLockdownEnd restores the overwrites a lockdown changed. The parent
// category can still deny sending; that is reported, not changed.
func (s *Scheduler) runLockdownEnd(ctx context.Context, job *model.ScheduledJob) error {
	var p model.LockdownEndPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}

	for _, snap := range p.Overwrites {
		var err error
		if snap.Existed {
			err = s.platform.SetPermissionOverwrite(ctx, job.ChannelID, model.PermissionOverwrite{
				TargetID: snap.TargetID,
				Type:     snap.Type,
				Allow:    snap.Allow,
				Deny:     snap.Deny,
			})
		} else {
			err = s.platform.DeletePermissionOverwrite(ctx, job.ChannelID, snap.TargetID)
		}
		switch {
		case err == nil:
		case errors.Is(err, model.ErrTargetGone):
			if isChannelGone(ctx, s.platform, job.ChannelID) {
				return err
			}
			s.log.Info("overwrite target is gone", zap.Int64("job_id", job.ID), zap.String("target_id", snap.TargetID))
		default:
			return fmt.Errorf("restore overwrite %s on channel %s: %w", snap.TargetID, job.ChannelID, err)
		}
	}

	s.checkCategoryLock(ctx, job)
	return nil
}

func isChannelGone(ctx context.Context, p model.Platform, channelID string) bool {
	_, err := p.Channel(ctx, channelID)
	return errors.Is(err, model.ErrTargetGone)
}

func (s *Scheduler) checkCategoryLock(ctx context.Context, job *model.ScheduledJob) {
	ch, err := s.platform.Channel(ctx, job.ChannelID)
	if err != nil || ch.ParentID == "" {
		return
	}
	parent, err := s.platform.Channel(ctx, ch.ParentID)
	if err != nil {
		return
	}
	guildID := job.GuildID
	if guildID == "" {
		guildID = ch.GuildID
	}
	for _, ow := range parent.Overwrites {
		if ow.TargetID != guildID || ow.Deny&model.PermissionSendMessages == 0 {
			continue
		}
		s.log.Warn("channel unlocked but its category still denies sending",
			zap.String("channel_id", job.ChannelID),
			zap.String("category_id", parent.ID))
		entry := model.AuditEntry{
			GuildID:  guildID,
			ActorID:  s.botID(),
			Action:   audit.ActionLockdownCategoryOn,
			TargetID: job.ChannelID,
			Details:  model.Evidence{"category_id": parent.ID, "job_id": job.ID},
		}
		if err := s.audit.Record(ctx, entry); err != nil {
			s.log.Warn("failed to audit category lock", zap.Error(err))
		}
		return
	}
}

func (s *Scheduler) runCleanupExpired(ctx context.Context, job *model.ScheduledJob) error {
	var p model.CleanupPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	now := s.now()
	n, err := database.DeactivateExpiredInfractions(ctx, s.db, now)
	if err != nil {
		return err
	}

	days := p.OlderThanDays
	if days <= 0 {
		days = s.cfg.FailedRetentionDays
	}
	var swept int64
	if days > 0 {
		swept, err = database.DeleteFailedJobsBefore(ctx, s.db, now.AddDate(0, 0, -days))
		if err != nil {
			return err
		}
	}
	s.log.Info("expired cleanup finished", zap.Int64("infractions_deactivated", n), zap.Int64("failed_jobs_swept", swept))
	return nil
}

func (s *Scheduler) runCleanupComponents(ctx context.Context, job *model.ScheduledJob) error {
	var p model.CleanupPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	days := p.OlderThanDays
	if days <= 0 {
		days = s.cfg.ViolationRetentionDays
	}
	if days <= 0 {
		return nil
	}
	n, err := database.DeleteViolationRecordsBefore(ctx, s.db, s.now().AddDate(0, 0, -days))
	if err != nil {
		return err
	}
	s.log.Info("violation records pruned", zap.Int64("deleted", n), zap.Int("older_than_days", days))
	return nil
}
