// Package audit writes audit_logs entries and mirrors them to the log webhook.
package audit

import (
	"context"
	"fmt"
	"time"

	"discord-automod/model"
	"discord-automod/utils"
	"discord-automod/utils/database"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Audit actions written by the core besides the infraction types.
const (
	ActionAutomodViolation   = "automod_violation"
	ActionJobCompleted       = "job_completed"
	ActionJobFailed          = "job_failed"
	ActionRevoke             = "revoke"
	ActionLockdownCategoryOn = "lockdown_category_denied"
)

const webhookTimeout = 10 * time.Second

// Recorder persists audit entries.
type Recorder struct {
	db      sqlx.ExtContext
	webhook *utils.WebhookLogger
	log     *zap.Logger
}

// NewRecorder returns a recorder. webhook may be nil.
func NewRecorder(db sqlx.ExtContext, webhook *utils.WebhookLogger, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{db: db, webhook: webhook, log: log.Named("audit")}
}

// Record stores the entry. The webhook mirror runs in the background and
// never fails the caller.
func (r *Recorder) Record(ctx context.Context, entry model.AuditEntry) error {
	if err := database.InsertAuditEntry(ctx, r.db, &entry); err != nil {
		return err
	}
	if r.webhook != nil {
		go r.mirror(entry)
	}
	return nil
}

func (r *Recorder) mirror(entry model.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	fields := map[string]string{
		"guild":  entry.GuildID,
		"actor":  entry.ActorID,
		"target": entry.TargetID,
	}
	for k, v := range entry.Details {
		fields[k] = fmt.Sprint(v)
	}
	if err := r.webhook.Send(ctx, levelOf(entry.Action), "audit", entry.Action, fields); err != nil {
		r.log.Warn("failed to mirror audit entry", zap.String("action", entry.Action), zap.Error(err))
	}
}

func levelOf(action string) utils.LogLevel {
	switch action {
	case ActionJobFailed:
		return utils.Error
	case ActionLockdownCategoryOn, string(model.InfractionBan), string(model.InfractionKick):
		return utils.Warn
	default:
		return utils.Info
	}
}
