package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// JobType identifies the handler of a scheduled job.
type JobType string

const (
	JobUnban             JobType = "unban"
	JobUntimeout         JobType = "untimeout"
	JobUnmute            JobType = "unmute"
	JobReapplyTimeout    JobType = "reapply_timeout"
	JobSlowmodeEnd       JobType = "slowmode_end"
	JobLockdownEnd       JobType = "lockdown_end"
	JobCleanupExpired    JobType = "cleanup_expired"
	JobCleanupComponents JobType = "cleanup_components"
)

// ScheduledJob is a durable, at-least-once unit of future work.
// The database table is named 'scheduled_jobs'.
type ScheduledJob struct {
	ID           int64          `db:"id"`
	Type         JobType        `db:"type"`
	GuildID      string         `db:"guild_id"`
	UserID       string         `db:"user_id"`
	ChannelID    string         `db:"channel_id"`
	InfractionID *int64         `db:"infraction_id"`
	RunAt        time.Time      `db:"run_at"`
	Priority     int            `db:"priority"`
	Data         types.JSONText `db:"data"`
	Attempts     int            `db:"attempts"`
	MaxAttempts  int            `db:"max_attempts"`
	LockedAt     *time.Time     `db:"locked_at"`
	LockedBy     *string        `db:"locked_by"`
	LastError    *string        `db:"last_error"`
	FailedAt     *time.Time     `db:"failed_at"`
	CreatedAt    time.Time      `db:"created_at"`
}

// DecodePayload unmarshals the job data into the payload struct of its type.
func (j *ScheduledJob) DecodePayload(v interface{}) error {
	if len(j.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode %s payload of job %d: %w", j.Type, j.ID, err)
	}
	return nil
}

// UnbanPayload is the data of an unban job.
type UnbanPayload struct {
	Reason string `json:"reason,omitempty"`
}

// UntimeoutPayload is the data of an untimeout job.
type UntimeoutPayload struct {
	Reason string `json:"reason,omitempty"`
}

// UnmutePayload is the data of an unmute job. An empty RoleID falls back to
// the guild's configured mute role.
type UnmutePayload struct {
	RoleID string `json:"role_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ReapplyTimeoutPayload carries the real end of a timeout longer than the
// platform's single-timeout cap.
type ReapplyTimeoutPayload struct {
	EndsAt time.Time `json:"ends_at"`
	Reason string    `json:"reason,omitempty"`
}

// SlowmodeEndPayload restores the rate limit a channel had before slowmode.
type SlowmodeEndPayload struct {
	PreviousSeconds int `json:"previous_seconds"`
}

// OverwriteSnapshot is a permission overwrite as it was before a lockdown.
// Existed=false means the lockdown created it and the reversal deletes it.
type OverwriteSnapshot struct {
	TargetID string `json:"target_id"`
	Type     int    `json:"type"` // 0 role, 1 member
	Allow    int64  `json:"allow"`
	Deny     int64  `json:"deny"`
	Existed  bool   `json:"existed"`
}

// LockdownEndPayload restores the overwrites changed by a lockdown.
type LockdownEndPayload struct {
	Overwrites []OverwriteSnapshot `json:"overwrites"`
}

// CleanupPayload is shared by the periodic cleanup jobs.
type CleanupPayload struct {
	OlderThanDays int `json:"older_than_days,omitempty"`
}
