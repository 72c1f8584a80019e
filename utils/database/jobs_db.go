package database

import (
	"context"
	"database/sql"
	"discord-automod/model"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
)

// InsertJob stores a scheduled job and fills in its id.
func InsertJob(ctx context.Context, db sqlx.ExtContext, job *model.ScheduledJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.RunAt = job.RunAt.UTC()
	if len(job.Data) == 0 {
		job.Data = []byte("{}")
	}

	query := `INSERT INTO scheduled_jobs
              (type, guild_id, user_id, channel_id, infraction_id, run_at, priority, data, attempts, max_attempts, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
              RETURNING id`
	row := db.QueryRowxContext(ctx, db.Rebind(query),
		job.Type, job.GuildID, job.UserID, job.ChannelID, job.InfractionID, job.RunAt,
		job.Priority, string(job.Data), job.MaxAttempts, job.CreatedAt)
	if err := row.Scan(&job.ID); err != nil {
		return fmt.Errorf("failed to insert %s job: %w", job.Type, err)
	}
	return nil
}

// ClaimDueJobs locks up to limit due jobs for workerID in one statement and
// returns them ordered by priority, then run time. A job is due when its run
// time has passed, it has attempts left, it has not failed for good and it is
// either unlocked or its lock is older than staleBefore. Each claim counts as
// an attempt. On Postgres concurrent claimers skip rows another claimer holds.
func ClaimDueJobs(ctx context.Context, db sqlx.ExtContext, workerID string, now, staleBefore time.Time, limit int) ([]model.ScheduledJob, error) {
	lockClause := ""
	if IsPostgres(db) {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}
	query := `UPDATE scheduled_jobs
              SET locked_at = ?, locked_by = ?, attempts = attempts + 1
              WHERE id IN (
                SELECT id FROM scheduled_jobs
                WHERE run_at <= ?
                  AND failed_at IS NULL
                  AND attempts < max_attempts
                  AND (locked_at IS NULL OR locked_at < ?)
                ORDER BY priority DESC, run_at ASC
                LIMIT ?` + lockClause + `
              )
              RETURNING *`

	var jobs []model.ScheduledJob
	err := sqlx.SelectContext(ctx, db, &jobs, db.Rebind(query),
		now.UTC(), workerID, now.UTC(), staleBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		if !jobs[i].RunAt.Equal(jobs[j].RunAt) {
			return jobs[i].RunAt.Before(jobs[j].RunAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// DeleteJob removes a finished job.
func DeleteJob(ctx context.Context, db sqlx.ExtContext, id int64) error {
	if _, err := db.ExecContext(ctx, db.Rebind("DELETE FROM scheduled_jobs WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	return nil
}

// RetryJob releases a job's lock and reschedules it after a failed attempt.
func RetryJob(ctx context.Context, db sqlx.ExtContext, id int64, runAt time.Time, lastError string) error {
	query := `UPDATE scheduled_jobs
              SET locked_at = NULL, locked_by = NULL, last_error = ?, run_at = ?
              WHERE id = ?`
	if _, err := db.ExecContext(ctx, db.Rebind(query), lastError, runAt.UTC(), id); err != nil {
		return fmt.Errorf("failed to reschedule job %d: %w", id, err)
	}
	return nil
}

// FailJob marks a job as permanently failed. The row is kept for inspection
// until the failed-job sweep removes it.
func FailJob(ctx context.Context, db sqlx.ExtContext, id int64, at time.Time, lastError string) error {
	query := `UPDATE scheduled_jobs
              SET locked_at = NULL, locked_by = NULL, last_error = ?, failed_at = ?
              WHERE id = ?`
	if _, err := db.ExecContext(ctx, db.Rebind(query), lastError, at.UTC(), id); err != nil {
		return fmt.Errorf("failed to mark job %d as failed: %w", id, err)
	}
	return nil
}

// DeleteFailedJobsBefore removes permanently failed jobs that failed before cutoff.
func DeleteFailedJobsBefore(ctx context.Context, db sqlx.ExtContext, cutoff time.Time) (int64, error) {
	query := "DELETE FROM scheduled_jobs WHERE failed_at IS NOT NULL AND failed_at < ?"
	res, err := db.ExecContext(ctx, db.Rebind(query), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// HasPendingJob reports whether a job of the given type is waiting to run or running.
func HasPendingJob(ctx context.Context, db sqlx.ExtContext, jobType model.JobType) (bool, error) {
	var id int64
	query := "SELECT id FROM scheduled_jobs WHERE type = ? AND failed_at IS NULL LIMIT 1"
	err := sqlx.GetContext(ctx, db, &id, db.Rebind(query), jobType)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up pending %s job: %w", jobType, err)
	}
	return true, nil
}

// GetJob retrieves a single job by id.
func GetJob(ctx context.Context, db sqlx.ExtContext, id int64) (*model.ScheduledJob, error) {
	var job model.ScheduledJob
	if err := sqlx.GetContext(ctx, db, &job, db.Rebind("SELECT * FROM scheduled_jobs WHERE id = ?"), id); err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return &job, nil
}

// GetJobsByType lists the jobs of a type, oldest first.
func GetJobsByType(ctx context.Context, db sqlx.ExtContext, jobType model.JobType) ([]model.ScheduledJob, error) {
	var jobs []model.ScheduledJob
	query := "SELECT * FROM scheduled_jobs WHERE type = ? ORDER BY id ASC"
	if err := sqlx.SelectContext(ctx, db, &jobs, db.Rebind(query), jobType); err != nil {
		return nil, fmt.Errorf("failed to get %s jobs: %w", jobType, err)
	}
	return jobs, nil
}
