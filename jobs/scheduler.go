// Package jobs runs durable scheduled work: reversals of temporary
// moderation actions and periodic cleanup. Jobs live in scheduled_jobs and
// are claimed row by row, so any number of workers can share the table.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"discord-automod/audit"
	"discord-automod/model"
	"discord-automod/utils/database"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"
)

const (
	DefaultPriority = 50

	// Cleanup jobs yield to reversals.
	cleanupPriority = 10

	minDelay    = time.Second
	baseBackoff = 10 * time.Second
	maxBackoff  = 10 * time.Minute
	jobTimeout  = 30 * time.Second
)

// Handler executes one job. Returning an error wrapping model.ErrTargetGone
// marks the job done.
type Handler func(ctx context.Context, job *model.ScheduledJob) error

// EnqueueRequest describes a job to schedule. Data is marshalled to JSON and
// should be the payload struct of the job type.
type EnqueueRequest struct {
	Type         model.JobType
	GuildID      string
	UserID       string
	ChannelID    string
	InfractionID *int64
	RunAt        time.Time
	Priority     int
	Data         interface{}
}

// Scheduler enqueues, claims and executes jobs.
type Scheduler struct {
	db       *sqlx.DB
	platform model.Platform
	audit    *audit.Recorder
	cfg      model.JobsConfig
	log      *zap.Logger
	workerID string
	now      func() time.Time

	pool     *ants.Pool
	cron     *cron.Cron
	handlers map[model.JobType]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler with the built-in handlers registered.
func New(db *sqlx.DB, platform model.Platform, recorder *audit.Recorder, cfg model.JobsConfig, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	log = log.Named("jobs")

	pool, err := ants.NewPool(cfg.Concurrency,
		ants.WithPanicHandler(func(p interface{}) {
			log.Error("job worker panic recovered", zap.Any("panic", p), zap.Stack("stack"))
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create job pool: %w", err)
	}

	s := &Scheduler{
		db:       db,
		platform: platform,
		audit:    recorder,
		cfg:      cfg,
		log:      log,
		workerID: newWorkerID(),
		now:      time.Now,
		pool:     pool,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
	s.handlers = map[model.JobType]Handler{
		model.JobUnban:             s.runUnban,
		model.JobUntimeout:         s.runUntimeout,
		model.JobUnmute:            s.runUnmute,
		model.JobReapplyTimeout:    s.runReapplyTimeout,
		model.JobSlowmodeEnd:       s.runSlowmodeEnd,
		model.JobLockdownEnd:       s.runLockdownEnd,
		model.JobCleanupExpired:    s.runCleanupExpired,
		model.JobCleanupComponents: s.runCleanupComponents,
	}
	return s, nil
}

// newWorkerID identifies this process in locked_by.
func newWorkerID() string {
	hostname := "unknown"
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		hostname = info.Hostname
	} else if h, err := os.Hostname(); err == nil {
		hostname = h
	}
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

// WorkerID is the value this scheduler writes to locked_by.
func (s *Scheduler) WorkerID() string {
	return s.workerID
}

// Register adds or replaces the handler of a job type.
func (s *Scheduler) Register(jobType model.JobType, h Handler) {
	s.handlers[jobType] = h
}

// Enqueue stores a job. A run time that is not strictly in the future is
// moved to one second from now so the job is picked up by a later scan.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (*model.ScheduledJob, error) {
	now := s.now()
	runAt := req.RunAt
	if !runAt.After(now) {
		runAt = now.Add(minDelay)
	}
	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}

	data := []byte("{}")
	if req.Data != nil {
		b, err := json.Marshal(req.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", req.Type, err)
		}
		data = b
	}

	job := &model.ScheduledJob{
		Type:         req.Type,
		GuildID:      req.GuildID,
		UserID:       req.UserID,
		ChannelID:    req.ChannelID,
		InfractionID: req.InfractionID,
		RunAt:        runAt,
		Priority:     priority,
		Data:         data,
		MaxAttempts:  s.cfg.MaxAttempts,
		CreatedAt:    now,
	}
	if err := database.InsertJob(ctx, s.db, job); err != nil {
		return nil, err
	}
	jobsEnqueued.WithLabelValues(string(job.Type)).Inc()
	s.log.Debug("job enqueued",
		zap.Int64("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("guild_id", job.GuildID),
		zap.Time("run_at", job.RunAt))
	return job, nil
}

// RunDueJobs claims up to limit due jobs and executes them on the worker
// pool. It returns how many jobs were claimed and run. A claim error aborts
// the batch; the next tick retries.
func (s *Scheduler) RunDueJobs(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	now := s.now()
	claimed, err := database.ClaimDueJobs(ctx, s.db, s.workerID, now, now.Add(-s.cfg.StaleAfter), limit)
	if err != nil {
		claimErrors.Inc()
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	jobsClaimed.Add(float64(len(claimed)))

	var wg sync.WaitGroup
	for i := range claimed {
		job := claimed[i]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			s.execute(ctx, &job)
		}
		if err := s.pool.Submit(task); err != nil {
			s.log.Warn("job pool rejected task, running inline", zap.Int64("job_id", job.ID), zap.Error(err))
			task()
		}
	}
	wg.Wait()
	return len(claimed), nil
}

func (s *Scheduler) execute(ctx context.Context, job *model.ScheduledJob) {
	log := s.log.With(
		zap.Int64("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("guild_id", job.GuildID),
		zap.Int("attempt", job.Attempts))
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		jobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	}()

	err := s.dispatch(ctx, job)
	if errors.Is(err, model.ErrTargetGone) {
		log.Info("job target is gone, treating as done", zap.Error(err))
		err = nil
	}
	if err == nil {
		s.complete(ctx, job, log)
		return
	}
	s.fail(ctx, job, err, log)
}

func (s *Scheduler) dispatch(ctx context.Context, job *model.ScheduledJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %d panicked: %v", job.ID, r)
		}
	}()
	h, ok := s.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
	return h(ctx, job)
}

func (s *Scheduler) complete(ctx context.Context, job *model.ScheduledJob, log *zap.Logger) {
	if err := database.DeleteJob(ctx, s.db, job.ID); err != nil {
		// the stale lock lets another worker rerun it; handlers are idempotent
		log.Error("failed to delete finished job", zap.Error(err))
		jobRuns.WithLabelValues(string(job.Type), "error").Inc()
		return
	}
	jobRuns.WithLabelValues(string(job.Type), "success").Inc()
	log.Info("job completed")

	entry := model.AuditEntry{
		GuildID:  job.GuildID,
		ActorID:  s.botID(),
		Action:   audit.ActionJobCompleted,
		TargetID: job.UserID,
		Details: model.Evidence{
			"job_id":   job.ID,
			"job_type": string(job.Type),
			"attempts": job.Attempts,
		},
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		log.Warn("failed to audit job completion", zap.Error(err))
	}
}

func (s *Scheduler) fail(ctx context.Context, job *model.ScheduledJob, cause error, log *zap.Logger) {
	msg := cause.Error()
	if job.Attempts >= job.MaxAttempts {
		jobRuns.WithLabelValues(string(job.Type), "failed").Inc()
		log.Error("job failed permanently", zap.Error(cause))
		if err := database.FailJob(ctx, s.db, job.ID, s.now(), msg); err != nil {
			log.Error("failed to mark job as failed", zap.Error(err))
			return
		}
		entry := model.AuditEntry{
			GuildID:  job.GuildID,
			ActorID:  s.botID(),
			Action:   audit.ActionJobFailed,
			TargetID: job.UserID,
			Details: model.Evidence{
				"job_id":   job.ID,
				"job_type": string(job.Type),
				"error":    msg,
			},
		}
		if err := s.audit.Record(ctx, entry); err != nil {
			log.Warn("failed to audit job failure", zap.Error(err))
		}
		return
	}

	jobRuns.WithLabelValues(string(job.Type), "retry").Inc()
	next := s.now().Add(backoff(job.Attempts))
	log.Warn("job failed, will retry", zap.Error(cause), zap.Time("next_run", next))
	if err := database.RetryJob(ctx, s.db, job.ID, next, msg); err != nil {
		log.Error("failed to reschedule job", zap.Error(err))
	}
}

// backoff doubles from 10s per attempt, capped at 10 minutes.
func backoff(attempts int) time.Duration {
	d := baseBackoff
	for i := 0; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (s *Scheduler) botID() string {
	if s.platform == nil {
		return ""
	}
	return s.platform.BotUserID()
}

// Start runs the claim loop every interval and schedules the periodic
// cleanup jobs. It returns immediately; Stop ends both.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if _, err := s.cron.AddFunc("@hourly", func() { s.ensureCleanup(ctx, model.JobCleanupExpired) }); err != nil {
		cancel()
		return fmt.Errorf("schedule expired cleanup: %w", err)
	}
	if _, err := s.cron.AddFunc("@daily", func() { s.ensureCleanup(ctx, model.JobCleanupComponents) }); err != nil {
		cancel()
		return fmt.Errorf("schedule component cleanup: %w", err)
	}
	s.ensureCleanup(ctx, model.JobCleanupExpired)
	s.ensureCleanup(ctx, model.JobCleanupComponents)
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunDueJobs(ctx, s.cfg.BatchSize); err != nil && ctx.Err() == nil {
					s.log.Error("failed to claim due jobs", zap.Error(err))
				}
			}
		}
	}()

	s.log.Info("job worker started",
		zap.String("worker_id", s.workerID),
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("concurrency", s.cfg.Concurrency))
	return nil
}

// Stop ends the claim loop and cron, waits for running jobs and releases the pool.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	if err := s.pool.ReleaseTimeout(30 * time.Second); err != nil {
		s.log.Warn("job pool did not drain in time", zap.Error(err))
	}
	s.log.Info("job worker stopped")
}

// ensureCleanup enqueues a cleanup job of the given type unless one is
// already waiting.
func (s *Scheduler) ensureCleanup(ctx context.Context, jobType model.JobType) {
	pending, err := database.HasPendingJob(ctx, s.db, jobType)
	if err != nil {
		s.log.Error("failed to check pending cleanup", zap.String("type", string(jobType)), zap.Error(err))
		return
	}
	if pending {
		return
	}
	req := EnqueueRequest{Type: jobType, Priority: cleanupPriority, Data: model.CleanupPayload{}}
	if _, err := s.Enqueue(ctx, req); err != nil {
		s.log.Error("failed to enqueue cleanup", zap.String("type", string(jobType)), zap.Error(err))
	}
}
