package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_jobs_enqueued",
	Help: "Number of scheduled jobs enqueued",
}, []string{"type"})

var jobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_jobs_claimed",
	Help: "Number of scheduled jobs claimed by this worker",
})

var jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_job_runs",
	Help: "Number of job executions, by outcome",
}, []string{"type", "outcome"})

var jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "automod_job_duration_sec",
	Help: "Duration of job executions",
}, []string{"type"})

var claimErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_job_claim_errors",
	Help: "Number of failed claim attempts",
})
