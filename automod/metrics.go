package automod

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesEvaluated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_messages_evaluated",
	Help: "Number of messages run through the rule set",
})

var evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "automod_evaluation_duration_sec",
	Help: "Duration of a full automod pass over one message",
})

var ruleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_rule_errors",
	Help: "Number of rule evaluations that failed",
}, []string{"type"})

var violationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_violations",
	Help: "Number of rule matches",
}, []string{"type"})

var actionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_actions",
	Help: "Number of enforcement actions attempted, by outcome",
}, []string{"action", "outcome"})

var cooldownSkips = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_cooldown_skips",
	Help: "Number of violations skipped because the same violation was just handled",
})

var ruleCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_rule_cache_lookups",
	Help: "Rule set lookups, by the layer that answered",
}, []string{"layer"})

var purgedMessages = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_purged_messages",
	Help: "Number of messages removed by delete actions",
})
