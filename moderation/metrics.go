package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var warnsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_warns_issued",
	Help: "Number of warn infractions created",
}, []string{"source"})

var actionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_actions_applied",
	Help: "Number of stateful moderation actions applied",
}, []string{"action"})
