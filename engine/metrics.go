package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messageProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "warden_message_duration_sec",
	Help: "Total duration of message pipeline processing",
})

var messagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_messages_processed",
	Help: "Number of messages processed",
})

var messagesAbusive = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_messages_abusive",
	Help: "Number of messages flagged as abusive",
})

var messageDetectionErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_message_detection_errors",
	Help: "Number of spam detection failures (degraded open)",
})

var actionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_actions_applied",
	Help: "Number of moderation actions applied by the pipeline",
}, []string{"kind"})

var newAccountFlagCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_new_account_flags",
	Help: "Number of new account risk flags persisted",
}, []string{"val"})

var evaluationVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_evaluation_verdicts",
	Help: "Number of permission evaluations, by action and verdict",
}, []string{"action", "verdict"})

var operationsRequested = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_operations_requested",
	Help: "Number of pending operations queued for review",
}, []string{"type"})

var operationsReviewed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_operations_reviewed",
	Help: "Number of operation reviews recorded, by decision",
}, []string{"decision"})
