// Package metrics exposes Prometheus instrumentation for agents, the bus and
// workflows.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	agentMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_agent_messages_total",
			Help: "Messages processed per agent",
		},
		[]string{"agent", "status"}, // status: success, error
	)

	agentDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docpipe_agent_duration_seconds",
			Help:    "Handler duration per message in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"agent"},
	)

	mailboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docpipe_mailbox_depth",
			Help: "Envelopes waiting in each agent mailbox",
		},
		[]string{"agent"},
	)

	sendFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_bus_send_failures_total",
			Help: "Envelopes the bus refused to deliver",
		},
		[]string{"reason"}, // reason: unknown_agent, mailbox_full
	)

	workflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpipe_workflows_total",
			Help: "Workflows by outcome",
		},
		[]string{"status"}, // status: started, completed, failed
	)

	workflowDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docpipe_workflow_duration_seconds",
			Help:    "Time from workflow start to completion",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
)

// RecordMessage records one processed envelope for an agent.
func RecordMessage(agent string, failed bool, d time.Duration) {
	status := "success"
	if failed {
		status = "error"
	}
	agentMessagesTotal.WithLabelValues(agent, status).Inc()
	agentDurationSeconds.WithLabelValues(agent).Observe(d.Seconds())
}

func SetMailboxDepth(agent string, depth int) {
	mailboxDepth.WithLabelValues(agent).Set(float64(depth))
}

func RecordSendFailure(reason string) {
	sendFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordWorkflowStarted() {
	workflowsTotal.WithLabelValues("started").Inc()
}

// RecordWorkflowFinished records a terminal workflow. Duration is observed
// for completed workflows only.
func RecordWorkflowFinished(status string, d time.Duration) {
	workflowsTotal.WithLabelValues(status).Inc()
	if status == "completed" {
		workflowDurationSeconds.Observe(d.Seconds())
	}
}
