package natsbus

import (
	"fmt"
	"strings"
)

// Topic patterns for NATS pub/sub communication.

// TopicIPC carries operator requests to the orchestrator.
const TopicIPC = "ipc.orchestrator"

// tokenSafe keeps ids from splitting or wildcarding a subject.
var tokenSafe = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func TopicEventsWorkflow(workflowID string) string {
	return fmt.Sprintf("events.workflow.%s", tokenSafe.Replace(workflowID))
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", tokenSafe.Replace(agentID))
}

const (
	TopicEventsAll         = "events.>"
	TopicEventsWorkflows   = "events.workflow.*"
	TopicEventsMessage     = "events.message"
	TopicEventsMaintenance = "events.maintenance"
)
