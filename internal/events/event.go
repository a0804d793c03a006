package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies a class of event. The set of kinds is closed: external
// code and this core must agree on it, and adding a kind is additive.
type Kind string

const (
	// Request lifecycle events
	RequestCreated   Kind = "request_created"
	RequestUpdated   Kind = "request_updated"
	RequestCompleted Kind = "request_completed"
	RequestCancelled Kind = "request_cancelled"

	// Document retrieval events
	DocumentRetrievalStarted  Kind = "document_retrieval_started"
	DocumentRetrievalProgress Kind = "document_retrieval_progress"
	DocumentsRetrieved        Kind = "documents_retrieved"
	DocumentRetrievalFailed   Kind = "document_retrieval_failed"

	// Email retrieval events
	EmailRetrievalStarted  Kind = "email_retrieval_started"
	EmailRetrievalProgress Kind = "email_retrieval_progress"
	EmailsRetrieved        Kind = "emails_retrieved"
	EmailRetrievalFailed   Kind = "email_retrieval_failed"

	// Classification events
	ClassificationStarted  Kind = "classification_started"
	ClassificationProgress Kind = "classification_progress"
	ClassificationComplete Kind = "classification_complete"
	ClassificationFailed   Kind = "classification_failed"

	// Deadline events
	DeadlineApproaching Kind = "deadline_approaching"
	DeadlineCritical    Kind = "deadline_critical"
	DeadlineOverdue     Kind = "deadline_overdue"

	// Workflow events
	WorkflowTaskStarted   Kind = "workflow_task_started"
	WorkflowTaskCompleted Kind = "workflow_task_completed"
	WorkflowTaskFailed    Kind = "workflow_task_failed"
	WorkflowCompleted     Kind = "workflow_completed"

	// Agent lifecycle events
	AgentStarted   Kind = "agent_started"
	AgentStopped   Kind = "agent_stopped"
	AgentError     Kind = "agent_error"
	AgentHeartbeat Kind = "agent_heartbeat"

	// System events
	SystemError    Kind = "error"
	SystemWarning  Kind = "warning"
	Notification   Kind = "notification"
	SystemShutdown Kind = "system_shutdown"
)

// Event is an immutable fact published to the bus. Once published it must
// not be mutated; payload maps are shared with every subscriber.
type Event struct {
	ID            string         `json:"event_id"`
	Kind          Kind           `json:"event_type"`
	Source        string         `json:"source"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"data"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(kind Kind, source string, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
