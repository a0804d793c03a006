// Package ports defines the interfaces between the agent core and its
// external collaborators: the request store, retrieval sources, the
// document classifier and the metrics collector. Adapters under
// pkg/adapters provide the concrete implementations.
package ports

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a request id is unknown.
var ErrNotFound = errors.New("request not found")

// Request is a public-records request tracked by the system.
type Request struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Requester   string    `json:"requester"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	DueAt       time.Time `json:"due_at"`
	SearchTerms []string  `json:"search_terms"`
	Custodians  []string  `json:"custodians"`
}

// RequestStore is the persistence boundary for requests. Storage of
// business records lives outside this core; agents only poll and update
// through this interface.
type RequestStore interface {
	// PendingRequests returns up to limit requests that have not yet been
	// dispatched into the automation workflow.
	PendingRequests(ctx context.Context, limit int) ([]*Request, error)

	// MarkDispatched records that workflow processing has begun for a request.
	MarkDispatched(ctx context.Context, id string) error

	// OpenRequests returns every request that is not completed or cancelled.
	OpenRequests(ctx context.Context) ([]*Request, error)

	// SaveClassifications persists classification results for a request.
	SaveClassifications(ctx context.Context, requestID string, results []Classification) error
}

// DocumentRef identifies a document discovered in an external repository.
type DocumentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// DocumentSource searches and fetches documents from an external
// repository (SharePoint, OneDrive, a file share).
type DocumentSource interface {
	Search(ctx context.Context, terms []string) ([]DocumentRef, error)
	// Fetch downloads a document and returns its local storage path.
	Fetch(ctx context.Context, ref DocumentRef) (string, error)
}

// MailMessage is a message found in a custodian mailbox.
type MailMessage struct {
	ID             string    `json:"id"`
	Mailbox        string    `json:"mailbox"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	SentAt         time.Time `json:"sent_at"`
	HasAttachments bool      `json:"has_attachments"`
}

// MailSource searches custodian mailboxes for responsive messages.
type MailSource interface {
	Search(ctx context.Context, mailbox string, terms []string, since time.Time) ([]MailMessage, error)
}

// ClassifyItem is one unit of text submitted for classification.
type ClassifyItem struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "document" or "email"
	Text string `json:"text"`
}

// Classification is the outcome for a single item.
type Classification struct {
	ItemID     string  `json:"item_id"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Classifier assigns responsiveness/exemption categories to items.
type Classifier interface {
	Classify(ctx context.Context, requestID string, items []ClassifyItem) ([]Classification, error)
}

// MetricsCollector receives observability signals from the core. The core
// never makes correctness decisions from metrics.
type MetricsCollector interface {
	EventPublished(kind string)
	EventDelivered(kind string)
	HandlerFailure(subscriber string)
	SetQueueDepth(depth int)

	RecordRun(agent, status string, duration time.Duration)
	SetAgentUp(agent string, up bool)
	RecordHeartbeat(agent string)
	RecordRestart(agent string)
}

// NopMetrics is a MetricsCollector that discards everything.
type NopMetrics struct{}

func (NopMetrics) EventPublished(string)                       {}
func (NopMetrics) EventDelivered(string)                       {}
func (NopMetrics) HandlerFailure(string)                       {}
func (NopMetrics) SetQueueDepth(int)                           {}
func (NopMetrics) RecordRun(string, string, time.Duration)     {}
func (NopMetrics) SetAgentUp(string, bool)                     {}
func (NopMetrics) RecordHeartbeat(string)                      {}
func (NopMetrics) RecordRestart(string)                        {}
