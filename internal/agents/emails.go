package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openrecords/requestflow/internal/agent"
	"github.com/openrecords/requestflow/internal/events"
	"github.com/openrecords/requestflow/pkg/ports"
)

// EmailRetrievalName is the agent's unique name within the supervisor.
const EmailRetrievalName = "email-retrieval"

// EmailRetrievalConfig holds construction parameters for the email
// retrieval agent.
type EmailRetrievalConfig struct {
	Bus               *events.Bus
	Source            ports.MailSource
	Logger            *zap.Logger
	Metrics           ports.MetricsCollector
	RunInterval       time.Duration
	HeartbeatInterval time.Duration
	Retry             agent.RetryPolicy
}

type mailJob struct {
	requestID  string
	custodians []string
	terms      []string
	since      time.Time
}

// EmailRetrieval searches custodian mailboxes for messages responsive to a
// request. One job covers every custodian named by the request; messages
// are deduplicated by id across mailboxes before publishing.
type EmailRetrieval struct {
	ag     *agent.Agent
	source ports.MailSource
	logger *zap.Logger

	mu      sync.Mutex
	pending []mailJob
}

// NewEmailRetrieval wires an email retrieval agent onto the bus.
func NewEmailRetrieval(cfg EmailRetrievalConfig) *EmailRetrieval {
	e := &EmailRetrieval{
		source: cfg.Source,
		logger: cfg.Logger.With(zap.String("agent", EmailRetrievalName)),
	}
	e.ag = agent.New(agent.Config{
		Name:              EmailRetrievalName,
		Bus:               cfg.Bus,
		Runner:            e,
		Retry:             cfg.Retry,
		RunInterval:       cfg.RunInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
	})
	e.ag.On(events.EmailRetrievalStarted, e.handleRetrievalStarted)
	e.ag.On(events.RequestCancelled, e.handleRequestCancelled)
	return e
}

// Agent exposes the underlying lifecycle agent for the supervisor.
func (e *EmailRetrieval) Agent() *agent.Agent { return e.ag }

// Run drains the pending job queue. Per-job failures publish a failure
// event under the request's correlation id without aborting the run.
func (e *EmailRetrieval) Run(ctx context.Context) error {
	for {
		job, ok := e.nextJob()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			e.requeue(job)
			return err
		}
		if err := e.retrieve(ctx, job); err != nil {
			e.logger.Error("email retrieval failed",
				zap.String("request_id", job.requestID),
				zap.Error(err))
			e.ag.EmitCorrelated(events.EmailRetrievalFailed, job.requestID, map[string]any{
				"request_id": job.requestID,
				"error":      err.Error(),
			})
		}
	}
}

func (e *EmailRetrieval) retrieve(ctx context.Context, job mailJob) error {
	e.logger.Info("searching mailboxes",
		zap.String("request_id", job.requestID),
		zap.Int("custodians", len(job.custodians)))

	seen := make(map[string]bool)
	var messages []map[string]any
	for i, mailbox := range job.custodians {
		if err := ctx.Err(); err != nil {
			return err
		}
		found, err := e.source.Search(ctx, mailbox, job.terms, job.since)
		if err != nil {
			return fmt.Errorf("search mailbox %s: %w", mailbox, err)
		}
		for _, msg := range found {
			if seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true
			messages = append(messages, map[string]any{
				"id":              msg.ID,
				"mailbox":         msg.Mailbox,
				"subject":         msg.Subject,
				"from":            msg.From,
				"sent_at":         msg.SentAt.Format(time.RFC3339),
				"has_attachments": msg.HasAttachments,
			})
			e.ag.AddItemsProcessed(1)
		}

		e.ag.EmitCorrelated(events.EmailRetrievalProgress, job.requestID, map[string]any{
			"request_id":         job.requestID,
			"mailboxes_searched": i + 1,
			"mailboxes_total":    len(job.custodians),
			"messages_found":     len(messages),
		})
	}

	e.ag.EmitCorrelated(events.EmailsRetrieved, job.requestID, map[string]any{
		"request_id": job.requestID,
		"count":      len(messages),
		"emails":     messages,
	})
	e.logger.Info("emails retrieved",
		zap.String("request_id", job.requestID),
		zap.Int("count", len(messages)))
	return nil
}

func (e *EmailRetrieval) handleRetrievalStarted(ctx context.Context, ev *events.Event) error {
	id := payloadString(ev.Payload, "request_id")
	if id == "" {
		return fmt.Errorf("retrieval event without request_id")
	}
	e.mu.Lock()
	e.pending = append(e.pending, mailJob{
		requestID:  id,
		custodians: payloadStrings(ev.Payload, "custodians"),
		terms:      payloadStrings(ev.Payload, "search_terms"),
		since:      payloadTime(ev.Payload, "since"),
	})
	e.mu.Unlock()
	return nil
}

func (e *EmailRetrieval) handleRequestCancelled(ctx context.Context, ev *events.Event) error {
	id := payloadString(ev.Payload, "request_id")
	if id == "" {
		return nil
	}
	e.mu.Lock()
	kept := e.pending[:0]
	for _, job := range e.pending {
		if job.requestID != id {
			kept = append(kept, job)
		}
	}
	e.pending = kept
	e.mu.Unlock()
	return nil
}

func (e *EmailRetrieval) nextJob() (mailJob, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return mailJob{}, false
	}
	job := e.pending[0]
	e.pending = e.pending[1:]
	return job, true
}

func (e *EmailRetrieval) requeue(job mailJob) {
	e.mu.Lock()
	e.pending = append([]mailJob{job}, e.pending...)
	e.mu.Unlock()
}
