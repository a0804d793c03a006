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

// DocumentRetrievalName is the agent's unique name within the supervisor.
const DocumentRetrievalName = "document-retrieval"

// DocumentRetrievalConfig holds construction parameters for the document
// retrieval agent.
type DocumentRetrievalConfig struct {
	Bus               *events.Bus
	Source            ports.DocumentSource
	Logger            *zap.Logger
	Metrics           ports.MetricsCollector
	RunInterval       time.Duration
	HeartbeatInterval time.Duration
	Retry             agent.RetryPolicy
}

type retrievalJob struct {
	requestID string
	terms     []string
}

// DocumentRetrieval searches external document repositories for material
// responsive to a request. Jobs arrive as retrieval-started events; each
// run drains the queue, fetches everything the source finds and publishes
// progress and completion events under the request's correlation id.
type DocumentRetrieval struct {
	ag     *agent.Agent
	source ports.DocumentSource
	logger *zap.Logger

	mu      sync.Mutex
	pending []retrievalJob
}

// NewDocumentRetrieval wires a document retrieval agent onto the bus.
func NewDocumentRetrieval(cfg DocumentRetrievalConfig) *DocumentRetrieval {
	d := &DocumentRetrieval{
		source: cfg.Source,
		logger: cfg.Logger.With(zap.String("agent", DocumentRetrievalName)),
	}
	d.ag = agent.New(agent.Config{
		Name:              DocumentRetrievalName,
		Bus:               cfg.Bus,
		Runner:            d,
		Retry:             cfg.Retry,
		RunInterval:       cfg.RunInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
	})
	d.ag.On(events.DocumentRetrievalStarted, d.handleRetrievalStarted)
	d.ag.On(events.RequestCancelled, d.handleRequestCancelled)
	return d
}

// Agent exposes the underlying lifecycle agent for the supervisor.
func (d *DocumentRetrieval) Agent() *agent.Agent { return d.ag }

// Run drains the pending job queue, one request at a time. A failing job
// is reported through a failure event and does not abort the run; only a
// broken source surfaces as a run error.
func (d *DocumentRetrieval) Run(ctx context.Context) error {
	for {
		job, ok := d.nextJob()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			d.requeue(job)
			return err
		}
		if err := d.retrieve(ctx, job); err != nil {
			d.logger.Error("document retrieval failed",
				zap.String("request_id", job.requestID),
				zap.Error(err))
			d.ag.EmitCorrelated(events.DocumentRetrievalFailed, job.requestID, map[string]any{
				"request_id": job.requestID,
				"error":      err.Error(),
			})
		}
	}
}

func (d *DocumentRetrieval) retrieve(ctx context.Context, job retrievalJob) error {
	d.logger.Info("searching document repositories",
		zap.String("request_id", job.requestID),
		zap.Strings("terms", job.terms))

	refs, err := d.source.Search(ctx, job.terms)
	if err != nil {
		return fmt.Errorf("search documents: %w", err)
	}

	docs := make([]map[string]any, 0, len(refs))
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := d.source.Fetch(ctx, ref)
		if err != nil {
			return fmt.Errorf("fetch document %s: %w", ref.ID, err)
		}
		docs = append(docs, map[string]any{
			"id":    ref.ID,
			"name":  ref.Name,
			"path":  path,
			"size":  ref.Size,
			"local": path,
		})
		d.ag.AddItemsProcessed(1)

		d.ag.EmitCorrelated(events.DocumentRetrievalProgress, job.requestID, map[string]any{
			"request_id": job.requestID,
			"retrieved":  i + 1,
			"total":      len(refs),
		})
	}

	d.ag.EmitCorrelated(events.DocumentsRetrieved, job.requestID, map[string]any{
		"request_id": job.requestID,
		"count":      len(docs),
		"documents":  docs,
	})
	d.logger.Info("documents retrieved",
		zap.String("request_id", job.requestID),
		zap.Int("count", len(docs)))
	return nil
}

func (d *DocumentRetrieval) handleRetrievalStarted(ctx context.Context, ev *events.Event) error {
	id := payloadString(ev.Payload, "request_id")
	if id == "" {
		return fmt.Errorf("retrieval event without request_id")
	}
	d.mu.Lock()
	d.pending = append(d.pending, retrievalJob{
		requestID: id,
		terms:     payloadStrings(ev.Payload, "search_terms"),
	})
	depth := len(d.pending)
	d.mu.Unlock()

	d.logger.Debug("retrieval job queued",
		zap.String("request_id", id),
		zap.Int("queue_depth", depth))
	return nil
}

// handleRequestCancelled drops queued work for a cancelled request.
func (d *DocumentRetrieval) handleRequestCancelled(ctx context.Context, ev *events.Event) error {
	id := payloadString(ev.Payload, "request_id")
	if id == "" {
		return nil
	}
	d.mu.Lock()
	kept := d.pending[:0]
	for _, job := range d.pending {
		if job.requestID != id {
			kept = append(kept, job)
		}
	}
	d.pending = kept
	d.mu.Unlock()
	return nil
}

func (d *DocumentRetrieval) nextJob() (retrievalJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return retrievalJob{}, false
	}
	job := d.pending[0]
	d.pending = d.pending[1:]
	return job, true
}

func (d *DocumentRetrieval) requeue(job retrievalJob) {
	d.mu.Lock()
	d.pending = append([]retrievalJob{job}, d.pending...)
	d.mu.Unlock()
}
