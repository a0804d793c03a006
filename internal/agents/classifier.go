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

// ClassificationName is the agent's unique name within the supervisor.
const ClassificationName = "classification"

// ClassificationConfig holds construction parameters for the
// classification agent.
type ClassificationConfig struct {
	Bus               *events.Bus
	Classifier        ports.Classifier
	Store             ports.RequestStore
	Logger            *zap.Logger
	Metrics           ports.MetricsCollector
	RunInterval       time.Duration
	HeartbeatInterval time.Duration
	BatchSize         int
	RatePerMinute     int
	Retry             agent.RetryPolicy
}

type classifyJob struct {
	requestID string
	items     []ports.ClassifyItem
}

// Classification batches retrieved documents and emails through the
// classifier and persists the results. Calls to the classifier are spaced
// to stay under a per-minute rate limit.
type Classification struct {
	ag         *agent.Agent
	classifier ports.Classifier
	store      ports.RequestStore
	logger     *zap.Logger
	batchSize  int
	minSpacing time.Duration

	mu       sync.Mutex
	pending  []classifyJob
	lastCall time.Time
}

// NewClassification wires a classification agent onto the bus.
func NewClassification(cfg ClassificationConfig) *Classification {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	c := &Classification{
		classifier: cfg.Classifier,
		store:      cfg.Store,
		logger:     cfg.Logger.With(zap.String("agent", ClassificationName)),
		batchSize:  cfg.BatchSize,
		minSpacing: time.Minute / time.Duration(cfg.RatePerMinute),
	}
	c.ag = agent.New(agent.Config{
		Name:              ClassificationName,
		Bus:               cfg.Bus,
		Runner:            c,
		Retry:             cfg.Retry,
		RunInterval:       cfg.RunInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
	})
	c.ag.On(events.DocumentsRetrieved, c.handleDocumentsRetrieved)
	c.ag.On(events.EmailsRetrieved, c.handleEmailsRetrieved)
	c.ag.On(events.RequestCancelled, c.handleRequestCancelled)
	return c
}

// Agent exposes the underlying lifecycle agent for the supervisor.
func (c *Classification) Agent() *agent.Agent { return c.ag }

// Run drains queued classification jobs. Each job is split into batches;
// per-job failures publish a failure event without aborting the run.
func (c *Classification) Run(ctx context.Context) error {
	for {
		job, ok := c.nextJob()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.requeue(job)
			return err
		}
		if err := c.classify(ctx, job); err != nil {
			if ctx.Err() != nil {
				return err
			}
			c.logger.Error("classification failed",
				zap.String("request_id", job.requestID),
				zap.Error(err))
			c.ag.EmitCorrelated(events.ClassificationFailed, job.requestID, map[string]any{
				"request_id": job.requestID,
				"error":      err.Error(),
			})
		}
	}
}

func (c *Classification) classify(ctx context.Context, job classifyJob) error {
	c.ag.EmitCorrelated(events.ClassificationStarted, job.requestID, map[string]any{
		"request_id": job.requestID,
		"item_count": len(job.items),
	})

	var results []ports.Classification
	for start := 0; start < len(job.items); start += c.batchSize {
		end := start + c.batchSize
		if end > len(job.items) {
			end = len(job.items)
		}

		if err := c.throttle(ctx); err != nil {
			return err
		}
		batch, err := c.classifier.Classify(ctx, job.requestID, job.items[start:end])
		if err != nil {
			return fmt.Errorf("classify batch: %w", err)
		}
		results = append(results, batch...)
		c.ag.AddItemsProcessed(end - start)

		c.ag.EmitCorrelated(events.ClassificationProgress, job.requestID, map[string]any{
			"request_id": job.requestID,
			"classified": end,
			"total":      len(job.items),
		})
	}

	if err := c.store.SaveClassifications(ctx, job.requestID, results); err != nil {
		return fmt.Errorf("save classifications: %w", err)
	}

	byCategory := make(map[string]int)
	for _, r := range results {
		byCategory[r.Category]++
	}
	c.ag.EmitCorrelated(events.ClassificationComplete, job.requestID, map[string]any{
		"request_id": job.requestID,
		"count":      len(results),
		"categories": byCategory,
	})
	c.logger.Info("classification complete",
		zap.String("request_id", job.requestID),
		zap.Int("count", len(results)))
	return nil
}

// throttle sleeps until the per-minute spacing since the previous
// classifier call has elapsed.
func (c *Classification) throttle(ctx context.Context) error {
	c.mu.Lock()
	wait := c.minSpacing - time.Since(c.lastCall)
	c.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.lastCall = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Classification) handleDocumentsRetrieved(ctx context.Context, ev *events.Event) error {
	return c.enqueue(ev, "documents", "document")
}

func (c *Classification) handleEmailsRetrieved(ctx context.Context, ev *events.Event) error {
	return c.enqueue(ev, "emails", "email")
}

func (c *Classification) enqueue(ev *events.Event, payloadKey, kind string) error {
	id := payloadString(ev.Payload, "request_id")
	if id == "" {
		return fmt.Errorf("retrieved event without request_id")
	}

	raw, _ := ev.Payload[payloadKey].([]map[string]any)
	if raw == nil {
		if anys, ok := ev.Payload[payloadKey].([]any); ok {
			for _, a := range anys {
				if m, ok := a.(map[string]any); ok {
					raw = append(raw, m)
				}
			}
		}
	}

	items := make([]ports.ClassifyItem, 0, len(raw))
	for _, m := range raw {
		item := ports.ClassifyItem{
			ID:   payloadString(m, "id"),
			Kind: kind,
		}
		if kind == "email" {
			item.Text = payloadString(m, "subject")
		} else {
			item.Text = payloadString(m, "name")
		}
		if item.ID == "" {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil
	}

	c.mu.Lock()
	c.pending = append(c.pending, classifyJob{requestID: id, items: items})
	c.mu.Unlock()

	c.logger.Debug("classification job queued",
		zap.String("request_id", id),
		zap.String("kind", kind),
		zap.Int("items", len(items)))
	return nil
}

func (c *Classification) handleRequestCancelled(ctx context.Context, ev *events.Event) error {
	id := payloadString(ev.Payload, "request_id")
	if id == "" {
		return nil
	}
	c.mu.Lock()
	kept := c.pending[:0]
	for _, job := range c.pending {
		if job.requestID != id {
			kept = append(kept, job)
		}
	}
	c.pending = kept
	c.mu.Unlock()
	return nil
}

func (c *Classification) nextJob() (classifyJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return classifyJob{}, false
	}
	job := c.pending[0]
	c.pending = c.pending[1:]
	return job, true
}

func (c *Classification) requeue(job classifyJob) {
	c.mu.Lock()
	c.pending = append([]classifyJob{job}, c.pending...)
	c.mu.Unlock()
}
