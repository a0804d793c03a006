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

// RequestMonitorName is the agent's unique name within the supervisor.
const RequestMonitorName = "request-monitor"

// RequestMonitorConfig holds construction parameters for the request
// monitor agent.
type RequestMonitorConfig struct {
	Bus               *events.Bus
	Store             ports.RequestStore
	Logger            *zap.Logger
	Metrics           ports.MetricsCollector
	PollInterval      time.Duration
	BatchSize         int
	HeartbeatInterval time.Duration
	Retry             agent.RetryPolicy
}

// RequestMonitor polls the request store for newly submitted requests and
// kicks off the automation workflow for each one: it publishes the request
// lifecycle event and dispatches document and email retrieval, all grouped
// under the request id as correlation id.
type RequestMonitor struct {
	ag        *agent.Agent
	store     ports.RequestStore
	logger    *zap.Logger
	batchSize int

	mu   sync.Mutex
	seen map[string]bool
}

// NewRequestMonitor wires a request monitor onto the bus.
func NewRequestMonitor(cfg RequestMonitorConfig) *RequestMonitor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	m := &RequestMonitor{
		store:     cfg.Store,
		logger:    cfg.Logger.With(zap.String("agent", RequestMonitorName)),
		batchSize: cfg.BatchSize,
		seen:      make(map[string]bool),
	}
	m.ag = agent.New(agent.Config{
		Name:              RequestMonitorName,
		Bus:               cfg.Bus,
		Runner:            m,
		Retry:             cfg.Retry,
		RunInterval:       cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
	})
	m.ag.On(events.RequestCompleted, m.handleRequestDone)
	m.ag.On(events.RequestCancelled, m.handleRequestDone)
	return m
}

// Agent exposes the underlying lifecycle agent for the supervisor.
func (m *RequestMonitor) Agent() *agent.Agent { return m.ag }

// OnStart resets the dedupe set so a restarted monitor re-evaluates the
// store's pending view rather than trusting stale memory.
func (m *RequestMonitor) OnStart(ctx context.Context) error {
	m.mu.Lock()
	m.seen = make(map[string]bool)
	m.mu.Unlock()
	return nil
}

// Run polls for new requests and dispatches workflow events for each.
func (m *RequestMonitor) Run(ctx context.Context) error {
	reqs, err := m.store.PendingRequests(ctx, m.batchSize)
	if err != nil {
		return fmt.Errorf("poll pending requests: %w", err)
	}
	if len(reqs) == 0 {
		m.logger.Debug("no new requests")
		return nil
	}
	m.logger.Info("found new requests", zap.Int("count", len(reqs)))

	for _, req := range reqs {
		m.mu.Lock()
		if m.seen[req.ID] {
			m.mu.Unlock()
			continue
		}
		m.seen[req.ID] = true
		m.mu.Unlock()

		if err := m.dispatch(ctx, req); err != nil {
			return err
		}
		m.ag.AddItemsProcessed(1)
	}
	return nil
}

// dispatch publishes the lifecycle event for a new request and hands off
// document and email retrieval, correlated by the request id.
func (m *RequestMonitor) dispatch(ctx context.Context, req *ports.Request) error {
	m.ag.EmitCorrelated(events.RequestCreated, req.ID, map[string]any{
		"request_id": req.ID,
		"subject":    req.Subject,
		"requester":  req.Requester,
		"due_at":     req.DueAt.Format(time.RFC3339),
	})
	m.ag.EmitCorrelated(events.DocumentRetrievalStarted, req.ID, map[string]any{
		"request_id":   req.ID,
		"search_terms": req.SearchTerms,
	})
	m.ag.EmitCorrelated(events.EmailRetrievalStarted, req.ID, map[string]any{
		"request_id":   req.ID,
		"custodians":   req.Custodians,
		"search_terms": req.SearchTerms,
		"since":        req.SubmittedAt.Format(time.RFC3339),
	})

	if err := m.store.MarkDispatched(ctx, req.ID); err != nil {
		return fmt.Errorf("mark request %s dispatched: %w", req.ID, err)
	}
	m.logger.Info("request dispatched", zap.String("request_id", req.ID))
	return nil
}

func (m *RequestMonitor) handleRequestDone(ctx context.Context, ev *events.Event) error {
	id := payloadString(ev.Payload, "request_id")
	if id == "" {
		return nil
	}
	m.mu.Lock()
	delete(m.seen, id)
	m.mu.Unlock()
	m.logger.Info("request closed",
		zap.String("request_id", id),
		zap.String("event_type", string(ev.Kind)))
	return nil
}
