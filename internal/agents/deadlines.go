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

// DeadlineMonitorName is the agent's unique name within the supervisor.
const DeadlineMonitorName = "deadline-monitor"

// Deadline urgency bands in days remaining.
const (
	deadlineCriticalDays = 2
	deadlineUrgentDays   = 5
	deadlineWarningDays  = 10
)

// DeadlineMonitorConfig holds construction parameters for the deadline
// monitor agent.
type DeadlineMonitorConfig struct {
	Bus               *events.Bus
	Store             ports.RequestStore
	Logger            *zap.Logger
	Metrics           ports.MetricsCollector
	CheckInterval     time.Duration
	HeartbeatInterval time.Duration
	Retry             agent.RetryPolicy
}

type trackedDeadline struct {
	dueAt         time.Time
	subject       string
	lastEscalated string // last urgency band a notification was sent for
}

// DeadlineMonitor tracks statutory due dates for open requests and
// escalates as they approach. Requests enter tracking through lifecycle
// events and an initial load from the store; each check publishes at most
// one notification per request per urgency band.
type DeadlineMonitor struct {
	ag     *agent.Agent
	store  ports.RequestStore
	logger *zap.Logger

	mu      sync.Mutex
	tracked map[string]*trackedDeadline
}

// NewDeadlineMonitor wires a deadline monitor onto the bus.
func NewDeadlineMonitor(cfg DeadlineMonitorConfig) *DeadlineMonitor {
	m := &DeadlineMonitor{
		store:   cfg.Store,
		logger:  cfg.Logger.With(zap.String("agent", DeadlineMonitorName)),
		tracked: make(map[string]*trackedDeadline),
	}
	m.ag = agent.New(agent.Config{
		Name:              DeadlineMonitorName,
		Bus:               cfg.Bus,
		Runner:            m,
		Retry:             cfg.Retry,
		RunInterval:       cfg.CheckInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
	})
	m.ag.On(events.RequestCreated, m.handleRequestCreated)
	m.ag.On(events.RequestCompleted, m.handleRequestClosed)
	m.ag.On(events.RequestCancelled, m.handleRequestClosed)
	return m
}

// Agent exposes the underlying lifecycle agent for the supervisor.
func (m *DeadlineMonitor) Agent() *agent.Agent { return m.ag }

// OnStart seeds tracking from every open request in the store so that
// requests dispatched before this agent came up are still monitored.
func (m *DeadlineMonitor) OnStart(ctx context.Context) error {
	reqs, err := m.store.OpenRequests(ctx)
	if err != nil {
		return fmt.Errorf("load open requests: %w", err)
	}

	m.mu.Lock()
	m.tracked = make(map[string]*trackedDeadline, len(reqs))
	for _, req := range reqs {
		m.tracked[req.ID] = &trackedDeadline{dueAt: req.DueAt, subject: req.Subject}
	}
	m.mu.Unlock()

	m.logger.Info("tracking deadlines", zap.Int("requests", len(reqs)))
	return nil
}

// Run checks every tracked deadline against the clock and escalates
// bands that changed since the last check.
func (m *DeadlineMonitor) Run(ctx context.Context) error {
	now := time.Now()

	m.mu.Lock()
	type check struct {
		id       string
		deadline trackedDeadline
	}
	checks := make([]check, 0, len(m.tracked))
	for id, d := range m.tracked {
		checks = append(checks, check{id: id, deadline: *d})
	}
	m.mu.Unlock()

	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return err
		}
		daysLeft := int(c.deadline.dueAt.Sub(now).Hours() / 24)
		band, kind := urgencyBand(c.deadline.dueAt, now)
		if band == "" || band == c.deadline.lastEscalated {
			continue
		}

		payload := map[string]any{
			"request_id": c.id,
			"subject":    c.deadline.subject,
			"due_at":     c.deadline.dueAt.Format(time.RFC3339),
			"days_left":  daysLeft,
			"urgency":    band,
		}
		m.ag.EmitCorrelated(kind, c.id, payload)
		m.ag.EmitCorrelated(events.Notification, c.id, map[string]any{
			"request_id": c.id,
			"level":      band,
			"message": fmt.Sprintf("request %s (%s) due %s",
				c.id, c.deadline.subject, c.deadline.dueAt.Format("2006-01-02")),
		})
		m.ag.AddItemsProcessed(1)
		m.logger.Warn("deadline escalation",
			zap.String("request_id", c.id),
			zap.String("urgency", band),
			zap.Int("days_left", daysLeft))

		m.mu.Lock()
		if d, ok := m.tracked[c.id]; ok {
			d.lastEscalated = band
		}
		m.mu.Unlock()
	}
	return nil
}

// urgencyBand maps a due date to an urgency label and the event kind to
// publish, or empty strings when no escalation applies yet.
func urgencyBand(dueAt, now time.Time) (string, events.Kind) {
	days := dueAt.Sub(now).Hours() / 24
	switch {
	case days < 0:
		return "overdue", events.DeadlineOverdue
	case days <= deadlineCriticalDays:
		return "critical", events.DeadlineCritical
	case days <= deadlineUrgentDays:
		return "urgent", events.DeadlineApproaching
	case days <= deadlineWarningDays:
		return "warning", events.DeadlineApproaching
	default:
		return "", ""
	}
}

func (m *DeadlineMonitor) handleRequestCreated(ctx context.Context, ev *events.Event) error {
	id := payloadString(ev.Payload, "request_id")
	if id == "" {
		return nil
	}
	dueAt := payloadTime(ev.Payload, "due_at")
	if dueAt.IsZero() {
		m.logger.Warn("request without due date, not tracking", zap.String("request_id", id))
		return nil
	}

	m.mu.Lock()
	m.tracked[id] = &trackedDeadline{
		dueAt:   dueAt,
		subject: payloadString(ev.Payload, "subject"),
	}
	m.mu.Unlock()
	return nil
}

func (m *DeadlineMonitor) handleRequestClosed(ctx context.Context, ev *events.Event) error {
	id := payloadString(ev.Payload, "request_id")
	if id == "" {
		return nil
	}
	m.mu.Lock()
	delete(m.tracked, id)
	m.mu.Unlock()
	return nil
}
