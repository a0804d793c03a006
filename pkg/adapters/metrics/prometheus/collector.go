// Package prometheus exposes the core's observability signals as
// Prometheus metrics. The collector is passive; nothing in the core reads
// it back.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus.
type Collector struct {
	eventsPublished *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	queueDepth      prometheus.Gauge

	agentRuns     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	agentUp       *prometheus.GaugeVec
	heartbeats    *prometheus.CounterVec
	agentRestarts *prometheus.CounterVec
}

// NewCollector registers the requestflow metrics on the default registry.
func NewCollector() *Collector {
	return &Collector{
		eventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestflow_events_published_total",
				Help: "Total number of events accepted onto the bus",
			},
			[]string{"event_type"},
		),
		eventsDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestflow_events_delivered_total",
				Help: "Total number of event deliveries to subscribers",
			},
			[]string{"event_type"},
		),
		handlerFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestflow_handler_failures_total",
				Help: "Total number of subscriber callbacks that returned an error or panicked",
			},
			[]string{"subscriber"},
		),
		queueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "requestflow_event_queue_depth",
				Help: "Current depth of the event bus queue",
			},
		),
		agentRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestflow_agent_runs_total",
				Help: "Total number of agent run cycles by outcome",
			},
			[]string{"agent", "status"},
		),
		runDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "requestflow_agent_run_duration_seconds",
				Help:    "Agent run cycle duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"agent"},
		),
		agentUp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "requestflow_agent_up",
				Help: "Whether the agent is in the running state (1) or not (0)",
			},
			[]string{"agent"},
		),
		heartbeats: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestflow_agent_heartbeats_total",
				Help: "Total number of heartbeats emitted per agent",
			},
			[]string{"agent"},
		),
		agentRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requestflow_agent_restarts_total",
				Help: "Total number of supervisor-initiated agent restarts",
			},
			[]string{"agent"},
		),
	}
}

// EventPublished counts an event accepted onto the bus.
func (c *Collector) EventPublished(kind string) {
	c.eventsPublished.WithLabelValues(kind).Inc()
}

// EventDelivered counts one delivery of an event to a subscriber.
func (c *Collector) EventDelivered(kind string) {
	c.eventsDelivered.WithLabelValues(kind).Inc()
}

// HandlerFailure counts a subscriber callback failure.
func (c *Collector) HandlerFailure(subscriber string) {
	c.handlerFailures.WithLabelValues(subscriber).Inc()
}

// SetQueueDepth sets the current bus queue depth.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// RecordRun records one agent run cycle.
func (c *Collector) RecordRun(agent, status string, duration time.Duration) {
	c.agentRuns.WithLabelValues(agent, status).Inc()
	c.runDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// SetAgentUp flags whether an agent is currently running.
func (c *Collector) SetAgentUp(agent string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	c.agentUp.WithLabelValues(agent).Set(v)
}

// RecordHeartbeat counts one heartbeat.
func (c *Collector) RecordHeartbeat(agent string) {
	c.heartbeats.WithLabelValues(agent).Inc()
}

// RecordRestart counts one supervisor-initiated restart.
func (c *Collector) RecordRestart(agent string) {
	c.agentRestarts.WithLabelValues(agent).Inc()
}
