package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openrecords/requestflow/internal/agent"
	"github.com/openrecords/requestflow/internal/events"
	"github.com/openrecords/requestflow/pkg/ports"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateError        State = "error"
)

const (
	defaultHealthCheckInterval = 60 * time.Second
	defaultRestartCooldown     = 2 * time.Second
	// restartStopTimeout bounds the stop half of a restart so one stuck
	// agent cannot stall the health-check loop indefinitely.
	restartStopTimeout = 10 * time.Second
	// rollbackStopTimeout bounds per-agent stops when a partial start is
	// rolled back.
	rollbackStopTimeout = 10 * time.Second
)

// Config holds supervisor behaviour knobs.
type Config struct {
	AutoRestart         bool
	HealthCheckInterval time.Duration
	MaxRestartAttempts  int
	RestartCooldown     time.Duration
}

// Supervisor owns a fixed set of agents and the event bus: it starts and
// stops them together, watches their health and restarts failed ones up to
// a bound. It is the only component that brings agents up or down.
type Supervisor struct {
	cfg       Config
	bus       *events.Bus
	logger    *zap.Logger
	collector ports.MetricsCollector

	mu            sync.Mutex
	state         State
	initialized   bool
	startTime     time.Time
	agents        map[string]*agent.Agent
	order         []string
	restartCounts map[string]int
	terminal      map[string]bool
	subscribers   []string
	healthStop    chan struct{}
	healthDone    chan struct{}
}

// New creates a supervisor over an explicit, fixed set of agents. The bus
// and every agent are injected; there are no hidden globals.
func New(cfg Config, bus *events.Bus, logger *zap.Logger, collector ports.MetricsCollector, agents ...*agent.Agent) *Supervisor {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = defaultRestartCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = ports.NopMetrics{}
	}
	s := &Supervisor{
		cfg:           cfg,
		bus:           bus,
		logger:        logger,
		collector:     collector,
		state:         StateStopped,
		agents:        make(map[string]*agent.Agent, len(agents)),
		restartCounts: make(map[string]int, len(agents)),
		terminal:      make(map[string]bool),
	}
	for _, ag := range agents {
		s.agents[ag.Name()] = ag
		s.order = append(s.order, ag.Name())
	}
	return s
}

// State returns the supervisor's current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Agent returns a managed agent by name, or nil.
func (s *Supervisor) Agent(name string) *agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[name]
}

// AgentNames returns the managed agent names in registration order.
func (s *Supervisor) AgentNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Initialize starts the event bus and registers supervisor-level
// subscriptions. Called implicitly by Start when needed.
func (s *Supervisor) Initialize() error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	seen := make(map[string]bool, len(s.order))
	for _, name := range s.order {
		if seen[name] {
			s.state = StateError
			s.mu.Unlock()
			return fmt.Errorf("supervisor: duplicate agent name %q", name)
		}
		seen[name] = true
		s.restartCounts[name] = 0
	}
	s.state = StateInitializing
	s.mu.Unlock()

	s.logger.Info("initializing supervisor", zap.Int("agents", len(s.order)))
	s.bus.Start()
	s.registerSubscriptions()

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) registerSubscriptions() {
	ids := []string{
		s.bus.Subscribe("supervisor:errors",
			[]events.Kind{events.SystemError, events.AgentError},
			s.handleErrorEvent),
		s.bus.Subscribe("supervisor:heartbeats",
			[]events.Kind{events.AgentHeartbeat},
			s.handleHeartbeatEvent),
		s.bus.Subscribe("supervisor:workflow",
			[]events.Kind{events.RequestCreated, events.WorkflowCompleted, events.ClassificationComplete},
			s.handleWorkflowEvent),
	}
	s.mu.Lock()
	s.subscribers = ids
	s.mu.Unlock()
}

// Start initializes if needed, then starts every agent concurrently so
// total startup latency is bounded by the slowest agent. If any agent
// fails to start, every agent that did start is stopped again and the
// start fails as a whole; a partially running system is never left behind.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.mu.Unlock()
		s.logger.Warn("supervisor already running")
		return nil
	case StatePaused, StateStopping:
		// Agents are still up in these states; starting them again would
		// fail and the rollback would tear the healthy system down.
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot start from state %q", st)
	}
	s.mu.Unlock()

	if err := s.Initialize(); err != nil {
		return err
	}

	s.logger.Info("starting all agents")
	names := s.AgentNames()
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, ag *agent.Agent) {
			defer wg.Done()
			errs[i] = ag.Start()
		}(i, s.Agent(name))
	}
	wg.Wait()

	var failed []error
	for i, err := range errs {
		if err != nil {
			s.logger.Error("agent failed to start",
				zap.String("agent", names[i]), zap.Error(err))
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		s.logger.Error("rolling back partial start", zap.Int("failed", len(failed)))
		for _, name := range names {
			ag := s.Agent(name)
			if ag.State() != agent.StateStopped && ag.State() != agent.StateIdle {
				if err := ag.Stop(rollbackStopTimeout); err != nil {
					s.logger.Error("rollback stop failed",
						zap.String("agent", name), zap.Error(err))
				}
			}
		}
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("supervisor start: %w", errors.Join(failed...))
	}

	s.mu.Lock()
	s.state = StateRunning
	s.startTime = time.Now().UTC()
	s.healthStop = make(chan struct{})
	s.healthDone = make(chan struct{})
	healthStop, healthDone := s.healthStop, s.healthDone
	s.mu.Unlock()

	go s.healthCheckLoop(healthStop, healthDone)
	s.logger.Info("all agents started", zap.Int("count", len(names)))
	return nil
}

// Stop shuts everything down: the health-check loop first, then every
// agent concurrently with an equal slice of the timeout, then the
// supervisor's own subscriptions and the bus (draining queued events).
// Individual non-clean agent stops are logged and surfaced in the returned
// error but never abort the rest of the shutdown.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	healthStop, healthDone := s.healthStop, s.healthDone
	s.healthStop, s.healthDone = nil, nil
	s.mu.Unlock()

	s.logger.Info("stopping all agents")
	if healthStop != nil {
		close(healthStop)
		<-healthDone
	}

	names := s.AgentNames()
	perAgent := timeout
	if len(names) > 0 {
		perAgent = timeout / time.Duration(len(names))
	}
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, ag *agent.Agent) {
			defer wg.Done()
			errs[i] = ag.Stop(perAgent)
		}(i, s.Agent(name))
	}
	wg.Wait()

	var unclean []error
	for i, err := range errs {
		if err != nil {
			s.logger.Warn("agent did not stop cleanly",
				zap.String("agent", names[i]), zap.Error(err))
			unclean = append(unclean, err)
		}
	}

	if _, err := s.bus.Publish(events.SystemShutdown, "supervisor", map[string]any{
		"agent_count": len(names),
	}); err != nil {
		s.logger.Warn("failed to publish shutdown event", zap.Error(err))
	}

	s.mu.Lock()
	subs := s.subscribers
	s.subscribers = nil
	s.mu.Unlock()
	for _, id := range subs {
		s.bus.Unsubscribe(id)
	}
	s.bus.Stop(true)

	s.mu.Lock()
	s.state = StateStopped
	s.initialized = false
	s.mu.Unlock()
	s.logger.Info("all agents stopped")
	return errors.Join(unclean...)
}

// Pause pauses every agent.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StatePaused
	s.mu.Unlock()

	s.logger.Info("pausing all agents")
	for _, name := range s.AgentNames() {
		s.Agent(name).Pause()
	}
}

// Resume resumes every agent.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info("resuming all agents")
	for _, name := range s.AgentNames() {
		s.Agent(name).Resume()
	}
}

// healthCheckLoop periodically inspects every agent and triggers the
// restart procedure for any agent in the error state, or stopped while the
// supervisor itself is running (an unexpected stop).
func (s *Supervisor) healthCheckLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, name := range s.AgentNames() {
				ag := s.Agent(name)
				st := ag.State()
				if st == agent.StateError || (st == agent.StateStopped && s.State() == StateRunning) {
					s.handleAgentFailure(name, ag, stop)
				}
			}
		}
	}
}

// handleAgentFailure applies the restart procedure: stop, cooldown, start.
// The restart count increments regardless of outcome, so a failing restart
// still burns an attempt and restart storms stay bounded. Past the bound
// the agent is permanently failed until an operator intervenes.
func (s *Supervisor) handleAgentFailure(name string, ag *agent.Agent, stop chan struct{}) {
	s.mu.Lock()
	count := s.restartCounts[name]
	isTerminal := s.terminal[name]
	s.mu.Unlock()
	if isTerminal {
		return
	}

	if !s.cfg.AutoRestart {
		s.logger.Warn("agent failed but auto-restart is disabled",
			zap.String("agent", name))
		s.markTerminal(name, count, "auto-restart disabled")
		return
	}

	if count >= s.cfg.MaxRestartAttempts {
		s.logger.Error("agent exceeded max restart attempts",
			zap.String("agent", name),
			zap.Int("max_restart_attempts", s.cfg.MaxRestartAttempts))
		s.markTerminal(name, count, "max restart attempts exceeded")
		return
	}

	s.logger.Warn("restarting failed agent",
		zap.String("agent", name),
		zap.Int("attempt", count+1))

	if err := ag.Stop(restartStopTimeout); err != nil {
		s.logger.Warn("stop before restart was not clean",
			zap.String("agent", name), zap.Error(err))
	}

	select {
	case <-time.After(s.cfg.RestartCooldown):
	case <-stop:
		return
	}

	err := ag.Start()

	s.mu.Lock()
	s.restartCounts[name] = count + 1
	s.mu.Unlock()
	s.collector.RecordRestart(name)

	if err != nil {
		s.logger.Error("agent restart failed",
			zap.String("agent", name), zap.Error(err))
		return
	}
	s.logger.Info("agent restarted", zap.String("agent", name))
}

// RestartAgent stops and restarts one agent on operator request. It
// clears the terminal flag and resets the restart count so automatic
// restarts apply again afterwards.
func (s *Supervisor) RestartAgent(name string) error {
	ag := s.Agent(name)
	if ag == nil {
		return fmt.Errorf("unknown agent: %s", name)
	}

	s.logger.Info("restarting agent on request", zap.String("agent", name))
	if err := ag.Stop(restartStopTimeout); err != nil {
		s.logger.Warn("stop before restart was not clean",
			zap.String("agent", name), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.terminal, name)
	s.restartCounts[name] = 0
	s.mu.Unlock()

	if err := ag.Start(); err != nil {
		return fmt.Errorf("restart agent %s: %w", name, err)
	}
	s.collector.RecordRestart(name)
	return nil
}

// markTerminal publishes the one-time terminal system error for an agent
// the supervisor has given up on.
func (s *Supervisor) markTerminal(name string, count int, reason string) {
	s.mu.Lock()
	if s.terminal[name] {
		s.mu.Unlock()
		return
	}
	s.terminal[name] = true
	s.mu.Unlock()

	if _, err := s.bus.Publish(events.SystemError, "supervisor", map[string]any{
		"agent_name":    name,
		"error":         reason,
		"restart_count": count,
	}); err != nil {
		s.logger.Error("failed to publish terminal error event",
			zap.String("agent", name), zap.Error(err))
	}
}

func (s *Supervisor) handleErrorEvent(ctx context.Context, ev *events.Event) error {
	msg, _ := ev.Payload["error"].(string)
	if msg == "" {
		msg = "unknown error"
	}
	s.logger.Error("error event received",
		zap.String("source", ev.Source),
		zap.String("event_type", string(ev.Kind)),
		zap.String("error", msg))
	return nil
}

func (s *Supervisor) handleHeartbeatEvent(ctx context.Context, ev *events.Event) error {
	state, _ := ev.Payload["state"].(string)
	s.logger.Debug("heartbeat",
		zap.String("agent", ev.Source),
		zap.String("state", state))
	return nil
}

func (s *Supervisor) handleWorkflowEvent(ctx context.Context, ev *events.Event) error {
	switch ev.Kind {
	case events.RequestCreated:
		s.logger.Info("request workflow started",
			zap.Any("request_id", ev.Payload["request_id"]),
			zap.String("correlation_id", ev.CorrelationID))
	case events.WorkflowCompleted:
		s.logger.Info("workflow completed",
			zap.Any("request_id", ev.Payload["request_id"]))
	case events.ClassificationComplete:
		s.logger.Info("classification complete",
			zap.Any("request_id", ev.Payload["request_id"]),
			zap.Any("total_classified", ev.Payload["total_classified"]))
	}
	return nil
}

// Status is the read-only system snapshot exposed over the status API.
type Status struct {
	State         State                         `json:"supervisor_state"`
	StartTime     time.Time                     `json:"start_time"`
	UptimeSeconds float64                       `json:"uptime_seconds"`
	AgentCount    int                           `json:"agent_count"`
	Agents        map[string]agent.StatusReport `json:"agents"`
	RestartCounts map[string]int                `json:"restart_counts"`
	Bus           events.Status                 `json:"event_bus"`
	Config        map[string]any                `json:"config"`
}

// Status assembles a snapshot of the supervisor, every agent and the bus.
// Read-only; it mutates nothing.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	state := s.state
	startTime := s.startTime
	counts := make(map[string]int, len(s.restartCounts))
	for k, v := range s.restartCounts {
		counts[k] = v
	}
	s.mu.Unlock()

	agents := make(map[string]agent.StatusReport, len(s.order))
	for _, name := range s.AgentNames() {
		agents[name] = s.Agent(name).Status()
	}

	var uptime float64
	if !startTime.IsZero() && state == StateRunning {
		uptime = time.Since(startTime).Seconds()
	}
	return Status{
		State:         state,
		StartTime:     startTime,
		UptimeSeconds: uptime,
		AgentCount:    len(agents),
		Agents:        agents,
		RestartCounts: counts,
		Bus:           s.bus.Status(),
		Config: map[string]any{
			"auto_restart":          s.cfg.AutoRestart,
			"health_check_interval": s.cfg.HealthCheckInterval.String(),
			"max_restart_attempts":  s.cfg.MaxRestartAttempts,
		},
	}
}

// RunForever starts the supervisor and blocks until ctx is cancelled or a
// termination signal arrives, then performs an orderly stop. This is the
// intended entry point for running the system as a long-lived service.
func (s *Supervisor) RunForever(ctx context.Context, stopTimeout time.Duration) error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s.logger.Info("supervisor running")
	<-sigCtx.Done()
	s.logger.Info("shutdown signal received")
	return s.Stop(stopTimeout)
}
