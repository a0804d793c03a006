package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openrecords/requestflow/internal/events"
	"github.com/openrecords/requestflow/pkg/ports"
)

// State is an agent's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateError      State = "error"
	StateRecovering State = "recovering"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRunInterval       = 60 * time.Second

	// heartbeatGrace bounds how long Stop waits for the heartbeat loop.
	heartbeatGrace = 5 * time.Second
	// forceCancelGrace bounds how long Stop waits after force-cancelling
	// the run loop. Work that ignores cancellation beyond this is leaked
	// and logged.
	forceCancelGrace = time.Second
)

// Runner is the unit of repeating work an agent executes every cycle.
// Returning a plain error triggers the retry procedure; returning a
// PermanentError or a context cancellation does not.
type Runner interface {
	Run(ctx context.Context) error
}

// Starter is an optional Runner hook invoked during agent startup, before
// the loops launch. A failure here aborts the start.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Stopper is an optional Runner hook invoked during agent shutdown, after
// the loops have exited.
type Stopper interface {
	OnStop(ctx context.Context) error
}

// Handler reacts to a bus event the agent subscribed to. Handlers run
// outside the run loop's one-execution-at-a-time guarantee; any state they
// share with the run loop must be independently synchronized.
type Handler func(ctx context.Context, ev *events.Event) error

// Config holds agent construction parameters.
type Config struct {
	Name              string
	Bus               *events.Bus
	Runner            Runner
	Retry             RetryPolicy
	HeartbeatInterval time.Duration
	RunInterval       time.Duration
	Logger            *zap.Logger
	Metrics           ports.MetricsCollector
}

// lifecycle carries the signalling channels of one start/stop cycle so a
// restarted agent never races against loops from a previous incarnation.
type lifecycle struct {
	shutdown     chan struct{}
	shutdownOnce sync.Once
	runDone      chan struct{}
	hbDone       chan struct{}
	// stopDone closes when the Stop that owns this incarnation has fully
	// completed; concurrent Stop callers wait on it instead of running
	// the teardown a second time.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	hbCancel  context.CancelFunc
}

func (lc *lifecycle) signalShutdown() {
	lc.shutdownOnce.Do(func() { close(lc.shutdown) })
}

func (lc *lifecycle) shutdownRequested() bool {
	select {
	case <-lc.shutdown:
		return true
	default:
		return false
	}
}

// Agent is a named, independently schedulable unit of repeating work with
// a lifecycle state machine, retry/backoff and heartbeat emission. It owns
// its state and metrics exclusively; external code interacts only through
// Start/Stop/Pause/Resume and read-only snapshots.
type Agent struct {
	name              string
	bus               *events.Bus
	runner            Runner
	retry             RetryPolicy
	heartbeatInterval time.Duration
	runInterval       time.Duration
	logger            *zap.Logger
	collector         ports.MetricsCollector

	mu      sync.Mutex
	state   State
	lc      *lifecycle
	metrics *metricsStore

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	handlerMu sync.Mutex
	handlers  map[events.Kind]Handler
}

// New creates an agent in the idle state. The run and heartbeat loops do
// not exist until Start.
func New(cfg Config) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = defaultRunInterval
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	return &Agent{
		name:              cfg.Name,
		bus:               cfg.Bus,
		runner:            cfg.Runner,
		retry:             cfg.Retry,
		heartbeatInterval: cfg.HeartbeatInterval,
		runInterval:       cfg.RunInterval,
		logger:            cfg.Logger.With(zap.String("agent", cfg.Name)),
		collector:         cfg.Metrics,
		state:             StateIdle,
		metrics:           newMetricsStore(),
		handlers:          make(map[events.Kind]Handler),
	}
}

// Name returns the agent's unique name.
func (a *Agent) Name() string { return a.name }

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsRunning reports whether the agent is actively running.
func (a *Agent) IsRunning() bool { return a.State() == StateRunning }

// Metrics returns a snapshot of the agent's counters.
func (a *Agent) Metrics() Metrics { return a.metrics.snapshot(maxErrorRecords) }

// AddItemsProcessed is called by runner implementations to account for
// work items handled during a cycle.
func (a *Agent) AddItemsProcessed(n int) { a.metrics.addItems(n) }

// On registers a handler for a bus event kind. Must be called before
// Start; the subscription is registered on start and removed on stop.
func (a *Agent) On(kind events.Kind, handler Handler) {
	a.handlerMu.Lock()
	a.handlers[kind] = handler
	a.handlerMu.Unlock()
}

// RetryPolicy returns the agent's retry configuration.
func (a *Agent) RetryPolicy() RetryPolicy { return a.retry }

// Start brings the agent from idle, stopped or error into running:
// startup hook, event subscriptions, then the run loop and heartbeat loop
// as independent goroutines. Any failure leaves the agent in the error
// state with no loops running.
func (a *Agent) Start() error {
	a.mu.Lock()
	switch a.state {
	case StateIdle, StateStopped, StateError:
	default:
		st := a.state
		a.mu.Unlock()
		return fmt.Errorf("agent %s: cannot start from state %q", a.name, st)
	}
	a.transitionLocked(StateStarting)
	prev := a.lc

	lc := &lifecycle{
		shutdown: make(chan struct{}),
		runDone:  make(chan struct{}),
		hbDone:   make(chan struct{}),
		stopDone: make(chan struct{}),
	}
	lc.runCtx, lc.runCancel = context.WithCancel(context.Background())
	hbCtx, hbCancel := context.WithCancel(context.Background())
	lc.hbCancel = hbCancel
	a.lc = lc
	a.mu.Unlock()

	// A run loop that exited into the error state leaves its heartbeat
	// loop behind; reap the previous incarnation before launching new
	// loops so a stopped agent cannot keep beating.
	if prev != nil {
		prev.signalShutdown()
		prev.hbCancel()
		prev.runCancel()
		select {
		case <-prev.hbDone:
		case <-time.After(heartbeatGrace):
			a.logger.Warn("previous heartbeat loop did not exit within grace period")
		}
		select {
		case <-prev.runDone:
		case <-time.After(forceCancelGrace):
			a.logger.Warn("previous run loop did not exit within grace period")
		}
	}

	a.pauseMu.Lock()
	a.paused = false
	a.resumeCh = nil
	a.pauseMu.Unlock()

	a.metrics.markStarted(time.Now().UTC())

	if s, ok := a.runner.(Starter); ok {
		if err := s.OnStart(lc.runCtx); err != nil {
			lc.runCancel()
			hbCancel()
			// The loops never launched; mark them done so a later Stop
			// or Start does not wait out their grace periods.
			close(lc.runDone)
			close(lc.hbDone)
			a.metrics.addError("start_failed", err)
			a.setState(StateError)
			return fmt.Errorf("agent %s: startup hook: %w", a.name, err)
		}
	}
	a.subscribeHandlers()

	go a.runLoop(lc)
	go a.heartbeatLoop(lc, hbCtx)

	a.setState(StateRunning)
	a.emit(events.AgentStarted, map[string]any{
		"start_time": a.metrics.snapshot(0).StartTime.Format(time.RFC3339),
	})
	a.logger.Info("agent started")
	return nil
}

// Stop shuts the agent down: signals both loops, gives the heartbeat loop
// a short grace period, waits up to timeout for the run loop to exit
// cooperatively and force-cancels it otherwise. Idempotent once stopped.
// The returned error reports a non-clean stop; the agent still ends in the
// stopped state.
func (a *Agent) Stop(timeout time.Duration) error {
	a.mu.Lock()
	switch a.state {
	case StateStopped:
		a.mu.Unlock()
		return nil
	case StateIdle:
		a.transitionLocked(StateStopped)
		a.mu.Unlock()
		return nil
	case StateStopping:
		// Another Stop owns the teardown; wait for it to finish.
		lc := a.lc
		a.mu.Unlock()
		if lc != nil {
			<-lc.stopDone
		}
		return nil
	}
	lc := a.lc
	a.transitionLocked(StateStopping)
	a.mu.Unlock()

	// Release a paused run loop so it can observe the shutdown signal.
	a.pauseMu.Lock()
	if a.paused {
		a.paused = false
		close(a.resumeCh)
	}
	a.pauseMu.Unlock()

	var stopErr error
	if lc != nil {
		lc.signalShutdown()

		lc.hbCancel()
		select {
		case <-lc.hbDone:
		case <-time.After(heartbeatGrace):
			a.logger.Warn("heartbeat loop did not exit within grace period")
		}

		select {
		case <-lc.runDone:
		case <-time.After(timeout):
			a.logger.Warn("run loop did not exit cooperatively, force-cancelling",
				zap.Duration("timeout", timeout))
			lc.runCancel()
			select {
			case <-lc.runDone:
			case <-time.After(forceCancelGrace):
				stopErr = fmt.Errorf("agent %s: run loop ignored cancellation", a.name)
				a.logger.Error("run loop ignored cancellation, abandoning it")
			}
		}
		lc.runCancel()
	}

	if s, ok := a.runner.(Stopper); ok {
		if err := s.OnStop(context.Background()); err != nil {
			a.logger.Error("shutdown hook failed", zap.Error(err))
			if stopErr == nil {
				stopErr = fmt.Errorf("agent %s: shutdown hook: %w", a.name, err)
			}
		}
	}
	a.bus.Unsubscribe(a.name)

	snap := a.metrics.snapshot(0)
	a.setState(StateStopped)
	a.emit(events.AgentStopped, map[string]any{
		"uptime_seconds": time.Since(snap.StartTime).Seconds(),
		"total_runs":     snap.TotalRuns,
	})
	a.logger.Info("agent stopped", zap.Int64("total_runs", snap.TotalRuns))
	if lc != nil {
		close(lc.stopDone)
	}
	return stopErr
}

// Pause blocks the run loop before its next execution. In-flight work is
// not interrupted. Only meaningful from the running state.
func (a *Agent) Pause() {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return
	}
	a.transitionLocked(StatePaused)
	a.mu.Unlock()

	a.pauseMu.Lock()
	if !a.paused {
		a.paused = true
		a.resumeCh = make(chan struct{})
	}
	a.pauseMu.Unlock()
	a.logger.Info("agent paused")
}

// Resume releases a paused run loop.
func (a *Agent) Resume() {
	a.mu.Lock()
	if a.state != StatePaused {
		a.mu.Unlock()
		return
	}
	a.transitionLocked(StateRunning)
	a.mu.Unlock()

	a.pauseMu.Lock()
	if a.paused {
		a.paused = false
		close(a.resumeCh)
	}
	a.pauseMu.Unlock()
	a.logger.Info("agent resumed")
}

// StatusReport is the read-only status snapshot exposed to the supervisor
// and the HTTP API.
type StatusReport struct {
	Name    string       `json:"agent_name"`
	State   State        `json:"state"`
	Metrics Metrics      `json:"metrics"`
	Config  StatusConfig `json:"config"`
}

// StatusConfig echoes the agent's scheduling configuration.
type StatusConfig struct {
	RunIntervalSeconds       float64 `json:"run_interval_seconds"`
	HeartbeatIntervalSeconds float64 `json:"heartbeat_interval_seconds"`
	MaxRetries               int     `json:"max_retries"`
}

// Status returns a comprehensive, read-only snapshot. Recent errors are
// capped at the five newest.
func (a *Agent) Status() StatusReport {
	return StatusReport{
		Name:    a.name,
		State:   a.State(),
		Metrics: a.metrics.snapshot(5),
		Config: StatusConfig{
			RunIntervalSeconds:       a.runInterval.Seconds(),
			HeartbeatIntervalSeconds: a.heartbeatInterval.Seconds(),
			MaxRetries:               a.retry.MaxRetries,
		},
	}
}

// transitionLocked records a state change; a.mu must be held.
func (a *Agent) transitionLocked(s State) {
	old := a.state
	a.state = s
	if old != s {
		a.logger.Info("state transition",
			zap.String("from", string(old)),
			zap.String("to", string(s)))
	}
}

// setState is transitionLocked plus the side effects that must happen
// outside the lock: the agent-error event on entering the error state and
// the liveness gauge.
func (a *Agent) setState(s State) {
	a.mu.Lock()
	old := a.state
	a.transitionLocked(s)
	a.mu.Unlock()

	up := s == StateRunning || s == StateRecovering || s == StatePaused
	a.collector.SetAgentUp(a.name, up)

	if s == StateError && old != StateError {
		snap := a.metrics.snapshot(1)
		payload := map[string]any{
			"previous_state": string(old),
			"error_count":    snap.ErrorCount,
		}
		if len(snap.RecentErrors) > 0 {
			payload["error"] = snap.RecentErrors[0].Message
		}
		a.emit(events.AgentError, payload)
	}
}

func (a *Agent) subscribeHandlers() {
	a.handlerMu.Lock()
	kinds := make([]events.Kind, 0, len(a.handlers))
	for k := range a.handlers {
		kinds = append(kinds, k)
	}
	a.handlerMu.Unlock()
	if len(kinds) == 0 {
		return
	}
	a.bus.Subscribe(a.name, kinds, a.dispatchEvent)
}

func (a *Agent) dispatchEvent(ctx context.Context, ev *events.Event) error {
	a.handlerMu.Lock()
	handler := a.handlers[ev.Kind]
	a.handlerMu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(ctx, ev)
}

// runLoop repeats the unit of work until shutdown is signalled or the
// agent enters the error state. A worker in the error state does not
// self-heal; only an external Start (typically from the supervisor) brings
// it back.
func (a *Agent) runLoop(lc *lifecycle) {
	defer close(lc.runDone)
	for {
		if !a.waitWhilePaused(lc) {
			return
		}
		if lc.shutdownRequested() {
			return
		}

		a.metrics.recordRunStart(time.Now().UTC())
		started := time.Now()
		err := a.executeWithRetry(lc)
		if err != nil {
			if lc.runCtx.Err() != nil || lc.shutdownRequested() || errors.Is(err, context.Canceled) {
				return
			}
			a.metrics.recordFailure()
			a.metrics.addError("run_error", err)
			a.collector.RecordRun(a.name, "failed", time.Since(started))
			a.logger.Error("run failed after exhausting retries", zap.Error(err))
			a.setState(StateError)
			return
		}
		a.metrics.recordSuccess()
		a.collector.RecordRun(a.name, "success", time.Since(started))

		if !a.sleep(lc, a.runInterval) {
			return
		}
	}
}

// executeWithRetry attempts the unit of work up to MaxRetries+1 times with
// exponential backoff between attempts. Cancellation interrupts backoff
// waiting immediately and is never retried; a PermanentError skips
// remaining attempts.
func (a *Agent) executeWithRetry(lc *lifecycle) error {
	var lastErr error
	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			a.setState(StateRecovering)
			a.logger.Info("retrying run",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", a.retry.MaxRetries))
		}

		err := a.runner.Run(lc.runCtx)
		if err == nil {
			if attempt > 0 {
				a.setState(StateRunning)
			}
			a.metrics.setRetryCount(0)
			return nil
		}
		lastErr = err

		if lc.runCtx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		if IsPermanent(err) {
			a.logger.Error("permanent failure, not retrying", zap.Error(err))
			return err
		}

		a.metrics.setRetryCount(attempt + 1)
		if attempt < a.retry.MaxRetries {
			wait := a.retry.backoff(attempt)
			a.logger.Warn("run attempt failed, backing off",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(err))
			select {
			case <-time.After(wait):
			case <-lc.shutdown:
				return lastErr
			case <-lc.runCtx.Done():
				return lc.runCtx.Err()
			}
		}
	}
	return lastErr
}

// heartbeatLoop publishes liveness beats independent of the run loop. The
// beats carry state and counters for external observability only; nothing
// inside the agent acts on them.
func (a *Agent) heartbeatLoop(lc *lifecycle, ctx context.Context) {
	defer close(lc.hbDone)
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	a.beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-lc.shutdown:
			return
		case <-ticker.C:
			a.beat()
		}
	}
}

func (a *Agent) beat() {
	now := time.Now().UTC()
	a.metrics.recordHeartbeat(now)
	a.collector.RecordHeartbeat(a.name)
	snap := a.metrics.snapshot(0)
	a.emit(events.AgentHeartbeat, map[string]any{
		"state":           string(a.State()),
		"uptime_seconds":  now.Sub(snap.StartTime).Seconds(),
		"total_runs":      snap.TotalRuns,
		"items_processed": snap.ItemsProcessed,
		"error_count":     snap.ErrorCount,
	})
}

// waitWhilePaused blocks while the agent is paused. Returns false when
// shutdown was signalled instead of a resume.
func (a *Agent) waitWhilePaused(lc *lifecycle) bool {
	for {
		a.pauseMu.Lock()
		paused := a.paused
		ch := a.resumeCh
		a.pauseMu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-ch:
		case <-lc.shutdown:
			return false
		}
	}
}

// sleep waits for d, returning false immediately when shutdown is
// signalled. Shutdown latency is bounded regardless of how large d is.
func (a *Agent) sleep(lc *lifecycle, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-lc.shutdown:
		return false
	}
}

func (a *Agent) emit(kind events.Kind, payload map[string]any) {
	if _, err := a.bus.Publish(kind, a.name, payload); err != nil {
		a.logger.Error("failed to publish event",
			zap.String("event_type", string(kind)),
			zap.Error(err))
	}
}

// Emit publishes an event sourced from this agent. For runner
// implementations.
func (a *Agent) Emit(kind events.Kind, payload map[string]any) {
	a.emit(kind, payload)
}

// EmitCorrelated publishes an event carrying a correlation id grouping it
// into a logical job.
func (a *Agent) EmitCorrelated(kind events.Kind, correlationID string, payload map[string]any) {
	if _, err := a.bus.PublishCorrelated(kind, a.name, correlationID, payload); err != nil {
		a.logger.Error("failed to publish event",
			zap.String("event_type", string(kind)),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}
}
