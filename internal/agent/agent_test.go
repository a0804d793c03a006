package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openrecords/requestflow/internal/events"
)

// stubRunner is a configurable Runner with optional lifecycle hooks.
type stubRunner struct {
	mu      sync.Mutex
	runs    int
	runFn   func(ctx context.Context, run int) error
	startFn func(ctx context.Context) error
	stopFn  func(ctx context.Context) error
}

func (r *stubRunner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.runs++
	run := r.runs
	fn := r.runFn
	r.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, run)
}

func (r *stubRunner) OnStart(ctx context.Context) error {
	if r.startFn == nil {
		return nil
	}
	return r.startFn(ctx)
}

func (r *stubRunner) OnStop(ctx context.Context) error {
	if r.stopFn == nil {
		return nil
	}
	return r.stopFn(ctx)
}

func (r *stubRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func fastRetry(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      maxRetries,
		InitialDelay:    time.Millisecond,
		MaxDelay:        time.Second,
		ExponentialBase: 2,
	}
}

func newTestAgent(t *testing.T, runner Runner, retry RetryPolicy) (*Agent, *events.Bus) {
	t.Helper()
	bus := events.NewBus(events.Config{QueueSize: 256, Logger: zap.NewNop()})
	bus.Start()
	t.Cleanup(func() { bus.Stop(false) })

	ag := New(Config{
		Name:              "test-agent",
		Bus:               bus,
		Runner:            runner,
		Retry:             retry,
		RunInterval:       5 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		Logger:            zap.NewNop(),
	})
	t.Cleanup(func() { ag.Stop(time.Second) })
	return ag, bus
}

func TestStartRunsRepeatedlyAndStops(t *testing.T) {
	runner := &stubRunner{}
	ag, bus := newTestAgent(t, runner, fastRetry(2))

	require.Equal(t, StateIdle, ag.State())
	require.NoError(t, ag.Start())
	require.Equal(t, StateRunning, ag.State())

	require.Eventually(t, func() bool { return runner.runCount() >= 3 },
		2*time.Second, time.Millisecond)

	require.NoError(t, ag.Stop(time.Second))
	assert.Equal(t, StateStopped, ag.State())

	// Stop is idempotent.
	require.NoError(t, ag.Stop(time.Second))

	snap := ag.Metrics()
	assert.GreaterOrEqual(t, snap.TotalRuns, int64(3))
	assert.Equal(t, snap.TotalRuns, snap.SuccessfulRuns)
	assert.Zero(t, snap.FailedRuns)

	bus.Stop(true)
	assert.NotEmpty(t, bus.History(events.HistoryFilter{Kind: events.AgentStarted, Source: "test-agent"}, 10))
	assert.NotEmpty(t, bus.History(events.HistoryFilter{Kind: events.AgentStopped, Source: "test-agent"}, 10))
}

func TestStartFromRunningFails(t *testing.T) {
	ag, _ := newTestAgent(t, &stubRunner{}, fastRetry(0))
	require.NoError(t, ag.Start())
	assert.Error(t, ag.Start())
}

func TestRunFailureExhaustsRetriesAndEntersError(t *testing.T) {
	runner := &stubRunner{
		runFn: func(ctx context.Context, run int) error {
			return errors.New("source unavailable")
		},
	}
	ag, bus := newTestAgent(t, runner, fastRetry(2))

	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return ag.State() == StateError },
		2*time.Second, time.Millisecond)

	// MaxRetries retries plus the initial attempt.
	assert.Equal(t, 3, runner.runCount())

	snap := ag.Metrics()
	assert.Equal(t, int64(1), snap.TotalRuns)
	assert.Equal(t, int64(1), snap.FailedRuns)
	assert.GreaterOrEqual(t, snap.ErrorCount, 1)

	bus.Stop(true)
	errEvents := bus.History(events.HistoryFilter{Kind: events.AgentError, Source: "test-agent"}, 10)
	require.Len(t, errEvents, 1)
	assert.Equal(t, string(StateRecovering), errEvents[0].Payload["previous_state"])
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	runner := &stubRunner{
		runFn: func(ctx context.Context, run int) error {
			return Permanent(errors.New("bad credentials"))
		},
	}
	ag, _ := newTestAgent(t, runner, fastRetry(5))

	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return ag.State() == StateError },
		2*time.Second, time.Millisecond)

	assert.Equal(t, 1, runner.runCount())
}

func TestRecoveryAfterTransientFailure(t *testing.T) {
	runner := &stubRunner{
		runFn: func(ctx context.Context, run int) error {
			if run == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}
	ag, _ := newTestAgent(t, runner, fastRetry(2))

	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return runner.runCount() >= 2 },
		2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return ag.State() == StateRunning },
		2*time.Second, time.Millisecond)

	snap := ag.Metrics()
	assert.Zero(t, snap.CurrentRetryCount)
	assert.GreaterOrEqual(t, snap.SuccessfulRuns, int64(1))
	assert.Zero(t, snap.FailedRuns)
}

func TestRestartAfterError(t *testing.T) {
	var mu sync.Mutex
	fail := true
	runner := &stubRunner{}
	runner.runFn = func(ctx context.Context, run int) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return Permanent(errors.New("down"))
		}
		return nil
	}
	ag, _ := newTestAgent(t, runner, fastRetry(0))

	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return ag.State() == StateError },
		2*time.Second, time.Millisecond)

	mu.Lock()
	fail = false
	mu.Unlock()

	before := ag.Metrics().TotalRuns
	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return ag.Metrics().SuccessfulRuns >= 1 },
		2*time.Second, time.Millisecond)

	// Counters survive the restart.
	assert.Greater(t, ag.Metrics().TotalRuns, before)
	require.NoError(t, ag.Stop(time.Second))
}

func TestRestartFromErrorStopsOldHeartbeats(t *testing.T) {
	var mu sync.Mutex
	fail := true
	runner := &stubRunner{}
	runner.runFn = func(ctx context.Context, run int) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return Permanent(errors.New("down"))
		}
		return nil
	}
	ag, bus := newTestAgent(t, runner, fastRetry(0))

	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return ag.State() == StateError },
		2*time.Second, time.Millisecond)

	// The error exit leaves the first heartbeat loop behind; restarting
	// must reap it rather than orphan it.
	mu.Lock()
	fail = false
	mu.Unlock()
	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return ag.Metrics().SuccessfulRuns >= 1 },
		2*time.Second, time.Millisecond)

	require.NoError(t, ag.Stop(time.Second))

	// Once stopped, nothing may keep beating. Let queued events settle,
	// then verify the heartbeat count stays flat over many intervals.
	time.Sleep(50 * time.Millisecond)
	before := len(bus.History(events.HistoryFilter{Kind: events.AgentHeartbeat}, 1000))
	time.Sleep(100 * time.Millisecond)
	after := len(bus.History(events.HistoryFilter{Kind: events.AgentHeartbeat}, 1000))
	assert.Equal(t, before, after)
}

func TestConcurrentStopRunsTeardownOnce(t *testing.T) {
	var mu sync.Mutex
	stopCalls := 0
	runner := &stubRunner{
		stopFn: func(ctx context.Context) error {
			mu.Lock()
			stopCalls++
			mu.Unlock()
			// Hold the stopping window open so a racing Stop overlaps.
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}
	ag, bus := newTestAgent(t, runner, fastRetry(0))

	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return runner.runCount() >= 1 },
		2*time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ag.Stop(time.Second))
		}()
	}
	wg.Wait()
	assert.Equal(t, StateStopped, ag.State())

	mu.Lock()
	assert.Equal(t, 1, stopCalls)
	mu.Unlock()

	bus.Stop(true)
	stopped := bus.History(events.HistoryFilter{Kind: events.AgentStopped, Source: "test-agent"}, 10)
	assert.Len(t, stopped, 1)
}

func TestPauseAndResume(t *testing.T) {
	runner := &stubRunner{}
	ag, _ := newTestAgent(t, runner, fastRetry(0))

	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return runner.runCount() >= 1 },
		2*time.Second, time.Millisecond)

	ag.Pause()
	assert.Equal(t, StatePaused, ag.State())

	// Let any in-flight cycle finish, then verify no new cycles start.
	time.Sleep(30 * time.Millisecond)
	frozen := runner.runCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, runner.runCount())

	ag.Resume()
	assert.Equal(t, StateRunning, ag.State())
	require.Eventually(t, func() bool { return runner.runCount() > frozen },
		2*time.Second, time.Millisecond)
}

func TestStopWhilePausedDoesNotHang(t *testing.T) {
	runner := &stubRunner{}
	ag, _ := newTestAgent(t, runner, fastRetry(0))

	require.NoError(t, ag.Start())
	ag.Pause()

	done := make(chan error, 1)
	go func() { done <- ag.Stop(time.Second) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung on a paused agent")
	}
	assert.Equal(t, StateStopped, ag.State())
}

func TestStopForceCancelsUncooperativeRun(t *testing.T) {
	runner := &stubRunner{
		runFn: func(ctx context.Context, run int) error {
			// Honors cancellation but never the cooperative shutdown.
			<-ctx.Done()
			return ctx.Err()
		},
	}
	ag, _ := newTestAgent(t, runner, fastRetry(0))

	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return runner.runCount() >= 1 },
		2*time.Second, time.Millisecond)

	started := time.Now()
	err := ag.Stop(50 * time.Millisecond)
	elapsed := time.Since(started)

	require.NoError(t, err)
	assert.Equal(t, StateStopped, ag.State())
	assert.Less(t, elapsed, time.Second)
}

func TestStopReportsRunLoopIgnoringCancellation(t *testing.T) {
	release := make(chan struct{})
	runner := &stubRunner{
		runFn: func(ctx context.Context, run int) error {
			<-release
			return nil
		},
	}
	ag, _ := newTestAgent(t, runner, fastRetry(0))
	defer close(release)

	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool { return runner.runCount() >= 1 },
		2*time.Second, time.Millisecond)

	err := ag.Stop(20 * time.Millisecond)
	require.Error(t, err)
	// Even a non-clean stop ends in the stopped state.
	assert.Equal(t, StateStopped, ag.State())
}

func TestStartupHookFailureAbortsStart(t *testing.T) {
	runner := &stubRunner{
		startFn: func(ctx context.Context) error {
			return errors.New("seed load failed")
		},
	}
	ag, _ := newTestAgent(t, runner, fastRetry(0))

	require.Error(t, ag.Start())
	assert.Equal(t, StateError, ag.State())

	// The run loop never launched.
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, runner.runCount())
}

func TestHeartbeatsArePublished(t *testing.T) {
	runner := &stubRunner{}
	ag, bus := newTestAgent(t, runner, fastRetry(0))

	var mu sync.Mutex
	var beats []*events.Event
	bus.Subscribe("test:beats", []events.Kind{events.AgentHeartbeat},
		func(ctx context.Context, ev *events.Event) error {
			mu.Lock()
			beats = append(beats, ev)
			mu.Unlock()
			return nil
		})

	require.NoError(t, ag.Start())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(beats) >= 3
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	first := beats[0]
	mu.Unlock()
	assert.Equal(t, "test-agent", first.Source)
	assert.Contains(t, first.Payload, "state")
	assert.Contains(t, first.Payload, "uptime_seconds")
	assert.Contains(t, first.Payload, "error_count")
}

func TestEventHandlersOnlyActiveWhileStarted(t *testing.T) {
	var mu sync.Mutex
	received := 0
	runner := &stubRunner{}
	ag, bus := newTestAgent(t, runner, fastRetry(0))
	ag.On(events.RequestCreated, func(ctx context.Context, ev *events.Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})

	require.NoError(t, ag.Start())
	bus.Publish(events.RequestCreated, "test", nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, ag.Stop(time.Second))
	bus.Publish(events.RequestCreated, "test", nil)
	bus.Stop(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received)
}

func TestStatusReport(t *testing.T) {
	ag, _ := newTestAgent(t, &stubRunner{}, fastRetry(4))

	report := ag.Status()
	assert.Equal(t, "test-agent", report.Name)
	assert.Equal(t, StateIdle, report.State)
	assert.Equal(t, 4, report.Config.MaxRetries)
	assert.InDelta(t, 0.005, report.Config.RunIntervalSeconds, 0.0001)
}
