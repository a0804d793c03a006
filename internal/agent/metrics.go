package agent

import (
	"sync"
	"time"
)

// maxErrorRecords bounds the per-agent error history. Oldest records are
// overwritten first.
const maxErrorRecords = 100

// ErrorRecord is one entry in an agent's bounded error history.
type ErrorRecord struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a point-in-time snapshot of an agent's counters. The live
// counters are owned exclusively by the agent's own loops; everything
// outside the agent sees only snapshots.
type Metrics struct {
	StartTime         time.Time     `json:"start_time"`
	LastHeartbeat     time.Time     `json:"last_heartbeat,omitempty"`
	LastRun           time.Time     `json:"last_run,omitempty"`
	TotalRuns         int64         `json:"total_runs"`
	SuccessfulRuns    int64         `json:"successful_runs"`
	FailedRuns        int64         `json:"failed_runs"`
	ItemsProcessed    int64         `json:"items_processed"`
	CurrentRetryCount int           `json:"current_retry_count"`
	ErrorCount        int           `json:"error_count"`
	RecentErrors      []ErrorRecord `json:"recent_errors"`
}

// errorRing is a fixed-capacity ring buffer of error records.
type errorRing struct {
	buf  []ErrorRecord
	head int // next write position
	n    int
}

func newErrorRing(capacity int) *errorRing {
	return &errorRing{buf: make([]ErrorRecord, capacity)}
}

func (r *errorRing) add(rec ErrorRecord) {
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// tail returns up to limit records, oldest first among the returned slice.
func (r *errorRing) tail(limit int) []ErrorRecord {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]ErrorRecord, 0, limit)
	start := (r.head - limit + len(r.buf)) % len(r.buf)
	for i := 0; i < limit; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// metricsStore holds the live counters behind a mutex so the run loop,
// heartbeat loop and event callbacks can update them concurrently.
type metricsStore struct {
	mu                sync.Mutex
	startTime         time.Time
	lastHeartbeat     time.Time
	lastRun           time.Time
	totalRuns         int64
	successfulRuns    int64
	failedRuns        int64
	itemsProcessed    int64
	currentRetryCount int
	errors            *errorRing
}

func newMetricsStore() *metricsStore {
	return &metricsStore{errors: newErrorRing(maxErrorRecords)}
}

// markStarted records a fresh start. Run counters survive restarts; only
// the start time and retry counter are reset.
func (m *metricsStore) markStarted(t time.Time) {
	m.mu.Lock()
	m.startTime = t
	m.currentRetryCount = 0
	m.mu.Unlock()
}

func (m *metricsStore) recordRunStart(t time.Time) {
	m.mu.Lock()
	m.lastRun = t
	m.totalRuns++
	m.mu.Unlock()
}

func (m *metricsStore) recordSuccess() {
	m.mu.Lock()
	m.successfulRuns++
	m.currentRetryCount = 0
	m.mu.Unlock()
}

func (m *metricsStore) recordFailure() {
	m.mu.Lock()
	m.failedRuns++
	m.mu.Unlock()
}

func (m *metricsStore) recordHeartbeat(t time.Time) {
	m.mu.Lock()
	m.lastHeartbeat = t
	m.mu.Unlock()
}

func (m *metricsStore) addItems(n int) {
	m.mu.Lock()
	m.itemsProcessed += int64(n)
	m.mu.Unlock()
}

func (m *metricsStore) setRetryCount(n int) {
	m.mu.Lock()
	m.currentRetryCount = n
	m.mu.Unlock()
}

func (m *metricsStore) addError(errType string, err error) {
	m.mu.Lock()
	m.errors.add(ErrorRecord{
		Type:      errType,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
	m.mu.Unlock()
}

// snapshot returns a copy with at most recentErrors of the newest error
// records.
func (m *metricsStore) snapshot(recentErrors int) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		StartTime:         m.startTime,
		LastHeartbeat:     m.lastHeartbeat,
		LastRun:           m.lastRun,
		TotalRuns:         m.totalRuns,
		SuccessfulRuns:    m.successfulRuns,
		FailedRuns:        m.failedRuns,
		ItemsProcessed:    m.itemsProcessed,
		CurrentRetryCount: m.currentRetryCount,
		ErrorCount:        m.errors.n,
		RecentErrors:      m.errors.tail(recentErrors),
	}
}
