package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/openrecords/requestflow/pkg/ports"
)

// ErrQueueFull is returned by publish when the bounded event queue is
// saturated. Callers must treat this as backpressure and decide whether to
// drop, block or escalate; the bus itself never silently drops.
var ErrQueueFull = errors.New("event queue is full")

const (
	// DefaultQueueSize bounds the number of undelivered events.
	DefaultQueueSize = 10000
	// DefaultHistorySize bounds the diagnostic history buffer.
	DefaultHistorySize = 1000
)

// Handler is invoked for every event matching a subscription. The context
// is cancelled when the bus stops without draining.
type Handler func(ctx context.Context, ev *Event) error

// Predicate filters events within the subscribed kinds.
type Predicate func(ev *Event) bool

type subscription struct {
	id      string
	kinds   map[Kind]struct{}
	handler Handler
	filter  Predicate
}

// Config holds event bus construction parameters.
type Config struct {
	QueueSize   int
	HistorySize int
	Logger      *zap.Logger
	Metrics     ports.MetricsCollector
}

// Bus is the in-process publish/subscribe hub. A single dispatcher
// goroutine pulls one event at a time from the bounded queue and invokes
// every matching subscriber; callbacks for one event may run concurrently
// with each other, but events are never reordered relative to the queue.
type Bus struct {
	logger  *zap.Logger
	metrics ports.MetricsCollector

	mu   sync.RWMutex
	subs map[string]*subscription

	queue chan *Event

	histMu  sync.Mutex
	history []*Event
	histCap int

	runMu   sync.Mutex
	running bool
	drain   bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
}

// NewBus creates a bus. Zero config fields fall back to defaults.
func NewBus(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	return &Bus{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		subs:    make(map[string]*subscription),
		queue:   make(chan *Event, cfg.QueueSize),
		histCap: cfg.HistorySize,
	}
}

// Start launches the dispatcher loop. Calling Start on a running bus is a
// no-op.
func (b *Bus) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.done = make(chan struct{})
	b.stopped = make(chan struct{})
	go b.dispatch()
	b.logger.Info("event bus started", zap.Int("queue_capacity", cap(b.queue)))
}

// Stop halts the dispatcher. With drain set, every currently queued event
// is delivered before the bus stops; otherwise queued events are discarded
// and in-flight handler contexts are cancelled. Idempotent.
func (b *Bus) Stop(drain bool) {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return
	}
	b.running = false
	b.drain = drain
	if !drain {
		b.cancel()
	}
	close(b.done)
	stopped := b.stopped
	b.runMu.Unlock()

	<-stopped
	b.cancel()
	b.logger.Info("event bus stopped",
		zap.Bool("drained", drain),
		zap.Int("discarded", len(b.queue)))
}

// Subscribe registers interest in a set of kinds, replacing any existing
// subscription with the same subscriber id. An empty kind list subscribes
// to every kind. Already-queued events are not affected. Returns the
// subscriber id.
func (b *Bus) Subscribe(subscriberID string, kinds []Kind, handler Handler) string {
	return b.SubscribeFiltered(subscriberID, kinds, nil, handler)
}

// SubscribeFiltered is Subscribe with an additional predicate applied to
// events within the subscribed kinds.
func (b *Bus) SubscribeFiltered(subscriberID string, kinds []Kind, filter Predicate, handler Handler) string {
	kindSet := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}
	b.mu.Lock()
	b.subs[subscriberID] = &subscription{
		id:      subscriberID,
		kinds:   kindSet,
		handler: handler,
		filter:  filter,
	}
	b.mu.Unlock()

	b.logger.Debug("subscriber registered",
		zap.String("subscriber", subscriberID),
		zap.Int("kinds", len(kinds)))
	return subscriberID
}

// Unsubscribe removes a subscription. Returns false if none existed.
func (b *Bus) Unsubscribe(subscriberID string) bool {
	b.mu.Lock()
	_, ok := b.subs[subscriberID]
	delete(b.subs, subscriberID)
	b.mu.Unlock()
	if ok {
		b.logger.Debug("subscriber removed", zap.String("subscriber", subscriberID))
	}
	return ok
}

// Publish constructs an event and enqueues it for asynchronous delivery.
// It returns immediately without waiting for subscriber handling.
func (b *Bus) Publish(kind Kind, source string, payload map[string]any) (*Event, error) {
	return b.PublishEvent(NewEvent(kind, source, payload))
}

// PublishCorrelated is Publish with a correlation id grouping the event
// into a logical job.
func (b *Bus) PublishCorrelated(kind Kind, source, correlationID string, payload map[string]any) (*Event, error) {
	ev := NewEvent(kind, source, payload)
	ev.CorrelationID = correlationID
	return b.PublishEvent(ev)
}

// PublishEvent enqueues a pre-built event. Fails with ErrQueueFull when
// the queue is saturated.
func (b *Bus) PublishEvent(ev *Event) (*Event, error) {
	select {
	case b.queue <- ev:
		b.metrics.EventPublished(string(ev.Kind))
		b.metrics.SetQueueDepth(len(b.queue))
		b.logger.Debug("event published",
			zap.String("event_type", string(ev.Kind)),
			zap.String("source", ev.Source))
		return ev, nil
	default:
		b.logger.Error("event queue full, rejecting event",
			zap.String("event_type", string(ev.Kind)),
			zap.String("source", ev.Source))
		return nil, ErrQueueFull
	}
}

// HistoryFilter selects events from the history buffer. Zero fields match
// everything.
type HistoryFilter struct {
	Kind          Kind
	Source        string
	CorrelationID string
}

// History returns the most recent delivered events matching the filter, at
// most limit of them, oldest first. Diagnostic only; the buffer is bounded
// and not durable.
func (b *Bus) History(f HistoryFilter, limit int) []*Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	matched := make([]*Event, 0, limit)
	for _, ev := range b.history {
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		if f.Source != "" && ev.Source != f.Source {
			continue
		}
		if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
			continue
		}
		matched = append(matched, ev)
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Status is a diagnostic snapshot of the bus.
type Status struct {
	Running     bool     `json:"running"`
	QueueDepth  int      `json:"queue_depth"`
	Subscribers []string `json:"subscribers"`
	HistorySize int      `json:"history_size"`
}

// Status reports the current bus state for status endpoints.
func (b *Bus) Status() Status {
	b.runMu.Lock()
	running := b.running
	b.runMu.Unlock()

	b.mu.RLock()
	subs := make([]string, 0, len(b.subs))
	for id := range b.subs {
		subs = append(subs, id)
	}
	b.mu.RUnlock()

	b.histMu.Lock()
	histSize := len(b.history)
	b.histMu.Unlock()

	return Status{
		Running:     running,
		QueueDepth:  len(b.queue),
		Subscribers: subs,
		HistorySize: histSize,
	}
}

func (b *Bus) dispatch() {
	defer close(b.stopped)
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
			b.metrics.SetQueueDepth(len(b.queue))
		case <-b.done:
			if b.drain {
				for {
					select {
					case ev := <-b.queue:
						b.deliver(ev)
					default:
						b.metrics.SetQueueDepth(0)
						return
					}
				}
			}
			return
		}
	}
}

// deliver records the event in history and invokes every matching
// subscriber. Callback invocations for one event run concurrently with
// each other, but deliver does not return until all of them finish, so the
// dispatcher never reorders events.
func (b *Bus) deliver(ev *Event) {
	b.histMu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.histCap {
		b.history = b.history[len(b.history)-b.histCap:]
	}
	b.histMu.Unlock()

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				continue
			}
		}
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			b.invoke(sub, ev)
		}(sub)
	}
	wg.Wait()
}

// invoke runs one subscriber callback in isolation: a panic or error in
// one callback never reaches the publisher or other subscribers.
func (b *Bus) invoke(sub *subscription, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.HandlerFailure(sub.id)
			b.logger.Error("subscriber callback panicked",
				zap.String("subscriber", sub.id),
				zap.String("event_type", string(ev.Kind)),
				zap.Any("panic", r))
		}
	}()

	b.metrics.EventDelivered(string(ev.Kind))
	if err := sub.handler(b.ctx, ev); err != nil {
		b.metrics.HandlerFailure(sub.id)
		b.logger.Error("subscriber callback error",
			zap.String("subscriber", sub.id),
			zap.String("event_type", string(ev.Kind)),
			zap.Error(err))
	}
}
