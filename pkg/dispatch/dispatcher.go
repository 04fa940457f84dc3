// Package dispatch routes normalized events to matching subscriptions.
// Producers hand events to the dispatcher through a bounded queue and are
// never blocked by slow or failing callbacks.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/vigil/pkg/events"
	"github.com/yairfalse/vigil/pkg/subscription"
)

const defaultQueueSize = 1024

// ErrorHandler receives non-fatal dispatch errors, currently only
// CallbackError values. It runs on the delivery goroutine and must not
// block.
type ErrorHandler func(error)

// Dispatcher fans normalized events out to matching subscriptions.
//
// A single delivery goroutine drains the queue, so all subscriptions
// matching one event are invoked before the next event is processed and
// per-source FIFO order is preserved as observed by any one callback.
type Dispatcher struct {
	registry *subscription.Registry
	logger   *zap.Logger

	mu      sync.RWMutex
	queue   chan events.Event
	closed  atomic.Bool
	started atomic.Bool

	errorHandler ErrorHandler
	wg           sync.WaitGroup
	cancel       context.CancelFunc

	// Statistics
	dispatched     atomic.Int64
	dropped        atomic.Int64
	callbackErrors atomic.Int64

	// OTEL instrumentation
	dispatchedCounter metric.Int64Counter
	droppedCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	deliveryDuration  metric.Float64Histogram
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan events.Event, n)
		}
	}
}

// WithErrorHandler installs a handler for callback failures.
func WithErrorHandler(h ErrorHandler) Option {
	return func(d *Dispatcher) {
		d.errorHandler = h
	}
}

// NewDispatcher creates a dispatcher routing through the given registry.
func NewDispatcher(registry *subscription.Registry, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		registry: registry,
		logger:   logger,
		queue:    make(chan events.Event, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}

	meter := otel.Meter("vigil.dispatch")
	d.dispatchedCounter, _ = meter.Int64Counter(
		"vigil_events_dispatched_total",
		metric.WithDescription("Total events delivered to subscriptions"),
	)
	d.droppedCounter, _ = meter.Int64Counter(
		"vigil_events_dropped_total",
		metric.WithDescription("Total events dropped due to a full dispatch queue"),
	)
	d.errorCounter, _ = meter.Int64Counter(
		"vigil_callback_errors_total",
		metric.WithDescription("Total callback panics recovered during dispatch"),
	)
	d.deliveryDuration, _ = meter.Float64Histogram(
		"vigil_delivery_duration_ms",
		metric.WithDescription("Time spent delivering one event to all matches in milliseconds"),
	)

	return d
}

// Start launches the delivery goroutine. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

// Stop closes the queue, drains in-flight events, and waits for the
// delivery goroutine to exit. Safe to call more than once. Producers must
// be stopped first; Route calls after Stop report a drop.
func (d *Dispatcher) Stop() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}

	d.mu.Lock()
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}

// Route enqueues an event for delivery. It never blocks: when the queue
// is full or the dispatcher has stopped the event is dropped and counted.
func (d *Dispatcher) Route(ctx context.Context, ev events.Event) bool {
	if d.closed.Load() {
		d.recordDrop(ctx, ev)
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		d.recordDrop(ctx, ev)
		return false
	}

	select {
	case d.queue <- ev:
		return true
	default:
		d.recordDrop(ctx, ev)
		return false
	}
}

func (d *Dispatcher) recordDrop(ctx context.Context, ev events.Event) {
	d.dropped.Add(1)
	if d.droppedCounter != nil {
		d.droppedCounter.Add(ctx, 1)
	}
	d.logger.Debug("Dispatch queue full, dropping event",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)))
}

func (d *Dispatcher) run(ctx context.Context) {
	for ev := range d.queue {
		d.deliver(ctx, ev)
	}
}

// deliver invokes every matching callback for one event. A panicking
// callback is recovered and reported; remaining matches still run.
func (d *Dispatcher) deliver(ctx context.Context, ev events.Event) {
	start := time.Now()
	matched := d.registry.Match(ev)

	for _, sub := range matched {
		d.invoke(ctx, sub, ev)
	}

	if d.deliveryDuration != nil {
		d.deliveryDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, sub *subscription.Subscription, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.callbackErrors.Add(1)
			if d.errorCounter != nil {
				d.errorCounter.Add(ctx, 1)
			}
			cbErr := &events.CallbackError{
				SubscriptionID: sub.ID,
				EventID:        ev.ID,
				Recovered:      r,
			}
			d.logger.Error("Subscription callback panicked",
				zap.String("subscription_id", sub.ID),
				zap.String("event_id", ev.ID),
				zap.Any("panic", r))
			if d.errorHandler != nil {
				d.errorHandler(cbErr)
			}
		}
	}()

	sub.Callback(ev)
	d.dispatched.Add(1)
	if d.dispatchedCounter != nil {
		d.dispatchedCounter.Add(ctx, 1)
	}
}

// DispatchedCount returns the number of successful callback invocations.
func (d *Dispatcher) DispatchedCount() int64 { return d.dispatched.Load() }

// DroppedCount returns the number of events dropped at the queue.
func (d *Dispatcher) DroppedCount() int64 { return d.dropped.Load() }

// CallbackErrorCount returns the number of recovered callback panics.
func (d *Dispatcher) CallbackErrorCount() int64 { return d.callbackErrors.Load() }
