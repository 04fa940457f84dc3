// Package threshold turns continuous metric streams from poll sources
// into discrete crossing events with hysteresis: a subscription is
// notified once when its metric enters the alerting state and is re-armed
// silently when the metric recovers.
package threshold

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/vigil/pkg/events"
	"github.com/yairfalse/vigil/pkg/subscription"
)

// EmitFunc forwards a crossing event to the dispatcher.
type EmitFunc func(context.Context, events.Event)

// BuildFunc constructs the crossing event for one subscription. The
// monitor sets the Target itself.
type BuildFunc func(*subscription.Subscription) events.Event

type stateKey struct {
	metric string
	subID  string
}

type bucketState struct {
	high           bool
	lastTransition time.Time
}

// Monitor holds per-(metric, subscription) hysteresis state. All state is
// private and guarded; Forget may be called concurrently with Ingest when
// a subscription is removed mid-sample.
type Monitor struct {
	registry *subscription.Registry
	emit     EmitFunc
	logger   *zap.Logger

	mu     sync.Mutex
	states map[stateKey]*bucketState
}

// NewMonitor creates a monitor evaluating against the given registry.
func NewMonitor(registry *subscription.Registry, emit EmitFunc, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		registry: registry,
		emit:     emit,
		logger:   logger,
		states:   make(map[stateKey]*bucketState),
	}
}

// Ingest evaluates one sample of a metric against every subscription
// thresholding that metric. An event is emitted only on a normal-to-high
// transition; samples that keep a subscription in its current bucket are
// absorbed.
func (m *Monitor) Ingest(ctx context.Context, metric string, value float64, build BuildFunc) {
	subs := m.registry.ThresholdSubscriptions(metric)
	if len(subs) == 0 {
		return
	}

	now := time.Now()
	for _, sub := range subs {
		crossed := sub.Threshold.Crossed(value)

		m.mu.Lock()
		key := stateKey{metric: metric, subID: sub.ID}
		st, ok := m.states[key]
		if !ok {
			st = &bucketState{}
			m.states[key] = st
		}

		var fire bool
		switch {
		case crossed && !st.high:
			st.high = true
			st.lastTransition = now
			fire = true
		case !crossed && st.high:
			st.high = false
			st.lastTransition = now
		}
		m.mu.Unlock()

		if fire {
			ev := build(sub)
			ev.Target = sub.ID
			m.logger.Debug("Threshold crossed",
				zap.String("metric", metric),
				zap.Float64("value", value),
				zap.Float64("threshold", sub.Threshold.Value),
				zap.String("subscription_id", sub.ID))
			m.emit(ctx, ev)
		}
	}
}

// Forget drops all hysteresis state belonging to a subscription. Called
// on unsubscribe so a re-added subscription starts from Normal.
func (m *Monitor) Forget(subID string) {
	m.mu.Lock()
	for key := range m.states {
		if key.subID == subID {
			delete(m.states, key)
		}
	}
	m.mu.Unlock()
}

// Reset clears every tracked state. Used during facade shutdown.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.states = make(map[stateKey]*bucketState)
	m.mu.Unlock()
}

// InHighState reports whether the (metric, subscription) pair is
// currently in the alerting bucket.
func (m *Monitor) InHighState(metric, subID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey{metric: metric, subID: subID}]
	return ok && st.high
}
