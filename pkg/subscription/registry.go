package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yairfalse/vigil/pkg/events"
)

// Registry holds live subscriptions. Add and Remove may be called from
// any goroutine concurrently with Match calls from the dispatcher; the
// internal lock is the only synchronization between them.
//
// A subscription removed while an event is mid-dispatch may still receive
// that event if removal raced after the dispatcher took its match
// snapshot. No event ingested after Remove returns is ever delivered.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	order  []string
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// Add registers the subscription and assigns it a unique id.
func (r *Registry) Add(sub *Subscription) (string, error) {
	if sub == nil {
		return "", fmt.Errorf("subscription cannot be nil")
	}
	if sub.Callback == nil {
		return "", fmt.Errorf("subscription callback cannot be nil")
	}
	if sub.Class == "" {
		return "", fmt.Errorf("subscription class cannot be empty")
	}

	id := uuid.NewString()
	sub.ID = id
	sub.CreatedAt = time.Now()

	r.mu.Lock()
	r.subs[id] = sub
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.logger.Debug("Subscription added",
		zap.String("subscription_id", id),
		zap.String("class", string(sub.Class)))
	return id, nil
}

// Remove deletes the subscription and reports whether it existed.
// Removing an unknown id is not an error.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, existed := r.subs[id]
	if existed {
		delete(r.subs, id)
		for i, o := range r.order {
			if o == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if existed {
		r.logger.Debug("Subscription removed", zap.String("subscription_id", id))
	}
	return existed
}

// Get returns the live subscription for id, or ErrHandlerNotFound.
func (r *Registry) Get(id string) (*Subscription, error) {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, events.ErrHandlerNotFound
	}
	return sub, nil
}

// Match returns every live subscription accepting ev, in insertion order.
// The returned slice is a snapshot; later Remove calls do not mutate it.
func (r *Registry) Match(ev events.Event) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Subscription
	for _, id := range r.order {
		sub := r.subs[id]
		if sub != nil && sub.Matches(ev) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// ThresholdSubscriptions returns, in insertion order, every subscription
// carrying a threshold on the given metric.
func (r *Registry) ThresholdSubscriptions(metric string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Subscription
	for _, id := range r.order {
		sub := r.subs[id]
		if sub != nil && sub.Threshold != nil && sub.Threshold.Metric == metric {
			matched = append(matched, sub)
		}
	}
	return matched
}

// HasClass reports whether any live subscription targets the class.
func (r *Registry) HasClass(class events.Class) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if sub.Class == class {
			return true
		}
	}
	return false
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Clear drops every subscription. Used during facade shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.subs = make(map[string]*Subscription)
	r.order = nil
	r.mu.Unlock()
}
