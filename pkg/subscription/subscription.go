// Package subscription owns registered interests and the matching logic
// the dispatcher uses to route normalized events to callbacks.
package subscription

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/yairfalse/vigil/pkg/events"
)

// Direction states which side of a threshold is the alerting side.
type Direction string

const (
	// DirectionHigh fires when the metric reaches or exceeds the value.
	DirectionHigh Direction = "high"
	// DirectionLow fires when the metric reaches or falls below the value.
	DirectionLow Direction = "low"
)

// Threshold is an immutable numeric trigger attached to a subscription.
type Threshold struct {
	Metric    string
	Value     float64
	Direction Direction
}

// Crossed reports whether value is on the alerting side of the threshold.
func (t Threshold) Crossed(value float64) bool {
	if t.Direction == DirectionLow {
		return value <= t.Value
	}
	return value >= t.Value
}

// Callback receives a normalized event. Callbacks run on the dispatcher's
// delivery goroutine, never on a source's sampling goroutine.
type Callback func(events.Event)

// Subscription is a registered interest. All fields are immutable once
// the subscription has been added to a registry.
type Subscription struct {
	ID        string
	Class     events.Class
	Types     map[events.EventType]struct{}
	PathScope string
	Threshold *Threshold
	Callback  Callback
	CreatedAt time.Time
}

// WantsType reports whether the subscription's kind filter accepts t.
// An empty kind set accepts every type of the subscribed class.
func (s *Subscription) WantsType(t events.EventType) bool {
	if len(s.Types) == 0 {
		return true
	}
	_, ok := s.Types[t]
	return ok
}

// Matches reports whether the subscription should receive ev. Threshold
// subscriptions only accept events targeted at them, since the threshold
// monitor evaluates crossings per subscription.
func (s *Subscription) Matches(ev events.Event) bool {
	if ev.Target != "" {
		return ev.Target == s.ID
	}
	if s.Threshold != nil {
		return false
	}
	if s.Class != ev.Class {
		return false
	}
	if !s.WantsType(ev.Type) {
		return false
	}
	if s.PathScope != "" && ev.Payload.FS != nil {
		if !underPath(s.PathScope, ev.Payload.FS.Path) && !underPath(s.PathScope, ev.Payload.FS.OldPath) {
			return false
		}
	}
	return true
}

// underPath reports whether path equals scope or sits beneath it.
func underPath(scope, path string) bool {
	if path == "" {
		return false
	}
	scope = filepath.Clean(scope)
	path = filepath.Clean(path)
	if scope == path {
		return true
	}
	return strings.HasPrefix(path, scope+string(filepath.Separator))
}
