// Package sources defines the producer abstraction feeding the vigil
// core. A source is either push-based (raw events arrive as they occur)
// or poll-based (a probe is sampled on an interval); both emit Sample
// envelopes on a bounded channel and never touch subscriptions directly.
package sources

import (
	"context"
	"time"
)

// Source is the minimal contract every producer implements.
type Source interface {
	// Name returns the unique identifier for this source.
	Name() string

	// Start begins producing. It returns quickly and runs its loop in
	// the background.
	Start(ctx context.Context) error

	// Stop gracefully shuts the source down and releases native handles.
	Stop() error

	// Samples returns the channel of raw samples. It is closed when the
	// source stops.
	Samples() <-chan Sample

	// IsHealthy reports whether the source is functioning. A degraded
	// source stops producing but does not take the rest of the system
	// down.
	IsHealthy() bool
}

// Sample is the raw envelope emitted by a source. Exactly one payload
// pointer is non-nil; the pipeline normalizes it into an events.Event.
type Sample struct {
	Source    string
	Timestamp time.Time

	FS      *RawFsEvent
	System  *SystemSnapshot
	Process *ProcessSnapshot
	Network *NetworkSnapshot
	Power   *PowerSnapshot
}

// RawFsOp is the uninterpreted operation reported by the native watcher.
type RawFsOp uint8

const (
	RawFsCreate RawFsOp = iota
	RawFsWrite
	RawFsRemove
	RawFsRename
	RawFsChmod
)

// RawFsEvent is a single native filesystem notification before
// debouncing. OldPath is populated for renames when the watcher could
// pair the two halves.
type RawFsEvent struct {
	Path      string
	OldPath   string
	Op        RawFsOp
	Timestamp time.Time
}

// SystemSnapshot is one tick of host-wide resource levels. Fields the
// probe did not measure are nil.
type SystemSnapshot struct {
	CPUUsage    *float64
	MemoryUsage *float64
	DiskUsage   *float64
	Temperature *float64
	LoadAverage *float64
	Timestamp   time.Time
}

// ProcessInfo describes one running process at sample time.
type ProcessInfo struct {
	PID         int32
	Name        string
	CPUUsage    float64
	MemoryBytes uint64
	Status      string
}

// ProcessSnapshot is the full process table at one tick. The source
// diffs consecutive snapshots itself, so Started and Terminated carry
// the lifecycle changes since the previous tick; the first tick reports
// none.
type ProcessSnapshot struct {
	Processes  []ProcessInfo
	Started    []ProcessInfo
	Terminated []ProcessInfo
	Timestamp  time.Time
}

// InterfaceInfo describes one network interface at sample time. The
// Delta fields are bytes moved since the previous tick, computed by the
// source; zero on the first tick.
type InterfaceInfo struct {
	Name          string
	Up            bool
	BytesSent     uint64
	BytesReceived uint64
	DeltaSent     uint64
	DeltaReceived uint64
}

// NetworkSnapshot is the interface table at one tick plus the state
// transitions observed since the previous one.
type NetworkSnapshot struct {
	Interfaces []InterfaceInfo
	WentUp     []InterfaceInfo
	WentDown   []InterfaceInfo
	Timestamp  time.Time
}

// PowerSnapshot is the battery/power state at one tick plus transitions
// observed since the previous one.
type PowerSnapshot struct {
	BatteryLevel    *float64
	Charging        *bool
	PowerSource     string
	ChargingStarted bool
	ChargingStopped bool
	SourceChanged   bool
	PreviousSource  string
	Timestamp       time.Time
}
