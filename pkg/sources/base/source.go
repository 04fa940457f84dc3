// Package base provides the common building blocks shared by all vigil
// sources: statistics and health tracking, the bounded sample channel,
// goroutine lifecycle management, and the retrying poll loop.
package base

import (
	"sync/atomic"
	"time"
)

// BaseSource provides statistics and health tracking. Embed it in a
// source to get the bookkeeping half of the Source interface for free.
type BaseSource struct {
	name      string
	startTime time.Time

	samplesProduced atomic.Int64
	samplesDropped  atomic.Int64
	errorCount      atomic.Int64

	lastSampleTime atomic.Value // stores time.Time
	lastError      atomic.Value // stores error

	isHealthy    atomic.Bool
	healthWindow time.Duration
}

// NewBaseSource creates base bookkeeping for a source. healthWindow
// bounds how long the source may go without producing before Health
// reporting degrades it; zero disables that check.
func NewBaseSource(name string, healthWindow time.Duration) *BaseSource {
	bs := &BaseSource{
		name:         name,
		startTime:    time.Now(),
		healthWindow: healthWindow,
	}
	bs.isHealthy.Store(true)
	bs.lastSampleTime.Store(time.Now())
	return bs
}

// RecordSample notes a successfully produced sample.
func (bs *BaseSource) RecordSample() {
	bs.samplesProduced.Add(1)
	bs.lastSampleTime.Store(time.Now())
}

// RecordDrop notes a sample dropped at the channel.
func (bs *BaseSource) RecordDrop() {
	bs.samplesDropped.Add(1)
}

// RecordError notes a probe or watcher error.
func (bs *BaseSource) RecordError(err error) {
	bs.errorCount.Add(1)
	if err != nil {
		bs.lastError.Store(err)
	}
}

// SetHealthy overrides the health flag. The poll loop clears it when a
// source degrades past its retry budget.
func (bs *BaseSource) SetHealthy(healthy bool) {
	bs.isHealthy.Store(healthy)
}

// IsHealthy reports the current health flag, additionally degrading when
// the source has been silent longer than its health window.
func (bs *BaseSource) IsHealthy() bool {
	if !bs.isHealthy.Load() {
		return false
	}
	if bs.healthWindow > 0 && bs.samplesProduced.Load() > 0 {
		if t, ok := bs.lastSampleTime.Load().(time.Time); ok {
			if time.Since(t) > bs.healthWindow {
				return false
			}
		}
	}
	return true
}

// Name returns the source name.
func (bs *BaseSource) Name() string { return bs.name }

// Uptime returns how long the source has existed.
func (bs *BaseSource) Uptime() time.Duration { return time.Since(bs.startTime) }

// SampleCount returns the number of samples produced.
func (bs *BaseSource) SampleCount() int64 { return bs.samplesProduced.Load() }

// DroppedCount returns the number of samples dropped.
func (bs *BaseSource) DroppedCount() int64 { return bs.samplesDropped.Load() }

// ErrorCount returns the number of recorded errors.
func (bs *BaseSource) ErrorCount() int64 { return bs.errorCount.Load() }

// LastError returns the most recent recorded error, if any.
func (bs *BaseSource) LastError() error {
	if e, ok := bs.lastError.Load().(error); ok {
		return e
	}
	return nil
}
