package base

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yairfalse/vigil/pkg/sources"
)

// SampleChannel wraps the bounded channel a source emits on. Sends never
// block: when the consumer falls behind, samples are dropped and counted
// rather than stalling the producer loop.
type SampleChannel struct {
	mu         sync.RWMutex
	channel    chan sources.Sample
	closed     atomic.Bool
	dropped    atomic.Int64
	sent       atomic.Int64
	sourceName string
	logger     *zap.Logger
}

// NewSampleChannel creates a channel with the given buffer size.
func NewSampleChannel(size int, sourceName string, logger *zap.Logger) *SampleChannel {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SampleChannel{
		channel:    make(chan sources.Sample, size),
		sourceName: sourceName,
		logger:     logger,
	}
}

// Send attempts a non-blocking send. Returns false when the sample was
// dropped because the channel is full or closed.
func (sc *SampleChannel) Send(sample sources.Sample) bool {
	if sc.closed.Load() {
		sc.dropped.Add(1)
		return false
	}

	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if sc.closed.Load() || sc.channel == nil {
		sc.dropped.Add(1)
		return false
	}

	select {
	case sc.channel <- sample:
		sc.sent.Add(1)
		return true
	default:
		sc.dropped.Add(1)
		sc.logger.Debug("Sample channel full, dropping sample",
			zap.String("source", sc.sourceName))
		return false
	}
}

// Channel returns the receive side.
func (sc *SampleChannel) Channel() <-chan sources.Sample {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.channel
}

// Close closes the channel exactly once.
func (sc *SampleChannel) Close() {
	if !sc.closed.CompareAndSwap(false, true) {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.channel != nil {
		close(sc.channel)
	}
}

// SentCount returns the number of samples delivered into the channel.
func (sc *SampleChannel) SentCount() int64 { return sc.sent.Load() }

// DroppedCount returns the number of samples dropped.
func (sc *SampleChannel) DroppedCount() int64 { return sc.dropped.Load() }
