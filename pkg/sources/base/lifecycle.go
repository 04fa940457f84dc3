package base

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned when a source's goroutines do not exit
// within the stop timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Lifecycle manages a source's goroutines and graceful shutdown.
type Lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stopCh chan struct{}
	logger *zap.Logger

	running atomic.Int32
}

// NewLifecycle creates a lifecycle derived from ctx.
func NewLifecycle(ctx context.Context, logger *zap.Logger) *Lifecycle {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Lifecycle{
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

// Go launches fn as a tracked goroutine.
func (l *Lifecycle) Go(name string, fn func()) {
	l.wg.Add(1)
	l.running.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.running.Add(-1)
		l.logger.Debug("Starting goroutine", zap.String("name", name))
		defer l.logger.Debug("Goroutine stopped", zap.String("name", name))
		fn()
	}()
}

// Stop cancels the context, signals stop, and waits up to timeout for
// all tracked goroutines to exit.
func (l *Lifecycle) Stop(timeout time.Duration) error {
	select {
	case <-l.stopCh:
		// already stopping
	default:
		close(l.stopCh)
	}
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		l.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", l.running.Load()))
		return ErrShutdownTimeout
	}
}

// Context returns the lifecycle context.
func (l *Lifecycle) Context() context.Context { return l.ctx }

// StopChannel returns the stop signal channel.
func (l *Lifecycle) StopChannel() <-chan struct{} { return l.stopCh }

// IsStopping reports whether shutdown has begun.
func (l *Lifecycle) IsStopping() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}
