package base

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultPollInterval is used when a poll source's config leaves the
// interval unset.
const DefaultPollInterval = time.Second

// TickFunc performs one sampling pass: probe, convert, send.
type TickFunc func(ctx context.Context) error

// PollLoop drives a TickFunc on an interval. Transient tick errors are
// retried with exponential backoff up to a bounded number of attempts;
// when the budget is exhausted the loop exits and OnDegrade fires, so one
// failing source never takes the rest of the system down.
type PollLoop struct {
	Name        string
	Interval    time.Duration
	MaxRetries  uint64
	Tick        TickFunc
	Logger      *zap.Logger
	OnDegrade   func(error)
	RecordError func(error)
}

// Run blocks until ctx is cancelled or the source degrades.
func (p *PollLoop) Run(ctx context.Context) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The first tick runs immediately so a baseline snapshot exists
	// before the first interval elapses.
	for {
		if err := p.tickWithRetry(ctx, maxRetries); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Poll source degraded after exhausting retries",
				zap.String("source", p.Name),
				zap.Error(err))
			if p.OnDegrade != nil {
				p.OnDegrade(err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *PollLoop) tickWithRetry(ctx context.Context, maxRetries uint64) error {
	if p.Tick == nil {
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	return backoff.Retry(func() error {
		err := p.Tick(ctx)
		if err != nil && p.RecordError != nil {
			p.RecordError(err)
		}
		return err
	}, policy)
}
