// Package system implements the poll-based host resource source. A
// narrow Prober supplies resource levels; the source just samples it on
// an interval, leaving threshold evaluation to the core.
package system

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/vigil/pkg/events"
	"github.com/yairfalse/vigil/pkg/sources"
	"github.com/yairfalse/vigil/pkg/sources/base"
)

// SourceName identifies this source on emitted samples.
const SourceName = "system"

const defaultStopTimeout = 5 * time.Second

// Prober reads host-wide resource levels. Native reads (procfs, sysctl,
// performance counters) live behind this interface.
type Prober interface {
	Snapshot(ctx context.Context) (sources.SystemSnapshot, error)
}

// PlatformProber returns the native prober for the current OS, or
// ErrPlatformUnsupported where no platform build provides one.
func PlatformProber() (Prober, error) {
	return nil, events.ErrPlatformUnsupported
}

// Config controls the system source.
type Config struct {
	Interval   time.Duration
	BufferSize int
	MaxRetries uint64
	Prober     Prober
	Logger     *zap.Logger
}

// DefaultConfig returns sensible defaults without a prober.
func DefaultConfig() Config {
	return Config{
		Interval:   time.Second,
		BufferSize: 256,
		MaxRetries: 5,
	}
}

// Source samples host resource levels on an interval.
type Source struct {
	*base.BaseSource

	cfg     Config
	logger  *zap.Logger
	channel *base.SampleChannel

	lifecycle *base.Lifecycle
	started   atomic.Bool
	stopped   atomic.Bool
	onDegrade func(error)
}

// NewSource creates the source; a nil prober is rejected immediately.
func NewSource(cfg Config) (*Source, error) {
	if cfg.Prober == nil {
		return nil, &events.SourceInitError{Source: SourceName, Err: events.ErrPlatformUnsupported}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	return &Source{
		BaseSource: base.NewBaseSource(SourceName, 0),
		cfg:        cfg,
		logger:     logger,
		channel:    base.NewSampleChannel(cfg.BufferSize, SourceName, logger),
	}, nil
}

// SetDegradeHandler installs a callback fired on permanent failure.
func (s *Source) SetDegradeHandler(fn func(error)) { s.onDegrade = fn }

// Name returns the source name.
func (s *Source) Name() string { return SourceName }

// Samples returns the snapshot channel.
func (s *Source) Samples() <-chan sources.Sample { return s.channel.Channel() }

// Start launches the poll loop.
func (s *Source) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("system source already started")
	}

	s.lifecycle = base.NewLifecycle(ctx, s.logger)
	loop := &base.PollLoop{
		Name:        SourceName,
		Interval:    s.cfg.Interval,
		MaxRetries:  s.cfg.MaxRetries,
		Tick:        s.tick,
		Logger:      s.logger,
		RecordError: s.RecordError,
		OnDegrade: func(err error) {
			s.SetHealthy(false)
			if s.onDegrade != nil {
				s.onDegrade(err)
			}
		},
	}
	s.lifecycle.Go("system-poll", func() {
		loop.Run(s.lifecycle.Context())
	})

	s.logger.Info("System source started",
		zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop halts polling and closes the channel. Idempotent.
func (s *Source) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.lifecycle != nil {
		err = s.lifecycle.Stop(defaultStopTimeout)
	}
	s.channel.Close()
	s.logger.Info("System source stopped")
	return err
}

func (s *Source) tick(ctx context.Context) error {
	snap, err := s.cfg.Prober.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	if s.channel.Send(sources.Sample{
		Source:    SourceName,
		Timestamp: snap.Timestamp,
		System:    &snap,
	}) {
		s.RecordSample()
	} else {
		s.RecordDrop()
	}
	return nil
}
