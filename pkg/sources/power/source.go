// Package power implements the poll-based battery/power source. A narrow
// Prober supplies the power state; the source marks charging and
// power-source transitions between ticks, leaving the battery-low
// threshold to the core.
package power

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
const SourceName = "power"

const defaultStopTimeout = 5 * time.Second

// Prober reads battery and power-source state. Native reads (IOKit,
// sysfs power_supply, Win32 power APIs) live behind this interface.
type Prober interface {
	Snapshot(ctx context.Context) (sources.PowerSnapshot, error)
}

// PlatformProber returns the native prober for the current OS, or
// ErrPlatformUnsupported where no platform build provides one.
func PlatformProber() (Prober, error) {
	return nil, events.ErrPlatformUnsupported
}

// Config controls the power source.
type Config struct {
	Interval   time.Duration
	BufferSize int
	MaxRetries uint64
	Prober     Prober
	Logger     *zap.Logger
}

// DefaultConfig returns sensible defaults without a prober. Power state
// moves slowly, so the default interval is coarser than the other poll
// sources.
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Second,
		BufferSize: 64,
		MaxRetries: 5,
	}
}

// Source polls power state and annotates snapshots with transitions.
type Source struct {
	*base.BaseSource

	cfg     Config
	logger  *zap.Logger
	channel *base.SampleChannel

	// prev is touched only from the poll goroutine.
	prev *sources.PowerSnapshot

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
		cfg.Interval = 5 * time.Second
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
		return fmt.Errorf("power source already started")
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
	s.lifecycle.Go("power-poll", func() {
		loop.Run(s.lifecycle.Context())
	})

	s.logger.Info("Power source started",
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
	s.logger.Info("Power source stopped")
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
	s.diff(&snap)

	if s.channel.Send(sources.Sample{
		Source:    SourceName,
		Timestamp: snap.Timestamp,
		Power:     &snap,
	}) {
		s.RecordSample()
	} else {
		s.RecordDrop()
	}
	return nil
}

// diff marks charging and power-source transitions relative to the
// previous tick. The first tick establishes a baseline.
func (s *Source) diff(snap *sources.PowerSnapshot) {
	if s.prev != nil {
		if snap.Charging != nil && s.prev.Charging != nil {
			if *snap.Charging && !*s.prev.Charging {
				snap.ChargingStarted = true
			}
			if !*snap.Charging && *s.prev.Charging {
				snap.ChargingStopped = true
			}
		}
		if snap.PowerSource != "" && s.prev.PowerSource != "" &&
			snap.PowerSource != s.prev.PowerSource {
			snap.SourceChanged = true
			snap.PreviousSource = s.prev.PowerSource
		}
	}

	copySnap := *snap
	s.prev = &copySnap
}
