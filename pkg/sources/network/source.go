// Package network implements the poll-based network source. A narrow
// Prober supplies the interface table; the source diffs consecutive
// tables for up/down transitions and computes per-interval byte deltas
// feeding the traffic threshold metric.
package network

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
const SourceName = "network"

const defaultStopTimeout = 5 * time.Second

// Prober reads the interface table with cumulative traffic counters.
type Prober interface {
	Snapshot(ctx context.Context) (sources.NetworkSnapshot, error)
}

// PlatformProber returns the native prober for the current OS, or
// ErrPlatformUnsupported where no platform build provides one.
func PlatformProber() (Prober, error) {
	return nil, events.ErrPlatformUnsupported
}

// Config controls the network source.
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

// Source polls the interface table and annotates snapshots with
// transitions and traffic deltas.
type Source struct {
	*base.BaseSource

	cfg     Config
	logger  *zap.Logger
	channel *base.SampleChannel

	// prev is touched only from the poll goroutine.
	prev map[string]sources.InterfaceInfo

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
		prev:       make(map[string]sources.InterfaceInfo),
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
		return fmt.Errorf("network source already started")
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
	s.lifecycle.Go("network-poll", func() {
		loop.Run(s.lifecycle.Context())
	})

	s.logger.Info("Network source started",
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
	s.logger.Info("Network source stopped")
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
		Network:   &snap,
	}) {
		s.RecordSample()
	} else {
		s.RecordDrop()
	}
	return nil
}

// diff fills WentUp/WentDown and the per-interface byte deltas from the
// previous tick. The first tick establishes a baseline. Counter resets
// (interface bounced, counters wrapped) yield a zero delta rather than
// an underflowed one.
func (s *Source) diff(snap *sources.NetworkSnapshot) {
	current := make(map[string]sources.InterfaceInfo, len(snap.Interfaces))

	for i := range snap.Interfaces {
		iface := &snap.Interfaces[i]
		if prev, ok := s.prev[iface.Name]; ok {
			if iface.BytesSent >= prev.BytesSent {
				iface.DeltaSent = iface.BytesSent - prev.BytesSent
			}
			if iface.BytesReceived >= prev.BytesReceived {
				iface.DeltaReceived = iface.BytesReceived - prev.BytesReceived
			}
			if iface.Up && !prev.Up {
				snap.WentUp = append(snap.WentUp, *iface)
			}
			if !iface.Up && prev.Up {
				snap.WentDown = append(snap.WentDown, *iface)
			}
		}
		current[iface.Name] = *iface
	}

	// An interface that vanished from the table counts as down.
	for name, prev := range s.prev {
		if _, present := current[name]; !present && prev.Up {
			gone := prev
			gone.Up = false
			snap.WentDown = append(snap.WentDown, gone)
		}
	}

	s.prev = current
}
