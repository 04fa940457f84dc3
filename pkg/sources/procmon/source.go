// Package procmon implements the poll-based process source. A narrow
// Prober supplies the raw process table; the source diffs consecutive
// tables to detect started and terminated processes and forwards
// per-process usage for threshold evaluation.
package procmon

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
const SourceName = "process"

const defaultStopTimeout = 5 * time.Second

// Prober enumerates the process table. Native enumeration (procfs, WMI,
// libproc) lives behind this interface and outside the core.
type Prober interface {
	Snapshot(ctx context.Context) (sources.ProcessSnapshot, error)
}

// PlatformProber returns the native prober for the current OS. The core
// library ships no native bindings; platform builds provide one, and
// callers without one get ErrPlatformUnsupported at start.
func PlatformProber() (Prober, error) {
	return nil, events.ErrPlatformUnsupported
}

// Config controls the process source.
type Config struct {
	Interval   time.Duration
	BufferSize int
	MaxRetries uint64
	Prober     Prober
	Logger     *zap.Logger
}

// DefaultConfig returns sensible defaults. The prober must still be
// supplied by the caller.
func DefaultConfig() Config {
	return Config{
		Interval:   time.Second,
		BufferSize: 256,
		MaxRetries: 5,
	}
}

// Source polls the process table and emits snapshots with lifecycle
// diffs attached.
type Source struct {
	*base.BaseSource

	cfg     Config
	logger  *zap.Logger
	channel *base.SampleChannel

	// prev is touched only from the poll goroutine.
	prev map[int32]sources.ProcessInfo

	lifecycle *base.Lifecycle
	started   atomic.Bool
	stopped   atomic.Bool
	onDegrade func(error)
}

// NewSource creates the source. A nil prober is rejected here so the
// failure surfaces at construction, not first tick.
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
		prev:       make(map[int32]sources.ProcessInfo),
	}, nil
}

// SetDegradeHandler installs a callback fired when the source exhausts
// its retry budget and stops producing.
func (s *Source) SetDegradeHandler(fn func(error)) { s.onDegrade = fn }

// Name returns the source name.
func (s *Source) Name() string { return SourceName }

// Samples returns the snapshot channel.
func (s *Source) Samples() <-chan sources.Sample { return s.channel.Channel() }

// Start launches the poll loop.
func (s *Source) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("process source already started")
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
	s.lifecycle.Go("procmon-poll", func() {
		loop.Run(s.lifecycle.Context())
	})

	s.logger.Info("Process source started",
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
	s.logger.Info("Process source stopped")
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
		Process:   &snap,
	}) {
		s.RecordSample()
	} else {
		s.RecordDrop()
	}
	return nil
}

// diff fills Started and Terminated from the previous tick's table. The
// first tick establishes a baseline and reports no lifecycle changes.
func (s *Source) diff(snap *sources.ProcessSnapshot) {
	current := make(map[int32]sources.ProcessInfo, len(snap.Processes))
	for _, p := range snap.Processes {
		current[p.PID] = p
	}

	if len(s.prev) > 0 {
		for pid, p := range current {
			if _, existed := s.prev[pid]; !existed {
				snap.Started = append(snap.Started, p)
			}
		}
		for pid, p := range s.prev {
			if _, alive := current[pid]; !alive {
				snap.Terminated = append(snap.Terminated, p)
			}
		}
	}

	s.prev = current
}
