// Package vigil exposes the EventSystem facade: one subscription surface
// over the filesystem, process, system, network, and power sources, with
// debouncing, threshold hysteresis, and dispatch wired behind it.
package vigil

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/yairfalse/vigil/pkg/config"
	"github.com/yairfalse/vigil/pkg/debounce"
	"github.com/yairfalse/vigil/pkg/dispatch"
	"github.com/yairfalse/vigil/pkg/events"
	"github.com/yairfalse/vigil/pkg/sources"
	"github.com/yairfalse/vigil/pkg/sources/base"
	"github.com/yairfalse/vigil/pkg/sources/fs"
	"github.com/yairfalse/vigil/pkg/sources/network"
	"github.com/yairfalse/vigil/pkg/sources/power"
	"github.com/yairfalse/vigil/pkg/sources/procmon"
	"github.com/yairfalse/vigil/pkg/sources/system"
	"github.com/yairfalse/vigil/pkg/subscription"
	"github.com/yairfalse/vigil/pkg/threshold"
)

// Metric names used by the threshold monitor.
const (
	MetricSystemCPU      = "system.cpu"
	MetricSystemMemory   = "system.memory"
	MetricBatteryLevel   = "power.battery"
	MetricNetworkTraffic = "network.traffic"
)

type proberSet struct {
	process procmon.Prober
	system  system.Prober
	network network.Prober
	power   power.Prober
}

type fsWatch struct {
	root      string
	cfg       FsWatchConfig
	debouncer *debounce.Debouncer
	refs      int
}

// EventSystem owns the registry, dispatcher, debouncers, threshold
// monitor, and all source handles. Instances are independent; tests can
// run several side by side. An EventSystem is single-use: once stopped it
// cannot be started again.
type EventSystem struct {
	cfg          *config.Config
	logger       *zap.Logger
	errorHandler func(error)

	registry   *subscription.Registry
	dispatcher *dispatch.Dispatcher
	thresholds *threshold.Monitor

	probers proberSet

	mu      sync.Mutex
	running bool
	stopped bool

	// watches is guarded by watchMu so the filesystem pump can look up
	// debouncers without contending on the facade lock. Mutations happen
	// only while mu is also held.
	watchMu sync.RWMutex
	watches map[string]*fsWatch

	fsSource  *fs.Source
	poll      map[events.Class]sources.Source
	lifecycle *base.Lifecycle
}

// Option configures an EventSystem.
type Option func(*EventSystem)

// WithLogger sets the logger shared by all components.
func WithLogger(logger *zap.Logger) Option {
	return func(es *EventSystem) { es.logger = logger }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(es *EventSystem) { es.cfg = cfg }
}

// WithErrorHandler installs a handler for side-channel errors: callback
// panics during dispatch and source degradation after start.
func WithErrorHandler(fn func(error)) Option {
	return func(es *EventSystem) { es.errorHandler = fn }
}

// WithProcessProber injects the native process table reader.
func WithProcessProber(p procmon.Prober) Option {
	return func(es *EventSystem) { es.probers.process = p }
}

// WithSystemProber injects the native resource level reader.
func WithSystemProber(p system.Prober) Option {
	return func(es *EventSystem) { es.probers.system = p }
}

// WithNetworkProber injects the native interface table reader.
func WithNetworkProber(p network.Prober) Option {
	return func(es *EventSystem) { es.probers.network = p }
}

// WithPowerProber injects the native power state reader.
func WithPowerProber(p power.Prober) Option {
	return func(es *EventSystem) { es.probers.power = p }
}

// New creates an EventSystem with no sources active.
func New(opts ...Option) (*EventSystem, error) {
	es := &EventSystem{
		cfg:     config.DefaultConfig(),
		logger:  zap.NewNop(),
		watches: make(map[string]*fsWatch),
		poll:    make(map[events.Class]sources.Source),
	}
	for _, opt := range opts {
		opt(es)
	}
	if err := es.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	es.registry = subscription.NewRegistry(es.logger)
	es.dispatcher = dispatch.NewDispatcher(es.registry, es.logger,
		dispatch.WithQueueSize(es.cfg.QueueSize),
		dispatch.WithErrorHandler(es.reportError),
	)
	es.thresholds = threshold.NewMonitor(es.registry, es.emit, es.logger)
	return es, nil
}

// NewWithConfig is shorthand for New(WithConfig(cfg), opts...).
func NewWithConfig(cfg *config.Config, opts ...Option) (*EventSystem, error) {
	return New(append([]Option{WithConfig(cfg)}, opts...)...)
}

func (es *EventSystem) reportError(err error) {
	if es.errorHandler != nil {
		es.errorHandler(err)
	}
}

// emit hands a normalized event to the dispatcher.
func (es *EventSystem) emit(ctx context.Context, ev events.Event) {
	es.dispatcher.Route(ctx, ev)
}

// emitBg is emit without a caller context, used by debounce timers.
func (es *EventSystem) emitBg(ev events.Event) {
	es.dispatcher.Route(context.Background(), ev)
}

// Start brings up every source that current subscriptions need and
// begins dispatching. If any source fails to initialize, all sources
// started by this call are stopped again and the error is returned;
// subscriptions stay registered so a later Start can retry.
func (es *EventSystem) Start(ctx context.Context) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.stopped {
		return fmt.Errorf("event system has been stopped and cannot be restarted")
	}
	if es.running {
		return nil
	}

	es.dispatcher.Start(ctx)
	es.lifecycle = base.NewLifecycle(ctx, es.logger)

	var started []sources.Source
	rollback := func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(); err != nil {
				es.logger.Warn("Rollback stop failed",
					zap.String("source", started[i].Name()),
					zap.Error(err))
			}
		}
		// Stopped sources close their channels, so pumps exit on drain.
		if err := es.lifecycle.Stop(es.cfg.ShutdownTimeout); err != nil {
			es.logger.Warn("Rollback pump shutdown timed out", zap.Error(err))
		}
		es.lifecycle = nil
		es.fsSource = nil
		es.poll = make(map[events.Class]sources.Source)
	}

	if es.cfg.Filesystem.Enabled && len(es.watches) > 0 {
		src, err := es.buildFsSourceLocked()
		if err != nil {
			rollback()
			return err
		}
		if err := src.Start(es.lifecycle.Context()); err != nil {
			rollback()
			return err
		}
		started = append(started, src)
		es.fsSource = src
		es.startPumpLocked("fs-pump", src)
	}

	for _, class := range []events.Class{
		events.ClassProcess, events.ClassSystem, events.ClassNetwork, events.ClassPower,
	} {
		if !es.classNeededLocked(class) {
			continue
		}
		src, err := es.buildPollSourceLocked(class)
		if err != nil {
			rollback()
			return err
		}
		if err := src.Start(es.lifecycle.Context()); err != nil {
			rollback()
			return err
		}
		started = append(started, src)
		es.poll[class] = src
		es.startPumpLocked(string(class)+"-pump", src)
	}

	es.running = true
	es.logger.Info("Event system started", zap.Int("sources", len(started)))
	return nil
}

// Stop halts every source, drains in-flight events, and releases all
// resources. Subsequent calls are no-ops.
func (es *EventSystem) Stop() error {
	es.mu.Lock()
	if !es.running {
		alreadyStopped := es.stopped
		es.stopped = true
		es.mu.Unlock()
		if !alreadyStopped {
			es.dispatcher.Stop()
		}
		return nil
	}
	es.running = false
	es.stopped = true

	var srcs []sources.Source
	if es.fsSource != nil {
		srcs = append(srcs, es.fsSource)
	}
	for _, src := range es.poll {
		srcs = append(srcs, src)
	}
	es.watchMu.Lock()
	watches := make([]*fsWatch, 0, len(es.watches))
	for _, w := range es.watches {
		watches = append(watches, w)
	}
	es.watches = make(map[string]*fsWatch)
	es.watchMu.Unlock()
	lifecycle := es.lifecycle
	es.fsSource = nil
	es.poll = make(map[events.Class]sources.Source)
	es.mu.Unlock()

	// Stopping a source closes its sample channel; pumps drain what is
	// left and exit on their own.
	var firstErr error
	for _, src := range srcs {
		if err := src.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if lifecycle != nil {
		if err := lifecycle.Stop(es.cfg.ShutdownTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Flush open debounce windows before the dispatcher drains.
	for _, w := range watches {
		w.debouncer.Stop()
	}

	es.dispatcher.Stop()
	es.thresholds.Reset()
	es.registry.Clear()

	es.logger.Info("Event system stopped")
	return firstErr
}

// IsRunning reports whether Start has succeeded and Stop has not begun.
func (es *EventSystem) IsRunning() bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.running
}

// Unsubscribe removes a subscription and reports whether it existed.
// No event ingested after Unsubscribe returns is delivered to it; an
// event already mid-dispatch may still arrive.
func (es *EventSystem) Unsubscribe(id string) bool {
	es.mu.Lock()
	sub, err := es.registry.Get(id)
	if err != nil {
		es.mu.Unlock()
		return false
	}
	removed := es.registry.Remove(id)
	es.thresholds.Forget(id)
	if removed && sub.Class == events.ClassFilesystem && sub.PathScope != "" {
		es.releaseWatchLocked(sub.PathScope)
	}
	es.mu.Unlock()
	return removed
}

// classNeededLocked reports whether any live subscription requires the
// poll source for class, honoring the per-source enable flag.
func (es *EventSystem) classNeededLocked(class events.Class) bool {
	var enabled bool
	switch class {
	case events.ClassProcess:
		enabled = es.cfg.Process.Enabled
	case events.ClassSystem:
		enabled = es.cfg.System.Enabled
	case events.ClassNetwork:
		enabled = es.cfg.Network.Enabled
	case events.ClassPower:
		enabled = es.cfg.Power.Enabled
	}
	return enabled && es.registry.HasClass(class)
}

func (es *EventSystem) buildFsSourceLocked() (*fs.Source, error) {
	src, err := fs.NewSource(fs.Config{
		BufferSize:  es.cfg.Filesystem.BufferSize,
		DedupWindow: es.cfg.Filesystem.DedupWindow,
		Logger:      es.logger,
	})
	if err != nil {
		return nil, &events.SourceInitError{Source: fs.SourceName, Err: err}
	}
	for root, w := range es.watches {
		if err := src.Watch(root, w.cfg.WatchSubdirectories); err != nil {
			return nil, &events.SourceInitError{Source: fs.SourceName, Err: err}
		}
	}
	return src, nil
}

func (es *EventSystem) buildPollSourceLocked(class events.Class) (sources.Source, error) {
	switch class {
	case events.ClassProcess:
		src, err := procmon.NewSource(procmon.Config{
			Interval:   es.cfg.Process.Interval,
			BufferSize: es.cfg.Process.BufferSize,
			MaxRetries: es.cfg.Process.MaxRetries,
			Prober:     es.probers.process,
			Logger:     es.logger,
		})
		if err != nil {
			return nil, err
		}
		src.SetDegradeHandler(es.reportError)
		return src, nil
	case events.ClassSystem:
		src, err := system.NewSource(system.Config{
			Interval:   es.cfg.System.Interval,
			BufferSize: es.cfg.System.BufferSize,
			MaxRetries: es.cfg.System.MaxRetries,
			Prober:     es.probers.system,
			Logger:     es.logger,
		})
		if err != nil {
			return nil, err
		}
		src.SetDegradeHandler(es.reportError)
		return src, nil
	case events.ClassNetwork:
		src, err := network.NewSource(network.Config{
			Interval:   es.cfg.Network.Interval,
			BufferSize: es.cfg.Network.BufferSize,
			MaxRetries: es.cfg.Network.MaxRetries,
			Prober:     es.probers.network,
			Logger:     es.logger,
		})
		if err != nil {
			return nil, err
		}
		src.SetDegradeHandler(es.reportError)
		return src, nil
	case events.ClassPower:
		src, err := power.NewSource(power.Config{
			Interval:   es.cfg.Power.Interval,
			BufferSize: es.cfg.Power.BufferSize,
			MaxRetries: es.cfg.Power.MaxRetries,
			Prober:     es.probers.power,
			Logger:     es.logger,
		})
		if err != nil {
			return nil, err
		}
		src.SetDegradeHandler(es.reportError)
		return src, nil
	}
	return nil, fmt.Errorf("unknown source class %q", class)
}

// ensureClassLiveLocked starts the poll source for class when the system
// is already running and the source has not been created yet. Subscribing
// before Start just records interest.
func (es *EventSystem) ensureClassLiveLocked(class events.Class) error {
	if !es.running {
		return nil
	}
	if _, live := es.poll[class]; live {
		return nil
	}
	if !es.classNeededLocked(class) {
		return nil
	}
	src, err := es.buildPollSourceLocked(class)
	if err != nil {
		return err
	}
	if err := src.Start(es.lifecycle.Context()); err != nil {
		return err
	}
	es.poll[class] = src
	es.startPumpLocked(string(class)+"-pump", src)
	return nil
}

// ensureFsLiveLocked mirrors ensureClassLiveLocked for the push source.
func (es *EventSystem) ensureFsLiveLocked() error {
	if !es.running || !es.cfg.Filesystem.Enabled {
		return nil
	}
	if es.fsSource != nil {
		return nil
	}
	src, err := es.buildFsSourceLocked()
	if err != nil {
		return err
	}
	if err := src.Start(es.lifecycle.Context()); err != nil {
		return err
	}
	es.fsSource = src
	es.startPumpLocked("fs-pump", src)
	return nil
}

func (es *EventSystem) releaseWatchLocked(root string) {
	root = filepath.Clean(root)
	w, ok := es.watches[root]
	if !ok {
		return
	}
	w.refs--
	if w.refs > 0 {
		return
	}
	es.watchMu.Lock()
	delete(es.watches, root)
	es.watchMu.Unlock()
	w.debouncer.Stop()
	if es.fsSource != nil {
		es.fsSource.Unwatch(root)
	}
}
