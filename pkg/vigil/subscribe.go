package vigil

import (
	"fmt"
	"path/filepath"

	"github.com/yairfalse/vigil/pkg/debounce"
	"github.com/yairfalse/vigil/pkg/events"
	"github.com/yairfalse/vigil/pkg/sources/fs"
	"github.com/yairfalse/vigil/pkg/sources/network"
	"github.com/yairfalse/vigil/pkg/sources/power"
	"github.com/yairfalse/vigil/pkg/sources/procmon"
	"github.com/yairfalse/vigil/pkg/sources/system"
	"github.com/yairfalse/vigil/pkg/subscription"
)

// FsWatchConfig tunes one filesystem watch. The zero value watches a
// single directory level with no ignore patterns and no debouncing;
// DefaultFsWatchConfig is what the typed convenience methods use.
type FsWatchConfig struct {
	// WatchSubdirectories extends the watch to nested directories,
	// including ones created after the watch was established.
	WatchSubdirectories bool

	// IgnorePatterns are glob patterns matched against paths relative to
	// the watched root and against base names. Nil means the configured
	// default ignore set; an empty non-nil slice means no ignores.
	IgnorePatterns []string

	// DebounceEvents coalesces bursts on the same path into one event.
	DebounceEvents bool

	// EventTypes restricts delivery to the listed filesystem types.
	// Empty means all.
	EventTypes []events.EventType
}

// DefaultFsWatchConfig watches recursively with debouncing on and the
// configured default ignore set.
func DefaultFsWatchConfig() FsWatchConfig {
	return FsWatchConfig{
		WatchSubdirectories: true,
		DebounceEvents:      true,
	}
}

// OnFsCreated invokes cb when an entry appears under path.
func (es *EventSystem) OnFsCreated(path string, cb func(events.FsEvent)) (string, error) {
	return es.subscribeFs(path, nil, []events.EventType{events.FsCreated}, cb)
}

// OnFsModified invokes cb when an entry under path is written to.
func (es *EventSystem) OnFsModified(path string, cb func(events.FsEvent)) (string, error) {
	return es.subscribeFs(path, nil, []events.EventType{events.FsModified}, cb)
}

// OnFsDeleted invokes cb when an entry under path is removed.
func (es *EventSystem) OnFsDeleted(path string, cb func(events.FsEvent)) (string, error) {
	return es.subscribeFs(path, nil, []events.EventType{events.FsDeleted}, cb)
}

// OnFsEvent invokes cb for every filesystem event under path that the
// watch config lets through. A nil cfg means DefaultFsWatchConfig.
func (es *EventSystem) OnFsEvent(path string, cfg *FsWatchConfig, cb func(events.FsEvent)) (string, error) {
	return es.subscribeFs(path, cfg, nil, cb)
}

func (es *EventSystem) subscribeFs(path string, cfg *FsWatchConfig, types []events.EventType, cb func(events.FsEvent)) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("callback must not be nil")
	}
	wcfg := DefaultFsWatchConfig()
	if cfg != nil {
		wcfg = *cfg
	}
	root := filepath.Clean(path)

	// The subscription filter is the narrower of the explicit kind list
	// and the watch config's own kind list.
	filter := types
	if filter == nil {
		filter = wcfg.EventTypes
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if err := es.acquireWatchLocked(root, wcfg); err != nil {
		return "", err
	}

	id, err := es.registry.Add(&subscription.Subscription{
		Class:     events.ClassFilesystem,
		Types:     typeSet(filter),
		PathScope: root,
		Callback: func(ev events.Event) {
			if ev.Payload.FS != nil {
				cb(*ev.Payload.FS)
			}
		},
	})
	if err != nil {
		es.releaseWatchLocked(root)
		return "", err
	}
	return id, nil
}

// acquireWatchLocked registers interest in root, creating the watch and
// its debouncer on first reference. The first subscriber's watch config
// decides how the shared root is watched and debounced.
func (es *EventSystem) acquireWatchLocked(root string, wcfg FsWatchConfig) error {
	if w, ok := es.watches[root]; ok {
		w.refs++
		return nil
	}

	patterns := wcfg.IgnorePatterns
	if patterns == nil {
		patterns = es.cfg.IgnorePatterns
	}
	deb, err := debounce.New(debounce.Config{
		Root:                root,
		WatchSubdirectories: wcfg.WatchSubdirectories,
		IgnorePatterns:      patterns,
		Enabled:             wcfg.DebounceEvents && es.cfg.Debounce.Enabled,
		Window:              es.cfg.Debounce.Window,
		Types:               typeSet(wcfg.EventTypes),
		Source:              fs.SourceName,
	}, es.emitBg, es.logger)
	if err != nil {
		return err
	}

	es.watchMu.Lock()
	es.watches[root] = &fsWatch{root: root, cfg: wcfg, debouncer: deb, refs: 1}
	es.watchMu.Unlock()

	undo := func() {
		es.watchMu.Lock()
		delete(es.watches, root)
		es.watchMu.Unlock()
		deb.Stop()
	}

	if es.running {
		if es.fsSource == nil {
			if err := es.ensureFsLiveLocked(); err != nil {
				undo()
				return err
			}
		} else if err := es.fsSource.Watch(root, wcfg.WatchSubdirectories); err != nil {
			undo()
			return err
		}
		return nil
	}

	// Not running yet: validate the path now so the error surfaces at
	// subscribe time rather than at Start.
	if err := fs.ValidateWatchPath(root); err != nil {
		undo()
		return err
	}
	return nil
}

// OnProcessStarted invokes cb when a new process appears.
func (es *EventSystem) OnProcessStarted(cb func(events.ProcessEvent)) (string, error) {
	return es.subscribeProcess([]events.EventType{events.ProcessStarted}, cb)
}

// OnProcessTerminated invokes cb when a tracked process disappears.
func (es *EventSystem) OnProcessTerminated(cb func(events.ProcessEvent)) (string, error) {
	return es.subscribeProcess([]events.EventType{events.ProcessTerminated}, cb)
}

// OnProcessEvent invokes cb for every process event.
func (es *EventSystem) OnProcessEvent(cb func(events.ProcessEvent)) (string, error) {
	return es.subscribeProcess(nil, cb)
}

func (es *EventSystem) subscribeProcess(types []events.EventType, cb func(events.ProcessEvent)) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("callback must not be nil")
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if err := es.resolveProberLocked(events.ClassProcess); err != nil {
		return "", err
	}
	id, err := es.registry.Add(&subscription.Subscription{
		Class: events.ClassProcess,
		Types: typeSet(types),
		Callback: func(ev events.Event) {
			if ev.Payload.Process != nil {
				cb(*ev.Payload.Process)
			}
		},
	})
	if err != nil {
		return "", err
	}
	if err := es.ensureClassLiveLocked(events.ClassProcess); err != nil {
		es.registry.Remove(id)
		return "", err
	}
	return id, nil
}

// OnCPUUsageHigh invokes cb once each time overall CPU usage rises to or
// above thresholdPercent, then re-arms when usage falls back below it.
func (es *EventSystem) OnCPUUsageHigh(thresholdPercent float64, cb func(events.SystemEvent)) (string, error) {
	return es.subscribeSystem(&subscription.Threshold{
		Metric:    MetricSystemCPU,
		Value:     thresholdPercent,
		Direction: subscription.DirectionHigh,
	}, nil, cb)
}

// OnMemoryUsageHigh invokes cb once each time memory usage rises to or
// above thresholdPercent, with the same re-arm behavior as OnCPUUsageHigh.
func (es *EventSystem) OnMemoryUsageHigh(thresholdPercent float64, cb func(events.SystemEvent)) (string, error) {
	return es.subscribeSystem(&subscription.Threshold{
		Metric:    MetricSystemMemory,
		Value:     thresholdPercent,
		Direction: subscription.DirectionHigh,
	}, nil, cb)
}

// OnSystemEvent invokes cb for every system resource event generated
// against the configured default threshold levels.
func (es *EventSystem) OnSystemEvent(cb func(events.SystemEvent)) (string, error) {
	return es.subscribeSystem(nil, nil, cb)
}

func (es *EventSystem) subscribeSystem(th *subscription.Threshold, types []events.EventType, cb func(events.SystemEvent)) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("callback must not be nil")
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if err := es.resolveProberLocked(events.ClassSystem); err != nil {
		return "", err
	}
	id, err := es.registry.Add(&subscription.Subscription{
		Class:     events.ClassSystem,
		Types:     typeSet(types),
		Threshold: th,
		Callback: func(ev events.Event) {
			if ev.Payload.System != nil {
				cb(*ev.Payload.System)
			}
		},
	})
	if err != nil {
		return "", err
	}
	if err := es.ensureClassLiveLocked(events.ClassSystem); err != nil {
		es.registry.Remove(id)
		return "", err
	}
	return id, nil
}

// OnNetworkEvent invokes cb for every network event: interface state
// transitions and traffic threshold crossings.
func (es *EventSystem) OnNetworkEvent(cb func(events.NetworkEvent)) (string, error) {
	return es.subscribeNetwork(nil, cb)
}

// OnNetworkTrafficAbove invokes cb once each time total traffic across
// all interfaces reaches bytesPerInterval within one poll interval,
// re-arming when it drops back below.
func (es *EventSystem) OnNetworkTrafficAbove(bytesPerInterval float64, cb func(events.NetworkEvent)) (string, error) {
	return es.subscribeNetwork(&subscription.Threshold{
		Metric:    MetricNetworkTraffic,
		Value:     bytesPerInterval,
		Direction: subscription.DirectionHigh,
	}, cb)
}

func (es *EventSystem) subscribeNetwork(th *subscription.Threshold, cb func(events.NetworkEvent)) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("callback must not be nil")
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if err := es.resolveProberLocked(events.ClassNetwork); err != nil {
		return "", err
	}
	id, err := es.registry.Add(&subscription.Subscription{
		Class:     events.ClassNetwork,
		Threshold: th,
		Callback: func(ev events.Event) {
			if ev.Payload.Network != nil {
				cb(*ev.Payload.Network)
			}
		},
	})
	if err != nil {
		return "", err
	}
	if err := es.ensureClassLiveLocked(events.ClassNetwork); err != nil {
		es.registry.Remove(id)
		return "", err
	}
	return id, nil
}

// OnBatteryLow invokes cb once each time the battery level drops to or
// below thresholdPercent, re-arming when it climbs back above.
func (es *EventSystem) OnBatteryLow(thresholdPercent float64, cb func(events.PowerEvent)) (string, error) {
	return es.subscribePower(&subscription.Threshold{
		Metric:    MetricBatteryLevel,
		Value:     thresholdPercent,
		Direction: subscription.DirectionLow,
	}, cb)
}

// OnPowerEvent invokes cb for every power event: charging transitions,
// power source changes, and default-threshold battery warnings.
func (es *EventSystem) OnPowerEvent(cb func(events.PowerEvent)) (string, error) {
	return es.subscribePower(nil, cb)
}

func (es *EventSystem) subscribePower(th *subscription.Threshold, cb func(events.PowerEvent)) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("callback must not be nil")
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if err := es.resolveProberLocked(events.ClassPower); err != nil {
		return "", err
	}
	id, err := es.registry.Add(&subscription.Subscription{
		Class:     events.ClassPower,
		Threshold: th,
		Callback: func(ev events.Event) {
			if ev.Payload.Power != nil {
				cb(*ev.Payload.Power)
			}
		},
	})
	if err != nil {
		return "", err
	}
	if err := es.ensureClassLiveLocked(events.ClassPower); err != nil {
		es.registry.Remove(id)
		return "", err
	}
	return id, nil
}

// resolveProberLocked fills in the platform prober for class when none
// was injected. On unsupported platforms this fails with
// events.ErrPlatformUnsupported, so the subscribe call reports the gap
// instead of a silent dead subscription.
func (es *EventSystem) resolveProberLocked(class events.Class) error {
	switch class {
	case events.ClassProcess:
		if es.probers.process != nil {
			return nil
		}
		p, err := procmon.PlatformProber()
		if err != nil {
			return err
		}
		es.probers.process = p
	case events.ClassSystem:
		if es.probers.system != nil {
			return nil
		}
		p, err := system.PlatformProber()
		if err != nil {
			return err
		}
		es.probers.system = p
	case events.ClassNetwork:
		if es.probers.network != nil {
			return nil
		}
		p, err := network.PlatformProber()
		if err != nil {
			return err
		}
		es.probers.network = p
	case events.ClassPower:
		if es.probers.power != nil {
			return nil
		}
		p, err := power.PlatformProber()
		if err != nil {
			return err
		}
		es.probers.power = p
	}
	return nil
}

func typeSet(types []events.EventType) map[events.EventType]struct{} {
	if len(types) == 0 {
		return nil
	}
	set := make(map[events.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}
