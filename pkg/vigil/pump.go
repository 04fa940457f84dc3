package vigil

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/vigil/pkg/debounce"
	"github.com/yairfalse/vigil/pkg/events"
	"github.com/yairfalse/vigil/pkg/sources"
	"github.com/yairfalse/vigil/pkg/subscription"
)

// ambient tracks default-threshold excursions for untargeted class
// subscribers, one instance per pump goroutine so no locking is needed.
// Threshold subscriptions get their own per-subscription hysteresis in
// the threshold monitor; this covers subscribers without a threshold of
// their own, using the configured default levels.
type ambient struct {
	high map[string]bool
}

func newAmbient() *ambient {
	return &ambient{high: make(map[string]bool)}
}

// cross reports a normal-to-high transition for key and records the new
// state. Repeated highs return false until the state drops back.
func (a *ambient) cross(key string, now bool) bool {
	was := a.high[key]
	if now == was {
		return false
	}
	if now {
		a.high[key] = true
		return true
	}
	delete(a.high, key)
	return false
}

// forget clears every key under prefix. Callers pass the trailing
// delimiter ("process.1.") so "process.12.cpu" is never swept along.
func (a *ambient) forget(prefix string) {
	for key := range a.high {
		if strings.HasPrefix(key, prefix) {
			delete(a.high, key)
		}
	}
}

// startPumpLocked launches the goroutine draining one source's sample
// channel. The pump exits when the source stops and closes the channel;
// remaining buffered samples are drained first.
func (es *EventSystem) startPumpLocked(name string, src sources.Source) {
	ch := src.Samples()
	ctx := es.lifecycle.Context()
	amb := newAmbient()
	es.lifecycle.Go(name, func() {
		for sample := range ch {
			es.handleSample(ctx, amb, sample)
		}
	})
}

func (es *EventSystem) handleSample(ctx context.Context, amb *ambient, sample sources.Sample) {
	switch {
	case sample.FS != nil:
		es.handleFs(*sample.FS)
	case sample.System != nil:
		es.handleSystem(ctx, amb, *sample.System)
	case sample.Process != nil:
		es.handleProcess(ctx, amb, *sample.Process)
	case sample.Network != nil:
		es.handleNetwork(ctx, amb, *sample.Network)
	case sample.Power != nil:
		es.handlePower(ctx, amb, *sample.Power)
	}
}

// handleFs feeds a raw filesystem notification into the debouncer of the
// deepest watch root covering its path. Events arriving after the last
// watch on their root is gone are dropped.
func (es *EventSystem) handleFs(raw sources.RawFsEvent) {
	fsEv := events.FsEvent{
		Type:      mapRawFsOp(raw.Op),
		Path:      raw.Path,
		OldPath:   raw.OldPath,
		Timestamp: raw.Timestamp,
	}

	es.watchMu.RLock()
	var deb *debounce.Debouncer
	best := -1
	for root, w := range es.watches {
		if !coversPath(root, raw.Path) {
			continue
		}
		if len(root) > best {
			best = len(root)
			deb = w.debouncer
		}
	}
	es.watchMu.RUnlock()

	if deb != nil {
		deb.Ingest(fsEv)
	}
}

// mapRawFsOp translates native watcher ops. fsnotify folds permission
// and metadata changes into one Chmod op, so FsPermissionChanged and
// FsMoved stay reserved for producers that can distinguish them.
func mapRawFsOp(op sources.RawFsOp) events.EventType {
	switch op {
	case sources.RawFsCreate:
		return events.FsCreated
	case sources.RawFsWrite:
		return events.FsModified
	case sources.RawFsRemove:
		return events.FsDeleted
	case sources.RawFsRename:
		return events.FsRenamed
	case sources.RawFsChmod:
		return events.FsAttributeChanged
	}
	return events.FsModified
}

func coversPath(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func (es *EventSystem) handleSystem(ctx context.Context, amb *ambient, snap sources.SystemSnapshot) {
	type gauge struct {
		metric   string
		kind     events.EventType
		value    *float64
		fallback float64
	}
	defaults := es.cfg.Thresholds
	gauges := []gauge{
		{MetricSystemCPU, events.SystemCPUUsageHigh, snap.CPUUsage, defaults.CPUPercent},
		{MetricSystemMemory, events.SystemMemoryUsageHigh, snap.MemoryUsage, defaults.MemoryPercent},
		{"system.disk", events.SystemDiskSpaceLow, snap.DiskUsage, defaults.DiskPercent},
		{"system.temperature", events.SystemTemperatureHigh, snap.Temperature, defaults.TemperatureC},
		{"system.load", events.SystemLoadAverageHigh, snap.LoadAverage, defaults.LoadAverage},
	}

	for _, g := range gauges {
		if g.value == nil {
			continue
		}
		value := *g.value

		// Per-subscription thresholds first; the monitor targets each
		// crossing event at the subscription that asked for it.
		kind := g.kind
		es.thresholds.Ingest(ctx, g.metric, value, func(sub *subscription.Subscription) events.Event {
			return newSystemEvent(kind, snap)
		})

		// Untargeted crossing for plain class subscribers, evaluated at
		// the configured default level.
		if g.fallback > 0 && amb.cross(g.metric, value >= g.fallback) {
			es.emit(ctx, newSystemEvent(g.kind, snap))
		}
	}
}

func newSystemEvent(kind events.EventType, snap sources.SystemSnapshot) events.Event {
	return events.Event{
		ID:        uuid.NewString(),
		Source:    "system",
		Class:     events.ClassSystem,
		Type:      kind,
		Timestamp: snap.Timestamp,
		Payload: events.Payload{System: &events.SystemEvent{
			Type:        kind,
			CPUUsage:    snap.CPUUsage,
			MemoryUsage: snap.MemoryUsage,
			DiskUsage:   snap.DiskUsage,
			Temperature: snap.Temperature,
			LoadAverage: snap.LoadAverage,
			Timestamp:   snap.Timestamp,
		}},
	}
}

func (es *EventSystem) handleProcess(ctx context.Context, amb *ambient, snap sources.ProcessSnapshot) {
	for _, p := range snap.Started {
		es.emit(ctx, newProcessEvent(events.ProcessStarted, p, snap.Timestamp))
	}
	for _, p := range snap.Terminated {
		es.emit(ctx, newProcessEvent(events.ProcessTerminated, p, snap.Timestamp))
		amb.forget("process." + itoa(p.PID) + ".")
	}

	cpuLevel := es.cfg.Thresholds.CPUPercent
	memLevel := es.cfg.Thresholds.ProcessMemoryBytes
	for _, p := range snap.Processes {
		key := "process." + itoa(p.PID)
		if cpuLevel > 0 && amb.cross(key+".cpu", p.CPUUsage >= cpuLevel) {
			es.emit(ctx, newProcessEvent(events.ProcessCPUUsageHigh, p, snap.Timestamp))
		}
		if memLevel > 0 && amb.cross(key+".mem", p.MemoryBytes >= memLevel) {
			es.emit(ctx, newProcessEvent(events.ProcessMemoryUsageHigh, p, snap.Timestamp))
		}
	}
}

func newProcessEvent(kind events.EventType, p sources.ProcessInfo, ts time.Time) events.Event {
	cpu := p.CPUUsage
	mem := p.MemoryBytes
	return events.Event{
		ID:        uuid.NewString(),
		Source:    "process",
		Class:     events.ClassProcess,
		Type:      kind,
		Timestamp: ts,
		Payload: events.Payload{Process: &events.ProcessEvent{
			Type:        kind,
			PID:         p.PID,
			Name:        p.Name,
			CPUUsage:    &cpu,
			MemoryUsage: &mem,
			Timestamp:   ts,
		}},
	}
}

func (es *EventSystem) handleNetwork(ctx context.Context, amb *ambient, snap sources.NetworkSnapshot) {
	for _, iface := range snap.WentUp {
		es.emit(ctx, newInterfaceEvent(events.NetworkInterfaceUp, iface, snap.Timestamp))
	}
	for _, iface := range snap.WentDown {
		es.emit(ctx, newInterfaceEvent(events.NetworkInterfaceDown, iface, snap.Timestamp))
		amb.forget("network." + iface.Name + ".")
	}

	level := es.cfg.Thresholds.TrafficBytesPerS
	var totalSent, totalReceived uint64
	for _, iface := range snap.Interfaces {
		totalSent += iface.DeltaSent
		totalReceived += iface.DeltaReceived

		delta := float64(iface.DeltaSent + iface.DeltaReceived)
		if level > 0 && amb.cross("network."+iface.Name+".traffic", delta >= level) {
			es.emit(ctx, newTrafficEvent(iface.Name, iface.DeltaSent, iface.DeltaReceived, snap.Timestamp))
		}
	}

	// Threshold subscriptions watch the host-wide rate; ingesting each
	// interface separately would thrash one shared hysteresis bucket.
	sent, received := totalSent, totalReceived
	es.thresholds.Ingest(ctx, MetricNetworkTraffic, float64(sent+received), func(sub *subscription.Subscription) events.Event {
		return newTrafficEvent("", sent, received, snap.Timestamp)
	})
}

func newInterfaceEvent(kind events.EventType, iface sources.InterfaceInfo, ts time.Time) events.Event {
	return events.Event{
		ID:        uuid.NewString(),
		Source:    "network",
		Class:     events.ClassNetwork,
		Type:      kind,
		Timestamp: ts,
		Payload: events.Payload{Network: &events.NetworkEvent{
			Type:          kind,
			InterfaceName: iface.Name,
			Timestamp:     ts,
		}},
	}
}

// newTrafficEvent reports bytes moved in one poll interval. An empty
// interface name means the host-wide aggregate.
func newTrafficEvent(ifaceName string, sent, received uint64, ts time.Time) events.Event {
	return events.Event{
		ID:        uuid.NewString(),
		Source:    "network",
		Class:     events.ClassNetwork,
		Type:      events.NetworkTrafficThresholdReached,
		Timestamp: ts,
		Payload: events.Payload{Network: &events.NetworkEvent{
			Type:          events.NetworkTrafficThresholdReached,
			InterfaceName: ifaceName,
			BytesSent:     &sent,
			BytesReceived: &received,
			Timestamp:     ts,
		}},
	}
}

func (es *EventSystem) handlePower(ctx context.Context, amb *ambient, snap sources.PowerSnapshot) {
	if snap.ChargingStarted {
		es.emit(ctx, newPowerEvent(events.PowerBatteryCharging, snap))
	}
	if snap.ChargingStopped {
		es.emit(ctx, newPowerEvent(events.PowerBatteryDischarging, snap))
	}
	if snap.SourceChanged {
		es.emit(ctx, newPowerEvent(events.PowerSourceChanged, snap))
	}

	if snap.BatteryLevel == nil {
		return
	}
	level := *snap.BatteryLevel

	es.thresholds.Ingest(ctx, MetricBatteryLevel, level, func(sub *subscription.Subscription) events.Event {
		return newPowerEvent(events.PowerBatteryLow, snap)
	})

	warn := es.cfg.Thresholds.BatteryPercent
	if warn > 0 && amb.cross("power.battery", level <= warn) {
		es.emit(ctx, newPowerEvent(events.PowerBatteryLow, snap))
	}
}

func newPowerEvent(kind events.EventType, snap sources.PowerSnapshot) events.Event {
	return events.Event{
		ID:        uuid.NewString(),
		Source:    "power",
		Class:     events.ClassPower,
		Type:      kind,
		Timestamp: snap.Timestamp,
		Payload: events.Payload{Power: &events.PowerEvent{
			Type:         kind,
			BatteryLevel: snap.BatteryLevel,
			IsCharging:   snap.Charging,
			PowerSource:  snap.PowerSource,
			Timestamp:    snap.Timestamp,
		}},
	}
}

func itoa(pid int32) string {
	return strconv.FormatInt(int64(pid), 10)
}
