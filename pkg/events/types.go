// Package events defines the unified event model shared by all vigil
// sources and the dispatch layer. Every producer, regardless of the native
// facility behind it, is normalized into an Event before delivery.
package events

import (
	"fmt"
	"time"
)

// Class identifies which monitoring domain an event belongs to.
type Class string

const (
	ClassFilesystem Class = "filesystem"
	ClassProcess    Class = "process"
	ClassSystem     Class = "system"
	ClassNetwork    Class = "network"
	ClassPower      Class = "power"
)

// EventType is the kind discriminator within a Class. Types are dotted
// strings so logs and metrics labels stay readable.
type EventType string

const (
	// Filesystem events
	FsCreated           EventType = "fs.created"
	FsModified          EventType = "fs.modified"
	FsDeleted           EventType = "fs.deleted"
	FsRenamed           EventType = "fs.renamed"
	FsMoved             EventType = "fs.moved"
	FsAttributeChanged  EventType = "fs.attribute_changed"
	FsPermissionChanged EventType = "fs.permission_changed"

	// Process events
	ProcessStarted         EventType = "process.started"
	ProcessTerminated      EventType = "process.terminated"
	ProcessCPUUsageHigh    EventType = "process.cpu_usage_high"
	ProcessMemoryUsageHigh EventType = "process.memory_usage_high"
	ProcessStatusChanged   EventType = "process.status_changed"

	// System resource events
	SystemCPUUsageHigh    EventType = "system.cpu_usage_high"
	SystemMemoryUsageHigh EventType = "system.memory_usage_high"
	SystemDiskSpaceLow    EventType = "system.disk_space_low"
	SystemTemperatureHigh EventType = "system.temperature_high"
	SystemLoadAverageHigh EventType = "system.load_average_high"

	// Network events
	NetworkInterfaceUp             EventType = "network.interface_up"
	NetworkInterfaceDown           EventType = "network.interface_down"
	NetworkConnectionEstablished   EventType = "network.connection_established"
	NetworkConnectionLost          EventType = "network.connection_lost"
	NetworkTrafficThresholdReached EventType = "network.traffic_threshold_reached"

	// Power events
	PowerBatteryLow         EventType = "power.battery_low"
	PowerBatteryCharging    EventType = "power.battery_charging"
	PowerBatteryDischarging EventType = "power.battery_discharging"
	PowerSourceChanged      EventType = "power.source_changed"
	PowerSleepMode          EventType = "power.sleep_mode"
	PowerWakeFromSleep      EventType = "power.wake_from_sleep"
	PowerShutdown           EventType = "power.shutdown"
	PowerRestart            EventType = "power.restart"
)

// Class returns the monitoring domain a type belongs to, derived from its
// dotted prefix.
func (t EventType) Class() Class {
	switch {
	case len(t) > 3 && t[:3] == "fs.":
		return ClassFilesystem
	case len(t) > 8 && t[:8] == "process.":
		return ClassProcess
	case len(t) > 7 && t[:7] == "system.":
		return ClassSystem
	case len(t) > 8 && t[:8] == "network.":
		return ClassNetwork
	case len(t) > 6 && t[:6] == "power.":
		return ClassPower
	}
	return ""
}

// FsEvent describes a change observed on a watched path. OldPath is set
// only for rename/move events and names the path the entry had before.
type FsEvent struct {
	Type      EventType `json:"type"`
	Path      string    `json:"path"`
	OldPath   string    `json:"old_path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessEvent describes a process lifecycle or usage observation.
// CPUUsage and MemoryUsage are nil when the producing source did not
// sample them.
type ProcessEvent struct {
	Type        EventType `json:"type"`
	PID         int32     `json:"pid"`
	Name        string    `json:"name"`
	CPUUsage    *float64  `json:"cpu_usage,omitempty"`
	MemoryUsage *uint64   `json:"memory_usage,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SystemEvent describes a host-wide resource observation. All metric
// fields are optional; a producer populates only what it measured.
type SystemEvent struct {
	Type        EventType `json:"type"`
	CPUUsage    *float64  `json:"cpu_usage,omitempty"`
	MemoryUsage *float64  `json:"memory_usage,omitempty"`
	DiskUsage   *float64  `json:"disk_usage,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	LoadAverage *float64  `json:"load_average,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NetworkEvent describes interface state or traffic observations.
type NetworkEvent struct {
	Type          EventType `json:"type"`
	InterfaceName string    `json:"interface_name,omitempty"`
	LocalAddr     string    `json:"local_addr,omitempty"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	BytesSent     *uint64   `json:"bytes_sent,omitempty"`
	BytesReceived *uint64   `json:"bytes_received,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// PowerEvent describes battery and power-source state.
type PowerEvent struct {
	Type         EventType `json:"type"`
	BatteryLevel *float64  `json:"battery_level,omitempty"`
	IsCharging   *bool     `json:"is_charging,omitempty"`
	PowerSource  string    `json:"power_source,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Payload holds exactly one non-nil variant. Pointer fields keep the
// envelope cheap to copy and make the active variant explicit.
type Payload struct {
	FS      *FsEvent      `json:"fs,omitempty"`
	Process *ProcessEvent `json:"process,omitempty"`
	System  *SystemEvent  `json:"system,omitempty"`
	Network *NetworkEvent `json:"network,omitempty"`
	Power   *PowerEvent   `json:"power,omitempty"`
}

// Event is the normalized envelope delivered to subscriptions. Target is
// set only on threshold-crossing events and names the subscription the
// crossing was evaluated for; untargeted events fan out to every match.
type Event struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Class     Class     `json:"class"`
	Type      EventType `json:"type"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Validate checks envelope integrity: the class must agree with the type
// and exactly one payload variant must be populated.
func (e *Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event %s has no type", e.ID)
	}
	if c := e.Type.Class(); c != e.Class {
		return fmt.Errorf("event %s: type %s does not belong to class %s", e.ID, e.Type, e.Class)
	}
	count := 0
	if e.Payload.FS != nil {
		count++
	}
	if e.Payload.Process != nil {
		count++
	}
	if e.Payload.System != nil {
		count++
	}
	if e.Payload.Network != nil {
		count++
	}
	if e.Payload.Power != nil {
		count++
	}
	if count != 1 {
		return fmt.Errorf("event %s: expected exactly one payload variant, got %d", e.ID, count)
	}
	return nil
}
