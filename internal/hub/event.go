package hub

import (
	"time"

	"codeberg.org/mutker/gpuctl/internal/gpu"
)

type Kind string

const (
	KindSensors Kind = "sensors"
	KindState   Kind = "state"
	// KindDevice events are lifecycle notices delivered to every sink
	// interested in the device, whatever kinds it asked for.
	KindDevice Kind = "device"
)

type Lifecycle string

const (
	DeviceAdded Lifecycle = "added"
	DeviceGone  Lifecycle = "gone"
)

// StateReason says what changed in a state event.
type StateReason string

const (
	ReasonFanMode        StateReason = "fan_mode"
	ReasonPendingOpened  StateReason = "pending_opened"
	ReasonConfirmed      StateReason = "confirmed"
	ReasonReverted       StateReason = "reverted"
	ReasonClocksReset    StateReason = "clocks_reset"
	ReasonUnmanaged      StateReason = "unmanaged"
	ReasonEngineFanWrite StateReason = "engine_fan_write"
)

type StateChange struct {
	Reason    StateReason       `json:"reason"`
	FanMode   gpu.FanMode       `json:"fan_mode,omitempty"`
	Percent   *int              `json:"percent,omitempty"`
	PendingID string            `json:"pending_id,omitempty"`
	Deadline  *time.Time        `json:"deadline,omitempty"`
	Clock     *gpu.ClockProfile `json:"clock,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Event is one push notification.
type Event struct {
	Kind      Kind              `json:"kind"`
	Device    gpu.DeviceID      `json:"device"`
	Time      time.Time         `json:"time"`
	Sample    *gpu.SensorSample `json:"sample,omitempty"`
	State     *StateChange      `json:"state,omitempty"`
	Lifecycle Lifecycle         `json:"lifecycle,omitempty"`
}

func SampleEvent(s gpu.SensorSample) Event {
	return Event{Kind: KindSensors, Device: s.Device, Time: s.Time, Sample: &s}
}

func StateEvent(id gpu.DeviceID, at time.Time, change StateChange) Event {
	return Event{Kind: KindState, Device: id, Time: at, State: &change}
}

func DeviceEvent(id gpu.DeviceID, at time.Time, lc Lifecycle) Event {
	return Event{Kind: KindDevice, Device: id, Time: at, Lifecycle: lc}
}
