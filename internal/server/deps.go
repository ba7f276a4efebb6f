package server

import (
	"context"

	"codeberg.org/mutker/gpuctl/internal/apply"
	"codeberg.org/mutker/gpuctl/internal/fancurve"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/hub"
	"codeberg.org/mutker/gpuctl/internal/journal"
)

type Registry interface {
	List() []gpu.DeviceID
	Get(id gpu.DeviceID) (*gpu.Handle, error)
}

type Sensors interface {
	Latest(id gpu.DeviceID) (gpu.SensorSample, bool)
}

type FanStatus interface {
	Status(id gpu.DeviceID) (fancurve.Status, bool)
}

type Applier interface {
	State(id gpu.DeviceID) (apply.State, error)
	SetFanMode(ctx context.Context, id gpu.DeviceID, setting gpu.FanSetting) error
	ProposeClockProfile(ctx context.Context, id gpu.DeviceID, p gpu.ClockProfile, owner string, source journal.Source) (apply.Pending, error)
	ConfirmChange(ctx context.Context, id gpu.DeviceID, pendingID string) error
	RevertChange(ctx context.Context, id gpu.DeviceID, pendingID string) error
	ResetClocks(ctx context.Context, id gpu.DeviceID) error
}

type Profiles interface {
	Load(id gpu.DeviceID) (gpu.Profile, error)
	Save(id gpu.DeviceID, p gpu.Profile) error
}

type History interface {
	Recent(ctx context.Context, device gpu.DeviceID, limit int) ([]journal.Entry, error)
}

type Subscriptions interface {
	Subscribe(sink hub.Sink, device gpu.DeviceID, kinds ...hub.Kind) error
	Unsubscribe(sinkID string, device gpu.DeviceID)
	Remove(sinkID string)
}

// Deps are the components requests are served from.
type Deps struct {
	Registry      Registry
	Sensors       Sensors
	Fans          FanStatus
	Applier       Applier
	Profiles      Profiles
	History       History
	Subscriptions Subscriptions
}
