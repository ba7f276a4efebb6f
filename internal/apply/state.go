package apply

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/clock"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/hub"
	"codeberg.org/mutker/gpuctl/internal/journal"
)

// Store persists promoted settings. Update changes only the fields fn
// touches, leaving the rest of the stored profile as it was.
type Store interface {
	Update(id gpu.DeviceID, fn func(p *gpu.Profile)) error
}

type Publisher interface {
	Publish(ev hub.Event)
}

// FanObserver is told about every applied fan setting. It is never
// called with a device lock held, so notifications for one device can
// arrive out of order; seq increases with every applied setting and an
// observer must ignore a seq lower than one it has already seen.
type FanObserver interface {
	SetMode(id gpu.DeviceID, setting gpu.FanSetting, seq uint64)
}

// Pending describes an open guarded change.
type Pending struct {
	ID       string           `json:"pending_id"`
	Prior    gpu.ClockProfile `json:"prior"`
	Proposed gpu.ClockProfile `json:"proposed"`
	Deadline time.Time        `json:"deadline"`
	Owner    string           `json:"owner,omitempty"`
	Source   journal.Source   `json:"source"`
}

// State is a device's applied profile and open change.
type State struct {
	Applied gpu.Profile `json:"applied"`
	Pending *Pending    `json:"pending,omitempty"`
	Managed bool        `json:"managed"`
}

type pendingChange struct {
	Pending
	timer *clock.Timer
	// resolved is set exactly once, by whichever of confirm, revert,
	// expiry or removal gets the device lock first.
	resolved bool
}

type deviceState struct {
	mu        sync.Mutex
	handle    *gpu.Handle
	applied   gpu.Profile
	pending   *pendingChange
	unmanaged bool
	gone      bool
	fanSeq    uint64
}

// detached drops cancellation so reverts finish after the requester
// has gone.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
