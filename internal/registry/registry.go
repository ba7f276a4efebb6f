// Package registry owns the set of live GPU devices and tracks them
// across hot-plug.
package registry

import (
	"context"
	"slices"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/clock"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
)

// Listener is told about devices entering and leaving the registry.
// Callbacks run without registry locks held.
type Listener interface {
	DeviceAdded(h *gpu.Handle)
	DeviceRemoved(id gpu.DeviceID)
}

type Config struct {
	IOTimeout      time.Duration
	RescanInterval time.Duration
	Uevents        bool
	UeventSettle   time.Duration
}

type entry struct {
	handle *gpu.Handle
	prober string
}

type Registry struct {
	cfg     Config
	probers []gpu.Prober
	clock   clock.Clock
	logger  logger.Logger

	scanMu    sync.Mutex
	mu        sync.RWMutex
	devices   map[gpu.DeviceID]entry
	order     []gpu.DeviceID
	listeners []Listener
}

func New(cfg Config, clk clock.Clock, log logger.Logger, probers ...gpu.Prober) *Registry {
	return &Registry{
		cfg:     cfg,
		probers: probers,
		clock:   clk,
		logger:  log.With("registry"),
		devices: make(map[gpu.DeviceID]entry),
	}
}

func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// List returns device ids in discovery order.
func (r *Registry) List() []gpu.DeviceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *Registry) Get(id gpu.DeviceID) (*gpu.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[id]
	if !ok {
		return nil, errors.New().WithMessage(errors.ErrDeviceNotFound, "no device "+string(id))
	}
	return e.handle, nil
}

// Handles returns the live handles in discovery order.
func (r *Registry) Handles() []*gpu.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*gpu.Handle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id].handle)
	}
	return out
}

// Scan probes every backend and reconciles the result with the current
// set: new devices are added, devices a backend no longer reports are
// removed. A backend that fails to probe keeps its devices.
func (r *Registry) Scan(ctx context.Context) error {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	var (
		added    []*gpu.Handle
		removed  []gpu.DeviceID
		failures []error
	)

	for _, p := range r.probers {
		devices, err := p.Probe(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("prober", p.Name()).Msg("Device probe failed")
			failures = append(failures, err)
			continue
		}

		seen := make(map[gpu.DeviceID]bool, len(devices))
		r.mu.Lock()
		for _, dev := range devices {
			id := dev.Info().ID
			if seen[id] {
				_ = dev.Close()
				continue
			}
			seen[id] = true
			if _, ok := r.devices[id]; ok {
				_ = dev.Close()
				continue
			}
			h := gpu.NewHandle(dev, r.cfg.IOTimeout, r.Remove)
			r.devices[id] = entry{handle: h, prober: p.Name()}
			r.order = append(r.order, id)
			added = append(added, h)
		}
		for id, e := range r.devices {
			if e.prober == p.Name() && !seen[id] {
				removed = append(removed, id)
			}
		}
		r.mu.Unlock()
	}

	for _, id := range removed {
		r.Remove(id)
	}
	for _, h := range added {
		r.logger.Info().
			Str("device", string(h.ID())).
			Str("model", h.Info().Model).
			Str("backend", h.Info().Backend).
			Str("capabilities", h.Capabilities().String()).
			Msg("Device added")
		for _, l := range r.snapshotListeners() {
			l.DeviceAdded(h)
		}
	}

	if len(failures) == len(r.probers) && len(failures) > 0 {
		return errors.New().Wrap(errors.ErrInitFailed, errors.Join(failures...))
	}
	return nil
}

// Remove drops a device, invalidates its handle and notifies listeners.
// Removing an unknown id is a no-op.
func (r *Registry) Remove(id gpu.DeviceID) {
	r.mu.Lock()
	e, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
		r.order = slices.DeleteFunc(r.order, func(v gpu.DeviceID) bool { return v == id })
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	if !ok {
		return
	}

	e.handle.Invalidate()
	r.logger.Warn().Str("device", string(id)).Msg("Device removed")
	for _, l := range listeners {
		l.DeviceRemoved(id)
	}
}

// Close invalidates every handle without notifying listeners.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.devices {
		e.handle.Invalidate()
	}
	r.devices = make(map[gpu.DeviceID]entry)
	r.order = nil
}

// Watch rescans on kernel drm uevents and on a fixed interval until ctx
// is done.
func (r *Registry) Watch(ctx context.Context) {
	trigger := make(chan struct{}, 1)

	if r.cfg.Uevents {
		mon, err := newUeventMonitor()
		if err != nil {
			r.logger.Warn().Err(err).Msg("Uevent monitor unavailable, relying on periodic rescans")
		} else {
			go mon.run(ctx, r.logger, func(ev uevent) {
				if ev.Subsystem != "drm" || (ev.Action != "add" && ev.Action != "remove") {
					return
				}
				r.logger.Debug().Str("action", ev.Action).Str("devpath", ev.DevPath).Msg("DRM uevent")
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		}
	}

	ticker := r.clock.NewTicker(r.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-trigger:
			// hwmon and od files appear some time after the card node.
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(r.cfg.UeventSettle):
			}
		}
		if err := r.Scan(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Rescan failed")
		}
	}
}

func (r *Registry) snapshotListeners() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.listeners)
}
