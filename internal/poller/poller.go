// Package poller samples every device's sensors on a fixed interval.
package poller

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

// Listener receives every sample. OnSample runs on the device's poll
// goroutine and must return quickly.
type Listener interface {
	OnSample(s gpu.SensorSample)
}

type Poller struct {
	interval time.Duration
	clock    clock.Clock
	logger   logger.Logger

	mu        sync.Mutex
	ctx       context.Context
	queued    []*gpu.Handle
	tasks     map[gpu.DeviceID]context.CancelFunc
	latest    map[gpu.DeviceID]gpu.SensorSample
	listeners []Listener
	wg        sync.WaitGroup
}

func New(interval time.Duration, clk clock.Clock, log logger.Logger) *Poller {
	return &Poller{
		interval: interval,
		clock:    clk,
		logger:   log.With("poller"),
		tasks:    make(map[gpu.DeviceID]context.CancelFunc),
		latest:   make(map[gpu.DeviceID]gpu.SensorSample),
	}
}

func (p *Poller) AddListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Start begins polling devices added so far and every device added
// later. Polling stops when ctx is done.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ctx = ctx
	for _, h := range p.queued {
		p.startLocked(h)
	}
	p.queued = nil
}

// Wait blocks until every poll goroutine has exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// Latest returns the most recent sample for id.
func (p *Poller) Latest(id gpu.DeviceID) (gpu.SensorSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.latest[id]
	return s, ok
}

func (p *Poller) DeviceAdded(h *gpu.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		p.queued = append(p.queued, h)
		return
	}
	p.startLocked(h)
}

func (p *Poller) DeviceRemoved(id gpu.DeviceID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.tasks[id]; ok {
		cancel()
		delete(p.tasks, id)
	}
	delete(p.latest, id)
	p.queued = slices.DeleteFunc(p.queued, func(h *gpu.Handle) bool { return h.ID() == id })
}

func (p *Poller) startLocked(h *gpu.Handle) {
	if _, ok := p.tasks[h.ID()]; ok {
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.tasks[h.ID()] = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, h)
	}()
}

func (p *Poller) run(ctx context.Context, h *gpu.Handle) {
	p.logger.Debug().Str("device", string(h.ID())).Dur("interval", p.interval).Msg("Polling started")

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.sample(ctx, h)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Gone():
			return
		case <-ticker.C:
			p.sample(ctx, h)
		}
	}
}

func (p *Poller) sample(ctx context.Context, h *gpu.Handle) {
	s, err := h.ReadSample(ctx)
	if err != nil {
		// A lost device is removed by its handle; nothing to do here.
		if errors.HasCode(err, errors.ErrDeviceGone) || ctx.Err() != nil {
			return
		}
		p.logger.Warn().Err(err).Str("device", string(h.ID())).Msg("Sensor read failed")
		return
	}
	s.Time = p.clock.Now()

	p.mu.Lock()
	if _, ok := p.tasks[h.ID()]; !ok {
		p.mu.Unlock()
		return
	}
	p.latest[h.ID()] = s
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()

	for _, l := range listeners {
		l.OnSample(s)
	}
}
