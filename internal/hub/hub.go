// Package hub fans device events out to subscribed sinks.
package hub

import (
	"slices"
	"sync"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
)

// Sink receives events. Deliver must not block: it returns false when
// the sink cannot take the event, and the hub then drops the sink.
type Sink interface {
	ID() string
	Deliver(ev Event) bool
	// Dropped is called once after the hub removed the sink for being
	// too slow.
	Dropped()
}

// AllDevices subscribes to every device, present and future.
const AllDevices gpu.DeviceID = ""

type subscription struct {
	sink    Sink
	devices map[gpu.DeviceID]map[Kind]bool
}

func (s *subscription) wants(ev Event) bool {
	for _, id := range []gpu.DeviceID{ev.Device, AllDevices} {
		kinds, ok := s.devices[id]
		if !ok {
			continue
		}
		if ev.Kind == KindDevice || kinds[ev.Kind] {
			return true
		}
	}
	return false
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	logger logger.Logger
}

func New(log logger.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]*subscription),
		logger: log.With("hub"),
	}
}

// Subscribe adds kinds for device to the sink's interest set.
func (h *Hub) Subscribe(sink Sink, device gpu.DeviceID, kinds ...Kind) error {
	for _, k := range kinds {
		if k != KindSensors && k != KindState {
			return errors.New().WithMessage(errors.ErrInvalidArgument, "unknown event kind "+string(k))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[sink.ID()]
	if !ok {
		sub = &subscription{sink: sink, devices: make(map[gpu.DeviceID]map[Kind]bool)}
		h.subs[sink.ID()] = sub
	}
	set, ok := sub.devices[device]
	if !ok {
		set = make(map[Kind]bool)
		sub.devices[device] = set
	}
	for _, k := range kinds {
		set[k] = true
	}
	return nil
}

// Unsubscribe removes the sink's interest in device.
func (h *Hub) Unsubscribe(sinkID string, device gpu.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[sinkID]
	if !ok {
		return
	}
	delete(sub.devices, device)
	if len(sub.devices) == 0 {
		delete(h.subs, sinkID)
	}
}

// Remove forgets the sink entirely.
func (h *Hub) Remove(sinkID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sinkID)
}

// Publish delivers ev to every interested sink without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	targets := make([]Sink, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.wants(ev) {
			targets = append(targets, sub.sink)
		}
	}
	h.mu.RUnlock()

	var slow []Sink
	for _, sink := range targets {
		if !sink.Deliver(ev) {
			slow = append(slow, sink)
		}
	}

	if ev.Kind == KindDevice && ev.Lifecycle == DeviceGone {
		h.forgetDevice(ev.Device)
	}

	for _, sink := range slow {
		h.drop(sink)
	}
}

// OnSample publishes poller samples.
func (h *Hub) OnSample(s gpu.SensorSample) {
	h.Publish(SampleEvent(s))
}

func (h *Hub) forgetDevice(id gpu.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sinkID, sub := range h.subs {
		delete(sub.devices, id)
		if len(sub.devices) == 0 {
			delete(h.subs, sinkID)
		}
	}
}

func (h *Hub) drop(sink Sink) {
	h.mu.Lock()
	sub, ok := h.subs[sink.ID()]
	if ok && sub.sink == sink {
		delete(h.subs, sink.ID())
	}
	h.mu.Unlock()

	if ok {
		h.logger.Warn().Str("sink", sink.ID()).Msg("Subscriber too slow, dropping")
		sink.Dropped()
	}
}

// Subscribers returns the ids of every registered sink, sorted.
func (h *Hub) Subscribers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
