package hub

import (
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSink struct {
	id      string
	mu      sync.Mutex
	events  []Event
	limit   int
	dropped int
}

func newSink(id string, limit int) *testSink {
	return &testSink{id: id, limit: limit}
}

func (s *testSink) ID() string { return s.id }

func (s *testSink) Deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.events) >= s.limit {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *testSink) Dropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
}

func (s *testSink) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

var at = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sample(id gpu.DeviceID) gpu.SensorSample {
	return gpu.SensorSample{Device: id, Time: at, TemperatureC: gpu.Float(50)}
}

func TestPublishRespectsInterest(t *testing.T) {
	h := New(logger.Nop())
	sensors := newSink("sensors", 0)
	state := newSink("state", 0)
	all := newSink("all", 0)

	require.NoError(t, h.Subscribe(sensors, "a", KindSensors))
	require.NoError(t, h.Subscribe(state, "a", KindState))
	require.NoError(t, h.Subscribe(all, AllDevices, KindSensors, KindState))

	h.OnSample(sample("a"))
	h.OnSample(sample("b"))
	h.Publish(StateEvent("a", at, StateChange{Reason: ReasonFanMode, FanMode: gpu.FanModeFixed}))

	assert.Len(t, sensors.received(), 1)
	assert.Len(t, state.received(), 1)
	assert.Equal(t, KindState, state.received()[0].Kind)
	assert.Len(t, all.received(), 3)
}

func TestLifecycleReachesEveryInterestedSink(t *testing.T) {
	h := New(logger.Nop())
	sensors := newSink("sensors", 0)
	other := newSink("other", 0)
	require.NoError(t, h.Subscribe(sensors, "a", KindSensors))
	require.NoError(t, h.Subscribe(other, "b", KindSensors))

	h.Publish(DeviceEvent("a", at, DeviceGone))

	require.Len(t, sensors.received(), 1)
	assert.Equal(t, DeviceGone, sensors.received()[0].Lifecycle)
	assert.Empty(t, other.received())

	// interest in a removed device is forgotten
	h.OnSample(sample("a"))
	assert.Len(t, sensors.received(), 1)
	assert.Equal(t, []string{"other"}, h.Subscribers())
}

func TestSlowSinkIsDropped(t *testing.T) {
	h := New(logger.Nop())
	slow := newSink("slow", 1)
	fast := newSink("fast", 0)
	require.NoError(t, h.Subscribe(slow, AllDevices, KindSensors))
	require.NoError(t, h.Subscribe(fast, AllDevices, KindSensors))

	h.OnSample(sample("a"))
	h.OnSample(sample("a"))
	h.OnSample(sample("a"))

	assert.Len(t, slow.received(), 1)
	assert.Equal(t, 1, slow.dropped)
	assert.Len(t, fast.received(), 3)
	assert.Equal(t, []string{"fast"}, h.Subscribers())
}

func TestUnsubscribe(t *testing.T) {
	h := New(logger.Nop())
	s := newSink("s", 0)
	require.NoError(t, h.Subscribe(s, "a", KindSensors))
	require.NoError(t, h.Subscribe(s, "b", KindSensors))

	h.Unsubscribe("s", "a")
	h.OnSample(sample("a"))
	h.OnSample(sample("b"))
	require.Len(t, s.received(), 1)
	assert.Equal(t, gpu.DeviceID("b"), s.received()[0].Device)

	h.Remove("s")
	assert.Empty(t, h.Subscribers())
}

func TestSubscribeRejectsUnknownKind(t *testing.T) {
	h := New(logger.Nop())
	assert.Error(t, h.Subscribe(newSink("s", 0), "a", Kind("bogus")))
	assert.Error(t, h.Subscribe(newSink("s", 0), "a", KindDevice))
}
