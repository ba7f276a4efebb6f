package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/gpuctl/internal/clock"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/gpu/gputest"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	added   []gpu.DeviceID
	removed []gpu.DeviceID
}

func (r *recorder) DeviceAdded(h *gpu.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, h.ID())
}

func (r *recorder) DeviceRemoved(id gpu.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func (r *recorder) snapshot() (added, removed []gpu.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gpu.DeviceID(nil), r.added...), append([]gpu.DeviceID(nil), r.removed...)
}

func newTestRegistry(probers ...gpu.Prober) (*Registry, *recorder) {
	r := New(Config{IOTimeout: time.Second, RescanInterval: time.Minute}, clock.Fake(time.Unix(0, 0)), logger.Nop(), probers...)
	rec := &recorder{}
	r.AddListener(rec)
	return r, rec
}

func TestScanAddsDevicesInOrder(t *testing.T) {
	a := gputest.NewDevice("0000:03:00.0")
	b := gputest.NewDevice("0000:0b:00.0")
	r, rec := newTestRegistry(gputest.NewProber(a, b))

	require.NoError(t, r.Scan(context.Background()))
	assert.Equal(t, []gpu.DeviceID{"0000:03:00.0", "0000:0b:00.0"}, r.List())

	added, _ := rec.snapshot()
	assert.Equal(t, r.List(), added)

	h, err := r.Get("0000:0b:00.0")
	require.NoError(t, err)
	assert.Equal(t, "Test GPU", h.Info().Model)

	_, err = r.Get("0000:ff:00.0")
	assert.Equal(t, errors.ErrDeviceNotFound, errors.CodeOf(err))
}

func TestRescanIsIdempotent(t *testing.T) {
	p := gputest.NewProber(gputest.NewDevice("0000:03:00.0"))
	r, rec := newTestRegistry(p)

	require.NoError(t, r.Scan(context.Background()))
	h1, _ := r.Get("0000:03:00.0")

	p.Set(gputest.NewDevice("0000:03:00.0"))
	require.NoError(t, r.Scan(context.Background()))
	h2, _ := r.Get("0000:03:00.0")

	assert.Same(t, h1, h2)
	added, removed := rec.snapshot()
	assert.Len(t, added, 1)
	assert.Empty(t, removed)
}

func TestRescanRemovesVanishedDevice(t *testing.T) {
	a := gputest.NewDevice("0000:03:00.0")
	b := gputest.NewDevice("0000:0b:00.0")
	p := gputest.NewProber(a, b)
	r, rec := newTestRegistry(p)
	require.NoError(t, r.Scan(context.Background()))
	h, _ := r.Get("0000:03:00.0")

	p.Set(b)
	require.NoError(t, r.Scan(context.Background()))

	assert.Equal(t, []gpu.DeviceID{"0000:0b:00.0"}, r.List())
	assert.True(t, h.IsGone())
	_, removed := rec.snapshot()
	assert.Equal(t, []gpu.DeviceID{"0000:03:00.0"}, removed)

	p.Set(a, b)
	require.NoError(t, r.Scan(context.Background()))
	assert.Equal(t, []gpu.DeviceID{"0000:0b:00.0", "0000:03:00.0"}, r.List(), "re-added device goes to the end")
}

func TestFailedProbeKeepsDevices(t *testing.T) {
	p := gputest.NewProber(gputest.NewDevice("0000:03:00.0"))
	r, _ := newTestRegistry(p)
	require.NoError(t, r.Scan(context.Background()))

	p.SetError(errors.New().New(errors.ErrUnavailable))
	err := r.Scan(context.Background())
	require.Error(t, err)
	assert.Len(t, r.List(), 1)
}

func TestLostDeviceIsRemoved(t *testing.T) {
	dev := gputest.NewDevice("0000:03:00.0")
	r, rec := newTestRegistry(gputest.NewProber(dev))
	require.NoError(t, r.Scan(context.Background()))
	h, _ := r.Get("0000:03:00.0")

	dev.SetReadError(errors.New().New(errors.ErrDeviceGone))
	_, err := h.ReadSample(context.Background())
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		_, removed := rec.snapshot()
		return len(removed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, r.List())
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	r, rec := newTestRegistry()
	r.Remove("0000:01:00.0")
	_, removed := rec.snapshot()
	assert.Empty(t, removed)
}

func TestWatchRescansPeriodically(t *testing.T) {
	p := gputest.NewProber()
	clk := clock.Fake(time.Unix(0, 0))
	r := New(Config{IOTimeout: time.Second, RescanInterval: 10 * time.Second}, clk, logger.Nop(), p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Watch(ctx)
		close(done)
	}()

	clk.WaitForTimers(1)
	p.Set(gputest.NewDevice("0000:03:00.0"))
	clk.Advance(10 * time.Second)

	assert.Eventually(t, func() bool { return len(r.List()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestParseUevent(t *testing.T) {
	msg := []byte("add@/devices/pci0000:00/0000:00:03.1/0000:0b:00.0/drm/card1\x00" +
		"ACTION=add\x00DEVPATH=/devices/pci0000:00/0000:00:03.1/0000:0b:00.0/drm/card1\x00" +
		"SUBSYSTEM=drm\x00DEVNAME=dri/card1\x00SEQNUM=4242\x00")

	ev, ok := parseUevent(msg)
	require.True(t, ok)
	assert.Equal(t, "add", ev.Action)
	assert.Equal(t, "drm", ev.Subsystem)
	assert.Contains(t, ev.DevPath, "card1")

	_, ok = parseUevent([]byte("libudev\x00garbage"))
	assert.False(t, ok)
}
