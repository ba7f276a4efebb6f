package poller

import (
	"context"
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

type chanListener chan gpu.SensorSample

func (c chanListener) OnSample(s gpu.SensorSample) { c <- s }

func next(t *testing.T, c chanListener) gpu.SensorSample {
	t.Helper()
	select {
	case s := <-c:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no sample received")
		return gpu.SensorSample{}
	}
}

func setup(t *testing.T, dev *gputest.Device) (*Poller, *clock.FakeClock, chanListener) {
	t.Helper()
	clk := clock.Fake(time.Unix(1000, 0))
	p := New(time.Second, clk, logger.Nop())
	samples := make(chanListener, 16)
	p.AddListener(samples)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		p.Wait()
	})

	p.DeviceAdded(gpu.NewHandle(dev, time.Second, nil))
	p.Start(ctx)
	return p, clk, samples
}

func TestFirstSampleIsImmediate(t *testing.T) {
	p, clk, samples := setup(t, gputest.NewDevice("a"))

	s := next(t, samples)
	assert.Equal(t, gpu.DeviceID("a"), s.Device)
	assert.Equal(t, clk.Now(), s.Time)
	require.NotNil(t, s.TemperatureC)
	assert.InDelta(t, 45.0, *s.TemperatureC, 0.001)

	latest, ok := p.Latest("a")
	require.True(t, ok)
	assert.Equal(t, s, latest)
}

func TestTicksProduceSamples(t *testing.T) {
	dev := gputest.NewDevice("a")
	p, clk, samples := setup(t, dev)
	next(t, samples)

	dev.SetTemperature(gpu.Float(61))
	clk.WaitForTimers(1)
	clk.Advance(time.Second)

	s := next(t, samples)
	assert.InDelta(t, 61.0, *s.TemperatureC, 0.001)
	latest, _ := p.Latest("a")
	assert.Equal(t, s.Time, latest.Time)
}

func TestMissingSensorIsAbsentField(t *testing.T) {
	dev := gputest.NewDevice("a")
	dev.SetTemperature(nil)
	_, _, samples := setup(t, dev)

	s := next(t, samples)
	assert.Nil(t, s.TemperatureC)
	assert.NotNil(t, s.CoreClockMHz)
}

func TestReadErrorSkipsSample(t *testing.T) {
	dev := gputest.NewDevice("a")
	dev.SetReadError(errors.New().New(errors.ErrHardwareRejected))
	p, clk, samples := setup(t, dev)

	clk.WaitForTimers(1)
	_, ok := p.Latest("a")
	assert.False(t, ok)

	dev.SetReadError(nil)
	clk.Advance(time.Second)
	next(t, samples)
}

func TestRemovedDeviceStopsPolling(t *testing.T) {
	p, clk, samples := setup(t, gputest.NewDevice("a"))
	next(t, samples)
	clk.WaitForTimers(1)

	p.DeviceRemoved("a")
	_, ok := p.Latest("a")
	assert.False(t, ok)

	p.Wait()
	assert.Equal(t, 0, clk.Pending())
}
