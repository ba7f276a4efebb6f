// Package gputest provides in-memory devices for tests.
package gputest

import (
	"context"
	"sync"

	"codeberg.org/mutker/gpuctl/internal/gpu"
)

// Write records one hardware write made through a Device.
type Write struct {
	Op      string
	Percent int
	Profile gpu.ClockProfile
}

const (
	OpAutoFan = "auto_fan"
	OpFan     = "fan_percent"
	OpClock   = "clock_profile"
)

// Device is a scriptable gpu.Device.
type Device struct {
	mu     sync.Mutex
	info   gpu.Info
	caps   gpu.Capabilities
	limits gpu.Limits

	temperature *float64
	clock       gpu.ClockProfile
	fanAuto     bool
	fanPercent  int
	writes      []Write
	failures    map[string]error
	failOnce    map[string]error
	blocks      map[string]chan struct{}
	readErr     error
	closed      bool
}

// NewDevice returns a device with every capability and Limits().
func NewDevice(id gpu.DeviceID) *Device {
	return &Device{
		info: gpu.Info{
			ID:      id,
			Vendor:  "AMD",
			Model:   "Test GPU",
			Driver:  "fake",
			Backend: "fake",
		},
		caps:        gpu.CapClockOffset | gpu.CapVoltageCurve | gpu.CapPowerLimit | gpu.CapFanCurve | gpu.CapManualFan,
		limits:      Limits(),
		temperature: gpu.Float(45),
		fanAuto:     true,
		failures:    make(map[string]error),
		failOnce:    make(map[string]error),
		blocks:      make(map[string]chan struct{}),
	}
}

// Limits are the ranges fake devices advertise.
func Limits() gpu.Limits {
	return gpu.Limits{
		CoreOffsetMHz:   gpu.Range{Min: -500, Max: 300},
		MemoryOffsetMHz: gpu.Range{Min: -200, Max: 150},
		PowerLimitW:     gpu.Range{Min: 150, Max: 300},
		PowerDefaultW:   250,
		FanPercent:      gpu.Range{Min: 0, Max: 100},
		VoltageCurve: gpu.VoltageCurveLimits{
			Points:       3,
			FrequencyMHz: gpu.Range{Min: 500, Max: 2500},
			VoltageMV:    gpu.Range{Min: 700, Max: 1200},
		},
	}
}

func (d *Device) WithCapabilities(caps gpu.Capabilities) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = caps
	return d
}

func (d *Device) WithLimits(limits gpu.Limits) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limits = limits
	return d
}

func (d *Device) Info() gpu.Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

func (d *Device) Capabilities() gpu.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *Device) Limits() gpu.Limits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limits
}

// SetTemperature sets the next reported temperature; nil removes the sensor.
func (d *Device) SetTemperature(t *float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.temperature = t
}

// SetReadError makes ReadSample fail with err until cleared with nil.
func (d *Device) SetReadError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// Fail makes every write of op return err until cleared with nil.
func (d *Device) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// FailOnce makes the next write of op return err.
func (d *Device) FailOnce(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOnce[op] = err
}

// Block makes writes of op hang until the returned func is called.
func (d *Device) Block(op string) (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.blocks[op] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.blocks, op)
			d.mu.Unlock()
			close(ch)
		})
	}
}

func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// WritesOf returns the recorded writes of op.
func (d *Device) WritesOf(op string) []Write {
	var out []Write
	for _, w := range d.Writes() {
		if w.Op == op {
			out = append(out, w)
		}
	}
	return out
}

func (d *Device) ClockProfile() gpu.ClockProfile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

func (d *Device) FanPercent() (percent int, auto bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fanPercent, d.fanAuto
}

func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) ReadSample(_ context.Context) (gpu.SensorSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readErr != nil {
		return gpu.SensorSample{}, d.readErr
	}

	s := gpu.SensorSample{
		Device:         d.info.ID,
		CoreClockMHz:   gpu.Int(1800 + d.clock.CoreOffsetMHz),
		MemoryClockMHz: gpu.Int(1000 + d.clock.MemoryOffsetMHz),
		PowerDrawW:     gpu.Float(120),
		FanRPM:         gpu.Int(d.fanPercent * 30),
		FanPercent:     gpu.Int(d.fanPercent),
	}
	if d.temperature != nil {
		s.TemperatureC = gpu.Float(*d.temperature)
	}
	return s, nil
}

func (d *Device) EnableAutoFan(ctx context.Context) error {
	return d.write(ctx, Write{Op: OpAutoFan}, func() {
		d.fanAuto = true
	})
}

func (d *Device) SetFanPercent(ctx context.Context, percent int) error {
	return d.write(ctx, Write{Op: OpFan, Percent: percent}, func() {
		d.fanAuto = false
		d.fanPercent = percent
	})
}

func (d *Device) WriteClockProfile(ctx context.Context, p gpu.ClockProfile) error {
	return d.write(ctx, Write{Op: OpClock, Profile: p}, func() {
		d.clock = p
	})
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) write(ctx context.Context, w Write, apply func()) error {
	d.mu.Lock()
	block := d.blocks[w.Op]
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.writes = append(d.writes, w)
	if err, ok := d.failOnce[w.Op]; ok {
		delete(d.failOnce, w.Op)
		return err
	}
	if err := d.failures[w.Op]; err != nil {
		return err
	}
	apply()
	return nil
}

// Prober returns a fixed, mutable set of devices.
type Prober struct {
	mu      sync.Mutex
	devices []gpu.Device
	err     error
}

func NewProber(devices ...gpu.Device) *Prober {
	return &Prober{devices: devices}
}

func (p *Prober) Name() string { return "fake" }

func (p *Prober) Set(devices ...gpu.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = devices
}

func (p *Prober) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *Prober) Probe(_ context.Context) ([]gpu.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return append([]gpu.Device(nil), p.devices...), nil
}
