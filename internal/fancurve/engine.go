// Package fancurve drives fan speed from temperature for devices in
// curve mode.
package fancurve

import (
	"context"
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/clock"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
)

type State string

const (
	StateDisabled     State = "disabled"
	StateAutoDriver   State = "auto_driver"
	StateCurveActive  State = "curve_active"
	StateFixedPercent State = "fixed_percent"
)

// FanWriter performs the engine's fan writes. written is false when the
// write was dropped because the device left curve mode.
type FanWriter interface {
	WriteFanPercent(ctx context.Context, id gpu.DeviceID, percent int) (written bool, err error)
}

type Config struct {
	HoldTime   time.Duration
	Hysteresis float64
}

// Status is a device's engine state as reported to clients.
type Status struct {
	State       State    `json:"state"`
	Percent     *int     `json:"percent,omitempty"`
	Temperature *float64 `json:"temperature_c,omitempty"`
}

type device struct {
	state    State
	curve    gpu.FanCurve
	limits   gpu.Range
	lastTemp *float64
	modeSeq  uint64

	generation uint64
	inflight   bool
	written    bool
	percent    int
	anchor     float64
	writtenAt  time.Time
}

type Engine struct {
	cfg    Config
	clock  clock.Clock
	logger logger.Logger

	mu      sync.Mutex
	writer  FanWriter
	devices map[gpu.DeviceID]*device
}

func New(cfg Config, clk clock.Clock, log logger.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		clock:   clk,
		logger:  log.With("fancurve"),
		devices: make(map[gpu.DeviceID]*device),
	}
}

// SetWriter must be called before any device enters curve mode.
func (e *Engine) SetWriter(w FanWriter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writer = w
}

func (e *Engine) DeviceAdded(h *gpu.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := &device{state: StateAutoDriver, limits: h.Limits().FanPercent}
	if !h.Capabilities().Has(gpu.CapFanCurve) {
		d.state = StateDisabled
	}
	e.devices[h.ID()] = d
}

func (e *Engine) DeviceRemoved(id gpu.DeviceID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.devices, id)
}

// SetMode switches the device to the applied fan setting. Entering
// curve mode clears the hold time and evaluates the curve at once from
// the last known temperature. A setting whose seq is not newer than the
// last one seen for the device is stale and ignored.
func (e *Engine) SetMode(id gpu.DeviceID, setting gpu.FanSetting, seq uint64) {
	e.mu.Lock()
	d, ok := e.devices[id]
	if !ok || d.state == StateDisabled {
		e.mu.Unlock()
		return
	}
	if seq <= d.modeSeq {
		e.mu.Unlock()
		e.logger.Debug().Str("device", string(id)).Uint64("seq", seq).Msg("Ignoring stale fan mode")
		return
	}
	d.modeSeq = seq

	d.generation++
	d.written = false
	d.inflight = false
	d.curve = nil

	switch setting.Mode {
	case gpu.FanModeCurve:
		d.state = StateCurveActive
		d.curve = append(gpu.FanCurve(nil), setting.Curve...)
	case gpu.FanModeFixed:
		d.state = StateFixedPercent
		d.written = true
		d.percent = setting.Percent
	default:
		d.state = StateAutoDriver
	}
	e.logger.Debug().Str("device", string(id)).Str("state", string(d.state)).Msg("Fan mode changed")

	job, ok := e.planLocked(id, d)
	e.mu.Unlock()

	if ok {
		e.write(job)
	}
}

// OnSample feeds a new temperature reading to the engine.
func (e *Engine) OnSample(s gpu.SensorSample) {
	if s.TemperatureC == nil {
		return
	}

	e.mu.Lock()
	d, ok := e.devices[s.Device]
	if !ok {
		e.mu.Unlock()
		return
	}
	t := *s.TemperatureC
	d.lastTemp = &t

	job, ok := e.planLocked(s.Device, d)
	e.mu.Unlock()

	if ok {
		e.write(job)
	}
}

func (e *Engine) Status(id gpu.DeviceID) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.devices[id]
	if !ok {
		return Status{}, false
	}
	st := Status{State: d.state}
	if d.written {
		st.Percent = gpu.Int(d.percent)
	}
	if d.lastTemp != nil {
		st.Temperature = gpu.Float(*d.lastTemp)
	}
	return st, true
}

type job struct {
	id          gpu.DeviceID
	percent     int
	temperature float64
	generation  uint64
	writer      FanWriter
}

func (e *Engine) planLocked(id gpu.DeviceID, d *device) (job, bool) {
	if d.state != StateCurveActive || d.lastTemp == nil || d.inflight || e.writer == nil {
		return job{}, false
	}

	temp := *d.lastTemp
	percent := percentFor(d.curve, temp, d.limits)

	if d.written {
		if e.clock.Now().Sub(d.writtenAt) < e.cfg.HoldTime {
			return job{}, false
		}
		if math.Abs(temp-d.anchor) <= e.cfg.Hysteresis {
			return job{}, false
		}
		if percent == d.percent {
			return job{}, false
		}
	}

	d.inflight = true
	return job{id: id, percent: percent, temperature: temp, generation: d.generation, writer: e.writer}, true
}

func (e *Engine) write(j job) {
	written, err := j.writer.WriteFanPercent(context.Background(), j.id, j.percent)

	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.devices[j.id]
	if !ok || d.generation != j.generation {
		return
	}
	d.inflight = false

	if err != nil {
		if !errors.HasCode(err, errors.ErrDeviceGone) {
			e.logger.Warn().Err(err).Str("device", string(j.id)).Int("percent", j.percent).Msg("Curve fan write failed")
		}
		return
	}
	if !written {
		return
	}

	d.written = true
	d.percent = j.percent
	d.anchor = j.temperature
	d.writtenAt = e.clock.Now()
	e.logger.Debug().
		Str("device", string(j.id)).
		Float64("temperature", j.temperature).
		Int("percent", j.percent).
		Msg("Curve fan write")
}
