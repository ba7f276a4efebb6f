package sysfs

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
)

const (
	pwmMax       = 255
	pwmManual    = "1"
	pwmAuto      = "2"
	microPerUnit = 1_000_000

	odFile       = "pp_od_clk_voltage"
	perfLevel    = "power_dpm_force_performance_level"
	perfManual   = "manual"
	perfAuto     = "auto"
	powerCapFile = "power1_cap"
)

// Device is a DRM card with an hwmon directory.
type Device struct {
	info       gpu.Info
	caps       gpu.Capabilities
	limits     gpu.Limits
	devicePath string
	hwmonPath  string
	stock      odStock

	write func(path, value string) error
}

func (d *Device) Info() gpu.Info                 { return d.info }
func (d *Device) Capabilities() gpu.Capabilities { return d.caps }
func (d *Device) Limits() gpu.Limits             { return d.limits }

func (d *Device) hwmon(name string) string { return filepath.Join(d.hwmonPath, name) }

func (d *Device) ReadSample(_ context.Context) (gpu.SensorSample, error) {
	s := gpu.SensorSample{Device: d.info.ID}

	if _, err := os.Stat(d.devicePath); err != nil {
		return s, mapIOError(d.devicePath, err)
	}

	if v, err := readInt(d.hwmon("temp1_input")); err == nil {
		s.TemperatureC = gpu.Float(float64(v) / 1000)
	}
	if v, err := readInt(d.hwmon("freq1_input")); err == nil {
		s.CoreClockMHz = gpu.Int(int(v / microPerUnit))
	}
	if v, err := readInt(d.hwmon("freq2_input")); err == nil {
		s.MemoryClockMHz = gpu.Int(int(v / microPerUnit))
	}
	if v, err := readInt(d.hwmon("power1_average")); err == nil {
		s.PowerDrawW = gpu.Float(float64(v) / microPerUnit)
	} else if v, err := readInt(d.hwmon("power1_input")); err == nil {
		s.PowerDrawW = gpu.Float(float64(v) / microPerUnit)
	}
	if v, err := readInt(d.hwmon("fan1_input")); err == nil {
		s.FanRPM = gpu.Int(int(v))
	}
	if v, err := readInt(d.hwmon("pwm1")); err == nil {
		s.FanPercent = gpu.Int(int(math.Round(float64(v) * 100 / pwmMax)))
	}

	return s, nil
}

func (d *Device) EnableAutoFan(_ context.Context) error {
	return d.write(d.hwmon("pwm1_enable"), pwmAuto)
}

func (d *Device) SetFanPercent(_ context.Context, percent int) error {
	if mode, err := readString(d.hwmon("pwm1_enable")); err != nil || mode != pwmManual {
		if err := d.write(d.hwmon("pwm1_enable"), pwmManual); err != nil {
			return err
		}
	}
	pwm := int(math.Round(float64(percent) * pwmMax / 100))
	return d.write(d.hwmon("pwm1"), strconv.Itoa(pwm))
}

func (d *Device) WriteClockProfile(_ context.Context, p gpu.ClockProfile) error {
	if d.caps.Has(gpu.CapClockOffset) || d.caps.Has(gpu.CapVoltageCurve) {
		if err := d.writeOD(p); err != nil {
			return err
		}
	}

	if d.caps.Has(gpu.CapPowerLimit) {
		watts := p.PowerLimitW
		if watts == 0 {
			watts = d.limits.PowerDefaultW
		}
		if err := d.write(d.hwmon(powerCapFile), strconv.Itoa(watts*microPerUnit)); err != nil {
			return err
		}
	}

	return nil
}

func (d *Device) writeOD(p gpu.ClockProfile) error {
	level := filepath.Join(d.devicePath, perfLevel)
	hasLevel := exists(level)

	if hasLevel {
		if err := d.write(level, perfManual); err != nil {
			return err
		}
	}

	od := filepath.Join(d.devicePath, odFile)
	for _, cmd := range odCommands(p, d.stock) {
		if err := d.write(od, cmd); err != nil {
			return errors.New().Wrap(errors.CodeOf(err), err).WithMessage("overdrive command \"" + cmd + "\" failed")
		}
	}

	if hasLevel && p.IsDefault() {
		return d.write(level, perfAuto)
	}
	return nil
}

func (*Device) Close() error { return nil }
