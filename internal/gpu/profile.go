package gpu

import (
	"fmt"

	"codeberg.org/mutker/gpuctl/internal/errors"
)

type FanMode string

const (
	FanModeAuto  FanMode = "auto"
	FanModeFixed FanMode = "fixed"
	FanModeCurve FanMode = "curve"
)

const maxCurveTemperature = 150

type FanCurvePoint struct {
	TemperatureC float64 `json:"temperature_c" yaml:"temperature_c"`
	Percent      int     `json:"percent" yaml:"percent"`
}

// FanCurve is ordered by strictly increasing temperature.
type FanCurve []FanCurvePoint

// FanSetting is the fan part of a profile: who controls the fans and
// with what parameters.
type FanSetting struct {
	Mode    FanMode  `json:"mode" yaml:"mode"`
	Percent int      `json:"percent,omitempty" yaml:"percent,omitempty"`
	Curve   FanCurve `json:"curve,omitempty" yaml:"curve,omitempty"`
}

type VoltagePoint struct {
	FrequencyMHz int `json:"frequency_mhz" yaml:"frequency_mhz"`
	VoltageMV    int `json:"voltage_mv" yaml:"voltage_mv"`
}

// ClockProfile holds the guarded parameters. Zero values mean the
// driver default.
type ClockProfile struct {
	CoreOffsetMHz   int            `json:"core_offset_mhz" yaml:"core_offset_mhz"`
	MemoryOffsetMHz int            `json:"memory_offset_mhz" yaml:"memory_offset_mhz"`
	VoltageCurve    []VoltagePoint `json:"voltage_curve,omitempty" yaml:"voltage_curve,omitempty"`
	PowerLimitW     int            `json:"power_limit_w" yaml:"power_limit_w"`
}

type Profile struct {
	Fan   FanSetting   `json:"fan" yaml:"fan"`
	Clock ClockProfile `json:"clock" yaml:"clock"`
}

// DefaultProfile leaves everything to the driver.
func DefaultProfile() Profile {
	return Profile{Fan: FanSetting{Mode: FanModeAuto}}
}

func (p ClockProfile) IsDefault() bool {
	return p.CoreOffsetMHz == 0 && p.MemoryOffsetMHz == 0 &&
		len(p.VoltageCurve) == 0 && p.PowerLimitW == 0
}

func (p ClockProfile) Equal(other ClockProfile) bool {
	if p.CoreOffsetMHz != other.CoreOffsetMHz ||
		p.MemoryOffsetMHz != other.MemoryOffsetMHz ||
		p.PowerLimitW != other.PowerLimitW ||
		len(p.VoltageCurve) != len(other.VoltageCurve) {
		return false
	}
	for i := range p.VoltageCurve {
		if p.VoltageCurve[i] != other.VoltageCurve[i] {
			return false
		}
	}
	return true
}

func (p Profile) IsDefault() bool {
	return p.Fan.Mode == FanModeAuto && p.Clock.IsDefault()
}

// Validate checks the curve is non-empty, strictly increasing in
// temperature and non-decreasing in percent.
func (c FanCurve) Validate() error {
	errFactory := errors.New()

	if len(c) == 0 {
		return errFactory.WithMessage(errors.ErrOutOfRange, "fan curve has no points")
	}

	for i, p := range c {
		if p.Percent < 0 || p.Percent > 100 {
			return errFactory.WithMessage(errors.ErrOutOfRange,
				fmt.Sprintf("curve point %d: percent %d outside [0,100]", i, p.Percent))
		}
		if p.TemperatureC < 0 || p.TemperatureC > maxCurveTemperature {
			return errFactory.WithMessage(errors.ErrOutOfRange,
				fmt.Sprintf("curve point %d: temperature %.1f outside [0,%d]", i, p.TemperatureC, maxCurveTemperature))
		}
		if i == 0 {
			continue
		}
		prev := c[i-1]
		if p.TemperatureC <= prev.TemperatureC {
			return errFactory.WithMessage(errors.ErrOutOfRange,
				fmt.Sprintf("curve point %d: temperature %.1f not above %.1f", i, p.TemperatureC, prev.TemperatureC))
		}
		if p.Percent < prev.Percent {
			return errFactory.WithMessage(errors.ErrOutOfRange,
				fmt.Sprintf("curve point %d: percent %d below %d", i, p.Percent, prev.Percent))
		}
	}

	return nil
}

// Validate checks s against what the device supports. It never touches
// hardware.
func (s FanSetting) Validate(caps Capabilities, limits Limits) error {
	errFactory := errors.New()

	switch s.Mode {
	case FanModeAuto:
		if !caps.Has(CapManualFan) && !caps.Has(CapFanCurve) {
			return errFactory.WithMessage(errors.ErrUnsupportedParameter, "device has no fan control")
		}
	case FanModeFixed:
		if !caps.Has(CapManualFan) {
			return errFactory.WithMessage(errors.ErrUnsupportedParameter, "device has no manual fan control")
		}
		if s.Percent < 0 || s.Percent > 100 || !limits.FanPercent.Contains(s.Percent) {
			return errFactory.WithMessage(errors.ErrOutOfRange,
				fmt.Sprintf("fan percent %d outside [%d,%d]", s.Percent, limits.FanPercent.Min, limits.FanPercent.Max))
		}
	case FanModeCurve:
		if !caps.Has(CapFanCurve) {
			return errFactory.WithMessage(errors.ErrUnsupportedParameter, "device has no fan curve control")
		}
		return s.Curve.Validate()
	default:
		return errFactory.WithMessage(errors.ErrInvalidArgument, fmt.Sprintf("unknown fan mode %q", s.Mode))
	}

	return nil
}

// Validate checks p against the device's capabilities and advertised
// ranges. It never touches hardware.
func (p ClockProfile) Validate(caps Capabilities, limits Limits) error {
	errFactory := errors.New()

	if p.CoreOffsetMHz != 0 || p.MemoryOffsetMHz != 0 {
		if !caps.Has(CapClockOffset) {
			return errFactory.WithMessage(errors.ErrUnsupportedParameter, "device has no clock offset control")
		}
		if !limits.CoreOffsetMHz.Contains(p.CoreOffsetMHz) {
			return errFactory.WithMessage(errors.ErrOutOfRange,
				fmt.Sprintf("core offset %d MHz outside [%d,%d]", p.CoreOffsetMHz, limits.CoreOffsetMHz.Min, limits.CoreOffsetMHz.Max))
		}
		if !limits.MemoryOffsetMHz.Contains(p.MemoryOffsetMHz) {
			return errFactory.WithMessage(errors.ErrOutOfRange,
				fmt.Sprintf("memory offset %d MHz outside [%d,%d]", p.MemoryOffsetMHz, limits.MemoryOffsetMHz.Min, limits.MemoryOffsetMHz.Max))
		}
	}

	if len(p.VoltageCurve) > 0 {
		if !caps.Has(CapVoltageCurve) {
			return errFactory.WithMessage(errors.ErrUnsupportedParameter, "device has no voltage curve control")
		}
		vc := limits.VoltageCurve
		if len(p.VoltageCurve) > vc.Points {
			return errFactory.WithMessage(errors.ErrOutOfRange,
				fmt.Sprintf("voltage curve has %d points, device supports %d", len(p.VoltageCurve), vc.Points))
		}
		for i, pt := range p.VoltageCurve {
			if !vc.FrequencyMHz.Contains(pt.FrequencyMHz) || !vc.VoltageMV.Contains(pt.VoltageMV) {
				return errFactory.WithMessage(errors.ErrOutOfRange,
					fmt.Sprintf("voltage point %d (%d MHz, %d mV) outside device range", i, pt.FrequencyMHz, pt.VoltageMV))
			}
			if i > 0 && pt.FrequencyMHz <= p.VoltageCurve[i-1].FrequencyMHz {
				return errFactory.WithMessage(errors.ErrOutOfRange,
					fmt.Sprintf("voltage point %d frequency not increasing", i))
			}
		}
	}

	if p.PowerLimitW != 0 {
		if !caps.Has(CapPowerLimit) {
			return errFactory.WithMessage(errors.ErrUnsupportedParameter, "device has no power limit control")
		}
		if !limits.PowerLimitW.Contains(p.PowerLimitW) {
			return errFactory.WithMessage(errors.ErrOutOfRange,
				fmt.Sprintf("power limit %d W outside [%d,%d]", p.PowerLimitW, limits.PowerLimitW.Min, limits.PowerLimitW.Max))
		}
	}

	return nil
}
