package gpu_test

import (
	"testing"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/gpu/gputest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const allCaps = gpu.CapClockOffset | gpu.CapVoltageCurve | gpu.CapPowerLimit | gpu.CapFanCurve | gpu.CapManualFan

func TestFanCurveValidate(t *testing.T) {
	tests := []struct {
		name  string
		curve gpu.FanCurve
		ok    bool
	}{
		{"valid", gpu.FanCurve{{40, 20}, {60, 50}, {80, 100}}, true},
		{"single point", gpu.FanCurve{{50, 40}}, true},
		{"flat percent", gpu.FanCurve{{40, 50}, {60, 50}}, true},
		{"empty", nil, false},
		{"duplicate temperature", gpu.FanCurve{{40, 20}, {40, 30}}, false},
		{"decreasing temperature", gpu.FanCurve{{60, 20}, {40, 30}}, false},
		{"decreasing percent", gpu.FanCurve{{40, 60}, {60, 50}}, false},
		{"percent above 100", gpu.FanCurve{{40, 20}, {60, 101}}, false},
		{"negative percent", gpu.FanCurve{{40, -1}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.curve.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errors.ErrOutOfRange, errors.CodeOf(err))
		})
	}
}

func TestFanSettingValidate(t *testing.T) {
	limits := gputest.Limits()

	err := gpu.FanSetting{Mode: gpu.FanModeFixed, Percent: 101}.Validate(allCaps, limits)
	assert.Equal(t, errors.ErrOutOfRange, errors.CodeOf(err))

	err = gpu.FanSetting{Mode: gpu.FanModeFixed, Percent: -5}.Validate(allCaps, limits)
	assert.Equal(t, errors.ErrOutOfRange, errors.CodeOf(err))

	err = gpu.FanSetting{Mode: gpu.FanModeFixed, Percent: 40}.Validate(gpu.CapFanCurve, limits)
	assert.Equal(t, errors.ErrUnsupportedParameter, errors.CodeOf(err))

	err = gpu.FanSetting{Mode: gpu.FanModeAuto}.Validate(gpu.CapClockOffset, limits)
	assert.Equal(t, errors.ErrUnsupportedParameter, errors.CodeOf(err))

	err = gpu.FanSetting{Mode: "turbo"}.Validate(allCaps, limits)
	assert.Equal(t, errors.ErrInvalidArgument, errors.CodeOf(err))

	narrow := limits
	narrow.FanPercent = gpu.Range{Min: 30, Max: 100}
	err = gpu.FanSetting{Mode: gpu.FanModeFixed, Percent: 20}.Validate(allCaps, narrow)
	assert.Equal(t, errors.ErrOutOfRange, errors.CodeOf(err))

	assert.NoError(t, gpu.FanSetting{Mode: gpu.FanModeFixed, Percent: 60}.Validate(allCaps, limits))
	assert.NoError(t, gpu.FanSetting{
		Mode:  gpu.FanModeCurve,
		Curve: gpu.FanCurve{{40, 20}, {80, 100}},
	}.Validate(allCaps, limits))
}

func TestClockProfileValidate(t *testing.T) {
	limits := gputest.Limits()

	assert.NoError(t, gpu.ClockProfile{}.Validate(0, limits), "default profile needs no capability")
	assert.NoError(t, gpu.ClockProfile{CoreOffsetMHz: 100, MemoryOffsetMHz: -50, PowerLimitW: 200}.Validate(allCaps, limits))

	err := gpu.ClockProfile{CoreOffsetMHz: 301}.Validate(allCaps, limits)
	assert.Equal(t, errors.ErrOutOfRange, errors.CodeOf(err))

	err = gpu.ClockProfile{CoreOffsetMHz: 100}.Validate(gpu.CapFanCurve, limits)
	assert.Equal(t, errors.ErrUnsupportedParameter, errors.CodeOf(err))

	err = gpu.ClockProfile{PowerLimitW: 400}.Validate(allCaps, limits)
	assert.Equal(t, errors.ErrOutOfRange, errors.CodeOf(err))

	err = gpu.ClockProfile{PowerLimitW: 200}.Validate(gpu.CapClockOffset, limits)
	assert.Equal(t, errors.ErrUnsupportedParameter, errors.CodeOf(err))

	err = gpu.ClockProfile{VoltageCurve: []gpu.VoltagePoint{{800, 750}, {700, 800}}}.Validate(allCaps, limits)
	assert.Equal(t, errors.ErrOutOfRange, errors.CodeOf(err))

	err = gpu.ClockProfile{VoltageCurve: []gpu.VoltagePoint{{800, 650}}}.Validate(allCaps, limits)
	assert.Equal(t, errors.ErrOutOfRange, errors.CodeOf(err))

	err = gpu.ClockProfile{VoltageCurve: []gpu.VoltagePoint{{800, 750}, {1200, 800}, {1600, 900}, {2000, 1000}}}.Validate(allCaps, limits)
	assert.Equal(t, errors.ErrOutOfRange, errors.CodeOf(err))
}

func TestCapabilitiesNames(t *testing.T) {
	caps := gpu.CapFanCurve | gpu.CapClockOffset
	assert.Equal(t, []string{"clock-offset", "fan-curve"}, caps.Names())
	assert.Equal(t, caps, gpu.ParseCapabilities(caps.Names()))
	assert.True(t, allCaps.Has(caps))
	assert.False(t, caps.Has(gpu.CapPowerLimit))
}

func TestProfileDefaults(t *testing.T) {
	p := gpu.DefaultProfile()
	assert.True(t, p.IsDefault())

	p.Clock.CoreOffsetMHz = 50
	assert.False(t, p.IsDefault())
	assert.True(t, gpu.ClockProfile{VoltageCurve: []gpu.VoltagePoint{}}.Equal(gpu.ClockProfile{}))
}
