package fancurve

import (
	"math"

	"codeberg.org/mutker/gpuctl/internal/gpu"
)

// Interpolate maps temperature to a fan percent by linear interpolation
// between the bracketing points of curve. Outside the curve's domain the
// first or last point's percent applies. curve must be valid.
func Interpolate(curve gpu.FanCurve, temperature float64) float64 {
	if len(curve) == 0 {
		return 0
	}

	first, last := curve[0], curve[len(curve)-1]
	if temperature <= first.TemperatureC {
		return float64(first.Percent)
	}
	if temperature >= last.TemperatureC {
		return float64(last.Percent)
	}

	for i := 1; i < len(curve); i++ {
		lo, hi := curve[i-1], curve[i]
		if temperature > hi.TemperatureC {
			continue
		}
		frac := (temperature - lo.TemperatureC) / (hi.TemperatureC - lo.TemperatureC)
		return float64(lo.Percent) + frac*float64(hi.Percent-lo.Percent)
	}

	return float64(last.Percent)
}

// percentFor rounds the interpolated value and clamps it to the device's
// fan range.
func percentFor(curve gpu.FanCurve, temperature float64, limits gpu.Range) int {
	return limits.Clamp(int(math.Round(Interpolate(curve, temperature))))
}
