package gpu

import "time"

// SensorSample is one snapshot of a device's sensors. A nil field means
// the sensor is absent or failed to read.
type SensorSample struct {
	Device         DeviceID  `json:"device"`
	Time           time.Time `json:"time"`
	TemperatureC   *float64  `json:"temperature_c,omitempty"`
	CoreClockMHz   *int      `json:"core_clock_mhz,omitempty"`
	MemoryClockMHz *int      `json:"memory_clock_mhz,omitempty"`
	PowerDrawW     *float64  `json:"power_draw_w,omitempty"`
	FanRPM         *int      `json:"fan_rpm,omitempty"`
	FanPercent     *int      `json:"fan_percent,omitempty"`
}

func Float(v float64) *float64 { return &v }

func Int(v int) *int { return &v }
