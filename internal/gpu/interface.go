package gpu

import "context"

// Device is one physical GPU as exposed by a backend. Implementations
// do not need to be safe for concurrent use; Handle serialises access.
type Device interface {
	Info() Info
	Capabilities() Capabilities
	Limits() Limits

	// ReadSample reads every sensor the device has. A failing sensor
	// leaves its field nil; an error means the device itself is unusable.
	ReadSample(ctx context.Context) (SensorSample, error)

	// EnableAutoFan hands fan control back to the driver.
	EnableAutoFan(ctx context.Context) error
	// SetFanPercent takes manual control of the fans if needed and
	// drives them at percent.
	SetFanPercent(ctx context.Context, percent int) error
	// WriteClockProfile replaces every clock parameter at once. Zero
	// values restore the driver default for that parameter.
	WriteClockProfile(ctx context.Context, p ClockProfile) error

	Close() error
}

// Prober discovers the devices a backend can drive.
type Prober interface {
	Name() string
	Probe(ctx context.Context) ([]Device, error)
}

// Domain types
type (
	// DeviceID is the PCI bus location of a device, e.g. "0000:03:00.0".
	DeviceID string

	Info struct {
		ID      DeviceID `json:"id"`
		Vendor  string   `json:"vendor"`
		Model   string   `json:"model"`
		Driver  string   `json:"driver"`
		Backend string   `json:"backend"`
		PCIID   string   `json:"pci_id,omitempty"`
	}

	Range struct {
		Min int `json:"min"`
		Max int `json:"max"`
	}

	VoltageCurveLimits struct {
		Points       int   `json:"points"`
		FrequencyMHz Range `json:"frequency_mhz"`
		VoltageMV    Range `json:"voltage_mv"`
	}

	// Limits are the safe ranges a device advertised at discovery.
	Limits struct {
		CoreOffsetMHz   Range              `json:"core_offset_mhz"`
		MemoryOffsetMHz Range              `json:"memory_offset_mhz"`
		PowerLimitW     Range              `json:"power_limit_w"`
		PowerDefaultW   int                `json:"power_default_w"`
		FanPercent      Range              `json:"fan_percent"`
		VoltageCurve    VoltageCurveLimits `json:"voltage_curve"`
	}
)

func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) Clamp(v int) int {
	return max(r.Min, min(v, r.Max))
}
