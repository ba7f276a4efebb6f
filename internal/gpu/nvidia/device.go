package nvidia

import (
	"context"
	"fmt"
	"math"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsPerWatt = 1000

// Device drives one NVIDIA GPU through NVML.
type Device struct {
	dev      nvml.Device
	info     gpu.Info
	caps     gpu.Capabilities
	limits   gpu.Limits
	fanCount int
}

func newDevice(dev nvml.Device) (*Device, error) {
	d := &Device{dev: dev}

	pci, ret := dev.GetPciInfo()
	if !isSuccess(ret) {
		return nil, mapReturn("get pci info", ret)
	}

	name, ret := dev.GetName()
	if !isSuccess(ret) {
		name = "NVIDIA GPU"
	}

	d.info = gpu.Info{
		ID:      gpu.DeviceID(fmt.Sprintf("%04x:%02x:%02x.0", pci.Domain, pci.Bus, pci.Device)),
		Vendor:  "NVIDIA",
		Model:   name,
		Driver:  "nvidia",
		Backend: "nvml",
		PCIID:   fmt.Sprintf("%04X:%04X", pci.PciDeviceId&0xffff, pci.PciDeviceId>>16),
	}

	d.probeFans()
	d.probePower()
	d.probeClocks()

	return d, nil
}

func (d *Device) probeFans() {
	count, ret := d.dev.GetNumFans()
	if !isSuccess(ret) || count == 0 {
		return
	}

	minSpeed, maxSpeed, ret := d.dev.GetMinMaxFanSpeed()
	if !isSuccess(ret) {
		return
	}

	d.fanCount = count
	d.caps |= gpu.CapManualFan | gpu.CapFanCurve
	d.limits.FanPercent = gpu.Range{Min: minSpeed, Max: maxSpeed}
}

func (d *Device) probePower() {
	minLimit, maxLimit, ret := d.dev.GetPowerManagementLimitConstraints()
	if !isSuccess(ret) {
		return
	}

	def, ret := d.dev.GetPowerManagementDefaultLimit()
	if !isSuccess(ret) {
		return
	}

	d.caps |= gpu.CapPowerLimit
	d.limits.PowerLimitW = gpu.Range{
		Min: int(minLimit / milliWattsPerWatt),
		Max: int(maxLimit / milliWattsPerWatt),
	}
	d.limits.PowerDefaultW = int(def / milliWattsPerWatt)
}

func (d *Device) probeClocks() {
	minOffset, maxOffset, ret := d.dev.GetGpcClkMinMaxVfOffset()
	if !isSuccess(ret) {
		return
	}

	d.caps |= gpu.CapClockOffset
	d.limits.CoreOffsetMHz = gpu.Range{Min: minOffset, Max: maxOffset}

	if minOffset, maxOffset, ret = d.dev.GetMemClkMinMaxVfOffset(); isSuccess(ret) {
		d.limits.MemoryOffsetMHz = gpu.Range{Min: minOffset, Max: maxOffset}
	}
}

func (d *Device) Info() gpu.Info                 { return d.info }
func (d *Device) Capabilities() gpu.Capabilities { return d.caps }
func (d *Device) Limits() gpu.Limits             { return d.limits }

func (d *Device) ReadSample(_ context.Context) (gpu.SensorSample, error) {
	s := gpu.SensorSample{Device: d.info.ID}

	temp, ret := d.dev.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret == nvml.ERROR_GPU_IS_LOST {
		return s, mapReturn("get temperature", ret)
	}
	if isSuccess(ret) {
		s.TemperatureC = gpu.Float(float64(temp))
	}

	if clk, ret := d.dev.GetClockInfo(nvml.CLOCK_GRAPHICS); isSuccess(ret) {
		s.CoreClockMHz = gpu.Int(int(clk))
	}
	if clk, ret := d.dev.GetClockInfo(nvml.CLOCK_MEM); isSuccess(ret) {
		s.MemoryClockMHz = gpu.Int(int(clk))
	}
	if mw, ret := d.dev.GetPowerUsage(); isSuccess(ret) {
		s.PowerDrawW = gpu.Float(float64(mw) / milliWattsPerWatt)
	}
	if d.fanCount > 0 {
		if speed, ret := d.dev.GetFanSpeed_v2(0); isSuccess(ret) {
			s.FanPercent = gpu.Int(int(speed))
		}
	}

	return s, nil
}

func (d *Device) EnableAutoFan(_ context.Context) error {
	for i := 0; i < d.fanCount; i++ {
		if ret := d.dev.SetDefaultFanSpeed_v2(i); !isSuccess(ret) {
			return mapReturn(fmt.Sprintf("restore default speed of fan %d", i), ret)
		}
	}
	return nil
}

func (d *Device) SetFanPercent(_ context.Context, percent int) error {
	for i := 0; i < d.fanCount; i++ {
		if ret := d.dev.SetFanSpeed_v2(i, percent); !isSuccess(ret) {
			return mapReturn(fmt.Sprintf("set speed of fan %d", i), ret)
		}
	}
	return nil
}

func (d *Device) WriteClockProfile(_ context.Context, p gpu.ClockProfile) error {
	if d.caps.Has(gpu.CapClockOffset) {
		if ret := d.dev.SetGpcClkVfOffset(p.CoreOffsetMHz); !isSuccess(ret) {
			return mapReturn("set core clock offset", ret)
		}
		if d.limits.MemoryOffsetMHz != (gpu.Range{}) {
			if ret := d.dev.SetMemClkVfOffset(p.MemoryOffsetMHz); !isSuccess(ret) {
				return mapReturn("set memory clock offset", ret)
			}
		}
	}

	if d.caps.Has(gpu.CapPowerLimit) {
		watts := p.PowerLimitW
		if watts == 0 {
			watts = d.limits.PowerDefaultW
		}
		mw, err := wattsToMilliWatts(watts)
		if err != nil {
			return err
		}
		if ret := d.dev.SetPowerManagementLimit(mw); !isSuccess(ret) {
			return mapReturn("set power limit", ret)
		}
	}

	return nil
}

func (*Device) Close() error { return nil }

func wattsToMilliWatts(watts int) (uint32, error) {
	if watts < 0 || watts > math.MaxUint32/milliWattsPerWatt {
		return 0, errors.New().WithData(errors.ErrOutOfRange, fmt.Sprintf("power limit %d W", watts))
	}
	return uint32(watts) * milliWattsPerWatt, nil
}
