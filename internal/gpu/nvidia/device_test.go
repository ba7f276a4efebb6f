package nvidia

import (
	"context"
	"testing"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice implements the NVML calls the backend makes. Anything else
// panics through the nil embedded interface.
type fakeDevice struct {
	nvml.Device

	temp       uint32
	tempRet    nvml.Return
	fans       int
	fanSpeeds  map[int]int
	autoFans   map[int]bool
	coreOffset int
	memOffset  int
	powerMW    uint32
	setRet     nvml.Return
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		temp:      61,
		fans:      2,
		fanSpeeds: map[int]int{},
		autoFans:  map[int]bool{},
	}
}

func (f *fakeDevice) GetPciInfo() (nvml.PciInfo, nvml.Return) {
	return nvml.PciInfo{Domain: 0, Bus: 0x2b, Device: 0, PciDeviceId: 0x268410de}, nvml.SUCCESS
}

func (f *fakeDevice) GetName() (string, nvml.Return) { return "NVIDIA GeForce RTX 4080", nvml.SUCCESS }
func (f *fakeDevice) GetNumFans() (int, nvml.Return) { return f.fans, nvml.SUCCESS }

func (f *fakeDevice) GetMinMaxFanSpeed() (int, int, nvml.Return) { return 30, 100, nvml.SUCCESS }

func (f *fakeDevice) GetPowerManagementLimitConstraints() (uint32, uint32, nvml.Return) {
	return 150000, 320000, nvml.SUCCESS
}

func (f *fakeDevice) GetPowerManagementDefaultLimit() (uint32, nvml.Return) {
	return 320000, nvml.SUCCESS
}

func (f *fakeDevice) GetGpcClkMinMaxVfOffset() (int, int, nvml.Return) {
	return -1000, 1000, nvml.SUCCESS
}

func (f *fakeDevice) GetMemClkMinMaxVfOffset() (int, int, nvml.Return) {
	return -2000, 3000, nvml.SUCCESS
}

func (f *fakeDevice) GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return) {
	return f.temp, f.tempRet
}

func (f *fakeDevice) GetClockInfo(t nvml.ClockType) (uint32, nvml.Return) {
	if t == nvml.CLOCK_GRAPHICS {
		return 2505, nvml.SUCCESS
	}
	return 0, nvml.ERROR_NOT_SUPPORTED
}

func (f *fakeDevice) GetPowerUsage() (uint32, nvml.Return) { return 212500, nvml.SUCCESS }

func (f *fakeDevice) GetFanSpeed_v2(i int) (uint32, nvml.Return) {
	return uint32(f.fanSpeeds[i]), nvml.SUCCESS
}

func (f *fakeDevice) SetFanSpeed_v2(i, speed int) nvml.Return {
	if f.setRet != nvml.SUCCESS {
		return f.setRet
	}
	f.fanSpeeds[i] = speed
	f.autoFans[i] = false
	return nvml.SUCCESS
}

func (f *fakeDevice) SetDefaultFanSpeed_v2(i int) nvml.Return {
	f.autoFans[i] = true
	return nvml.SUCCESS
}

func (f *fakeDevice) SetGpcClkVfOffset(offset int) nvml.Return {
	if f.setRet != nvml.SUCCESS {
		return f.setRet
	}
	f.coreOffset = offset
	return nvml.SUCCESS
}

func (f *fakeDevice) SetMemClkVfOffset(offset int) nvml.Return {
	f.memOffset = offset
	return nvml.SUCCESS
}

func (f *fakeDevice) SetPowerManagementLimit(mw uint32) nvml.Return {
	f.powerMW = mw
	return nvml.SUCCESS
}

type fakeLibrary struct {
	devices []nvml.Device
	initRet nvml.Return
}

func (l *fakeLibrary) Init() nvml.Return                  { return l.initRet }
func (l *fakeLibrary) Shutdown() nvml.Return              { return nvml.SUCCESS }
func (l *fakeLibrary) DeviceGetCount() (int, nvml.Return) { return len(l.devices), nvml.SUCCESS }

func (l *fakeLibrary) DeviceGetHandleByIndex(i int) (nvml.Device, nvml.Return) {
	return l.devices[i], nvml.SUCCESS
}

func TestProbeDescribesDevice(t *testing.T) {
	p := newProber(&fakeLibrary{devices: []nvml.Device{newFakeDevice()}}, logger.Nop())

	devices, err := p.Probe(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)

	d := devices[0]
	assert.Equal(t, gpu.DeviceID("0000:2b:00.0"), d.Info().ID)
	assert.Equal(t, "10DE:2684", d.Info().PCIID)
	assert.Equal(t, "nvml", d.Info().Backend)
	assert.True(t, d.Capabilities().Has(gpu.CapManualFan|gpu.CapFanCurve|gpu.CapPowerLimit|gpu.CapClockOffset))
	assert.False(t, d.Capabilities().Has(gpu.CapVoltageCurve))
	assert.Equal(t, gpu.Range{Min: 30, Max: 100}, d.Limits().FanPercent)
	assert.Equal(t, gpu.Range{Min: 150, Max: 320}, d.Limits().PowerLimitW)
	assert.Equal(t, 320, d.Limits().PowerDefaultW)
	assert.Equal(t, gpu.Range{Min: -2000, Max: 3000}, d.Limits().MemoryOffsetMHz)
}

func TestProbeWithoutDriver(t *testing.T) {
	p := newProber(&fakeLibrary{initRet: nvml.ERROR_LIBRARY_NOT_FOUND}, logger.Nop())

	devices, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestReadSampleLeavesMissingSensorsNil(t *testing.T) {
	fake := newFakeDevice()
	fake.fanSpeeds[0] = 44
	d, err := newDevice(fake)
	require.NoError(t, err)

	s, err := d.ReadSample(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s.TemperatureC)
	assert.InDelta(t, 61.0, *s.TemperatureC, 0.001)
	require.NotNil(t, s.CoreClockMHz)
	assert.Equal(t, 2505, *s.CoreClockMHz)
	assert.Nil(t, s.MemoryClockMHz)
	require.NotNil(t, s.PowerDrawW)
	assert.InDelta(t, 212.5, *s.PowerDrawW, 0.001)
	require.NotNil(t, s.FanPercent)
	assert.Equal(t, 44, *s.FanPercent)
	assert.Nil(t, s.FanRPM)
}

func TestReadSampleLostDevice(t *testing.T) {
	fake := newFakeDevice()
	d, err := newDevice(fake)
	require.NoError(t, err)

	fake.tempRet = nvml.ERROR_GPU_IS_LOST
	_, err = d.ReadSample(context.Background())
	assert.Equal(t, errors.ErrDeviceGone, errors.CodeOf(err))
}

func TestFanWrites(t *testing.T) {
	fake := newFakeDevice()
	d, err := newDevice(fake)
	require.NoError(t, err)

	require.NoError(t, d.SetFanPercent(context.Background(), 65))
	assert.Equal(t, map[int]int{0: 65, 1: 65}, fake.fanSpeeds)

	require.NoError(t, d.EnableAutoFan(context.Background()))
	assert.Equal(t, map[int]bool{0: true, 1: true}, fake.autoFans)

	fake.setRet = nvml.ERROR_NO_PERMISSION
	err = d.SetFanPercent(context.Background(), 70)
	assert.Equal(t, errors.ErrPermissionDenied, errors.CodeOf(err))
}

func TestWriteClockProfile(t *testing.T) {
	fake := newFakeDevice()
	d, err := newDevice(fake)
	require.NoError(t, err)

	require.NoError(t, d.WriteClockProfile(context.Background(), gpu.ClockProfile{
		CoreOffsetMHz:   150,
		MemoryOffsetMHz: 500,
		PowerLimitW:     280,
	}))
	assert.Equal(t, 150, fake.coreOffset)
	assert.Equal(t, 500, fake.memOffset)
	assert.Equal(t, uint32(280000), fake.powerMW)

	require.NoError(t, d.WriteClockProfile(context.Background(), gpu.ClockProfile{}))
	assert.Equal(t, 0, fake.coreOffset)
	assert.Equal(t, uint32(320000), fake.powerMW, "zero power limit restores the default")

	fake.setRet = nvml.ERROR_INVALID_ARGUMENT
	err = d.WriteClockProfile(context.Background(), gpu.ClockProfile{CoreOffsetMHz: 900})
	assert.Equal(t, errors.ErrHardwareRejected, errors.CodeOf(err))
}
