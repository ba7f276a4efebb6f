package sysfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const navi21OD = `OD_SCLK:
0: 500Mhz
1: 2500Mhz
OD_MCLK:
0: 97Mhz
1: 1000MHz
OD_VDDC_CURVE:
0: 500MHz 750mV
1: 1500MHz 850mV
2: 2500MHz 1150mV
OD_RANGE:
SCLK:     500Mhz       2800Mhz
MCLK:     674Mhz       1075Mhz
VDDC_CURVE_SCLK[0]:     500Mhz       2800Mhz
VDDC_CURVE_VOLT[0]:     750mV        1200mV
VDDC_CURVE_SCLK[1]:     500Mhz       2800Mhz
VDDC_CURVE_VOLT[1]:     700mV        1200mV
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// fakeCard builds <root>/class/drm/<card>/device with an hwmon directory.
func fakeCard(t *testing.T, root, card, slot, driver string, withOD bool) string {
	t.Helper()
	dev := filepath.Join(root, "class", "drm", card, "device")
	hwmon := filepath.Join(dev, "hwmon", "hwmon3")

	writeFile(t, filepath.Join(dev, "uevent"), "DRIVER="+driver+"\nPCI_ID=1002:73BF\nPCI_SLOT_NAME="+slot+"\n")
	writeFile(t, filepath.Join(hwmon, "temp1_input"), "54000\n")
	writeFile(t, filepath.Join(hwmon, "freq1_input"), "2105000000\n")
	writeFile(t, filepath.Join(hwmon, "freq2_input"), "1000000000\n")
	writeFile(t, filepath.Join(hwmon, "power1_average"), "187000000\n")
	writeFile(t, filepath.Join(hwmon, "fan1_input"), "1450\n")
	writeFile(t, filepath.Join(hwmon, "pwm1"), "102\n")
	writeFile(t, filepath.Join(hwmon, "pwm1_enable"), "2\n")
	writeFile(t, filepath.Join(hwmon, "power1_cap"), "255000000\n")
	writeFile(t, filepath.Join(hwmon, "power1_cap_min"), "0\n")
	writeFile(t, filepath.Join(hwmon, "power1_cap_max"), "293000000\n")
	writeFile(t, filepath.Join(hwmon, "power1_cap_default"), "255000000\n")
	if withOD {
		writeFile(t, filepath.Join(dev, odFile), navi21OD)
		writeFile(t, filepath.Join(dev, perfLevel), "auto\n")
	}
	return dev
}

func probeOne(t *testing.T, root string) *Device {
	t.Helper()
	devices, err := NewProber(root, logger.Nop()).Probe(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	return devices[0].(*Device)
}

func TestProbeSkipsNonCardsAndNvidia(t *testing.T) {
	root := t.TempDir()
	fakeCard(t, root, "card1", "0000:0B:00.0", "amdgpu", true)
	fakeCard(t, root, "card0", "0000:01:00.0", "nvidia", false)
	writeFile(t, filepath.Join(root, "class", "drm", "card1-DP-1", "status"), "connected\n")
	writeFile(t, filepath.Join(root, "class", "drm", "renderD128", "dev"), "226:128\n")

	d := probeOne(t, root)
	assert.Equal(t, gpu.DeviceID("0000:0b:00.0"), d.Info().ID)
	assert.Equal(t, "AMD", d.Info().Vendor)
	assert.Equal(t, "Device 0x73bf", d.Info().Model)
	assert.Equal(t, "amdgpu", d.Info().Driver)
}

func TestProbeWithoutDRM(t *testing.T) {
	devices, err := NewProber(t.TempDir(), logger.Nop()).Probe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestCapabilitiesAndLimits(t *testing.T) {
	root := t.TempDir()
	fakeCard(t, root, "card0", "0000:03:00.0", "amdgpu", true)
	d := probeOne(t, root)

	caps := d.Capabilities()
	assert.True(t, caps.Has(gpu.CapClockOffset|gpu.CapVoltageCurve|gpu.CapPowerLimit|gpu.CapFanCurve|gpu.CapManualFan))

	limits := d.Limits()
	assert.Equal(t, gpu.Range{Min: -2000, Max: 300}, limits.CoreOffsetMHz)
	assert.Equal(t, gpu.Range{Min: -326, Max: 75}, limits.MemoryOffsetMHz)
	assert.Equal(t, gpu.Range{Min: 0, Max: 293}, limits.PowerLimitW)
	assert.Equal(t, 255, limits.PowerDefaultW)
	assert.Equal(t, 3, limits.VoltageCurve.Points)
	assert.Equal(t, gpu.Range{Min: 700, Max: 1200}, limits.VoltageCurve.VoltageMV)
}

func TestCapabilitiesWithoutOverdrive(t *testing.T) {
	root := t.TempDir()
	dev := fakeCard(t, root, "card0", "0000:03:00.0", "amdgpu", false)
	require.NoError(t, os.Remove(filepath.Join(dev, "hwmon", "hwmon3", "power1_cap")))

	d := probeOne(t, root)
	assert.Equal(t, gpu.CapFanCurve|gpu.CapManualFan, d.Capabilities())
}

func TestReadSample(t *testing.T) {
	root := t.TempDir()
	dev := fakeCard(t, root, "card0", "0000:03:00.0", "amdgpu", false)
	require.NoError(t, os.Remove(filepath.Join(dev, "hwmon", "hwmon3", "fan1_input")))
	d := probeOne(t, root)

	s, err := d.ReadSample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 54.0, *s.TemperatureC, 0.001)
	assert.Equal(t, 2105, *s.CoreClockMHz)
	assert.Equal(t, 1000, *s.MemoryClockMHz)
	assert.InDelta(t, 187.0, *s.PowerDrawW, 0.001)
	assert.Equal(t, 40, *s.FanPercent)
	assert.Nil(t, s.FanRPM, "missing sensor stays absent")
}

func TestReadSampleAfterRemoval(t *testing.T) {
	root := t.TempDir()
	dev := fakeCard(t, root, "card0", "0000:03:00.0", "amdgpu", false)
	d := probeOne(t, root)

	require.NoError(t, os.RemoveAll(dev))
	_, err := d.ReadSample(context.Background())
	assert.Equal(t, errors.ErrDeviceGone, errors.CodeOf(err))
}

func TestFanWrites(t *testing.T) {
	root := t.TempDir()
	dev := fakeCard(t, root, "card0", "0000:03:00.0", "amdgpu", false)
	d := probeOne(t, root)
	hwmon := filepath.Join(dev, "hwmon", "hwmon3")

	require.NoError(t, d.SetFanPercent(context.Background(), 60))
	enable, _ := readString(filepath.Join(hwmon, "pwm1_enable"))
	pwm, _ := readString(filepath.Join(hwmon, "pwm1"))
	assert.Equal(t, "1", enable)
	assert.Equal(t, "153", pwm)

	require.NoError(t, d.EnableAutoFan(context.Background()))
	enable, _ = readString(filepath.Join(hwmon, "pwm1_enable"))
	assert.Equal(t, "2", enable)
}

func TestWriteClockProfileCommands(t *testing.T) {
	root := t.TempDir()
	fakeCard(t, root, "card0", "0000:03:00.0", "amdgpu", true)
	d := probeOne(t, root)

	var writes []string
	d.write = func(path, value string) error {
		writes = append(writes, filepath.Base(path)+"="+value)
		return nil
	}

	err := d.WriteClockProfile(context.Background(), gpu.ClockProfile{
		CoreOffsetMHz:   100,
		MemoryOffsetMHz: 50,
		VoltageCurve:    []gpu.VoltagePoint{{FrequencyMHz: 2600, VoltageMV: 1100}},
		PowerLimitW:     270,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		perfLevel + "=manual",
		odFile + "=r",
		odFile + "=s 1 2600",
		odFile + "=m 1 1050",
		odFile + "=vc 0 2600 1100",
		odFile + "=c",
		powerCapFile + "=270000000",
	}, writes)

	writes = nil
	require.NoError(t, d.WriteClockProfile(context.Background(), gpu.ClockProfile{}))
	assert.Equal(t, []string{
		perfLevel + "=manual",
		odFile + "=r",
		odFile + "=c",
		perfLevel + "=auto",
		powerCapFile + "=255000000",
	}, writes)
}

func TestWriteRejectedByDriver(t *testing.T) {
	root := t.TempDir()
	fakeCard(t, root, "card0", "0000:03:00.0", "amdgpu", true)
	d := probeOne(t, root)

	d.write = func(path, value string) error {
		if value == "c" {
			return mapIOError(path, os.ErrInvalid)
		}
		return nil
	}

	err := d.WriteClockProfile(context.Background(), gpu.ClockProfile{CoreOffsetMHz: 100})
	assert.Equal(t, errors.ErrHardwareRejected, errors.CodeOf(err))
}

func TestMapIOError(t *testing.T) {
	assert.Equal(t, errors.ErrPermissionDenied, errors.CodeOf(mapIOError("x", os.ErrPermission)))
	assert.Equal(t, errors.ErrDeviceGone, errors.CodeOf(mapIOError("x", os.ErrNotExist)))
}

func TestParseODTable(t *testing.T) {
	table, err := parseODTable(navi21OD)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 500, 1: 2500}, table.sclk)
	assert.Equal(t, []gpu.VoltagePoint{{FrequencyMHz: 500, VoltageMV: 750}, {FrequencyMHz: 1500, VoltageMV: 850}, {FrequencyMHz: 2500, VoltageMV: 1150}}, table.vddc)
	assert.Equal(t, gpu.Range{Min: 674, Max: 1075}, table.ranges["MCLK"])

	_, err = parseODTable("OD_SCLK:\n0: fastMhz\n")
	assert.Error(t, err)
}
