package sysfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
)

// nvidia cards are driven through NVML; nouveau exposes nothing useful.
var skipDrivers = map[string]bool{
	"":        true,
	"nvidia":  true,
	"nouveau": true,
}

// Prober walks <root>/class/drm for card devices.
type Prober struct {
	root   string
	logger logger.Logger
}

func NewProber(root string, log logger.Logger) *Prober {
	return &Prober{root: root, logger: log.With("sysfs")}
}

func (*Prober) Name() string { return "sysfs" }

func (p *Prober) Probe(_ context.Context) ([]gpu.Device, error) {
	drmDir := filepath.Join(p.root, "class", "drm")
	entries, err := os.ReadDir(drmDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[gpu.DeviceID]bool)
	var devices []gpu.Device

	for _, entry := range entries {
		if !isCardDevice(entry.Name()) {
			continue
		}

		devicePath := filepath.Join(drmDir, entry.Name(), "device")
		dev, ok := p.probeCard(devicePath)
		if !ok || seen[dev.info.ID] {
			continue
		}
		seen[dev.info.ID] = true

		p.logger.Debug().
			Str("card", entry.Name()).
			Str("device", string(dev.info.ID)).
			Str("driver", dev.info.Driver).
			Str("capabilities", dev.caps.String()).
			Msg("Detected GPU")
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Info().ID < devices[j].Info().ID })
	return devices, nil
}

func (p *Prober) probeCard(devicePath string) (*Device, bool) {
	uevent := parseUevent(devicePath)
	driver := readDriverName(devicePath, uevent)
	if skipDrivers[driver] {
		return nil, false
	}

	slot := uevent["PCI_SLOT_NAME"]
	if slot == "" {
		return nil, false
	}

	hwmonPath := findHwmon(devicePath)
	if hwmonPath == "" {
		p.logger.Debug().Str("device", slot).Msg("No hwmon directory, skipping")
		return nil, false
	}

	d := &Device{
		info: gpu.Info{
			ID:      gpu.DeviceID(strings.ToLower(slot)),
			Vendor:  pciVendorName(uevent["PCI_ID"]),
			Model:   readModel(devicePath, uevent["PCI_ID"]),
			Driver:  driver,
			Backend: "sysfs",
			PCIID:   uevent["PCI_ID"],
		},
		devicePath: devicePath,
		hwmonPath:  hwmonPath,
		write:      writeValue,
	}

	d.probeFan()
	d.probePower()
	d.probeOverdrive(p.logger)

	return d, true
}

func (d *Device) probeFan() {
	if writable(d.hwmon("pwm1")) && writable(d.hwmon("pwm1_enable")) {
		d.caps |= gpu.CapManualFan | gpu.CapFanCurve
		d.limits.FanPercent = gpu.Range{Min: 0, Max: 100}
	}
}

func (d *Device) probePower() {
	if !writable(d.hwmon(powerCapFile)) {
		return
	}

	minCap, errMin := readInt(d.hwmon("power1_cap_min"))
	maxCap, errMax := readInt(d.hwmon("power1_cap_max"))
	if errMin != nil || errMax != nil || maxCap <= 0 {
		return
	}

	def, err := readInt(d.hwmon("power1_cap_default"))
	if err != nil {
		// Older kernels lack power1_cap_default; the value at
		// discovery is the best available baseline.
		if def, err = readInt(d.hwmon(powerCapFile)); err != nil {
			return
		}
	}

	d.caps |= gpu.CapPowerLimit
	d.limits.PowerLimitW = gpu.Range{Min: int(minCap / microPerUnit), Max: int(maxCap / microPerUnit)}
	d.limits.PowerDefaultW = int(def / microPerUnit)
}

func (d *Device) probeOverdrive(log logger.Logger) {
	path := filepath.Join(d.devicePath, odFile)
	if !writable(path) {
		return
	}

	text, err := readString(path)
	if err != nil {
		return
	}
	table, err := parseODTable(text)
	if err != nil {
		log.Warn().Err(err).Str("device", string(d.info.ID)).Msg("Unparseable overdrive table")
		return
	}

	sclkIdx, sclkMHz, ok := topLevel(table.sclk)
	sclkRange, hasRange := table.ranges["SCLK"]
	if ok && hasRange {
		d.caps |= gpu.CapClockOffset
		d.stock.sclkLevel, d.stock.sclkMHz = sclkIdx, sclkMHz
		d.limits.CoreOffsetMHz = offsetRange(sclkRange, sclkMHz)

		if mclkIdx, mclkMHz, ok := topLevel(table.mclk); ok {
			if mclkRange, ok := table.ranges["MCLK"]; ok {
				d.stock.mclkLevel, d.stock.mclkMHz, d.stock.hasMclk = mclkIdx, mclkMHz, true
				d.limits.MemoryOffsetMHz = offsetRange(mclkRange, mclkMHz)
			}
		}
	}

	if len(table.vddc) > 0 {
		freq, okFreq := table.unionRange("VDDC_CURVE_SCLK")
		volt, okVolt := table.unionRange("VDDC_CURVE_VOLT")
		if okFreq && okVolt {
			d.caps |= gpu.CapVoltageCurve
			d.limits.VoltageCurve = gpu.VoltageCurveLimits{
				Points:       len(table.vddc),
				FrequencyMHz: freq,
				VoltageMV:    volt,
			}
		}
	}
}

func isCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func parseUevent(devicePath string) map[string]string {
	out := make(map[string]string)
	text, err := readString(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return out
	}
	for _, line := range strings.Split(text, "\n") {
		if key, value, ok := strings.Cut(line, "="); ok {
			out[key] = value
		}
	}
	return out
}

func readDriverName(devicePath string, uevent map[string]string) string {
	if link, err := os.Readlink(filepath.Join(devicePath, "driver")); err == nil {
		return filepath.Base(link)
	}
	return uevent["DRIVER"]
}

func findHwmon(devicePath string) string {
	base := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(base)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "hwmon") {
			return filepath.Join(base, entry.Name())
		}
	}
	return ""
}

func readModel(devicePath, pciID string) string {
	if name, err := readString(filepath.Join(devicePath, "product_name")); err == nil && name != "" {
		return name
	}
	if _, device, ok := strings.Cut(pciID, ":"); ok {
		return fmt.Sprintf("Device 0x%s", strings.ToLower(device))
	}
	return "Unknown GPU"
}

func pciVendorName(pciID string) string {
	vendor, _, _ := strings.Cut(pciID, ":")
	switch strings.ToLower(vendor) {
	case "1002":
		return "AMD"
	case "10de":
		return "NVIDIA"
	case "8086":
		return "Intel"
	case "":
		return ""
	default:
		return "0x" + strings.ToLower(vendor)
	}
}
