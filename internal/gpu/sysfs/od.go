package sysfs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
)

// odTable is the parsed content of pp_od_clk_voltage.
type odTable struct {
	sclk   map[int]int
	mclk   map[int]int
	vddc   []gpu.VoltagePoint
	ranges map[string]gpu.Range
}

const ErrParseOD = errors.ErrorCode("sysfs_parse_od_failed")

func parseODTable(text string) (odTable, error) {
	t := odTable{
		sclk:   make(map[int]int),
		mclk:   make(map[int]int),
		ranges: make(map[string]gpu.Range),
	}

	section := ""
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t") {
			section = strings.TrimSuffix(line, ":")
			continue
		}

		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)

		var err error
		switch section {
		case "OD_SCLK", "OD_MCLK":
			err = parseLevel(section, key, fields, t)
		case "OD_VDDC_CURVE":
			if len(fields) < 2 {
				err = fmt.Errorf("short voltage point %q", line)
				break
			}
			var pt gpu.VoltagePoint
			if pt.FrequencyMHz, err = parseUnit(fields[0], "mhz"); err == nil {
				pt.VoltageMV, err = parseUnit(fields[1], "mv")
			}
			t.vddc = append(t.vddc, pt)
		case "OD_RANGE":
			if len(fields) < 2 {
				err = fmt.Errorf("short range %q", line)
				break
			}
			var r gpu.Range
			if r.Min, err = parseUnit(fields[0], "mhz", "mv"); err == nil {
				r.Max, err = parseUnit(fields[1], "mhz", "mv")
			}
			t.ranges[strings.TrimSpace(key)] = r
		}
		if err != nil {
			return odTable{}, errors.New().Wrap(ErrParseOD, err)
		}
	}

	return t, nil
}

func parseLevel(section, key string, fields []string, t odTable) error {
	if len(fields) < 1 {
		return fmt.Errorf("empty %s level %q", section, key)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil {
		return err
	}
	mhz, err := parseUnit(fields[0], "mhz")
	if err != nil {
		return err
	}
	if section == "OD_SCLK" {
		t.sclk[idx] = mhz
	} else {
		t.mclk[idx] = mhz
	}
	return nil
}

func parseUnit(field string, units ...string) (int, error) {
	lower := strings.ToLower(field)
	for _, u := range units {
		lower = strings.TrimSuffix(lower, u)
	}
	return strconv.Atoi(lower)
}

// topLevel returns the highest DPM level index and its clock.
func topLevel(levels map[int]int) (idx, mhz int, ok bool) {
	if len(levels) == 0 {
		return 0, 0, false
	}
	keys := make([]int, 0, len(levels))
	for k := range levels {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	idx = keys[len(keys)-1]
	return idx, levels[idx], true
}

// unionRange merges every OD_RANGE entry whose key starts with prefix.
func (t odTable) unionRange(prefix string) (gpu.Range, bool) {
	var (
		r     gpu.Range
		found bool
	)
	for key, v := range t.ranges {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !found {
			r, found = v, true
			continue
		}
		r.Min = min(r.Min, v.Min)
		r.Max = max(r.Max, v.Max)
	}
	return r, found
}

// offsetRange converts an absolute clock range into offsets from stock.
func offsetRange(abs gpu.Range, stock int) gpu.Range {
	return gpu.Range{Min: abs.Min - stock, Max: abs.Max - stock}
}

// odCommands renders p as the command sequence pp_od_clk_voltage
// accepts, starting from a reset and ending with a commit.
func odCommands(p gpu.ClockProfile, stock odStock) []string {
	cmds := []string{"r"}

	if p.CoreOffsetMHz != 0 {
		cmds = append(cmds, fmt.Sprintf("s %d %d", stock.sclkLevel, stock.sclkMHz+p.CoreOffsetMHz))
	}
	if p.MemoryOffsetMHz != 0 && stock.hasMclk {
		cmds = append(cmds, fmt.Sprintf("m %d %d", stock.mclkLevel, stock.mclkMHz+p.MemoryOffsetMHz))
	}
	for i, pt := range p.VoltageCurve {
		cmds = append(cmds, fmt.Sprintf("vc %d %d %d", i, pt.FrequencyMHz, pt.VoltageMV))
	}

	return append(cmds, "c")
}

// odStock is the driver's own top clock state captured at discovery.
type odStock struct {
	sclkLevel, sclkMHz int
	mclkLevel, mclkMHz int
	hasMclk            bool
}
