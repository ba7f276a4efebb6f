// Package nvidia is the NVML backend for NVIDIA devices.
package nvidia

import (
	"context"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Prober enumerates NVML devices. NVML is initialised lazily on the
// first probe so hosts without the NVIDIA driver simply find nothing.
type Prober struct {
	nvml   *nvmlWrapper
	logger logger.Logger
}

func NewProber(log logger.Logger) *Prober {
	return newProber(systemLibrary{}, log)
}

func newProber(lib library, log logger.Logger) *Prober {
	return &Prober{
		nvml:   &nvmlWrapper{lib: lib},
		logger: log.With("nvml"),
	}
}

func (*Prober) Name() string { return "nvml" }

func (p *Prober) Probe(_ context.Context) ([]gpu.Device, error) {
	if err := p.nvml.Initialize(); err != nil {
		p.logger.Debug().Err(err).Msg("NVML unavailable, skipping NVIDIA devices")
		return nil, nil
	}

	count, ret := p.nvml.lib.DeviceGetCount()
	if !isSuccess(ret) {
		return nil, errors.New().Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}

	devices := make([]gpu.Device, 0, count)
	for i := 0; i < count; i++ {
		handle, ret := p.nvml.lib.DeviceGetHandleByIndex(i)
		if !isSuccess(ret) {
			p.logger.Warn().Int("index", i).Str("error", nvml.ErrorString(ret)).Msg("Failed to get device handle")
			continue
		}

		dev, err := newDevice(handle)
		if err != nil {
			p.logger.Warn().Int("index", i).Err(err).Msg("Failed to probe device")
			continue
		}

		p.logger.Debug().
			Str("device", string(dev.info.ID)).
			Str("model", dev.info.Model).
			Str("capabilities", dev.caps.String()).
			Msg("Detected NVIDIA GPU")
		devices = append(devices, dev)
	}

	return devices, nil
}

// Close shuts NVML down.
func (p *Prober) Close() error {
	return p.nvml.Shutdown()
}
