package nvidia

import (
	"sync"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// library is the part of NVML the prober needs.
type library interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (nvml.Device, nvml.Return)
}

type systemLibrary struct{}

func (systemLibrary) Init() nvml.Return     { return nvml.Init() }
func (systemLibrary) Shutdown() nvml.Return { return nvml.Shutdown() }

func (systemLibrary) DeviceGetCount() (int, nvml.Return) { return nvml.DeviceGetCount() }

func (systemLibrary) DeviceGetHandleByIndex(index int) (nvml.Device, nvml.Return) {
	return nvml.DeviceGetHandleByIndex(index)
}

// nvmlWrapper initialises NVML once and shuts it down on Close.
type nvmlWrapper struct {
	lib         library
	mu          sync.Mutex
	initialized bool
}

func (w *nvmlWrapper) Initialize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initialized {
		return nil
	}

	if ret := w.lib.Init(); !isSuccess(ret) {
		return errors.New().Wrap(ErrInitFailed, newNVMLError(ret))
	}
	w.initialized = true

	return nil
}

func (w *nvmlWrapper) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		return nil
	}

	if ret := w.lib.Shutdown(); !isSuccess(ret) {
		return errors.New().Wrap(ErrShutdownFailed, newNVMLError(ret))
	}
	w.initialized = false

	return nil
}
