package gpu

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
)

// Handle wraps a Device with the daemon's I/O rules: one call at a time,
// every call bounded by a timeout, and an invalidation signal that
// releases waiting and in-flight callers with device_gone.
type Handle struct {
	dev     Device
	info    Info
	caps    Capabilities
	limits  Limits
	timeout time.Duration

	sem      chan struct{}
	gone     chan struct{}
	goneOnce sync.Once
	lostOnce sync.Once
	onLost   func(DeviceID)
}

// NewHandle wraps dev. onLost, if set, is called on its own goroutine
// the first time an I/O call reports the device as gone.
func NewHandle(dev Device, timeout time.Duration, onLost func(DeviceID)) *Handle {
	return &Handle{
		dev:     dev,
		info:    dev.Info(),
		caps:    dev.Capabilities(),
		limits:  dev.Limits(),
		timeout: timeout,
		sem:     make(chan struct{}, 1),
		gone:    make(chan struct{}),
		onLost:  onLost,
	}
}

func (h *Handle) ID() DeviceID               { return h.info.ID }
func (h *Handle) Info() Info                 { return h.info }
func (h *Handle) Capabilities() Capabilities { return h.caps }
func (h *Handle) Limits() Limits             { return h.limits }

// Gone is closed once the handle is invalidated.
func (h *Handle) Gone() <-chan struct{} { return h.gone }

func (h *Handle) IsGone() bool {
	select {
	case <-h.gone:
		return true
	default:
		return false
	}
}

// Invalidate marks the device as removed. The underlying device is
// closed once any in-flight call has returned.
func (h *Handle) Invalidate() {
	h.goneOnce.Do(func() {
		close(h.gone)
		go func() {
			h.sem <- struct{}{}
			_ = h.dev.Close()
		}()
	})
}

func (h *Handle) ReadSample(ctx context.Context) (SensorSample, error) {
	var sample SensorSample
	err := h.do(ctx, "read sensors", func(ctx context.Context) error {
		var err error
		sample, err = h.dev.ReadSample(ctx)
		return err
	})
	sample.Device = h.info.ID
	return sample, err
}

func (h *Handle) EnableAutoFan(ctx context.Context) error {
	return h.do(ctx, "enable auto fan", h.dev.EnableAutoFan)
}

func (h *Handle) SetFanPercent(ctx context.Context, percent int) error {
	return h.do(ctx, "set fan percent", func(ctx context.Context) error {
		return h.dev.SetFanPercent(ctx, percent)
	})
}

func (h *Handle) WriteClockProfile(ctx context.Context, p ClockProfile) error {
	return h.do(ctx, "write clock profile", func(ctx context.Context) error {
		return h.dev.WriteClockProfile(ctx, p)
	})
}

func (h *Handle) do(ctx context.Context, op string, fn func(context.Context) error) error {
	errFactory := errors.New()

	if h.IsGone() {
		return errFactory.WithMessage(errors.ErrDeviceGone, string(h.info.ID)+" is gone")
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	select {
	case h.sem <- struct{}{}:
	case <-h.gone:
		return errFactory.WithMessage(errors.ErrDeviceGone, string(h.info.ID)+" is gone")
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err()).WithMessage(op + ": device busy")
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-h.sem }()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return errFactory.Wrap(errors.ErrTimeout, err).WithMessage(op + " timed out")
		}
		if errors.HasCode(err, errors.ErrDeviceGone) {
			h.lost()
		}
		return err
	case <-h.gone:
		return errFactory.WithMessage(errors.ErrDeviceGone, string(h.info.ID)+" is gone")
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err()).WithMessage(op + " timed out")
	}
}

func (h *Handle) lost() {
	h.lostOnce.Do(func() {
		h.Invalidate()
		if h.onLost != nil {
			go h.onLost(h.info.ID)
		}
	})
}
