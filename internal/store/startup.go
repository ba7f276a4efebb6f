package store

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/apply"
	"codeberg.org/mutker/gpuctl/internal/clock"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/journal"
	"codeberg.org/mutker/gpuctl/internal/logger"
)

// Applier is the part of the apply manager used at startup.
type Applier interface {
	SetFanMode(ctx context.Context, id gpu.DeviceID, setting gpu.FanSetting) error
	ProposeClockProfile(ctx context.Context, id gpu.DeviceID, p gpu.ClockProfile, owner string, source journal.Source) (apply.Pending, error)
	ConfirmChange(ctx context.Context, id gpu.DeviceID, pendingID string) error
	RevertChange(ctx context.Context, id gpu.DeviceID, pendingID string) error
}

// SelfCheck decides whether a device is healthy after a clock profile
// was applied.
type SelfCheck func(ctx context.Context, id gpu.DeviceID) error

const startupOwner = "startup"

type Startup struct {
	store   *Store
	applier Applier
	journal journal.Journal
	check   SelfCheck
	clock   clock.Clock
	settle  time.Duration
	logger  logger.Logger
}

func NewStartup(s *Store, a Applier, j journal.Journal, check SelfCheck, clk clock.Clock, settle time.Duration, log logger.Logger) *Startup {
	return &Startup{
		store:   s,
		applier: a,
		journal: j,
		check:   check,
		clock:   clk,
		settle:  settle,
		logger:  log.With("startup"),
	}
}

// ApplyAll applies the stored profile of every device concurrently and
// returns when all are done.
func (s *Startup) ApplyAll(ctx context.Context, ids []gpu.DeviceID) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Apply(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Apply restores id's stored profile. The fan setting is applied
// directly; a clock profile is proposed and confirmed only after the
// device passes the self-check once the settle time has passed.
func (s *Startup) Apply(ctx context.Context, id gpu.DeviceID) error {
	p, err := s.store.Load(id)
	if err != nil {
		s.logger.ErrorWithCode(err).Str("device", string(id)).Msg("Failed to load stored profile")
		return err
	}
	if p.IsDefault() {
		s.logger.Debug().Str("device", string(id)).Msg("No stored profile")
		return nil
	}

	var errs []error
	if p.Fan.Mode != gpu.FanModeAuto {
		if err := s.applier.SetFanMode(ctx, id, p.Fan); err != nil {
			s.logger.Warn().Err(err).Str("device", string(id)).Msg("Stored fan setting not applied")
			errs = append(errs, err)
		}
	}

	if !p.Clock.IsDefault() {
		if err := s.applyClock(ctx, id, p.Clock); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Startup) applyClock(ctx context.Context, id gpu.DeviceID, p gpu.ClockProfile) error {
	last, ok, err := s.journal.Last(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("device", string(id)).Msg("Journal lookup failed")
	}
	if ok && last.Source == journal.SourceStartup && !last.Outcome.Resolved() {
		s.logger.Warn().
			Str("device", string(id)).
			Str("pending_id", last.PendingID).
			Time("proposed_at", last.Time).
			Msg("Previous startup never finished checking this clock profile, not applying it")
		return nil
	}

	pending, err := s.applier.ProposeClockProfile(ctx, id, p, startupOwner, journal.SourceStartup)
	if err != nil {
		s.logger.Warn().Err(err).Str("device", string(id)).Msg("Stored clock profile not applied")
		return err
	}

	select {
	case <-ctx.Done():
		// the revert timer restores the prior profile
		return ctx.Err()
	case <-s.clock.After(s.settle):
	}

	if err := s.check(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("device", string(id)).Msg("Self-check failed, reverting stored clock profile")
		if rerr := s.applier.RevertChange(ctx, id, pending.ID); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}

	if err := s.applier.ConfirmChange(ctx, id, pending.ID); err != nil {
		return err
	}
	s.logger.Info().Str("device", string(id)).Msg("Stored clock profile restored")
	return nil
}

// TemperatureCheck passes when the device still reports a temperature.
func TemperatureCheck(read func(ctx context.Context, id gpu.DeviceID) (gpu.SensorSample, error)) SelfCheck {
	return func(ctx context.Context, id gpu.DeviceID) error {
		sample, err := read(ctx, id)
		if err != nil {
			return err
		}
		if sample.TemperatureC == nil {
			return errors.New().WithMessage(errors.ErrHardwareRejected, "no temperature reading after applying profile")
		}
		return nil
	}
}
