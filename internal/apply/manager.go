// Package apply is the only writer of device controls. Fan settings are
// applied directly; clock profiles are applied under a revert timer and
// only kept once confirmed.
package apply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/clock"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/hub"
	"codeberg.org/mutker/gpuctl/internal/journal"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/google/uuid"
)

type Config struct {
	RevertTimeout time.Duration
}

type Manager struct {
	cfg       Config
	clock     clock.Clock
	logger    logger.Logger
	store     Store
	journal   journal.Journal
	publisher Publisher

	mu      sync.RWMutex
	fans    FanObserver
	devices map[gpu.DeviceID]*deviceState
}

func New(cfg Config, clk clock.Clock, log logger.Logger, store Store, j journal.Journal, pub Publisher) *Manager {
	return &Manager{
		cfg:       cfg,
		clock:     clk,
		logger:    log.With("apply"),
		store:     store,
		journal:   j,
		publisher: pub,
		devices:   make(map[gpu.DeviceID]*deviceState),
	}
}

func (m *Manager) SetFanObserver(o FanObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fans = o
}

// DeviceAdded starts tracking h with the driver default profile.
func (m *Manager) DeviceAdded(h *gpu.Handle) {
	m.mu.Lock()
	m.devices[h.ID()] = &deviceState{handle: h, applied: gpu.DefaultProfile()}
	m.mu.Unlock()

	m.publisher.Publish(hub.DeviceEvent(h.ID(), m.clock.Now(), hub.DeviceAdded))
}

// DeviceRemoved cancels any open change without touching the hardware
// and emits a single gone event.
func (m *Manager) DeviceRemoved(id gpu.DeviceID) {
	m.mu.Lock()
	ds, ok := m.devices[id]
	delete(m.devices, id)
	m.mu.Unlock()

	if !ok {
		return
	}

	ds.mu.Lock()
	ds.gone = true
	if pc := ds.pending; pc != nil {
		pc.resolved = true
		pc.timer.Stop()
		ds.pending = nil
		m.record(pc.Source, id, pc.ID, journal.OutcomeCancelled, &pc.Proposed, "device removed")
		m.logger.Warn().Str("device", string(id)).Str("pending_id", pc.ID).Msg("Pending change cancelled by device removal")
	}
	ds.mu.Unlock()

	m.publisher.Publish(hub.DeviceEvent(id, m.clock.Now(), hub.DeviceGone))
}

// State returns a snapshot of the device's applied profile and open
// change.
func (m *Manager) State(id gpu.DeviceID) (State, error) {
	ds, err := m.device(id)
	if err != nil {
		return State{}, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	st := State{Applied: ds.applied, Managed: !ds.unmanaged}
	if ds.pending != nil {
		p := ds.pending.Pending
		st.Pending = &p
	}
	return st, nil
}

// SetFanMode validates and applies a fan setting directly. Curve mode
// writes nothing itself; the fan observer takes over.
func (m *Manager) SetFanMode(ctx context.Context, id gpu.DeviceID, setting gpu.FanSetting) error {
	ds, err := m.device(id)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	if ds.gone {
		ds.mu.Unlock()
		return goneError(id)
	}

	h := ds.handle
	if err := setting.Validate(h.Capabilities(), h.Limits()); err != nil {
		ds.mu.Unlock()
		return err
	}

	switch setting.Mode {
	case gpu.FanModeAuto:
		err = h.EnableAutoFan(ctx)
	case gpu.FanModeFixed:
		err = h.SetFanPercent(ctx, setting.Percent)
	}
	if err != nil {
		ds.mu.Unlock()
		m.logger.Warn().Err(err).Str("device", string(id)).Str("mode", string(setting.Mode)).Msg("Fan mode write failed")
		return err
	}

	setting.Curve = append(gpu.FanCurve(nil), setting.Curve...)
	ds.applied.Fan = setting
	ds.fanSeq++
	seq := ds.fanSeq
	m.persist(id, func(p *gpu.Profile) { p.Fan = setting })
	ds.mu.Unlock()

	m.logger.Info().Str("device", string(id)).Str("mode", string(setting.Mode)).Msg("Fan mode applied")

	if fans := m.fanObserver(); fans != nil {
		fans.SetMode(id, setting, seq)
	}

	change := hub.StateChange{Reason: hub.ReasonFanMode, FanMode: setting.Mode}
	if setting.Mode == gpu.FanModeFixed {
		change.Percent = gpu.Int(setting.Percent)
	}
	m.publisher.Publish(hub.StateEvent(id, m.clock.Now(), change))

	return nil
}

// WriteFanPercent is the fan curve engine's write path. The write is
// dropped when the device is no longer in curve mode.
func (m *Manager) WriteFanPercent(ctx context.Context, id gpu.DeviceID, percent int) (bool, error) {
	ds, err := m.device(id)
	if err != nil {
		return false, err
	}

	ds.mu.Lock()
	if ds.gone {
		ds.mu.Unlock()
		return false, goneError(id)
	}
	if ds.applied.Fan.Mode != gpu.FanModeCurve {
		ds.mu.Unlock()
		return false, nil
	}

	percent = ds.handle.Limits().FanPercent.Clamp(percent)
	if err := ds.handle.SetFanPercent(ctx, percent); err != nil {
		ds.mu.Unlock()
		return false, err
	}
	ds.mu.Unlock()

	m.publisher.Publish(hub.StateEvent(id, m.clock.Now(), hub.StateChange{
		Reason:  hub.ReasonEngineFanWrite,
		FanMode: gpu.FanModeCurve,
		Percent: gpu.Int(percent),
	}))
	return true, nil
}

// ProposeClockProfile writes p and opens a pending change that reverts
// to the prior profile unless confirmed before the deadline. A rejected
// write is reverted at once.
func (m *Manager) ProposeClockProfile(ctx context.Context, id gpu.DeviceID, p gpu.ClockProfile, owner string, source journal.Source) (Pending, error) {
	errFactory := errors.New()

	ds, err := m.device(id)
	if err != nil {
		return Pending{}, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	switch {
	case ds.gone:
		return Pending{}, goneError(id)
	case ds.unmanaged:
		return Pending{}, unmanagedError(id)
	case ds.pending != nil:
		return Pending{}, errFactory.WithMessage(errors.ErrChangeInProgress,
			fmt.Sprintf("change %s is pending on %s", ds.pending.ID, id))
	}

	h := ds.handle
	if err := p.Validate(h.Capabilities(), h.Limits()); err != nil {
		m.record(source, id, "", journal.OutcomeRejected, &p, err.Error())
		return Pending{}, err
	}

	p.VoltageCurve = append([]gpu.VoltagePoint(nil), p.VoltageCurve...)
	pc := &pendingChange{Pending: Pending{
		ID:       uuid.NewString(),
		Prior:    ds.applied.Clock,
		Proposed: p,
		Owner:    owner,
		Source:   source,
	}}

	// Recorded before the write so a crash mid-write still shows an
	// unresolved proposal on the next start.
	m.record(source, id, pc.ID, journal.OutcomeProposed, &p, "")

	if err := h.WriteClockProfile(ctx, p); err != nil {
		m.rejectLocked(ds, id, pc, err)
		return Pending{}, err
	}

	pc.Deadline = m.clock.Now().Add(m.cfg.RevertTimeout)
	pc.timer = m.clock.AfterFunc(m.cfg.RevertTimeout, func() { m.expire(id, pc) })
	ds.pending = pc

	m.logger.Info().
		Str("device", string(id)).
		Str("pending_id", pc.ID).
		Time("deadline", pc.Deadline).
		Msg("Clock profile applied, awaiting confirmation")

	deadline := pc.Deadline
	m.publisher.Publish(hub.StateEvent(id, m.clock.Now(), hub.StateChange{
		Reason:    hub.ReasonPendingOpened,
		PendingID: pc.ID,
		Deadline:  &deadline,
		Clock:     &p,
	}))

	return pc.Pending, nil
}

// ConfirmChange promotes the pending profile to applied and persists
// it. An unknown or expired pending id yields change_expired.
func (m *Manager) ConfirmChange(ctx context.Context, id gpu.DeviceID, pendingID string) error {
	ds, err := m.device(id)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	pc, err := m.openLocked(ds, id, pendingID)
	if err != nil {
		return err
	}

	if !m.clock.Now().Before(pc.Deadline) {
		// the timer has not run yet; expire now so the outcome is the same
		_ = m.revertLocked(ctx, ds, id, pc, journal.OutcomeExpired, "deadline passed")
		return expiredError(id, pendingID)
	}

	pc.resolved = true
	pc.timer.Stop()
	ds.pending = nil
	ds.applied.Clock = pc.Proposed
	m.persist(id, func(p *gpu.Profile) { p.Clock = pc.Proposed })
	m.record(pc.Source, id, pc.ID, journal.OutcomeConfirmed, &pc.Proposed, "")

	m.logger.Info().Str("device", string(id)).Str("pending_id", pc.ID).Msg("Clock profile confirmed")

	proposed := pc.Proposed
	m.publisher.Publish(hub.StateEvent(id, m.clock.Now(), hub.StateChange{
		Reason:    hub.ReasonConfirmed,
		PendingID: pc.ID,
		Clock:     &proposed,
	}))
	return nil
}

// RevertChange restores the prior profile before the deadline.
func (m *Manager) RevertChange(ctx context.Context, id gpu.DeviceID, pendingID string) error {
	ds, err := m.device(id)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	pc, err := m.openLocked(ds, id, pendingID)
	if err != nil {
		return err
	}
	return m.revertLocked(ctx, ds, id, pc, journal.OutcomeReverted, "reverted by client")
}

// ResetClocks writes the driver default clock profile and promotes it
// directly.
func (m *Manager) ResetClocks(ctx context.Context, id gpu.DeviceID) error {
	errFactory := errors.New()

	ds, err := m.device(id)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	switch {
	case ds.gone:
		return goneError(id)
	case ds.unmanaged:
		return unmanagedError(id)
	case ds.pending != nil:
		return errFactory.WithMessage(errors.ErrChangeInProgress,
			fmt.Sprintf("change %s is pending on %s", ds.pending.ID, id))
	}

	var stock gpu.ClockProfile
	if err := ds.handle.WriteClockProfile(ctx, stock); err != nil {
		m.logger.Warn().Err(err).Str("device", string(id)).Msg("Clock reset failed")
		return err
	}

	ds.applied.Clock = stock
	m.persist(id, func(p *gpu.Profile) { p.Clock = stock })
	m.record(journal.SourceClient, id, "", journal.OutcomeReset, &stock, "")

	m.logger.Info().Str("device", string(id)).Msg("Clocks reset to driver defaults")
	m.publisher.Publish(hub.StateEvent(id, m.clock.Now(), hub.StateChange{
		Reason: hub.ReasonClocksReset,
		Clock:  &stock,
	}))
	return nil
}

// Shutdown reverts every open change and hands fans back to the driver.
// The manager accepts no writes afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	states := make(map[gpu.DeviceID]*deviceState, len(m.devices))
	for id, ds := range m.devices {
		states[id] = ds
	}
	m.mu.RUnlock()

	var errs []error
	for id, ds := range states {
		ds.mu.Lock()
		if ds.gone {
			ds.mu.Unlock()
			continue
		}
		if pc := ds.pending; pc != nil {
			if err := m.revertLocked(ctx, ds, id, pc, journal.OutcomeReverted, "daemon shutdown"); err != nil {
				errs = append(errs, err)
			}
		}
		if ds.applied.Fan.Mode != gpu.FanModeAuto {
			if err := ds.handle.EnableAutoFan(ctx); err != nil {
				m.logger.Warn().Err(err).Str("device", string(id)).Msg("Failed to return fan control to driver")
				errs = append(errs, err)
			}
		}
		ds.gone = true
		ds.mu.Unlock()
	}

	if len(errs) > 0 {
		return errors.New().Wrap(errors.ErrShutdownFailed, errors.Join(errs...))
	}
	return nil
}

func (m *Manager) expire(id gpu.DeviceID, pc *pendingChange) {
	m.mu.RLock()
	ds, ok := m.devices[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if pc.resolved || ds.pending != pc {
		return
	}
	m.logger.Warn().Str("device", string(id)).Str("pending_id", pc.ID).Msg("Change not confirmed in time, reverting")
	_ = m.revertLocked(context.Background(), ds, id, pc, journal.OutcomeExpired, "confirmation deadline passed")
}

func (m *Manager) openLocked(ds *deviceState, id gpu.DeviceID, pendingID string) (*pendingChange, error) {
	if ds.gone {
		return nil, goneError(id)
	}
	pc := ds.pending
	if pc == nil || pc.resolved || pc.ID != pendingID {
		return nil, expiredError(id, pendingID)
	}
	return pc, nil
}

// revertLocked resolves pc by writing its prior profile back. A failed
// revert leaves the device unmanaged.
func (m *Manager) revertLocked(ctx context.Context, ds *deviceState, id gpu.DeviceID, pc *pendingChange, outcome journal.Outcome, detail string) error {
	pc.resolved = true
	if pc.timer != nil {
		pc.timer.Stop()
	}
	ds.pending = nil

	if err := ds.handle.WriteClockProfile(detached(ctx), pc.Prior); err != nil {
		if errors.HasCode(err, errors.ErrDeviceGone) {
			return err
		}
		m.markUnmanagedLocked(ds, id, pc, err)
		return errors.New().Wrap(errors.ErrDeviceUnmanaged, err).
			WithMessage(fmt.Sprintf("revert of %s on %s failed", pc.ID, id))
	}

	m.record(pc.Source, id, pc.ID, outcome, &pc.Prior, detail)
	m.logger.Info().Str("device", string(id)).Str("pending_id", pc.ID).Str("outcome", string(outcome)).Msg("Clock profile reverted")

	prior := pc.Prior
	m.publisher.Publish(hub.StateEvent(id, m.clock.Now(), hub.StateChange{
		Reason:    hub.ReasonReverted,
		PendingID: pc.ID,
		Clock:     &prior,
		Message:   string(outcome),
	}))
	return nil
}

// rejectLocked handles a failed proposal write by restoring the prior
// profile.
func (m *Manager) rejectLocked(ds *deviceState, id gpu.DeviceID, pc *pendingChange, cause error) {
	if errors.HasCode(cause, errors.ErrDeviceGone) {
		m.record(pc.Source, id, pc.ID, journal.OutcomeCancelled, &pc.Proposed, cause.Error())
		return
	}

	m.logger.Warn().Err(cause).Str("device", string(id)).Str("pending_id", pc.ID).Msg("Clock profile rejected, restoring prior profile")

	if err := ds.handle.WriteClockProfile(context.Background(), pc.Prior); err != nil {
		if !errors.HasCode(err, errors.ErrDeviceGone) {
			m.markUnmanagedLocked(ds, id, pc, err)
		}
		return
	}
	m.record(pc.Source, id, pc.ID, journal.OutcomeRejected, &pc.Proposed, cause.Error())
}

func (m *Manager) markUnmanagedLocked(ds *deviceState, id gpu.DeviceID, pc *pendingChange, cause error) {
	ds.unmanaged = true
	m.record(pc.Source, id, pc.ID, journal.OutcomeRevertFailed, &pc.Prior, cause.Error())
	m.logger.Error().Err(cause).Str("device", string(id)).Str("pending_id", pc.ID).
		Msg("Revert failed, device is unmanaged until restart")

	m.publisher.Publish(hub.StateEvent(id, m.clock.Now(), hub.StateChange{
		Reason:    hub.ReasonUnmanaged,
		PendingID: pc.ID,
		Message:   cause.Error(),
	}))
}

func (m *Manager) persist(id gpu.DeviceID, fn func(p *gpu.Profile)) {
	if err := m.store.Update(id, fn); err != nil {
		m.logger.ErrorWithCode(err).Str("device", string(id)).Msg("Failed to persist profile")
	}
}

func (m *Manager) record(source journal.Source, id gpu.DeviceID, pendingID string, outcome journal.Outcome, p *gpu.ClockProfile, detail string) {
	err := m.journal.Record(context.Background(), journal.Entry{
		Time:      m.clock.Now(),
		Device:    id,
		PendingID: pendingID,
		Source:    source,
		Outcome:   outcome,
		Profile:   p,
		Detail:    detail,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("device", string(id)).Str("outcome", string(outcome)).Msg("Failed to record change")
	}
}

func (m *Manager) device(id gpu.DeviceID) (*deviceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ds, ok := m.devices[id]
	if !ok {
		return nil, errors.New().WithMessage(errors.ErrDeviceNotFound, "no device "+string(id))
	}
	return ds, nil
}

func (m *Manager) fanObserver() FanObserver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fans
}

func goneError(id gpu.DeviceID) error {
	return errors.New().WithMessage(errors.ErrDeviceGone, string(id)+" is gone")
}

func unmanagedError(id gpu.DeviceID) error {
	return errors.New().WithMessage(errors.ErrDeviceUnmanaged, string(id)+" is unmanaged until restart")
}

func expiredError(id gpu.DeviceID, pendingID string) error {
	return errors.New().WithMessage(errors.ErrChangeExpired,
		fmt.Sprintf("no pending change %s on %s", pendingID, id))
}
