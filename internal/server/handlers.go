package server

import (
	"context"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/fancurve"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/hub"
	"codeberg.org/mutker/gpuctl/internal/journal"
	"codeberg.org/mutker/gpuctl/internal/protocol"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.ActionPing:                s.ping,
		protocol.ActionListDevices:         s.listDevices,
		protocol.ActionGetDevice:           s.getDevice,
		protocol.ActionGetSensors:          s.getSensors,
		protocol.ActionGetState:            s.getState,
		protocol.ActionSubscribe:           s.subscribe,
		protocol.ActionUnsubscribe:         s.unsubscribe,
		protocol.ActionSetFanMode:          s.setFanMode,
		protocol.ActionProposeClockProfile: s.proposeClockProfile,
		protocol.ActionConfirmChange:       s.confirmChange,
		protocol.ActionRevertChange:        s.revertChange,
		protocol.ActionResetClocks:         s.resetClocks,
		protocol.ActionGetProfile:          s.getProfile,
		protocol.ActionSetDefaultProfile:   s.setDefaultProfile,
		protocol.ActionGetHistory:          s.getHistory,
	}
}

func (s *Server) ping(context.Context, *session, protocol.RawMessage) (any, error) {
	return protocol.PingResult{Version: s.cfg.Version, Protocol: protocol.Version}, nil
}

func (s *Server) listDevices(context.Context, *session, protocol.RawMessage) (any, error) {
	ids := s.deps.Registry.List()
	devices := make([]protocol.DeviceInfo, 0, len(ids))
	for _, id := range ids {
		h, err := s.deps.Registry.Get(id)
		if err != nil {
			continue
		}
		devices = append(devices, s.deviceInfo(h))
	}
	return devices, nil
}

func (s *Server) getDevice(_ context.Context, _ *session, raw protocol.RawMessage) (any, error) {
	h, err := s.handle(raw)
	if err != nil {
		return nil, err
	}
	return protocol.DeviceDetail{DeviceInfo: s.deviceInfo(h), Limits: h.Limits()}, nil
}

func (s *Server) getSensors(_ context.Context, _ *session, raw protocol.RawMessage) (any, error) {
	h, err := s.handle(raw)
	if err != nil {
		return nil, err
	}
	sample, ok := s.deps.Sensors.Latest(h.ID())
	if !ok {
		return nil, errors.New().WithMessage(errors.ErrUnavailable, "no sample yet for "+string(h.ID()))
	}
	return sample, nil
}

func (s *Server) getState(_ context.Context, _ *session, raw protocol.RawMessage) (any, error) {
	h, err := s.handle(raw)
	if err != nil {
		return nil, err
	}
	st, err := s.deps.Applier.State(h.ID())
	if err != nil {
		return nil, err
	}

	result := protocol.StateResult{
		FanMode:     st.Applied.Fan.Mode,
		EngineState: fancurve.StateDisabled,
		Applied:     st.Applied,
		Pending:     st.Pending,
		Managed:     st.Managed,
	}
	if status, ok := s.deps.Fans.Status(h.ID()); ok {
		result.EngineState = status.State
		result.FanPercent = status.Percent
	}
	return result, nil
}

func (s *Server) subscribe(_ context.Context, sess *session, raw protocol.RawMessage) (any, error) {
	var p protocol.SubscribeParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Device != hub.AllDevices {
		if _, err := s.deps.Registry.Get(p.Device); err != nil {
			return nil, err
		}
	}

	kinds := p.Kinds
	if len(kinds) == 0 {
		kinds = []hub.Kind{hub.KindSensors, hub.KindState}
	}
	return nil, s.deps.Subscriptions.Subscribe(sess, p.Device, kinds...)
}

func (s *Server) unsubscribe(_ context.Context, sess *session, raw protocol.RawMessage) (any, error) {
	var p protocol.UnsubscribeParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	s.deps.Subscriptions.Unsubscribe(sess.id, p.Device)
	return nil, nil
}

func (s *Server) setFanMode(ctx context.Context, _ *session, raw protocol.RawMessage) (any, error) {
	var p protocol.SetFanModeParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Applier.SetFanMode(ctx, p.Device, gpu.FanSetting{
		Mode:    p.Mode,
		Percent: p.Percent,
		Curve:   p.Curve,
	})
}

func (s *Server) proposeClockProfile(ctx context.Context, sess *session, raw protocol.RawMessage) (any, error) {
	var p protocol.ProposeClockProfileParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	pending, err := s.deps.Applier.ProposeClockProfile(ctx, p.Device, p.Profile, sess.id, journal.SourceClient)
	if err != nil {
		return nil, err
	}
	return protocol.ProposeClockProfileResult{PendingID: pending.ID, Deadline: pending.Deadline}, nil
}

func (s *Server) confirmChange(ctx context.Context, _ *session, raw protocol.RawMessage) (any, error) {
	var p protocol.PendingParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Applier.ConfirmChange(ctx, p.Device, p.PendingID)
}

func (s *Server) revertChange(ctx context.Context, _ *session, raw protocol.RawMessage) (any, error) {
	var p protocol.PendingParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Applier.RevertChange(ctx, p.Device, p.PendingID)
}

func (s *Server) resetClocks(ctx context.Context, _ *session, raw protocol.RawMessage) (any, error) {
	var p protocol.DeviceParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Applier.ResetClocks(ctx, p.Device)
}

func (s *Server) getProfile(_ context.Context, _ *session, raw protocol.RawMessage) (any, error) {
	h, err := s.handle(raw)
	if err != nil {
		return nil, err
	}
	return s.deps.Profiles.Load(h.ID())
}

// setDefaultProfile stores the profile applied at the next start. It
// does not touch the hardware.
func (s *Server) setDefaultProfile(_ context.Context, _ *session, raw protocol.RawMessage) (any, error) {
	var p protocol.SetDefaultProfileParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	h, err := s.deps.Registry.Get(p.Device)
	if err != nil {
		return nil, err
	}

	if p.Profile.Fan.Mode == "" {
		p.Profile.Fan.Mode = gpu.FanModeAuto
	}
	if p.Profile.Fan.Mode != gpu.FanModeAuto {
		if err := p.Profile.Fan.Validate(h.Capabilities(), h.Limits()); err != nil {
			return nil, err
		}
	}
	if err := p.Profile.Clock.Validate(h.Capabilities(), h.Limits()); err != nil {
		return nil, err
	}
	return nil, s.deps.Profiles.Save(h.ID(), p.Profile)
}

func (s *Server) getHistory(ctx context.Context, _ *session, raw protocol.RawMessage) (any, error) {
	var p protocol.HistoryParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Device != "" {
		if _, err := s.deps.Registry.Get(p.Device); err != nil {
			return nil, err
		}
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	entries, err := s.deps.History.Recent(ctx, p.Device, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return protocol.HistoryResult{Entries: entries}, nil
}

func (s *Server) handle(raw protocol.RawMessage) (*gpu.Handle, error) {
	var p protocol.DeviceParams
	if err := protocol.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Registry.Get(p.Device)
}

func (s *Server) deviceInfo(h *gpu.Handle) protocol.DeviceInfo {
	info := protocol.DeviceInfo{
		Info:         h.Info(),
		Capabilities: h.Capabilities().Names(),
		Managed:      true,
	}
	if st, err := s.deps.Applier.State(h.ID()); err == nil {
		info.Managed = st.Managed
	}
	return info
}
