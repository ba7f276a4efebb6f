package protocol

import (
	"time"

	"codeberg.org/mutker/gpuctl/internal/apply"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/fancurve"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/hub"
	"codeberg.org/mutker/gpuctl/internal/journal"
)

// Version is bumped on incompatible changes to messages.
const Version = 1

const (
	ActionPing                = "ping"
	ActionListDevices         = "list_devices"
	ActionGetDevice           = "get_device"
	ActionGetSensors          = "get_sensors"
	ActionGetState            = "get_state"
	ActionSubscribe           = "subscribe"
	ActionUnsubscribe         = "unsubscribe"
	ActionSetFanMode          = "set_fan_mode"
	ActionProposeClockProfile = "propose_clock_profile"
	ActionConfirmChange       = "confirm_change"
	ActionRevertChange        = "revert_change"
	ActionResetClocks         = "reset_clocks"
	ActionGetProfile          = "get_profile"
	ActionSetDefaultProfile   = "set_default_profile"
	ActionGetHistory          = "get_history"
)

type Request struct {
	ID     uint64     `json:"id"`
	Action string     `json:"action"`
	Params RawMessage `json:"params,omitempty"`
}

type MessageType string

const (
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
)

// Message is everything the daemon sends: responses carry the request
// id, events carry an Event.
type Message struct {
	Type  MessageType `json:"type"`
	ID    uint64      `json:"id,omitempty"`
	OK    bool        `json:"ok"`
	Code  string      `json:"code,omitempty"`
	Error string      `json:"error,omitempty"`
	Data  RawMessage  `json:"data,omitempty"`
	Event *hub.Event  `json:"event,omitempty"`
}

// Response builds a success response. A nil result leaves Data empty.
func Response(id uint64, result any) (Message, error) {
	msg := Message{Type: TypeResponse, ID: id, OK: true}
	if result == nil {
		return msg, nil
	}
	data, err := Marshal(result)
	if err != nil {
		return Message{}, errors.New().Wrap(errors.ErrInternal, err)
	}
	msg.Data = data
	return msg, nil
}

// ErrorResponse turns err into a failure response carrying its code.
func ErrorResponse(id uint64, err error) Message {
	return Message{
		Type:  TypeResponse,
		ID:    id,
		Code:  string(errors.CodeOf(err)),
		Error: err.Error(),
	}
}

func EventMessage(ev hub.Event) Message {
	return Message{Type: TypeEvent, OK: true, Event: &ev}
}

// DecodeParams decodes a request's params into v. Missing params decode
// as the zero value.
func DecodeParams(raw RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := Unmarshal(raw, v); err != nil {
		return errors.New().Wrap(errors.ErrProtocol, err).WithMessage("invalid params")
	}
	return nil
}

// Params and results, one pair per action.
type (
	PingResult struct {
		Version  string `json:"version"`
		Protocol int    `json:"protocol"`
	}

	DeviceInfo struct {
		gpu.Info
		Capabilities []string `json:"capabilities"`
		Managed      bool     `json:"managed"`
	}

	DeviceDetail struct {
		DeviceInfo
		Limits gpu.Limits `json:"limits"`
	}

	DeviceParams struct {
		Device gpu.DeviceID `json:"device"`
	}

	StateResult struct {
		FanMode     gpu.FanMode    `json:"fan_mode"`
		EngineState fancurve.State `json:"engine_state"`
		FanPercent  *int           `json:"fan_percent,omitempty"`
		Applied     gpu.Profile    `json:"applied"`
		Pending     *apply.Pending `json:"pending,omitempty"`
		Managed     bool           `json:"managed"`
	}

	SubscribeParams struct {
		// Device is empty for every device.
		Device gpu.DeviceID `json:"device,omitempty"`
		Kinds  []hub.Kind   `json:"kinds"`
	}

	UnsubscribeParams struct {
		Device gpu.DeviceID `json:"device,omitempty"`
	}

	SetFanModeParams struct {
		Device  gpu.DeviceID `json:"device"`
		Mode    gpu.FanMode  `json:"mode"`
		Percent int          `json:"percent,omitempty"`
		Curve   gpu.FanCurve `json:"curve,omitempty"`
	}

	ProposeClockProfileParams struct {
		Device  gpu.DeviceID     `json:"device"`
		Profile gpu.ClockProfile `json:"profile"`
	}

	ProposeClockProfileResult struct {
		PendingID string    `json:"pending_id"`
		Deadline  time.Time `json:"deadline"`
	}

	PendingParams struct {
		Device    gpu.DeviceID `json:"device"`
		PendingID string       `json:"pending_id"`
	}

	SetDefaultProfileParams struct {
		Device  gpu.DeviceID `json:"device"`
		Profile gpu.Profile  `json:"profile"`
	}

	HistoryParams struct {
		Device gpu.DeviceID `json:"device,omitempty"`
		Limit  int          `json:"limit,omitempty"`
	}

	HistoryResult struct {
		Entries []journal.Entry `json:"entries"`
	}
)
