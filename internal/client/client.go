// Package client talks to the daemon's control socket.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/hub"
	"codeberg.org/mutker/gpuctl/internal/journal"
	"codeberg.org/mutker/gpuctl/internal/protocol"
)

const (
	dialTimeout = 5 * time.Second
	eventBuffer = 64
)

// Client holds one connection. Calls may be made concurrently; responses
// are matched to requests by id. Events arrive on Events until the
// connection closes.
type Client struct {
	conn net.Conn

	encMu sync.Mutex
	enc   *protocol.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan protocol.Message
	err     error

	events chan hub.Event
	done   chan struct{}
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrUnavailable, err).WithMessage("connect to " + path)
	}

	c := &Client{
		conn:    conn,
		enc:     protocol.NewEncoder(conn),
		pending: make(map[uint64]chan protocol.Message),
		events:  make(chan hub.Event, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers subscribed events. Events are dropped while the
// channel is full. The channel is closed with the connection.
func (c *Client) Events() <-chan hub.Event { return c.events }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Call sends action with params and decodes the response data into
// result, which may be nil. A failure reported by the daemon is returned
// as an errors.Error carrying the daemon's code.
func (c *Client) Call(ctx context.Context, action string, params, result any) error {
	errFactory := errors.New()

	req := protocol.Request{Action: action}
	if params != nil {
		raw, err := protocol.Marshal(params)
		if err != nil {
			return errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
		req.Params = raw
	}

	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.encMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	err := c.enc.Encode(req)
	c.encMu.Unlock()
	if err != nil {
		return errFactory.Wrap(errors.ErrUnavailable, err).WithMessage("send " + action)
	}

	var msg protocol.Message
	select {
	case msg = <-ch:
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err()).WithMessage(action)
	}

	if !msg.OK {
		return errFactory.WithMessage(errors.ErrorCode(msg.Code), msg.Error)
	}
	if result != nil && len(msg.Data) > 0 {
		if err := protocol.Unmarshal(msg.Data, result); err != nil {
			return errFactory.Wrap(errors.ErrProtocol, err).WithMessage("decode " + action + " result")
		}
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	dec := protocol.NewDecoder(c.conn)
	for {
		var msg protocol.Message
		if err := dec.Decode(&msg); err != nil {
			c.mu.Lock()
			c.err = errors.New().Wrap(errors.ErrUnavailable, err).WithMessage("connection closed")
			c.mu.Unlock()
			return
		}

		if msg.Type == protocol.TypeEvent {
			if msg.Event != nil {
				select {
				case c.events <- *msg.Event:
				default:
				}
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Ping(ctx context.Context) (protocol.PingResult, error) {
	var res protocol.PingResult
	err := c.Call(ctx, protocol.ActionPing, nil, &res)
	return res, err
}

func (c *Client) ListDevices(ctx context.Context) ([]protocol.DeviceInfo, error) {
	var res []protocol.DeviceInfo
	err := c.Call(ctx, protocol.ActionListDevices, nil, &res)
	return res, err
}

func (c *Client) GetDevice(ctx context.Context, id gpu.DeviceID) (protocol.DeviceDetail, error) {
	var res protocol.DeviceDetail
	err := c.Call(ctx, protocol.ActionGetDevice, protocol.DeviceParams{Device: id}, &res)
	return res, err
}

func (c *Client) GetSensors(ctx context.Context, id gpu.DeviceID) (gpu.SensorSample, error) {
	var res gpu.SensorSample
	err := c.Call(ctx, protocol.ActionGetSensors, protocol.DeviceParams{Device: id}, &res)
	return res, err
}

func (c *Client) GetState(ctx context.Context, id gpu.DeviceID) (protocol.StateResult, error) {
	var res protocol.StateResult
	err := c.Call(ctx, protocol.ActionGetState, protocol.DeviceParams{Device: id}, &res)
	return res, err
}

// Subscribe asks for events about id, or every device when id is empty.
// No kinds means sensors and state.
func (c *Client) Subscribe(ctx context.Context, id gpu.DeviceID, kinds ...hub.Kind) error {
	return c.Call(ctx, protocol.ActionSubscribe, protocol.SubscribeParams{Device: id, Kinds: kinds}, nil)
}

func (c *Client) Unsubscribe(ctx context.Context, id gpu.DeviceID) error {
	return c.Call(ctx, protocol.ActionUnsubscribe, protocol.UnsubscribeParams{Device: id}, nil)
}

func (c *Client) SetFanMode(ctx context.Context, id gpu.DeviceID, setting gpu.FanSetting) error {
	return c.Call(ctx, protocol.ActionSetFanMode, protocol.SetFanModeParams{
		Device:  id,
		Mode:    setting.Mode,
		Percent: setting.Percent,
		Curve:   setting.Curve,
	}, nil)
}

func (c *Client) ProposeClockProfile(ctx context.Context, id gpu.DeviceID, p gpu.ClockProfile) (protocol.ProposeClockProfileResult, error) {
	var res protocol.ProposeClockProfileResult
	err := c.Call(ctx, protocol.ActionProposeClockProfile, protocol.ProposeClockProfileParams{Device: id, Profile: p}, &res)
	return res, err
}

func (c *Client) ConfirmChange(ctx context.Context, id gpu.DeviceID, pendingID string) error {
	return c.Call(ctx, protocol.ActionConfirmChange, protocol.PendingParams{Device: id, PendingID: pendingID}, nil)
}

func (c *Client) RevertChange(ctx context.Context, id gpu.DeviceID, pendingID string) error {
	return c.Call(ctx, protocol.ActionRevertChange, protocol.PendingParams{Device: id, PendingID: pendingID}, nil)
}

func (c *Client) ResetClocks(ctx context.Context, id gpu.DeviceID) error {
	return c.Call(ctx, protocol.ActionResetClocks, protocol.DeviceParams{Device: id}, nil)
}

func (c *Client) GetProfile(ctx context.Context, id gpu.DeviceID) (gpu.Profile, error) {
	var res gpu.Profile
	err := c.Call(ctx, protocol.ActionGetProfile, protocol.DeviceParams{Device: id}, &res)
	return res, err
}

func (c *Client) SetDefaultProfile(ctx context.Context, id gpu.DeviceID, p gpu.Profile) error {
	return c.Call(ctx, protocol.ActionSetDefaultProfile, protocol.SetDefaultProfileParams{Device: id, Profile: p}, nil)
}

// History returns recent journal entries, newest first.
func (c *Client) History(ctx context.Context, id gpu.DeviceID, limit int) ([]journal.Entry, error) {
	var res protocol.HistoryResult
	err := c.Call(ctx, protocol.ActionGetHistory, protocol.HistoryParams{Device: id, Limit: limit}, &res)
	return res.Entries, err
}
