// Package mqtt republishes hub events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/hub"
	"codeberg.org/mutker/gpuctl/internal/logger"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	sinkID       = "mqtt"
	defaultQueue = 256

	ErrConnectFailed = errors.ErrorCode("mqtt_connect_failed")
	ErrPublishFailed = errors.ErrorCode("mqtt_publish_failed")
)

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Queue          int
	PublishTimeout time.Duration
}

// Publisher is the part of a paho client the bridge uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	IsConnectionOpen() bool
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// Bridge is a hub sink. Events are queued without blocking and published
// by Run; when the queue is full or the broker is unreachable, events are
// dropped and counted.
type Bridge struct {
	cfg    Config
	pub    Publisher
	logger logger.Logger

	queue chan message
	stop  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	devices map[gpu.DeviceID]bool
	dropped uint64

	disconnect func()
}

func NewBridge(cfg Config, pub Publisher, log logger.Logger) *Bridge {
	if cfg.Queue <= 0 {
		cfg.Queue = defaultQueue
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Bridge{
		cfg:     cfg,
		pub:     pub,
		logger:  log.With("mqtt"),
		queue:   make(chan message, cfg.Queue),
		stop:    make(chan struct{}),
		devices: make(map[gpu.DeviceID]bool),
	}
}

// Connect builds a paho client for cfg and a bridge on top of it. An
// unreachable broker is not fatal: the client keeps retrying and the
// bridge drops events until it connects.
func Connect(cfg Config, log logger.Logger) (*Bridge, error) {
	opts := buildClientOptions(cfg)

	var b *Bridge
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		b.logger.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")
		b.announce()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := pahomqtt.NewClient(opts)
	b = NewBridge(cfg, client, log)
	b.disconnect = func() { client.Disconnect(defaultDisconnectQuiesce) }

	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		b.logger.Warn().Str("broker", cfg.Broker).Msg("MQTT broker not reachable yet, retrying in background")
		return b, nil
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, errors.New().Wrap(ErrConnectFailed, err).WithMessage("connect to " + cfg.Broker)
	}
	return b, nil
}

func (b *Bridge) ID() string { return sinkID }

func (b *Bridge) Deliver(ev hub.Event) bool {
	select {
	case <-b.stop:
		return false
	default:
	}

	msgs, err := b.messages(ev)
	if err != nil {
		b.logger.Warn().Err(err).Str("device", string(ev.Device)).Msg("Cannot encode event")
		return true
	}
	for _, m := range msgs {
		select {
		case b.queue <- m:
		default:
			b.countDrop()
		}
	}
	return true
}

func (b *Bridge) Dropped() {
	b.logger.Warn().Msg("MQTT bridge removed from the hub")
}

// DroppedMessages returns how many messages were not published.
func (b *Bridge) DroppedMessages() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Run publishes queued messages until ctx is done or Close is called.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case m := <-b.queue:
			if err := b.publish(m); err != nil {
				b.countDrop()
				b.logger.Debug().Err(err).Str("topic", m.topic).Msg("Publish failed")
			}
		}
	}
}

// Close marks every known device and the daemon offline, stops Run and
// disconnects a client made by Connect.
func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.stop)

		b.mu.Lock()
		ids := b.knownLocked()
		b.mu.Unlock()

		for _, id := range ids {
			_ = b.publish(message{topic: availabilityTopic(b.cfg.TopicPrefix, string(id)), retained: true, payload: []byte(statusOffline)})
		}
		_ = b.publish(message{topic: statusTopic(b.cfg.TopicPrefix), retained: true, payload: []byte(statusOffline)})

		if b.disconnect != nil {
			b.disconnect()
		}
	})
}

// announce republishes the retained online markers after a (re)connect.
func (b *Bridge) announce() {
	b.mu.Lock()
	ids := b.knownLocked()
	b.mu.Unlock()

	b.enqueue(message{topic: statusTopic(b.cfg.TopicPrefix), retained: true, payload: []byte(statusOnline)})
	for _, id := range ids {
		b.enqueue(message{topic: availabilityTopic(b.cfg.TopicPrefix, string(id)), retained: true, payload: []byte(statusOnline)})
	}
}

func (b *Bridge) enqueue(m message) {
	select {
	case b.queue <- m:
	default:
		b.countDrop()
	}
}

func (b *Bridge) messages(ev hub.Event) ([]message, error) {
	prefix, device := b.cfg.TopicPrefix, string(ev.Device)

	switch ev.Kind {
	case hub.KindSensors:
		if ev.Sample == nil {
			return nil, nil
		}
		b.seen(ev.Device)
		payload, err := json.Marshal(ev.Sample)
		if err != nil {
			return nil, err
		}
		return []message{{topic: sensorsTopic(prefix, device), payload: payload}}, nil

	case hub.KindState:
		if ev.State == nil {
			return nil, nil
		}
		payload, err := json.Marshal(statePayload{Time: ev.Time, StateChange: *ev.State})
		if err != nil {
			return nil, err
		}
		return []message{{topic: stateTopic(prefix, device), retained: true, payload: payload}}, nil

	case hub.KindDevice:
		status := statusOnline
		if ev.Lifecycle == hub.DeviceGone {
			status = statusOffline
			b.forget(ev.Device)
		} else {
			b.seen(ev.Device)
		}
		return []message{{topic: availabilityTopic(prefix, device), retained: true, payload: []byte(status)}}, nil
	}

	return nil, nil
}

type statePayload struct {
	Time time.Time `json:"time"`
	hub.StateChange
}

func (b *Bridge) publish(m message) error {
	if !b.pub.IsConnectionOpen() {
		return errors.New().WithMessage(ErrPublishFailed, "not connected")
	}

	token := b.pub.Publish(m.topic, b.cfg.QoS, m.retained, m.payload)
	if !token.WaitTimeout(b.cfg.PublishTimeout) {
		return errors.New().WithMessage(ErrPublishFailed, "publish timed out")
	}
	if err := token.Error(); err != nil {
		return errors.New().Wrap(ErrPublishFailed, err)
	}
	return nil
}

func (b *Bridge) seen(id gpu.DeviceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[id] = true
}

func (b *Bridge) forget(id gpu.DeviceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, id)
}

func (b *Bridge) knownLocked() []gpu.DeviceID {
	ids := make([]gpu.DeviceID, 0, len(b.devices))
	for id := range b.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (b *Bridge) countDrop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped++
}
