// Package daemon wires the components together and runs them.
package daemon

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/gpuctl/internal/apply"
	"codeberg.org/mutker/gpuctl/internal/clock"
	"codeberg.org/mutker/gpuctl/internal/config"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/fancurve"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/gpu/nvidia"
	"codeberg.org/mutker/gpuctl/internal/gpu/sysfs"
	"codeberg.org/mutker/gpuctl/internal/hub"
	"codeberg.org/mutker/gpuctl/internal/journal"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"codeberg.org/mutker/gpuctl/internal/mqtt"
	"codeberg.org/mutker/gpuctl/internal/pid"
	"codeberg.org/mutker/gpuctl/internal/poller"
	"codeberg.org/mutker/gpuctl/internal/registry"
	"codeberg.org/mutker/gpuctl/internal/server"
	"codeberg.org/mutker/gpuctl/internal/store"
)

const shutdownTimeout = 10 * time.Second

type Daemon struct {
	cfg    *config.Config
	logger logger.Logger
	clock  clock.Clock

	probers  []gpu.Prober
	registry *registry.Registry
	poller   *poller.Poller
	engine   *fancurve.Engine
	apply    *apply.Manager
	hub      *hub.Hub
	profiles *store.Store
	startup  *store.Startup
	journal  journal.Journal
	server   *server.Server

	// started gates startup applies for devices that appear after the
	// initial scan.
	started atomic.Bool
	ctx     context.Context
	applies sync.WaitGroup
}

// New builds every component from cfg. Without probers the backends
// enabled in cfg are used.
func New(cfg *config.Config, version string, log logger.Logger, probers ...gpu.Prober) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		logger:  log.With("daemon"),
		clock:   clock.Real(),
		probers: probers,
		ctx:     context.Background(),
	}

	if len(d.probers) == 0 {
		if cfg.Devices.AMD {
			d.probers = append(d.probers, sysfs.NewProber(cfg.Devices.SysfsRoot, log))
		}
		if cfg.Devices.NVIDIA {
			d.probers = append(d.probers, nvidia.NewProber(log))
		}
	}

	var err error
	d.journal, err = journal.New(journal.Config{Enabled: cfg.Journal.Enabled, Path: cfg.Journal.Path}, log)
	if err != nil {
		return nil, err
	}

	d.profiles, err = store.New(filepath.Join(cfg.Store.StateDir, "profiles"), log)
	if err != nil {
		d.journal.Close()
		return nil, err
	}

	d.hub = hub.New(log)
	d.registry = registry.New(registry.Config{
		IOTimeout:      cfg.Devices.IOTimeout,
		RescanInterval: cfg.Devices.RescanInterval,
		Uevents:        cfg.Devices.Uevents,
		UeventSettle:   cfg.Devices.UeventSettle,
	}, d.clock, log, d.probers...)
	d.poller = poller.New(cfg.Poll.Interval, d.clock, log)
	d.engine = fancurve.New(fancurve.Config{HoldTime: cfg.Fan.HoldTime, Hysteresis: cfg.Fan.Hysteresis}, d.clock, log)
	d.apply = apply.New(apply.Config{RevertTimeout: cfg.Apply.RevertTimeout}, d.clock, log, d.profiles, d.journal, d.hub)
	d.startup = store.NewStartup(d.profiles, d.apply, d.journal, store.TemperatureCheck(d.readSample), d.clock, cfg.Apply.StartupSettle, log)

	d.apply.SetFanObserver(d.engine)
	d.engine.SetWriter(d.apply)

	// Registration order is notification order: the apply manager knows
	// a device before the engine, and the engine before the first sample.
	d.registry.AddListener(d.apply)
	d.registry.AddListener(d.engine)
	d.registry.AddListener(d.poller)
	d.registry.AddListener(d)
	d.poller.AddListener(d.engine)
	d.poller.AddListener(d.hub)

	mode, err := cfg.SocketMode()
	if err != nil {
		d.journal.Close()
		return nil, err
	}
	d.server = server.New(server.Config{
		Path:       cfg.Socket.Path,
		Group:      cfg.Socket.Group,
		Mode:       mode,
		EventQueue: cfg.Socket.EventQueue,
		Version:    version,
	}, server.Deps{
		Registry:      d.registry,
		Sensors:       d.poller,
		Fans:          d.engine,
		Applier:       d.apply,
		Profiles:      d.profiles,
		History:       d.journal,
		Subscriptions: d.hub,
	}, log)

	return d, nil
}

// Run serves until ctx is done, then returns fans to the driver, reverts
// unconfirmed changes and releases every resource.
func (d *Daemon) Run(ctx context.Context) error {
	if err := pid.Write(d.cfg.Store.RuntimeDir); err != nil {
		_ = d.release()
		return err
	}
	defer func() {
		if rerr := pid.Remove(d.cfg.Store.RuntimeDir); rerr != nil {
			d.logger.Warn().Err(rerr).Msg("Failed to remove PID file")
		}
	}()

	ln, err := d.server.Listen()
	if err != nil {
		_ = d.release()
		return err
	}

	var bridge *mqtt.Bridge
	if d.cfg.MQTT.Enabled {
		bridge, err = mqtt.Connect(mqtt.Config{
			Broker:         d.cfg.MQTT.Broker,
			ClientID:       d.cfg.MQTT.ClientID,
			Username:       d.cfg.MQTT.Username,
			Password:       d.cfg.MQTT.Password,
			TopicPrefix:    d.cfg.MQTT.TopicPrefix,
			QoS:            byte(d.cfg.MQTT.QoS),
			Queue:          d.cfg.MQTT.Queue,
			PublishTimeout: d.cfg.MQTT.PublishTimeout,
		}, d.logger)
		if err != nil {
			ln.Close()
			_ = d.release()
			return err
		}
		if err := d.hub.Subscribe(bridge, hub.AllDevices, hub.KindSensors, hub.KindState); err != nil {
			ln.Close()
			bridge.Close()
			_ = d.release()
			return err
		}
	}

	var workers sync.WaitGroup
	if bridge != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			bridge.Run(ctx)
		}()
	}

	if err := d.registry.Scan(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Initial device scan failed, waiting for devices to appear")
	}
	d.logger.Info().Int("devices", len(d.registry.List())).Msg("Initial scan complete")

	d.poller.Start(ctx)

	d.ctx = ctx
	d.started.Store(true)
	ids := d.registry.List()
	d.applies.Add(1)
	go func() {
		defer d.applies.Done()
		if err := d.startup.ApplyAll(ctx, ids); err != nil {
			d.logger.Warn().Err(err).Msg("Some stored profiles were not applied")
		}
	}()

	workers.Add(1)
	go func() {
		defer workers.Done()
		d.registry.Watch(ctx)
	}()

	serveErr := d.server.Serve(ctx, ln)

	return errors.Join(serveErr, d.shutdown(&workers, bridge))
}

func (d *Daemon) shutdown(workers *sync.WaitGroup, bridge *mqtt.Bridge) error {
	d.logger.Info().Msg("Shutting down")

	workers.Wait()
	d.poller.Wait()
	d.applies.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := d.apply.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if bridge != nil {
		d.hub.Remove(bridge.ID())
		bridge.Close()
	}

	if err := d.release(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// release closes the journal, the device handles and the backends.
func (d *Daemon) release() error {
	var errs []error
	if err := d.journal.Close(); err != nil {
		errs = append(errs, err)
	}

	d.registry.Close()
	for _, p := range d.probers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// DeviceAdded restores the stored profile of a device that appears while
// running.
func (d *Daemon) DeviceAdded(h *gpu.Handle) {
	if !d.started.Load() {
		return
	}
	d.applies.Add(1)
	go func() {
		defer d.applies.Done()
		if err := d.startup.Apply(d.ctx, h.ID()); err != nil {
			d.logger.Warn().Err(err).Str("device", string(h.ID())).Msg("Stored profile not applied")
		}
	}()
}

func (d *Daemon) DeviceRemoved(gpu.DeviceID) {}

func (d *Daemon) readSample(ctx context.Context, id gpu.DeviceID) (gpu.SensorSample, error) {
	h, err := d.registry.Get(id)
	if err != nil {
		return gpu.SensorSample{}, err
	}
	return h.ReadSample(ctx)
}
