package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigPath = "/etc/gpuctl/gpuctl.toml"
	defaultEnvPrefix  = "GPUCTL"
)

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Socket  SocketConfig  `mapstructure:"socket"`
	Devices DevicesConfig `mapstructure:"devices"`
	Poll    PollConfig    `mapstructure:"poll"`
	Fan     FanConfig     `mapstructure:"fan"`
	Apply   ApplyConfig   `mapstructure:"apply"`
	Store   StoreConfig   `mapstructure:"store"`
	Journal JournalConfig `mapstructure:"journal"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`

	// File is the configuration file that was read, if any.
	File        string `mapstructure:"-"`
	ShowVersion bool   `mapstructure:"-"`
}

var defaults = map[string]any{
	"log.level":        "info",
	"log.format":       logger.FormatConsole,
	"log.output":       logger.OutputStdout,
	"log.file":         "/var/log/gpuctl/gpuctl.log",
	"log.max_size_mb":  10,
	"log.max_backups":  3,
	"log.max_age_days": 28,

	"socket.path":        "/run/gpuctl/gpuctl.sock",
	"socket.group":       "",
	"socket.mode":        "0660",
	"socket.event_queue": 256,

	"devices.sysfs_root":      "/sys",
	"devices.amd":             true,
	"devices.nvidia":          true,
	"devices.io_timeout":      2 * time.Second,
	"devices.rescan_interval": 10 * time.Second,
	"devices.uevents":         true,
	"devices.uevent_settle":   time.Second,

	"poll.interval": time.Second,

	"fan.hold_time":  2 * time.Second,
	"fan.hysteresis": 2.0,

	"apply.revert_timeout": 15 * time.Second,
	"apply.startup_settle": 3 * time.Second,

	"store.state_dir":   "/var/lib/gpuctl",
	"store.runtime_dir": "/run/gpuctl",

	"journal.enabled": true,
	"journal.path":    "/var/lib/gpuctl/journal.db",

	"mqtt.enabled":         false,
	"mqtt.broker":          "tcp://localhost:1883",
	"mqtt.client_id":       "gpuctl",
	"mqtt.username":        "",
	"mqtt.password":        "",
	"mqtt.topic_prefix":    "gpuctl",
	"mqtt.qos":             0,
	"mqtt.queue":           256,
	"mqtt.publish_timeout": 5 * time.Second,
}

// flag name -> config key
var flagKeys = map[string]string{
	"log-level":     "log.level",
	"log-format":    "log.format",
	"log-output":    "log.output",
	"socket":        "socket.path",
	"socket-group":  "socket.group",
	"sysfs-root":    "devices.sysfs_root",
	"poll-interval": "poll.interval",
	"state-dir":     "store.state_dir",
	"runtime-dir":   "store.runtime_dir",
	"journal":       "journal.path",
	"mqtt":          "mqtt.enabled",
}

// Load reads the configuration from defaults, the TOML file, environment
// variables and args, each overriding the one before. A missing default
// file is not an error; a missing explicit file is. pflag.ErrHelp is
// returned as is when args ask for help.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: defaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, explicit := o.configPath, o.configPath != ""
	if env := os.Getenv(o.envPrefix + "_CONFIG"); env != "" {
		path, explicit = env, true
	}
	if f := fs.Lookup("config"); f.Changed {
		path, explicit = f.Value.String(), true
	}
	if path == "" {
		path = DefaultConfigPath
	}

	file, err := readFile(v, path, explicit)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}
	cfg.File = file
	cfg.ShowVersion, _ = fs.GetBool("version")

	if debug, _ := fs.GetBool("debug"); debug {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("gpuctld", pflag.ContinueOnError)
	fs.String("config", "", "configuration file (default "+DefaultConfigPath+")")
	fs.Bool("debug", false, "shorthand for --log-level=debug")
	fs.Bool("version", false, "print the version and exit")

	fs.String("log-level", "info", "log level: debug, info, warning, error")
	fs.String("log-format", logger.FormatConsole, "log format: console or json")
	fs.String("log-output", logger.OutputStdout, "log output: stdout, syslog or file")
	fs.String("socket", "/run/gpuctl/gpuctl.sock", "control socket path")
	fs.String("socket-group", "", "group allowed to use the control socket")
	fs.String("sysfs-root", "/sys", "sysfs mount point")
	fs.Duration("poll-interval", time.Second, "sensor poll interval")
	fs.String("state-dir", "/var/lib/gpuctl", "directory for stored profiles")
	fs.String("runtime-dir", "/run/gpuctl", "directory for the PID file")
	fs.String("journal", "/var/lib/gpuctl/journal.db", "change journal database")
	fs.Bool("mqtt", false, "publish sensors and state to MQTT")
	return fs
}

func readFile(v *viper.Viper, path string, explicit bool) (string, error) {
	errFactory := errors.New()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", errFactory.Wrap(errors.ErrReadConfig, err).WithMessage("config file " + path)
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return "", errFactory.Wrap(errors.ErrReadConfig, err).WithMessage("config file " + path)
	}
	return path, nil
}

// Validate checks values Load cannot type-check.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case logger.FormatConsole, logger.FormatJSON:
	default:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "log.format must be console or json, got "+c.Log.Format)
	}
	switch c.Log.Output {
	case logger.OutputStdout, logger.OutputSyslog:
	case logger.OutputFile:
		if c.Log.File == "" {
			return errFactory.WithMessage(errors.ErrInvalidConfig, "log.output = file requires log.file")
		}
	default:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "unknown log.output "+c.Log.Output)
	}

	if c.Socket.Path == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "socket.path is empty")
	}
	if _, err := c.SocketMode(); err != nil {
		return err
	}

	if !c.Devices.AMD && !c.Devices.NVIDIA {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "no device backend enabled")
	}

	for key, d := range map[string]time.Duration{
		"devices.io_timeout":      c.Devices.IOTimeout,
		"devices.rescan_interval": c.Devices.RescanInterval,
		"poll.interval":           c.Poll.Interval,
		"apply.revert_timeout":    c.Apply.RevertTimeout,
	} {
		if d <= 0 {
			return errFactory.WithMessage(errors.ErrInvalidInterval, key+" must be positive, got "+d.String())
		}
	}
	if c.Fan.HoldTime < 0 || c.Apply.StartupSettle < 0 || c.Devices.UeventSettle < 0 {
		return errFactory.WithMessage(errors.ErrInvalidInterval, "negative duration")
	}
	// A stored clock profile is confirmed after the settle time, which
	// must end before its revert deadline.
	if c.Apply.StartupSettle >= c.Apply.RevertTimeout {
		return errFactory.WithMessage(errors.ErrInvalidInterval,
			"apply.startup_settle ("+c.Apply.StartupSettle.String()+") must be shorter than apply.revert_timeout ("+c.Apply.RevertTimeout.String()+")")
	}
	if c.Fan.Hysteresis < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "fan.hysteresis must not be negative")
	}

	if c.Store.StateDir == "" || c.Store.RuntimeDir == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "store.state_dir and store.runtime_dir are required")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "journal.path is empty")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errFactory.WithMessage(errors.ErrInvalidConfig, "mqtt.broker is empty")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return errFactory.WithMessage(errors.ErrInvalidConfig, "mqtt.qos must be 0, 1 or 2")
		}
		if c.MQTT.PublishTimeout <= 0 {
			return errFactory.WithMessage(errors.ErrInvalidInterval, "mqtt.publish_timeout must be positive")
		}
	}

	return nil
}

// SocketMode parses socket.mode.
func (c *Config) SocketMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.Socket.Mode, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, errors.New().WithMessage(errors.ErrInvalidConfig, "socket.mode must be octal permissions, got "+c.Socket.Mode)
	}
	return os.FileMode(mode), nil
}

// Logger returns the logger settings. service disables timestamps on
// console output.
func (c *Config) Logger(service bool) logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		Output:     c.Log.Output,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Service:    service,
	}
}
