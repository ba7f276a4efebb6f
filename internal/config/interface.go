package config

import "time"

// Option adjusts how Load finds its sources.
type Option func(*options) error

type options struct {
	configPath string
	envPrefix  string
}

// WithConfigFile specifies an explicit configuration file path. It is
// overridden by --config.
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix.
// Default is "GPUCTL".
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type SocketConfig struct {
	Path string `mapstructure:"path"`
	// Group owns the socket; empty keeps root's group.
	Group string `mapstructure:"group"`
	// Mode is an octal permission string such as "0660".
	Mode       string `mapstructure:"mode"`
	EventQueue int    `mapstructure:"event_queue"`
}

type DevicesConfig struct {
	SysfsRoot      string        `mapstructure:"sysfs_root"`
	AMD            bool          `mapstructure:"amd"`
	NVIDIA         bool          `mapstructure:"nvidia"`
	IOTimeout      time.Duration `mapstructure:"io_timeout"`
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
	Uevents        bool          `mapstructure:"uevents"`
	UeventSettle   time.Duration `mapstructure:"uevent_settle"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type FanConfig struct {
	HoldTime   time.Duration `mapstructure:"hold_time"`
	Hysteresis float64       `mapstructure:"hysteresis"`
}

type ApplyConfig struct {
	RevertTimeout time.Duration `mapstructure:"revert_timeout"`
	// StartupSettle is how long a profile applied at startup runs before
	// the self-check.
	StartupSettle time.Duration `mapstructure:"startup_settle"`
}

type StoreConfig struct {
	StateDir   string `mapstructure:"state_dir"`
	RuntimeDir string `mapstructure:"runtime_dir"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            int           `mapstructure:"qos"`
	Queue          int           `mapstructure:"queue"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}
