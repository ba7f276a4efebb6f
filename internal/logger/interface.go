package logger

import "codeberg.org/mutker/gpuctl/internal/errors"

// Logger defines the interface for logging operations.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	ErrorWithCode(err error) *LogEvent
	// With returns a child logger tagging every event with component.
	With(component string) Logger
}

// Config selects where and how log output is written.
type Config struct {
	Level      string
	Format     string
	Output     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Service    bool
}

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	OutputStdout = "stdout"
	OutputSyslog = "syslog"
	OutputFile   = "file"
)

const ErrInvalidOutput = errors.ErrorCode("invalid_log_output")
