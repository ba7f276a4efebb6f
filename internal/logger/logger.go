package logger

import (
	"io"
	"log/syslog"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const syslogTag = "gpuctld"

var log Logger = &zlogger{zl: zerolog.New(consoleWriter(os.Stdout, false)).With().Timestamp().Logger().Level(zerolog.WarnLevel)}

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

type zlogger struct {
	zl zerolog.Logger
}

func (l *zlogger) Debug() *LogEvent { return &LogEvent{l.zl.Debug()} }
func (l *zlogger) Info() *LogEvent  { return &LogEvent{l.zl.Info()} }
func (l *zlogger) Warn() *LogEvent  { return &LogEvent{l.zl.Warn()} }
func (l *zlogger) Error() *LogEvent { return &LogEvent{l.zl.Error()} }

func (l *zlogger) ErrorWithCode(err error) *LogEvent {
	return &LogEvent{l.zl.Error().
		Str("error_code", string(errors.CodeOf(err))).
		Err(err)}
}

func (l *zlogger) With(component string) Logger {
	return &zlogger{zl: l.zl.With().Str("component", component).Logger()}
}

// Init builds the process logger from cfg and installs it as the
// package default. The returned closer releases file or syslog handles.
func Init(cfg Config) (Logger, io.Closer, error) {
	errFactory := errors.New()

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)

	switch cfg.Output {
	case "", OutputStdout:
		out = os.Stdout
	case OutputFile:
		if cfg.File == "" {
			return nil, nil, errFactory.WithMessage(ErrInvalidOutput, "log output \"file\" requires a file path")
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out, closer = rotator, rotator
	case OutputSyslog:
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, syslogTag)
		if err != nil {
			return nil, nil, errFactory.Wrap(errors.ErrInitFailed, err)
		}
		l := &zlogger{zl: zerolog.New(zerolog.SyslogLevelWriter(w)).Level(level)}
		log = l
		return l, w, nil
	default:
		return nil, nil, errFactory.WithData(ErrInvalidOutput, cfg.Output)
	}

	if cfg.Format != FormatJSON {
		out = consoleWriter(out, cfg.Service)
	}

	l := &zlogger{zl: zerolog.New(out).With().Timestamp().Logger().Level(level)}
	log = l

	return l, closer, nil
}

// New returns a logger writing JSON lines to w, mainly for tests that
// assert on log output.
func New(w io.Writer, level zerolog.Level) Logger {
	return &zlogger{zl: zerolog.New(w).Level(level)}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zlogger{zl: zerolog.Nop()}
}

// Default returns the package logger installed by Init.
func Default() Logger {
	return log
}

// ParseLevel accepts the level names used in configuration files.
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, name)
	}
}

func consoleWriter(out io.Writer, isService bool) zerolog.ConsoleWriter {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	return output
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return log.Debug()
}

// Info logs an info message
func Info() *LogEvent {
	return log.Info()
}

// Warn logs a warning message
func Warn() *LogEvent {
	return log.Warn()
}

// Error logs an error message
func Error() *LogEvent {
	return log.Error()
}

// ErrorWithCode logs an error message with its error code
func ErrorWithCode(err error) *LogEvent {
	return log.ErrorWithCode(err)
}
