// Package logger wraps zerolog behind a small interface so the rest of the
// module never imports zerolog directly.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"

	"github.com/vectorbus/ibus/internal/config"
)

const (
	TraceLevel    = "trace"
	DebugLevel    = "debug"
	InfoLevel     = "info"
	WarnLevel     = "warn"
	ErrorLevel    = "error"
	CriticalLevel = "critical"
	OffLevel      = "off"

	TimeFormat = "02.01.2006 15:04:05"
)

// Logger is the logging facade used by every component.
type Logger interface {
	Trace() Event
	Debug() Event
	Info() Event
	Warn() Event
	Error() Event

	// WithComponent returns a Logger that tags every event with a
	// "component" field, the way the source tags CAN/LIN/FLEXRAY/etc.
	WithComponent(name string) Logger
}

// Event mirrors the subset of zerolog.Event used across the module.
type Event interface {
	Msg(msg string)
	Msgf(format string, v ...interface{})
	Str(key, value string) Event
	Int(key string, value int) Event
	Dur(key string, value time.Duration) Event
	Err(err error) Event
}

type zerologEvent struct{ event *zerolog.Event }

func (e *zerologEvent) Msg(msg string)                 { e.event.Msg(msg) }
func (e *zerologEvent) Msgf(f string, v ...interface{}) { e.event.Msgf(f, v...) }
func (e *zerologEvent) Str(key, value string) Event     { return &zerologEvent{e.event.Str(key, value)} }
func (e *zerologEvent) Int(key string, value int) Event { return &zerologEvent{e.event.Int(key, value)} }
func (e *zerologEvent) Dur(key string, value time.Duration) Event {
	return &zerologEvent{e.event.Dur(key, value)}
}
func (e *zerologEvent) Err(err error) Event { return &zerologEvent{e.event.Err(err)} }

// NoopEvent discards everything; returned when a level is disabled.
type NoopEvent struct{}

func (n *NoopEvent) Msg(string)                            {}
func (n *NoopEvent) Msgf(string, ...interface{})           {}
func (n *NoopEvent) Str(string, string) Event              { return n }
func (n *NoopEvent) Int(string, int) Event                 { return n }
func (n *NoopEvent) Dur(string, time.Duration) Event       { return n }
func (n *NoopEvent) Err(error) Event                        { return n }

// AppLogger is the zerolog-backed implementation.
type AppLogger struct {
	log zerolog.Logger
}

// NewLogger builds a Logger from the Sinks configured in cfg.Logging.
func NewLogger(cfg *config.Config) Logger {
	return NewLoggerWithOutput(cfg, buildWriter(cfg))
}

// NewLoggerWithOutput lets callers supply the destination writer directly
// (tests, or a caller that wants to splice in a formatter).
func NewLoggerWithOutput(cfg *config.Config, output io.Writer) Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339

	level := levelFor(cfg)

	base := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &AppLogger{log: base}
}

func buildWriter(cfg *config.Config) io.Writer {
	writers := make([]io.Writer, 0, len(cfg.Logging.Sinks))

	for _, sink := range cfg.Logging.Sinks {
		switch sink.Type {
		case config.SinkFile:
			if f, err := os.OpenFile(sink.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				writers = append(writers, f)
			}
		case config.SinkStdout:
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: TimeFormat})
		case config.SinkRemote:
			// Remote sinks forward LogMsg wire messages through the
			// Registry; wired by the caller via config.Logging.RemoteWriter.
			if cfg.Logging.RemoteWriter != nil {
				writers = append(writers, cfg.Logging.RemoteWriter)
			}
		}
	}

	if len(writers) == 0 {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: TimeFormat}
	}

	if len(writers) == 1 {
		return writers[0]
	}

	return zerolog.MultiLevelWriter(writers...)
}

func levelFor(cfg *config.Config) zerolog.Level {
	lvl := InfoLevel
	for _, sink := range cfg.Logging.Sinks {
		if sink.Level != "" {
			lvl = sink.Level
			break
		}
	}
	return parseLevel(lvl)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case TraceLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case CriticalLevel:
		return zerolog.FatalLevel
	case OffLevel:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func (l *AppLogger) Trace() Event { return &zerologEvent{l.log.Trace()} }
func (l *AppLogger) Debug() Event { return &zerologEvent{l.log.Debug()} }
func (l *AppLogger) Info() Event  { return &zerologEvent{l.log.Info()} }
func (l *AppLogger) Warn() Event  { return &zerologEvent{l.log.Warn()} }
func (l *AppLogger) Error() Event { return &zerologEvent{l.log.Error()} }

func (l *AppLogger) WithComponent(name string) Logger {
	return &AppLogger{log: l.log.With().Str("component", name).Logger()}
}

// NoOp returns a Logger that discards every event, for tests that do not
// care about log output.
func NoOp() Logger { return &noopLogger{} }

type noopLogger struct{}

func (n *noopLogger) Trace() Event               { return &NoopEvent{} }
func (n *noopLogger) Debug() Event               { return &NoopEvent{} }
func (n *noopLogger) Info() Event                { return &NoopEvent{} }
func (n *noopLogger) Warn() Event                { return &NoopEvent{} }
func (n *noopLogger) Error() Event               { return &NoopEvent{} }
func (n *noopLogger) WithComponent(string) Logger { return n }
