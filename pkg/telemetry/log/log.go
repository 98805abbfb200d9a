// Package log provides a set of leveled, named loggers in the style used
// throughout the engine: log.T/D/I/W/E/F for trace/debug/info/warn/error/fatal,
// each with a printf-style .F(format, args...) and a plain .Ln(args...).
//
// It is backed by zerolog so output is structured (fields, levels) while the
// call sites keep the short, leveled idiom.
package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a verbosity level, ordered least to most severe.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Fatal
	Off
)

func levelFromString(s string) Level {
	switch s {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	case "fatal":
		return Fatal
	case "off", "none":
		return Off
	default:
		return Info
	}
}

// Logger is a single named, leveled logger (e.g. log.T, log.D, log.I).
type Logger struct {
	level Level
	zl    zerolog.Logger
}

func (l *Logger) enabled() bool { return l.level >= current }

// F logs a printf-style message at this logger's level.
func (l *Logger) F(format string, args ...any) {
	if !l.enabled() {
		return
	}
	ev := l.event()
	ev.Msgf(format, args...)
}

// Ln logs a space-joined message at this logger's level.
func (l *Logger) Ln(args ...any) {
	if !l.enabled() {
		return
	}
	l.event().Msg(join(args))
}

func (l *Logger) event() *zerolog.Event {
	switch l.level {
	case Trace:
		return l.zl.Trace()
	case Debug:
		return l.zl.Debug()
	case Info:
		return l.zl.Info()
	case Warn:
		return l.zl.Warn()
	case Error:
		return l.zl.Error()
	default:
		return l.zl.Fatal()
	}
}

func join(args []any) string {
	if len(args) == 0 {
		return ""
	}
	s := make([]byte, 0, 64)
	for i, a := range args {
		if i > 0 {
			s = append(s, ' ')
		}
		s = append(s, []byte(toString(a))...)
	}
	return string(s)
}

func toString(a any) string {
	if st, ok := a.(interface{ String() string }); ok {
		return st.String()
	}
	if e, ok := a.(error); ok {
		return e.Error()
	}
	return fmt.Sprint(a)
}

var (
	base    zerolog.Logger
	current = Info

	// T logs at trace level.
	T *Logger
	// D logs at debug level.
	D *Logger
	// I logs at info level.
	I *Logger
	// W logs at warn level.
	W *Logger
	// E logs at error level.
	E *Logger
	// Fat logs at fatal level; zerolog exits the process after writing the
	// message.
	Fat *Logger
)

func init() {
	SetOutput(os.Stderr)
	SetLogLevel("info")
}

// SetOutput redirects all logger output.
func SetOutput(w io.Writer) {
	base = zerolog.New(w).With().Timestamp().Logger()
	rebuild()
}

// SetLogLevel parses a level name (trace/debug/info/warn/error/fatal/off)
// and applies it; unrecognised names fall back to "info".
func SetLogLevel(name string) {
	current = levelFromString(name)
	rebuild()
}

func rebuild() {
	T = &Logger{level: Trace, zl: base}
	D = &Logger{level: Debug, zl: base}
	I = &Logger{level: Info, zl: base}
	W = &Logger{level: Warn, zl: base}
	E = &Logger{level: Error, zl: base}
	Fat = &Logger{level: Fatal, zl: base}
}

// Named returns a child logger set with the given component name, for engine
// subsystems that want to tag their lines (e.g. log.Named("reconcile")).
func Named(component string) zerolog.Logger {
	return base.With().Str("component", component).Timestamp().Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
