// Package logging provides the printf-style logging contract shared by all
// seqcore components, plus a level-filtered stderr implementation.
package logging

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract. Components depend
// on this interface so tests can inject a no-op or capturing logger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// stdLogger writes level-filtered lines to a shared log.Logger.
type stdLogger struct {
	out       *log.Logger
	level     Level
	component string
	mu        *sync.Mutex
}

var (
	defaultOut  *log.Logger
	defaultMu   sync.Mutex
	defaultOnce sync.Once
)

func sharedOutput() *log.Logger {
	defaultOnce.Do(func() {
		defaultOut = log.New(os.Stderr, "", 0)
	})
	return defaultOut
}

// NewComponentLogger returns a stderr logger scoped to a component. The
// minimum level is read from SEQCORE_LOG_LEVEL (default info).
func NewComponentLogger(component string) Logger {
	return &stdLogger{
		out:       sharedOutput(),
		level:     ParseLevel(os.Getenv("SEQCORE_LOG_LEVEL")),
		component: component,
		mu:        &defaultMu,
	}
}

func (l *stdLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().UTC().Format(time.RFC3339)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.component != "" {
		l.out.Printf("%s [%s] [%s] %s", ts, level, l.component, msg)
		return
	}
	l.out.Printf("%s [%s] %s", ts, level, msg)
}

func (l *stdLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *stdLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *stdLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *stdLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
