package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var (
	levelNames = map[LogLevel]string{
		DEBUG:  "DEBUG",
		INFO:   "INFO",
		WARN:   "WARN",
		ERROR:  "ERROR",
		SILENT: "SILENT",
	}

	levelColors = map[LogLevel]*color.Color{
		DEBUG: forcedColor(color.FgCyan),
		INFO:  forcedColor(color.FgGreen),
		WARN:  forcedColor(color.FgYellow),
		ERROR: forcedColor(color.FgRed, color.Bold),
	}
)

// forcedColor ignores the color package's tty detection: output often goes
// to journald, where the caller decides via -log-color.
func forcedColor(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	c.EnableColor()
	return c
}

// Logger writes "[LEVEL] [Module] message" lines. Stage goroutines log
// concurrently, so the level is atomic and module overrides are copy-on-write.
type Logger struct {
	level    atomic.Int32
	modules  atomic.Pointer[map[string]LogLevel]
	useColor bool
	out      *log.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the global logger, or nil before Init.
func Default() *Logger {
	return defaultLogger
}

// Init initializes the global logger (call once at startup)
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor)
	})
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	l := &Logger{
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	l.level.Store(int32(level))
	return l
}

// SetLevel changes the default level.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// GetLevel returns the default level.
func (l *Logger) GetLevel() LogLevel {
	return LogLevel(l.level.Load())
}

// SetModuleLevel overrides the level for one module tag. Tags match
// case-insensitively.
func (l *Logger) SetModuleLevel(module string, level LogLevel) {
	for {
		old := l.modules.Load()
		next := make(map[string]LogLevel, 1)
		if old != nil {
			for k, v := range *old {
				next[k] = v
			}
		}
		next[strings.ToLower(module)] = level
		if l.modules.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Enabled reports whether a message of level for module would be written.
func (l *Logger) Enabled(level LogLevel, module string) bool {
	threshold := l.GetLevel()
	if m := l.modules.Load(); m != nil && module != "" {
		if lv, ok := (*m)[strings.ToLower(module)]; ok {
			threshold = lv
		}
	}
	return level >= threshold && level < SILENT
}

func (l *Logger) log(level LogLevel, module string, format string, args ...any) {
	if !l.Enabled(level, module) {
		return
	}

	prefix := "[" + levelNames[level] + "]"
	if l.useColor {
		prefix = levelColors[level].Sprint(prefix)
	}
	if module != "" {
		prefix += " [" + module + "]"
	}
	l.out.Print(prefix + " " + fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...any) {
	l.log(DEBUG, module, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...any) {
	l.log(INFO, module, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...any) {
	l.log(WARN, module, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...any) {
	l.log(ERROR, module, format, args...)
}

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// SetModuleLevel overrides one module's level on the global logger.
func SetModuleLevel(module string, level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetModuleLevel(module, level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Error(module, format, args...)
	}
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
