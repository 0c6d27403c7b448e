package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines a minimal, printf-style logging contract.
//
// Every sink writes to stderr or a file, never stdout: the MCP transport owns
// stdout exclusively and any stray byte there corrupts the protocol stream.
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
	default:
		return "ERROR"
	}
}

// ParseLevel maps a settings string to a Level, defaulting to info.
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

// Options configures the process-wide logging sinks.
type Options struct {
	Level Level
	// Quiet disables the stderr sink (MCP_QUIET). File logging is unaffected.
	Quiet bool
	// FilePath enables a rotating file sink when non-empty.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
}

type sink struct {
	mu    sync.Mutex
	out   io.Writer
	file  io.WriteCloser
	level Level
	quiet bool
}

var root = &sink{out: os.Stderr, level: LevelInfo}

// Configure replaces the process-wide sink settings.
func Configure(opts Options) {
	root.mu.Lock()
	defer root.mu.Unlock()
	root.level = opts.Level
	root.quiet = opts.Quiet
	if root.file != nil {
		_ = root.file.Close()
		root.file = nil
	}
	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		root.file = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}
	}
}

func (s *sink) log(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}
	line := fmt.Sprintf("%s [%s] [%s] %s\n",
		time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		level, component, fmt.Sprintf(format, args...))
	if !s.quiet {
		fmt.Fprint(s.out, line)
	}
	if s.file != nil {
		fmt.Fprint(s.file, line)
	}
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	if component == "" {
		component = "app"
	}
	return &componentLogger{component: component}
}

func (l *componentLogger) Debug(format string, args ...any) {
	root.log(LevelDebug, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	root.log(LevelInfo, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	root.log(LevelWarn, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	root.log(LevelError, l.component, format, args...)
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

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}
