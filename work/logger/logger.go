package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Level is a log severity. Messages below the process-wide threshold
// are dropped.
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLogLevel maps a config string to a Level. Unknown values fall
// back to INFO.
func ParseLogLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

var threshold atomic.Int32

func init() {
	threshold.Store(int32(INFO))
}

// SetLogLevel sets the process-wide severity threshold from a config
// string.
func SetLogLevel(level string) {
	threshold.Store(int32(ParseLogLevel(level)))
}

// GetLogLevel returns the current threshold as a string.
func GetLogLevel() string {
	return Level(threshold.Load()).String()
}

// Scoped is a logger bound to a component tag. Every line it emits
// carries the tag, so call sites never repeat it:
//
//	[INFO] {mux/registry} Subscriber a1b2 joined 1:100:ts (2 total)
type Scoped struct {
	tag string
}

// Scope returns a logger for the named component. Scoped loggers are
// cheap and are normally created once per file as a package-level var.
func Scope(tag string) *Scoped {
	return &Scoped{tag: tag}
}

func (s *Scoped) emit(lv Level, format string, v ...interface{}) {
	if int32(lv) < threshold.Load() {
		return
	}
	log.Printf("[%s] {%s} %s", lv, s.tag, fmt.Sprintf(format, v...))
}

func (s *Scoped) Debug(format string, v ...interface{}) { s.emit(DEBUG, format, v...) }
func (s *Scoped) Info(format string, v ...interface{})  { s.emit(INFO, format, v...) }
func (s *Scoped) Warn(format string, v ...interface{})  { s.emit(WARN, format, v...) }
func (s *Scoped) Error(format string, v ...interface{}) { s.emit(ERROR, format, v...) }
