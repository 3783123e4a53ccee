// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package plog implements the logging sink of the agent. Every logged error is
// also forwarded to an optional error channel, whatever the level, so that the
// agent can report failures it did not print.
package plog

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/internal/hklib/hksafe"
	"github.com/ceiler/hookagent/internal/hklib/hksync"
	"github.com/ceiler/hookagent/internal/hklib/hktime"
)

// LogLevel represents the log level. Higher levels include lowers.
type LogLevel int

const (
	Disabled LogLevel = iota
	Error
	Info
	Debug
)

var levelNames = [...]string{
	Disabled: "disabled",
	Error:    "error",
	Info:     "info",
	Debug:    "debug",
}

func (l LogLevel) String() string {
	if l < Disabled || l > Debug {
		return levelNames[Disabled]
	}
	return levelNames[l]
}

// ParseLogLevel returns the log level named `level`, Disabled when none
// matches.
func ParseLogLevel(level string) LogLevel {
	level = strings.ToLower(strings.TrimSpace(level))
	for l, name := range levelNames {
		if name == level {
			return LogLevel(l)
		}
	}
	return Disabled
}

type Logger struct {
	DebugLevelLogger
}

type (
	DebugLevelLogger interface {
		DebugLogger
		InfoLogger
		ErrorLogger
	}

	ErrorLogger interface {
		Error(err error)
	}

	InfoLogger interface {
		Info(v ...interface{})
		Infof(format string, v ...interface{})
	}

	DebugLogger interface {
		Debug(v ...interface{})
		Debugf(format string, v ...interface{})
	}
)

// NewLogger returns a logger writing the lines of the given level and lower
// into `out`. Errors are also sent into `errChan` when not nil, without
// blocking when the channel is full.
func NewLogger(level LogLevel, out io.Writer, errChan chan error) *Logger {
	return &Logger{
		DebugLevelLogger: &sink{
			level:   level,
			out:     out,
			errChan: errChan,
		},
	}
}

type sink struct {
	level   LogLevel
	out     io.Writer
	errChan chan error
}

func (s *sink) Debug(v ...interface{}) {
	if s.level >= Debug {
		s.write(Debug, time.Now(), fmt.Sprint(v...))
	}
}

func (s *sink) Debugf(format string, v ...interface{}) {
	if s.level >= Debug {
		s.write(Debug, time.Now(), fmt.Sprintf(format, v...))
	}
}

func (s *sink) Info(v ...interface{}) {
	if s.level >= Info {
		s.write(Info, time.Now(), fmt.Sprint(v...))
	}
}

func (s *sink) Infof(format string, v ...interface{}) {
	if s.level >= Info {
		s.write(Info, time.Now(), fmt.Sprintf(format, v...))
	}
}

// Error lines are dated with the error timestamp when it has one. The debug
// level adds the deepest stack trace of the error chain.
func (s *sink) Error(err error) {
	if s.errChan != nil {
		select {
		case s.errChan <- err:
		default:
		}
	}
	if s.level < Error {
		return
	}

	at, ok := hkerrors.Timestamp(err)
	if !ok {
		at = time.Now()
	}
	message := fmt.Sprint(err)
	if s.level >= Debug {
		if st := hkerrors.StackTrace(err); st != nil {
			message = fmt.Sprintf("%s%+v", message, st)
		}
	}
	s.write(Error, at, message)
}

// Time formatting layout with microsecond precision.
const TimestampLayout = "2006-01-02T15:04:05.999999"

func (s *sink) write(level LogLevel, at time.Time, message string) {
	var line strings.Builder
	line.WriteString("hookagent/")
	line.WriteString(level.String())
	line.WriteString(" - ")
	line.WriteString(at.Format(TimestampLayout))
	line.WriteString(" - ")
	line.WriteString(message)
	line.WriteByte('\n')
	_, _ = io.WriteString(s.out, line.String())
}

type backoffLogger struct {
	DebugLevelLogger
	// Map of hktime.BackoffCounter counters indexed by error keys.
	counters hksync.UInt64Map
	common   hktime.BackoffCounter
}

// WithBackoff returns a logger printing errors on a power-of-two schedule.
// Errors having the same key (cf. hkerrors.WithKey) share the same counter,
// others share a common one. Debug level loggers are returned as is.
func WithBackoff(logger DebugLevelLogger) DebugLevelLogger {
	if l, ok := logger.(*Logger); ok {
		logger = l.DebugLevelLogger
	}
	switch actual := logger.(type) {
	case *backoffLogger:
		return actual
	case *sink:
		if actual.level >= Debug {
			return actual
		}
	}
	return &backoffLogger{
		DebugLevelLogger: logger,
	}
}

func (l *backoffLogger) Error(err error) {
	// The key may not be hashable and make the map panic.
	safeCallErr := hksafe.Call(func() error {
		counter := &l.common
		if k, exists := hkerrors.Key(err); exists {
			counter = (*hktime.BackoffCounter)(l.counters.Get(k))
		}
		counter.Do(func(uint64) {
			l.DebugLevelLogger.Error(err)
		})
		return nil
	})

	if safeCallErr != nil {
		l.common.Do(func(uint64) {
			l.DebugLevelLogger.Error(hkerrors.ErrorCollection{safeCallErr, err})
		})
	}
}
