// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package hkerrors provides the error constructors used across the agent.
// Every error built here carries a stack trace and a timestamp, and can be
// keyed so that the logger can rate-limit repetitions of the same failure.
package hkerrors

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/xerrors"
)

type Causer interface {
	Cause() error
}

type StackTracer interface {
	StackTrace() errors.StackTrace
}

type Timestamper interface {
	Timestamp() time.Time
}

type withTimestamp struct {
	error
	timestamp time.Time
}

// WithTimestamp annotates the given error `err` with the current time. The
// returned error value implements interface Timestamper.
func WithTimestamp(err error) error {
	return withTimestamp{
		error:     err,
		timestamp: time.Now(),
	}
}

func (e withTimestamp) Timestamp() time.Time { return e.timestamp }
func (e withTimestamp) Unwrap() error        { return e.error }
func (e withTimestamp) Cause() error         { return e.error }

func (e withTimestamp) Format(f fmt.State, c rune) {
	if formatter, ok := e.error.(fmt.Formatter); ok {
		formatter.Format(f, c)
	} else {
		_, _ = fmt.Fprintf(f, "%v", e.error)
	}
}

type KeyType interface{}

type Keyer interface {
	Key() KeyType
}

type withKey struct {
	error
	key KeyType
}

// WithKey associates the given key with the error. The logger uses it to
// group identical failures, eg. the same callback failing on every call of
// a hooked method.
func WithKey(err error, key KeyType) error {
	return withKey{
		error: err,
		key:   key,
	}
}

func (e withKey) Key() KeyType  { return e.key }
func (e withKey) Unwrap() error { return e.error }
func (e withKey) Cause() error  { return e.error }

func (e withKey) Format(f fmt.State, c rune) {
	if formatter, ok := e.error.(fmt.Formatter); ok {
		formatter.Format(f, c)
	} else {
		_, _ = fmt.Fprintf(f, "%v", e.error)
	}
}

// New returns a new error annotated with a timestamp, a message and a stack
// trace.
func New(message string) error {
	return WithTimestamp(errors.New(message))
}

// Errorf returns a new errors whose message is formatted by `fmt.Sprintf`.
func Errorf(format string, args ...interface{}) error {
	return New(fmt.Sprintf(format, args...))
}

// Wrap annotates the given error `err` with a timestamp, a message and a stack
// trace.
func Wrap(err error, message string) error {
	return WithTimestamp(errors.Wrap(err, message))
}

// Wrapf is Wrap with a message formatted by `fmt.Sprintf`.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// StackTrace returns the deepest stack trace attached to any of the errors in
// the chain, nil if none.
func StackTrace(err error) errors.StackTrace {
	var st errors.StackTrace
	for err != nil {
		if tracer, ok := err.(StackTracer); ok {
			st = tracer.StackTrace()
		}
		err = next(err)
	}
	return st
}

// Timestamp returns the error timestamp created with `WithTimestamp()` and
// `ok` set to true, or the zero time and false when the chain has none.
func Timestamp(err error) (t time.Time, ok bool) {
	for err != nil {
		if ts, ok := err.(Timestamper); ok {
			return ts.Timestamp(), true
		}
		err = next(err)
	}
	return time.Time{}, false
}

// Key returns the deepest key attached to the error chain if any.
func Key(err error) (k KeyType, exists bool) {
	for err != nil {
		if keyer, ok := err.(Keyer); ok {
			k = keyer.Key()
			exists = true
		}
		err = next(err)
	}
	return k, exists
}

func next(err error) error {
	switch actual := err.(type) {
	case Causer:
		return actual.Cause()
	case xerrors.Wrapper:
		return actual.Unwrap()
	default:
		return nil
	}
}

// ErrorCollection aggregates several errors into one, eg. every failure met
// while activating a set of modules.
type ErrorCollection []error

func (c ErrorCollection) Error() string {
	var s strings.Builder
	s.WriteString("multiple errors occurred:")
	for i, e := range c {
		fmt.Fprintf(&s, " (error %d) %s;", i+1, e.Error())
	}
	return s.String()[:s.Len()-1]
}

func (c *ErrorCollection) Add(e error) {
	if e != nil {
		*c = append(*c, e)
	}
}

func (c ErrorCollection) ToError() error {
	if len(c) == 0 {
		return nil
	}
	return c
}
