// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package hook allows to attach at run time callbacks to resolved methods.
// Callbacks are attached at interception points: before the original method
// body, after it, or instead of it.
//
// Main requirements
//
// - Several callbacks per method, each phase running its callbacks in order.
// - Callbacks get read/write access to the call arguments and result through
//   a per-call context, never shared among calls.
// - Installation is idempotent per (method, point, callback).
// - A failing callback, including one that panics, is logged and its changes
//   to the call context are discarded. The call proceeds as if the callback
//   had done nothing.
// - Callbacks can be attached and detached while the method is being called:
//   calls in progress keep the set of callbacks they started with.
//
package hook

import (
	"fmt"

	"github.com/ceiler/hookagent/image"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
)

// Phase of an interception point relative to the original method body.
type Phase int

const (
	_ Phase = iota
	Before
	After
	Replace
)

func (p Phase) String() string {
	switch p {
	case Before:
		return "before"
	case After:
		return "after"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ParsePhase returns the phase of the given name.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "before":
		return Before, nil
	case "after":
		return After, nil
	case "replace":
		return Replace, nil
	default:
		return 0, hkerrors.Errorf("unknown hook phase `%s`", s)
	}
}

// Point is an interception point. Callbacks of the same phase run by
// increasing order, then by installation order.
type Point struct {
	Phase Phase
	Order int
}

func (p Point) String() string {
	return fmt.Sprintf("%s/%d", p.Phase, p.Order)
}

// Callback is the interface of hook callbacks. Returning an error, or
// panicking, discards the changes the callback made to the call context.
// Callback values identify hooks and must be hashable.
type Callback interface {
	Call(c *CallContext) error
}

type funcCallback struct {
	fn func(c *CallContext) error
}

func (f *funcCallback) Call(c *CallContext) error { return f.fn(c) }

// Func returns a callback calling fn. Every call returns a distinct callback.
func Func(fn func(c *CallContext) error) Callback {
	return &funcCallback{fn: fn}
}

// Error values callbacks can return in order to modify the control flow of
// the call.
type Error int

const (
	_ Error = iota
	// The callback does not apply to the call: its changes are discarded
	// without being considered as a failure. A skipped Replace callback lets
	// the original body run.
	SkipError
)

func (e Error) Error() string {
	switch e {
	case SkipError:
		return "skip the callback"
	default:
		return "unknown"
	}
}

// Target is a resolved target. Only method targets can be hooked.
type Target interface {
	Method() *image.Method
	String() string
}

var (
	ErrNotInterceptable     = hkerrors.New("target is not an interceptable method")
	ErrUncomparableCallback = hkerrors.New("callback is not comparable")
	ErrInvalidPhase         = hkerrors.New("invalid hook phase")
)

// InstallError is returned when a callback could not be attached to its
// target.
type InstallError struct {
	Target string
	Point  Point
	Err    error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("could not install the %s hook on `%s`: %v", e.Point.Phase, e.Target, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }
func (e *InstallError) Cause() error  { return e.Err }

// CallbackError is the error logged when a callback failed during a call.
type CallbackError struct {
	Target string
	Phase  Phase
	Hook   string
	Err    error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s callback %s of `%s` failed: %v", e.Phase, e.Hook, e.Target, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
func (e *CallbackError) Cause() error  { return e.Err }
