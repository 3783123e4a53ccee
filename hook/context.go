// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package hook

import "github.com/ceiler/hookagent/internal/hklib/hkerrors"

// CallContext is the context of a single call of a hooked method, passed to
// every callback of the call. It must not be retained by callbacks after they
// return.
type CallContext struct {
	target   Target
	phase    Phase
	receiver interface{}
	args     []interface{}

	// Natural outcome of the call, set once the original body returned.
	result interface{}
	err    error
	// Last outcome set by a callback.
	override *outcome
}

type outcome struct {
	result interface{}
	err    error
}

func newCallContext(t Target, receiver interface{}, args []interface{}) *CallContext {
	return &CallContext{
		target:   t,
		receiver: receiver,
		args:     append(make([]interface{}, 0, len(args)), args...),
	}
}

func (c *CallContext) Target() Target          { return c.target }
func (c *CallContext) Phase() Phase            { return c.phase }
func (c *CallContext) Receiver() interface{}   { return c.receiver }
func (c *CallContext) Args() []interface{}     { return append([]interface{}(nil), c.args...) }
func (c *CallContext) OverrideRequested() bool { return c.override != nil }

// Arg returns the i-th argument, nil when out of range.
func (c *CallContext) Arg(i int) interface{} {
	if i < 0 || i >= len(c.args) {
		return nil
	}
	return c.args[i]
}

// SetArg changes the i-th argument passed to the original body. It is only
// possible in Before callbacks.
func (c *CallContext) SetArg(i int, v interface{}) error {
	if c.phase != Before {
		return hkerrors.Errorf("cannot change arguments in a %s callback", c.phase)
	}
	if i < 0 || i >= len(c.args) {
		return hkerrors.Errorf("argument index %d out of range [0,%d)", i, len(c.args))
	}
	c.args[i] = v
	return nil
}

// Result returns the current result of the call: the last result set by a
// callback, or else the natural result of the original body. It is always nil
// in Before callbacks unless overridden.
func (c *CallContext) Result() interface{} {
	if c.override != nil {
		return c.override.result
	}
	return c.result
}

// Err is the error counterpart of Result.
func (c *CallContext) Err() error {
	if c.override != nil {
		return c.override.err
	}
	return c.err
}

// SetResult overrides the outcome of the call with a successful result.
func (c *CallContext) SetResult(v interface{}) {
	c.override = &outcome{result: v}
}

// SetError overrides the outcome of the call with an error.
func (c *CallContext) SetError(err error) {
	c.override = &outcome{err: err}
}

// outcome returns the effective outcome of the call.
func (c *CallContext) outcome() (interface{}, error) {
	if c.override != nil {
		return c.override.result, c.override.err
	}
	return c.result, c.err
}
