// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package script

import (
	"errors"
	"fmt"
	"sync"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/ceiler/hookagent/hook"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/module"
	"github.com/dop251/goja"
)

const callbackFunctionName = "callback"

// callback is a hook callback calling a JavaScript function. JavaScript
// runtimes are not goroutine-safe, so every concurrent call gets its own
// runtime from a pool.
type callback struct {
	name    string
	program *goja.Program
	when    *vm.Program
	pool    sync.Pool
	options map[string]interface{}
}

type runtime struct {
	vm *goja.Runtime
	fn goja.Callable
}

func newCallback(moduleName string, index int, src, when string) (*callback, error) {
	name := fmt.Sprintf("%s#%d", moduleName, index)
	program, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, hkerrors.Wrap(err, "javascript compilation")
	}
	cb := &callback{
		name:    name,
		program: program,
	}

	// Check the program defines the callback function.
	rt, err := cb.newRuntime()
	if err != nil {
		return nil, err
	}
	cb.pool.Put(rt)

	if when != "" {
		cb.when, err = expr.Compile(when, expr.AsBool())
		if err != nil {
			return nil, hkerrors.Wrap(err, "guard expression compilation")
		}
	}
	return cb, nil
}

func (cb *callback) newRuntime() (*runtime, error) {
	r := goja.New()
	if _, err := r.RunProgram(cb.program); err != nil {
		return nil, hkerrors.Wrap(err, "javascript program execution")
	}
	fn, ok := goja.AssertFunction(r.Get(callbackFunctionName))
	if !ok {
		return nil, hkerrors.Errorf("javascript function `%s` not defined", callbackFunctionName)
	}
	return &runtime{vm: r, fn: fn}, nil
}

func (cb *callback) getRuntime() (*runtime, error) {
	if rt, ok := cb.pool.Get().(*runtime); ok {
		return rt, nil
	}
	return cb.newRuntime()
}

func (cb *callback) setOptions(c *module.Context) {
	cb.options = make(map[string]interface{})
	for _, name := range c.OptionNames() {
		v, _ := c.Option(name)
		cb.options[name] = v
	}
}

// guardEnv returns the guard expression environment of the call.
func (cb *callback) guardEnv(c *hook.CallContext) map[string]interface{} {
	var errMsg string
	if err := c.Err(); err != nil {
		errMsg = err.Error()
	}
	return map[string]interface{}{
		"args":     c.Args(),
		"receiver": c.Receiver(),
		"result":   c.Result(),
		"error":    errMsg,
		"phase":    c.Phase().String(),
		"options":  cb.options,
	}
}

func (cb *callback) Call(c *hook.CallContext) error {
	if cb.when != nil {
		v, err := expr.Run(cb.when, cb.guardEnv(c))
		if err != nil {
			return hkerrors.Wrapf(err, "%s: guard expression", cb.name)
		}
		if ok, _ := v.(bool); !ok {
			return hook.SkipError
		}
	}

	rt, err := cb.getRuntime()
	if err != nil {
		return err
	}
	defer cb.pool.Put(rt)

	if _, err := rt.fn(goja.Undefined(), cb.newContextObject(rt.vm, c)); err != nil {
		return hkerrors.Wrapf(err, "%s: javascript callback", cb.name)
	}
	return nil
}

// newContextObject returns the JavaScript `ctx` object of the call.
func (cb *callback) newContextObject(r *goja.Runtime, c *hook.CallContext) *goja.Object {
	throw := func(err error) {
		panic(r.NewGoError(err))
	}

	obj := r.NewObject()
	_ = obj.Set("args", c.Args())
	_ = obj.Set("receiver", c.Receiver())
	_ = obj.Set("result", c.Result())
	_ = obj.Set("phase", c.Phase().String())
	if err := c.Err(); err != nil {
		_ = obj.Set("error", err.Error())
	} else {
		_ = obj.Set("error", goja.Null())
	}
	_ = obj.Set("setResult", func(call goja.FunctionCall) goja.Value {
		c.SetResult(call.Argument(0).Export())
		return goja.Undefined()
	})
	_ = obj.Set("setError", func(call goja.FunctionCall) goja.Value {
		c.SetError(errors.New(call.Argument(0).String()))
		return goja.Undefined()
	})
	_ = obj.Set("setArg", func(call goja.FunctionCall) goja.Value {
		if err := c.SetArg(int(call.Argument(0).ToInteger()), call.Argument(1).Export()); err != nil {
			throw(err)
		}
		return goja.Undefined()
	})
	_ = obj.Set("option", func(call goja.FunctionCall) goja.Value {
		v, exists := cb.options[call.Argument(0).String()]
		if !exists {
			return goja.Undefined()
		}
		return r.ToValue(v)
	})
	return obj
}
