// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package hook_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ceiler/hookagent/hook"
	"github.com/ceiler/hookagent/image"
	"github.com/ceiler/hookagent/internal/hklib/hksafe"
	"github.com/ceiler/hookagent/resolve"
	"github.com/ceiler/hookagent/target"
	"github.com/ceiler/hookagent/tools/testlib"
	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

type methodTarget struct {
	m *image.Method
}

func (t methodTarget) Method() *image.Method { return t.m }
func (t methodTarget) String() string        { return t.m.String() }

// newTarget returns a target method concatenating its receiver and arguments,
// along with the number of times its body was executed.
func newTarget() (hook.Target, *uint64) {
	var calls uint64
	m := image.NewMethod("concat", []string{"string", "string"}, func(receiver interface{}, args []interface{}) (interface{}, error) {
		atomic.AddUint64(&calls, 1)
		var b strings.Builder
		if receiver != nil {
			b.WriteString(receiver.(string))
		}
		for _, a := range args {
			b.WriteString(fmt.Sprint(a))
		}
		return b.String(), nil
	})
	image.NewClass(testlib.RandQualifiedName(), m)
	return methodTarget{m: m}, &calls
}

func newInstaller(t *testing.T) (*hook.Installer, chan error) {
	logger, errChan := testlib.NewLogger(t)
	return hook.NewInstaller("hookagent", logger), errChan
}

func call(t *testing.T, tg hook.Target, receiver interface{}, args ...interface{}) interface{} {
	res, err := tg.Method().Invoke(receiver, args...)
	require.NoError(t, err)
	return res
}

func TestOrder(t *testing.T) {
	tg, calls := newTarget()
	installer, _ := newInstaller(t)

	var trace []string
	record := func(name string) hook.Callback {
		return hook.Func(func(c *hook.CallContext) error {
			trace = append(trace, fmt.Sprintf("%s:%s", c.Phase(), name))
			return nil
		})
	}

	for _, h := range []struct {
		point hook.Point
		name  string
	}{
		{hook.Point{Phase: hook.After, Order: 0}, "a1"},
		{hook.Point{Phase: hook.Before, Order: 10}, "b3"},
		{hook.Point{Phase: hook.Before, Order: 0}, "b1"},
		{hook.Point{Phase: hook.Before, Order: 0}, "b2"},
		{hook.Point{Phase: hook.After, Order: -1}, "a0"},
		{hook.Point{Phase: hook.After, Order: 0}, "a2"},
	} {
		_, err := installer.Install(tg, h.point, record(h.name))
		require.NoError(t, err)
	}

	require.Equal(t, "rab", call(t, tg, "r", "a", "b"))
	require.Equal(t, uint64(1), *calls)
	require.Equal(t, []string{
		"before:b1", "before:b2", "before:b3",
		"after:a0", "after:a1", "after:a2",
	}, trace)
}

func TestIdempotentInstallation(t *testing.T) {
	tg, _ := newTarget()
	installer, _ := newInstaller(t)

	var count int
	cb := hook.Func(func(*hook.CallContext) error {
		count++
		return nil
	})
	p := hook.Point{Phase: hook.Before}
	h1, err := installer.Install(tg, p, cb)
	require.NoError(t, err)
	h2, err := installer.Install(tg, p, cb)
	require.NoError(t, err)
	require.Same(t, h1, h2)

	call(t, tg, nil)
	require.Equal(t, 1, count)

	// Another point is another hook
	h3, err := installer.Install(tg, hook.Point{Phase: hook.Before, Order: 1}, cb)
	require.NoError(t, err)
	require.NotEqual(t, h1.ID(), h3.ID())
	call(t, tg, nil)
	require.Equal(t, 3, count)

	stats := installer.Stats()
	require.Equal(t, 1, stats.Targets)
	require.Equal(t, 2, stats.Hooks)
	require.Equal(t, uint64(2), stats.Invocations[tg.String()])
}

func TestReplace(t *testing.T) {
	tg, calls := newTarget()
	installer, _ := newInstaller(t)

	h, err := installer.Install(tg, hook.Point{Phase: hook.Replace}, hook.Func(func(c *hook.CallContext) error {
		c.SetResult("replaced " + c.Arg(0).(string))
		return nil
	}))
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		require.Equal(t, "replaced a", call(t, tg, "r", "a", "b"))
	}
	require.Equal(t, uint64(0), atomic.LoadUint64(calls))

	t.Run("first installed wins", func(t *testing.T) {
		second, err := installer.Install(tg, hook.Point{Phase: hook.Replace, Order: -100}, hook.Func(func(c *hook.CallContext) error {
			c.SetResult("second")
			return nil
		}))
		require.NoError(t, err)
		require.Equal(t, "replaced a", call(t, tg, "r", "a", "b"))

		require.True(t, h.Uninstall())
		require.Equal(t, "second", call(t, tg, "r", "a", "b"))
		require.True(t, second.Uninstall())
		require.Equal(t, "rab", call(t, tg, "r", "a", "b"))
		require.Equal(t, uint64(1), atomic.LoadUint64(calls))
	})

	t.Run("without result", func(t *testing.T) {
		_, err := installer.Install(tg, hook.Point{Phase: hook.Replace}, hook.Func(func(*hook.CallContext) error {
			return nil
		}))
		require.NoError(t, err)
		res, err := tg.Method().Invoke("r")
		require.NoError(t, err)
		require.Nil(t, res)
		require.Equal(t, uint64(1), atomic.LoadUint64(calls))
	})
}

func TestFailingReplaceFallsThrough(t *testing.T) {
	tg, calls := newTarget()
	installer, errChan := newInstaller(t)

	_, err := installer.Install(tg, hook.Point{Phase: hook.Replace}, hook.Func(func(c *hook.CallContext) error {
		c.SetResult("replaced")
		return errors.New("oops")
	}))
	require.NoError(t, err)

	require.Equal(t, "rab", call(t, tg, "r", "a", "b"))
	require.Equal(t, uint64(1), *calls)

	var cbErr *hook.CallbackError
	require.True(t, xerrors.As(<-errChan, &cbErr))
	require.Equal(t, hook.Replace, cbErr.Phase)
	require.Equal(t, tg.String(), cbErr.Target)
	require.EqualError(t, cbErr.Err, "oops")
}

func TestCallbackFailures(t *testing.T) {
	for _, tc := range []struct {
		name string
		fail func() error
	}{
		{"error", func() error { return errors.New("oops") }},
		{"panic", func() error { panic("oops") }},
		{"nil pointer", func() error {
			var c *hook.CallContext
			c.SetResult(nil)
			return nil
		}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tg, calls := newTarget()
			installer, errChan := newInstaller(t)

			var failing bool
			before := hook.Func(func(c *hook.CallContext) error {
				if !failing {
					return nil
				}
				require.NoError(t, c.SetArg(0, "modified"))
				c.SetResult("before")
				return tc.fail()
			})
			after := hook.Func(func(c *hook.CallContext) error {
				if !failing {
					return nil
				}
				c.SetResult("after")
				return tc.fail()
			})
			_, err := installer.Install(tg, hook.Point{Phase: hook.Before}, before)
			require.NoError(t, err)
			_, err = installer.Install(tg, hook.Point{Phase: hook.After}, after)
			require.NoError(t, err)

			failing = true
			require.Equal(t, "rab", call(t, tg, "r", "a", "b"))
			require.Equal(t, uint64(1), *calls)
			require.Equal(t, uint64(2), installer.Stats().Failures[tg.String()])

			var cbErr *hook.CallbackError
			require.True(t, xerrors.As(<-errChan, &cbErr))
			require.Equal(t, hook.Before, cbErr.Phase)
			require.True(t, xerrors.As(<-errChan, &cbErr))
			require.Equal(t, hook.After, cbErr.Phase)
			if tc.name != "error" {
				var panicErr *hksafe.PanicError
				require.True(t, xerrors.As(cbErr, &panicErr))
			}

			// The next call is unaffected
			failing = false
			require.Equal(t, "rcd", call(t, tg, "r", "c", "d"))
			require.Equal(t, uint64(2), *calls)
		})
	}
}

func TestOverride(t *testing.T) {
	t.Run("before override keeps the original body", func(t *testing.T) {
		tg, calls := newTarget()
		installer, _ := newInstaller(t)
		_, err := installer.Install(tg, hook.Point{Phase: hook.Before}, hook.Func(func(c *hook.CallContext) error {
			c.SetResult("X")
			require.True(t, c.OverrideRequested())
			require.Equal(t, "X", c.Result())
			return nil
		}))
		require.NoError(t, err)
		require.Equal(t, "X", call(t, tg, "r"))
		require.Equal(t, uint64(1), *calls)
	})

	t.Run("last override wins", func(t *testing.T) {
		tg, _ := newTarget()
		installer, _ := newInstaller(t)
		for i, v := range []string{"X", "Y"} {
			v := v
			_, err := installer.Install(tg, hook.Point{Phase: hook.After, Order: i}, hook.Func(func(c *hook.CallContext) error {
				c.SetResult(v)
				return nil
			}))
			require.NoError(t, err)
		}
		require.Equal(t, "Y", call(t, tg, "r"))
	})

	t.Run("after sees the natural result", func(t *testing.T) {
		tg, _ := newTarget()
		installer, _ := newInstaller(t)
		_, err := installer.Install(tg, hook.Point{Phase: hook.After}, hook.Func(func(c *hook.CallContext) error {
			require.False(t, c.OverrideRequested())
			require.NoError(t, c.Err())
			c.SetResult(strings.ToUpper(c.Result().(string)))
			return nil
		}))
		require.NoError(t, err)
		require.Equal(t, "RAB", call(t, tg, "r", "a", "b"))
	})

	t.Run("error", func(t *testing.T) {
		tg, _ := newTarget()
		installer, _ := newInstaller(t)
		myErr := errors.New("denied")
		_, err := installer.Install(tg, hook.Point{Phase: hook.After}, hook.Func(func(c *hook.CallContext) error {
			c.SetError(myErr)
			require.Nil(t, c.Result())
			return nil
		}))
		require.NoError(t, err)
		res, err := tg.Method().Invoke("r")
		require.Equal(t, myErr, err)
		require.Nil(t, res)
	})
}

func TestArguments(t *testing.T) {
	tg, _ := newTarget()
	installer, errChan := newInstaller(t)

	_, err := installer.Install(tg, hook.Point{Phase: hook.Before}, hook.Func(func(c *hook.CallContext) error {
		require.Equal(t, "r", c.Receiver())
		require.Equal(t, []interface{}{"a", "b"}, c.Args())
		require.Nil(t, c.Arg(2))
		require.Nil(t, c.Arg(-1))
		require.Error(t, c.SetArg(2, "z"))
		return c.SetArg(1, "B")
	}))
	require.NoError(t, err)
	_, err = installer.Install(tg, hook.Point{Phase: hook.After}, hook.Func(func(c *hook.CallContext) error {
		require.Equal(t, []interface{}{"a", "B"}, c.Args())
		return c.SetArg(0, "A")
	}))
	require.NoError(t, err)

	args := []interface{}{"a", "b"}
	res, err := tg.Method().Invoke("r", args...)
	require.NoError(t, err)
	require.Equal(t, "raB", res)
	// The caller arguments are left untouched
	require.Equal(t, []interface{}{"a", "b"}, args)
	// Changing arguments after the call failed
	var cbErr *hook.CallbackError
	require.True(t, xerrors.As(<-errChan, &cbErr))
	require.Equal(t, hook.After, cbErr.Phase)
}

func TestConcurrentCalls(t *testing.T) {
	tg, calls := newTarget()
	installer, _ := newInstaller(t)

	_, err := installer.Install(tg, hook.Point{Phase: hook.Before}, hook.Func(func(c *hook.CallContext) error {
		return c.SetArg(0, c.Arg(0).(string)+"-before")
	}))
	require.NoError(t, err)
	_, err = installer.Install(tg, hook.Point{Phase: hook.After}, hook.Func(func(c *hook.CallContext) error {
		// Only half of the calls override their result
		if len(c.Arg(1).(string))%2 == 0 {
			c.SetResult(c.Result().(string) + "-after")
		}
		return nil
	}))
	require.NoError(t, err)

	const n = 256
	type result struct {
		expected string
		res      interface{}
		err      error
	}
	results := make(chan result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var a, b string
			f := fuzz.New().NilChance(0)
			f.Fuzz(&a)
			f.Fuzz(&b)
			expected := a + "-before" + b
			if len(b)%2 == 0 {
				expected += "-after"
			}
			res, err := tg.Method().Invoke(nil, a, b)
			results <- result{expected: expected, res: res, err: err}
		}()
	}
	wg.Wait()
	close(results)
	for r := range results {
		require.NoError(t, r.err)
		require.Equal(t, r.expected, r.res)
	}
	require.Equal(t, uint64(n), atomic.LoadUint64(calls))
}

func TestReentrantCalls(t *testing.T) {
	tg, calls := newTarget()
	installer, _ := newInstaller(t)

	_, err := installer.Install(tg, hook.Point{Phase: hook.After}, hook.Func(func(c *hook.CallContext) error {
		depth := c.Arg(0).(int)
		if depth == 0 {
			return nil
		}
		res, err := c.Target().Method().Invoke(nil, depth-1)
		if err != nil {
			return err
		}
		c.SetResult(fmt.Sprintf("%d(%s)", depth, res))
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, "3(2(1(0)))", call(t, tg, nil, 3))
	require.Equal(t, uint64(4), *calls)
}

type uncomparableCallback struct {
	fn func(*hook.CallContext) error
}

func (cb uncomparableCallback) Call(c *hook.CallContext) error { return cb.fn(c) }

type comparableCallback struct {
	name string
}

func (comparableCallback) Call(*hook.CallContext) error { return nil }

type dataCallback struct {
	data interface{}
}

func (dataCallback) Call(*hook.CallContext) error { return nil }

func TestInstallErrors(t *testing.T) {
	installer, _ := newInstaller(t)
	noop := hook.Func(func(*hook.CallContext) error { return nil })

	t.Run("final method", func(t *testing.T) {
		m := image.NewMethod("m", nil, nil, image.Final())
		image.NewClass("a.A", m)
		_, err := installer.Install(methodTarget{m: m}, hook.Point{Phase: hook.Before}, noop)
		var installErr *hook.InstallError
		require.True(t, xerrors.As(err, &installErr))
		require.True(t, xerrors.Is(err, image.ErrFinalMember))
		require.Equal(t, 0, installer.Stats().Targets)
	})

	t.Run("foreign instrumentation", func(t *testing.T) {
		tg, _ := newTarget()
		logger, _ := testlib.NewLogger(t)
		other := hook.NewInstaller("other", logger)
		_, err := other.Install(tg, hook.Point{Phase: hook.Before}, noop)
		require.NoError(t, err)

		_, err = installer.Install(tg, hook.Point{Phase: hook.Before}, noop)
		require.True(t, xerrors.Is(err, image.ErrForeignInstrumentation))
	})

	t.Run("field", func(t *testing.T) {
		img := image.New()
		require.NoError(t, img.Define(image.NewClass("a.A", image.NewField("F", 1))))
		logger, _ := testlib.NewLogger(t)
		r := resolve.New(img, logger)
		field, err := r.Resolve(target.Field("a.A", "F"))
		require.NoError(t, err)
		_, err = installer.Install(field, hook.Point{Phase: hook.After}, noop)
		require.True(t, xerrors.Is(err, hook.ErrNotInterceptable))
	})

	t.Run("callback", func(t *testing.T) {
		tg, _ := newTarget()
		_, err := installer.Install(tg, hook.Point{Phase: hook.Before}, uncomparableCallback{fn: func(*hook.CallContext) error { return nil }})
		require.True(t, xerrors.Is(err, hook.ErrUncomparableCallback))
		_, err = installer.Install(tg, hook.Point{Phase: hook.Before}, nil)
		require.True(t, xerrors.Is(err, hook.ErrUncomparableCallback))

		// Comparable type holding an unhashable value
		var h *hook.Handle
		require.NotPanics(t, func() {
			h, err = installer.Install(tg, hook.Point{Phase: hook.After}, dataCallback{data: []string{"x"}})
		})
		require.Nil(t, h)
		var installErr *hook.InstallError
		require.True(t, xerrors.As(err, &installErr))
		require.True(t, xerrors.Is(err, hook.ErrUncomparableCallback))
		_, instrumented := tg.Method().InstrumentedBy()
		require.False(t, instrumented)

		// Comparable values are hooks of the same identity
		h1, err := installer.Install(tg, hook.Point{Phase: hook.Before}, comparableCallback{name: "a"})
		require.NoError(t, err)
		h2, err := installer.Install(tg, hook.Point{Phase: hook.Before}, comparableCallback{name: "a"})
		require.NoError(t, err)
		require.Same(t, h1, h2)
	})

	t.Run("installer of the same agent", func(t *testing.T) {
		tg, _ := newTarget()
		_, err := installer.Install(tg, hook.Point{Phase: hook.After}, noop)
		require.NoError(t, err)

		logger, _ := testlib.NewLogger(t)
		same := hook.NewInstaller("hookagent", logger)
		_, err = same.Install(tg, hook.Point{Phase: hook.After}, comparableCallback{name: "b"})
		require.True(t, xerrors.Is(err, image.ErrForeignInstrumentation))
		require.Equal(t, 0, same.Stats().Targets)
		require.Equal(t, "ab", call(t, tg, nil, "a", "b"))
	})

	t.Run("phase", func(t *testing.T) {
		tg, _ := newTarget()
		_, err := installer.Install(tg, hook.Point{}, noop)
		require.True(t, xerrors.Is(err, hook.ErrInvalidPhase))
	})
}

func TestUninstall(t *testing.T) {
	tg, _ := newTarget()
	installer, _ := newInstaller(t)

	upper := hook.Func(func(c *hook.CallContext) error {
		c.SetResult(strings.ToUpper(c.Result().(string)))
		return nil
	})
	h1, err := installer.Install(tg, hook.Point{Phase: hook.After}, upper)
	require.NoError(t, err)
	h2, err := installer.Install(tg, hook.Point{Phase: hook.Before}, hook.Func(func(c *hook.CallContext) error {
		return c.SetArg(0, "x")
	}))
	require.NoError(t, err)
	require.Equal(t, hook.After, h1.Point().Phase)
	require.Equal(t, tg.String(), h1.Target().String())

	agent, instrumented := tg.Method().InstrumentedBy()
	require.True(t, instrumented)
	require.Equal(t, "hookagent", agent)
	require.Equal(t, "RX", call(t, tg, "r", "a"))

	require.True(t, h1.Uninstall())
	require.False(t, h1.Uninstall())
	require.Equal(t, "rx", call(t, tg, "r", "a"))

	require.True(t, h2.Uninstall())
	_, instrumented = tg.Method().InstrumentedBy()
	require.False(t, instrumented)
	require.Equal(t, 0, installer.Stats().Targets)
	require.Equal(t, "ra", call(t, tg, "r", "a"))

	// Reinstalling creates a new hook
	h3, err := installer.Install(tg, hook.Point{Phase: hook.After}, upper)
	require.NoError(t, err)
	require.NotEqual(t, h1.ID(), h3.ID())
	require.False(t, h1.Uninstall())
	require.Equal(t, "RA", call(t, tg, "r", "a"))
}

func TestSharedInstallations(t *testing.T) {
	tg, _ := newTarget()
	installer, _ := newInstaller(t)

	cb := comparableCallback{name: "shared"}
	p := hook.Point{Phase: hook.After}
	h1, err := installer.Install(tg, p, cb)
	require.NoError(t, err)
	h2, err := installer.Install(tg, p, cb)
	require.NoError(t, err)
	require.Same(t, h1, h2)

	// The first release keeps the hook installed for the other owner
	require.True(t, h2.Uninstall())
	require.Equal(t, 1, installer.Stats().Hooks)
	_, instrumented := tg.Method().InstrumentedBy()
	require.True(t, instrumented)

	require.True(t, h1.Uninstall())
	require.False(t, h1.Uninstall())
	require.Equal(t, 0, installer.Stats().Targets)
	_, instrumented = tg.Method().InstrumentedBy()
	require.False(t, instrumented)
}

func TestPhase(t *testing.T) {
	for _, p := range []hook.Phase{hook.Before, hook.After, hook.Replace} {
		parsed, err := hook.ParsePhase(p.String())
		require.NoError(t, err)
		require.Equal(t, p, parsed)
	}
	_, err := hook.ParsePhase("around")
	require.Error(t, err)
	require.Equal(t, "Phase(0)", hook.Phase(0).String())
}

func TestSkipError(t *testing.T) {
	tg, calls := newTarget()
	installer, errChan := newInstaller(t)

	skip := func(c *hook.CallContext) error {
		if c.Arg(0) == "skip" {
			c.SetResult("discarded")
			return hook.SkipError
		}
		c.SetResult("replaced")
		return nil
	}
	_, err := installer.Install(tg, hook.Point{Phase: hook.Replace}, hook.Func(skip))
	require.NoError(t, err)
	_, err = installer.Install(tg, hook.Point{Phase: hook.After}, hook.Func(skip))
	require.NoError(t, err)

	require.Equal(t, "replaced", call(t, tg, "r", "a"))
	require.Equal(t, uint64(0), *calls)

	// Skipping the replace callback runs the original body
	require.Equal(t, "rskip", call(t, tg, "r", "skip"))
	require.Equal(t, uint64(1), *calls)

	// Skipping is not a failure
	require.Empty(t, installer.Stats().Failures)
	require.Len(t, errChan, 0)
}
