// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package image_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ceiler/hookagent/image"
	"github.com/ceiler/hookagent/tools/testlib"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func constant(v interface{}) image.Body {
	return func(interface{}, []interface{}) (interface{}, error) { return v, nil }
}

func TestDefine(t *testing.T) {
	img := image.New()
	require.Equal(t, 0, img.Len())

	name := testlib.RandQualifiedName()
	c := image.NewClass(name,
		image.NewMethod("m", []string{"int"}, constant(1)),
		image.NewField("f", "v"),
	)
	require.NoError(t, img.Define(c))
	require.Equal(t, 1, img.Len())

	got, exists := img.Class(name)
	require.True(t, exists)
	require.Same(t, c, got)

	_, exists = img.Class(name + "x")
	require.False(t, exists)

	t.Run("duplicate", func(t *testing.T) {
		err := img.Define(image.NewClass("other.A"), image.NewClass(name))
		require.Error(t, err)
		require.True(t, xerrors.Is(err, image.ErrDuplicateClass))
		// The whole definition was rejected
		_, exists := img.Class("other.A")
		require.False(t, exists)
	})

	t.Run("unnamed", func(t *testing.T) {
		require.Error(t, img.Define(image.NewClass("")))
	})

	t.Run("members cannot be shared", func(t *testing.T) {
		m := image.NewMethod("m", nil, nil)
		image.NewClass("a.A", m)
		require.Panics(t, func() { image.NewClass("b.B", m) })
	})
}

func TestWalk(t *testing.T) {
	img := image.New()
	require.NoError(t, img.Define(
		image.NewClass("com.example.b.B"),
		image.NewClass("com.example.a.A"),
		image.NewClass("org.other.C"),
	))

	var names []string
	img.Walk(func(c *image.Class) bool {
		names = append(names, c.Name())
		return true
	})
	require.Equal(t, []string{"com.example.a.A", "com.example.b.B", "org.other.C"}, names)

	names = nil
	img.WalkPrefix("com.example.", func(c *image.Class) bool {
		names = append(names, c.Name())
		return true
	})
	require.Equal(t, []string{"com.example.a.A", "com.example.b.B"}, names)

	names = nil
	img.Walk(func(c *image.Class) bool {
		names = append(names, c.Name())
		return false
	})
	require.Len(t, names, 1)
}

func TestConcurrentDefinitions(t *testing.T) {
	img := image.New()
	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = img.Define(image.NewClass(testlib.RandString(32)))
			img.Walk(func(*image.Class) bool { return true })
		}()
	}
	wg.Wait()
	require.Equal(t, n, img.Len())
}

func TestClassMembers(t *testing.T) {
	m1 := image.NewMethod("get", nil, constant(1))
	m2 := image.NewMethod("get", []string{"int"}, constant(2))
	f := image.NewField("F", 3)
	c := image.NewClass("a.A", m1, m2, f)

	got, exists := c.Method("get")
	require.True(t, exists)
	require.Same(t, m1, got)
	got, exists = c.Method("get", "int")
	require.True(t, exists)
	require.Same(t, m2, got)
	_, exists = c.Method("get", "string")
	require.False(t, exists)

	gotF, exists := c.Field("F")
	require.True(t, exists)
	require.Same(t, f, gotF)
	_, exists = c.Field("G")
	require.False(t, exists)

	require.Len(t, c.Methods(), 2)
	require.Len(t, c.Fields(), 1)
	require.Equal(t, "a.A#get(int)", m2.String())
	require.Equal(t, "a.A#F", f.String())
	require.Same(t, c, m1.Owner())
}

func TestLiterals(t *testing.T) {
	m := image.NewMethod("m", nil, nil, image.WithLiterals("a", "b", "c"))
	require.True(t, m.ReferencesAll([]string{"a"}))
	require.True(t, m.ReferencesAll([]string{"c", "a"}))
	require.True(t, m.ReferencesAll(nil))
	require.False(t, m.ReferencesAll([]string{"a", "d"}))
	require.Equal(t, []string{"a", "b", "c"}, m.Literals())
}

type entryFunc func(receiver interface{}, args []interface{}, original image.Body) (interface{}, error)

func (f entryFunc) Invoke(receiver interface{}, args []interface{}, original image.Body) (interface{}, error) {
	return f(receiver, args, original)
}

func TestMethodInvoke(t *testing.T) {
	var calls int
	m := image.NewMethod("concat", []string{"string", "string"}, func(recv interface{}, args []interface{}) (interface{}, error) {
		calls++
		return recv.(string) + args[0].(string) + args[1].(string), nil
	})
	image.NewClass("a.A", m)

	t.Run("not instrumented", func(t *testing.T) {
		res, err := m.Invoke("r", "a", "b")
		require.NoError(t, err)
		require.Equal(t, "rab", res)
		require.Equal(t, 1, calls)
		_, instrumented := m.InstrumentedBy()
		require.False(t, instrumented)
	})

	t.Run("instrumented", func(t *testing.T) {
		err := m.Attach("me", entryFunc(func(receiver interface{}, args []interface{}, original image.Body) (interface{}, error) {
			res, err := original(receiver, args)
			return strings.ToUpper(res.(string)), err
		}))
		require.NoError(t, err)
		agent, instrumented := m.InstrumentedBy()
		require.True(t, instrumented)
		require.Equal(t, "me", agent)

		res, err := m.Invoke("r", "a", "b")
		require.NoError(t, err)
		require.Equal(t, "RAB", res)
		require.Equal(t, 2, calls)

		// Call bypasses the entry
		res, err = m.Call("r", []interface{}{"a", "b"})
		require.NoError(t, err)
		require.Equal(t, "rab", res)
	})

	t.Run("foreign agent", func(t *testing.T) {
		err := m.Attach("other", entryFunc(func(interface{}, []interface{}, image.Body) (interface{}, error) {
			return nil, nil
		}))
		require.Error(t, err)
		require.True(t, xerrors.Is(err, image.ErrForeignInstrumentation))
		require.False(t, m.Detach("other"))
	})

	t.Run("second entry of the same agent", func(t *testing.T) {
		err := m.Attach("me", entryFunc(func(interface{}, []interface{}, image.Body) (interface{}, error) {
			return "replaced", nil
		}))
		require.True(t, xerrors.Is(err, image.ErrForeignInstrumentation))
		res, err := m.Invoke("r", "a", "b")
		require.NoError(t, err)
		require.Equal(t, "RAB", res)
	})

	t.Run("detach", func(t *testing.T) {
		require.True(t, m.Detach("me"))
		require.False(t, m.Detach("me"))
		res, err := m.Invoke("r", "a", "b")
		require.NoError(t, err)
		require.Equal(t, "rab", res)
	})

	t.Run("nil entry", func(t *testing.T) {
		require.Error(t, m.Attach("me", nil))
	})
}

func TestFinalMembers(t *testing.T) {
	m := image.NewMethod("m", nil, nil, image.Final())
	require.True(t, m.IsFinal())
	err := m.Attach("me", entryFunc(func(interface{}, []interface{}, image.Body) (interface{}, error) { return nil, nil }))
	require.True(t, xerrors.Is(err, image.ErrFinalMember))

	f := image.NewField("F", "v", image.FinalField())
	err = f.Set("w")
	require.True(t, xerrors.Is(err, image.ErrFinalMember))
	require.Equal(t, "v", f.Get())

	f = image.NewField("G", "v")
	require.NoError(t, f.Set(nil))
	require.Nil(t, f.Get())
}

func TestNilBody(t *testing.T) {
	res, err := image.NewMethod("m", nil, nil).Invoke(nil)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestBodyError(t *testing.T) {
	myErr := errors.New("oops")
	_, err := image.NewMethod("m", nil, func(interface{}, []interface{}) (interface{}, error) {
		return nil, myErr
	}).Invoke(nil)
	require.Equal(t, myErr, err)
}
