// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package module

import (
	"github.com/ceiler/hookagent/hook"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/internal/plog"
	"github.com/ceiler/hookagent/resolve"
	"github.com/ceiler/hookagent/target"
	"github.com/spf13/cast"
)

// Context is the API of a module initialization. Hooks installed through
// the context belong to the module and are uninstalled if its initialization
// fails.
type Context struct {
	registry *Registry
	module   *module
}

func (c *Context) Name() string                  { return c.module.descriptor.Name }
func (c *Context) Process() string               { return c.registry.process }
func (c *Context) Logger() plog.DebugLevelLogger { return c.registry.logger }

func (c *Context) Resolve(d target.Descriptor) (*resolve.Target, error) {
	return c.registry.resolver.Resolve(d)
}

func (c *Context) ResolveAll(d target.Descriptor) ([]*resolve.Target, error) {
	return c.registry.resolver.ResolveAll(d)
}

// Hook installs the callback at the given point of the target.
func (c *Context) Hook(t *resolve.Target, p hook.Point, cb hook.Callback) (*hook.Handle, error) {
	h, err := c.registry.installer.Install(t, p, cb)
	if err != nil {
		return nil, err
	}
	c.registry.addHandle(c.module, h)
	return h, nil
}

// HookAll installs the callback at the given point of every target. It stops
// at the first failure.
func (c *Context) HookAll(targets []*resolve.Target, p hook.Point, cb hook.Callback) ([]*hook.Handle, error) {
	handles := make([]*hook.Handle, 0, len(targets))
	for _, t := range targets {
		h, err := c.Hook(t, p, cb)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (c *Context) Before(t *resolve.Target, fn func(*hook.CallContext) error) (*hook.Handle, error) {
	return c.Hook(t, hook.Point{Phase: hook.Before}, hook.Func(fn))
}

func (c *Context) After(t *resolve.Target, fn func(*hook.CallContext) error) (*hook.Handle, error) {
	return c.Hook(t, hook.Point{Phase: hook.After}, hook.Func(fn))
}

func (c *Context) Replace(t *resolve.Target, fn func(*hook.CallContext) error) (*hook.Handle, error) {
	return c.Hook(t, hook.Point{Phase: hook.Replace}, hook.Func(fn))
}

// Option returns the configured value of the named option, or its default
// value.
func (c *Context) Option(name string) (interface{}, bool) {
	v, exists := c.module.options[name]
	return v, exists
}

// OptionNames returns the names of the declared module options.
func (c *Context) OptionNames() []string {
	names := make([]string, len(c.module.descriptor.Options))
	for i, opt := range c.module.descriptor.Options {
		names[i] = opt.Name
	}
	return names
}

func (c *Context) Bool(name string) bool {
	v, _ := c.Option(name)
	return cast.ToBool(v)
}

func (c *Context) Int(name string) int {
	v, _ := c.Option(name)
	return cast.ToInt(v)
}

func (c *Context) String(name string) string {
	v, _ := c.Option(name)
	return cast.ToString(v)
}

// readOptions returns the module option values from the configuration.
func readOptions(d *Descriptor, cfg Config) (map[string]interface{}, error) {
	if len(d.Options) == 0 {
		return nil, nil
	}
	options := make(map[string]interface{}, len(d.Options))
	for _, opt := range d.Options {
		key := d.optionKey(opt.Name)
		var (
			v     interface{}
			found bool
			err   error
		)
		switch opt.Kind {
		case BoolOption:
			v, found, err = cfg.Bool(key)
		case IntOption:
			v, found, err = cfg.Int(key)
		case StringOption:
			v, found, err = cfg.String(key)
		default:
			err = hkerrors.Errorf("unexpected option kind `%s`", opt.Kind)
		}
		if err != nil {
			return nil, hkerrors.Wrapf(err, "option `%s`", key)
		}
		if !found {
			v, _ = castOption(opt.Kind, opt.Default)
		}
		options[opt.Name] = v
	}
	return options, nil
}

// castOption converts v into the option kind. Nil values are zero values.
func castOption(kind OptionKind, v interface{}) (interface{}, error) {
	switch kind {
	case BoolOption:
		return cast.ToBoolE(v)
	case IntOption:
		return cast.ToIntE(v)
	case StringOption:
		return cast.ToStringE(v)
	default:
		return nil, hkerrors.Errorf("unexpected option kind `%s`", kind)
	}
}
