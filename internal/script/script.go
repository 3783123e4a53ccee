// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package script loads hook modules declared in YAML files. Hook callbacks are
// JavaScript functions, optionally guarded by an expression evaluated against
// the call context.
//
//	modules:
//	  - name: version
//	    processes: [com.android.settings]
//	    options:
//	      - { name: value, kind: string, default: X }
//	    hooks:
//	      - target: { search: [ro.example.version] }
//	        phase: after
//	        when: result != nil
//	        script: |
//	          function callback(ctx) { ctx.setResult(ctx.option("value")); }
//	    fields:
//	      - { owner: android.os.Build$VERSION, name: INCREMENTAL, option: value }
package script

import (
	"io"
	"io/ioutil"
	"os"

	"github.com/ceiler/hookagent/hook"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/module"
	"github.com/ceiler/hookagent/target"
	"gopkg.in/yaml.v2"
)

type File struct {
	Modules []Module `yaml:"modules"`
}

type Module struct {
	Name             string   `yaml:"name"`
	EnablementKey    string   `yaml:"enablement_key"`
	EnabledByDefault bool     `yaml:"enabled_by_default"`
	Processes        []string `yaml:"processes"`
	Options          []Option `yaml:"options"`
	Hooks            []Hook   `yaml:"hooks"`
	Fields           []Field  `yaml:"fields"`
}

type Option struct {
	Name    string      `yaml:"name"`
	Kind    string      `yaml:"kind"`
	Default interface{} `yaml:"default"`
	Doc     string      `yaml:"doc"`
}

type Hook struct {
	Target Target `yaml:"target"`
	Phase  string `yaml:"phase"`
	Order  int    `yaml:"order"`
	// Optional guard expression.
	When string `yaml:"when"`
	// JavaScript source defining function `callback(ctx)`.
	Script string `yaml:"script"`
}

// Target is either an exact method (owner, method and params) or a literal
// search.
type Target struct {
	Owner     string   `yaml:"owner"`
	Method    string   `yaml:"method"`
	Params    []string `yaml:"params"`
	Search    []string `yaml:"search"`
	InOwners  []string `yaml:"in_owners"`
	InPackage string   `yaml:"in_package"`
	Many      bool     `yaml:"many"`
}

// Field is a field value override, either constant or read from a module
// option.
type Field struct {
	Owner  string      `yaml:"owner"`
	Name   string      `yaml:"name"`
	Value  interface{} `yaml:"value"`
	Option string      `yaml:"option"`
}

func (t *Target) descriptor() (target.Descriptor, error) {
	var d target.Descriptor
	if len(t.Search) > 0 {
		if t.Method != "" || t.Owner != "" {
			return d, hkerrors.New("a target cannot be both a method and a search")
		}
		d = target.Search(t.Search...)
		if len(t.InOwners) > 0 {
			d = d.InOwners(t.InOwners...)
		}
		if t.InPackage != "" {
			d = d.InPackage(t.InPackage)
		}
		if t.Many {
			d = d.ExpectMany()
		}
	} else {
		d = target.Method(t.Owner, t.Method, t.Params...)
	}
	return d, d.Validate()
}

// Read decodes a script module file.
func Read(r io.Reader) (*File, error) {
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, hkerrors.Wrap(err, "could not read the script file")
	}
	var f File
	if err := yaml.UnmarshalStrict(buf, &f); err != nil {
		return nil, hkerrors.Wrap(err, "could not decode the script file")
	}
	return &f, nil
}

// Load returns the module descriptors of the script file read from r. Scripts
// are compiled at load time, but compilation errors are only returned by the
// module initialization so that they remain local to their module.
func Load(r io.Reader) ([]module.Descriptor, error) {
	f, err := Read(r)
	if err != nil {
		return nil, err
	}
	descriptors := make([]module.Descriptor, 0, len(f.Modules))
	for i := range f.Modules {
		d, err := f.Modules[i].descriptor()
		if err != nil {
			return nil, hkerrors.Wrapf(err, "script module #%d", i)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// LoadFile is Load of the given file.
func LoadFile(path string) ([]module.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, hkerrors.Wrap(err, "could not open the script file")
	}
	defer f.Close()
	descriptors, err := Load(f)
	if err != nil {
		return nil, hkerrors.Wrapf(err, "script file `%s`", path)
	}
	return descriptors, nil
}

func (m *Module) descriptor() (module.Descriptor, error) {
	if m.Name == "" {
		return module.Descriptor{}, hkerrors.New("unnamed module")
	}
	options := make([]module.Option, 0, len(m.Options))
	for _, opt := range m.Options {
		kind, err := module.ParseOptionKind(opt.Kind)
		if err != nil {
			return module.Descriptor{}, hkerrors.Wrapf(err, "module `%s`: option `%s`", m.Name, opt.Name)
		}
		options = append(options, module.Option{
			Name:    opt.Name,
			Kind:    kind,
			Default: opt.Default,
			Doc:     opt.Doc,
		})
	}

	hooks, compileErr := m.compile()
	fields := m.Fields
	name := m.Name
	return module.Descriptor{
		Name:             m.Name,
		EnablementKey:    m.EnablementKey,
		EnabledByDefault: m.EnabledByDefault,
		Processes:        m.Processes,
		Options:          options,
		Init: func(c *module.Context) error {
			if compileErr != nil {
				return compileErr
			}
			for _, h := range hooks {
				if err := h.install(c); err != nil {
					return err
				}
			}
			return setFields(c, name, fields)
		},
	}, nil
}

type compiledHook struct {
	descriptor target.Descriptor
	point      hook.Point
	callback   *callback
}

func (m *Module) compile() ([]compiledHook, error) {
	hooks := make([]compiledHook, 0, len(m.Hooks))
	for i, h := range m.Hooks {
		d, err := h.Target.descriptor()
		if err != nil {
			return nil, hkerrors.Wrapf(err, "module `%s`: hook #%d", m.Name, i)
		}
		phase, err := hook.ParsePhase(h.Phase)
		if err != nil {
			return nil, hkerrors.Wrapf(err, "module `%s`: hook #%d", m.Name, i)
		}
		cb, err := newCallback(m.Name, i, h.Script, h.When)
		if err != nil {
			return nil, hkerrors.Wrapf(err, "module `%s`: hook #%d", m.Name, i)
		}
		hooks = append(hooks, compiledHook{
			descriptor: d,
			point:      hook.Point{Phase: phase, Order: h.Order},
			callback:   cb,
		})
	}
	return hooks, nil
}

func (h *compiledHook) install(c *module.Context) error {
	// Module options are fixed once the module is configured.
	h.callback.setOptions(c)
	if h.descriptor.ExpectsMany() {
		targets, err := c.ResolveAll(h.descriptor)
		if err != nil {
			return err
		}
		_, err = c.HookAll(targets, h.point, h.callback)
		return err
	}
	t, err := c.Resolve(h.descriptor)
	if err != nil {
		return err
	}
	_, err = c.Hook(t, h.point, h.callback)
	return err
}

// setFields overrides the field values, restoring the previous ones when one
// of them fails.
func setFields(c *module.Context, name string, fields []Field) (err error) {
	var done []func()
	defer func() {
		if err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				done[i]()
			}
		}
	}()

	for _, f := range fields {
		t, err := c.Resolve(target.Field(f.Owner, f.Name))
		if err != nil {
			return err
		}
		value := f.Value
		if f.Option != "" {
			v, exists := c.Option(f.Option)
			if !exists {
				return hkerrors.Errorf("module `%s`: field `%s`: undeclared option `%s`", name, t, f.Option)
			}
			value = v
		}
		previous, err := t.Get()
		if err != nil {
			return err
		}
		if err := t.Set(value); err != nil {
			return err
		}
		done = append(done, func() { _ = t.Set(previous) })
	}
	return nil
}
