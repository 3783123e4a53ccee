// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package module implements the registry of hook modules: named groups of
// hooks, each independently enabled by configuration.
//
// Main requirements:
// - Modules are activated once, when the agent attaches to the host process.
// - A module whose initialization fails, whatever the reason, is marked as
//   failed and has its hooks uninstalled. It never prevents other modules
//   from being activated.
// - Disabled modules, and modules not applying to the host process, are left
//   configured and not initialized.
package module

import (
	"fmt"
	"strings"

	"github.com/ceiler/hookagent/hook"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/resolve"
	"github.com/ceiler/hookagent/target"
)

// State of a module. Modules move forward from Discovered to Active, unless
// they fail.
type State int

const (
	Discovered State = iota
	Configured
	Initialized
	Failed
	Active
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Configured:
		return "configured"
	case Initialized:
		return "initialized"
	case Failed:
		return "failed"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// OptionKind is the type of value of a module option.
type OptionKind int

const (
	_ OptionKind = iota
	BoolOption
	IntOption
	StringOption
)

func (k OptionKind) String() string {
	switch k {
	case BoolOption:
		return "bool"
	case IntOption:
		return "int"
	case StringOption:
		return "string"
	default:
		return fmt.Sprintf("OptionKind(%d)", int(k))
	}
}

// ParseOptionKind returns the option kind of the given name.
func ParseOptionKind(s string) (OptionKind, error) {
	switch s {
	case "bool":
		return BoolOption, nil
	case "int":
		return IntOption, nil
	case "string":
		return StringOption, nil
	default:
		return 0, hkerrors.Errorf("unknown option kind `%s`", s)
	}
}

// Option is a configuration value of a module, read from key
// `<module name>.<option name>`.
type Option struct {
	Name    string
	Kind    OptionKind
	Default interface{}
	Doc     string
}

// Descriptor of a hook module.
type Descriptor struct {
	Name string
	// Configuration key enabling the module. Defaults to `<name>.enabled`.
	EnablementKey string
	// Whether the module is enabled when the enablement key is not configured.
	EnabledByDefault bool
	// Host process names the module applies to. Empty means any.
	Processes []string
	Options   []Option
	// Init resolves the module targets and installs its hooks.
	Init func(c *Context) error
}

func (d *Descriptor) enablementKey() string {
	if d.EnablementKey != "" {
		return d.EnablementKey
	}
	return d.Name + ".enabled"
}

func (d *Descriptor) optionKey(name string) string {
	return d.Name + "." + name
}

func (d *Descriptor) appliesTo(process string) bool {
	if len(d.Processes) == 0 {
		return true
	}
	for _, p := range d.Processes {
		if p == process {
			return true
		}
	}
	return false
}

var staticModules []Descriptor

// Register adds modules to the set of modules every agent registers at
// attach time. It is meant to be called from package init functions.
func Register(d ...Descriptor) {
	staticModules = append(staticModules, d...)
}

// Registered returns the modules added with Register.
func Registered() []Descriptor {
	return append([]Descriptor(nil), staticModules...)
}

// Config is the immutable configuration snapshot modules read.
type Config interface {
	Bool(key string) (value bool, found bool, err error)
	Int(key string) (value int, found bool, err error)
	String(key string) (value string, found bool, err error)
}

// Resolver of target descriptors.
type Resolver interface {
	Resolve(d target.Descriptor) (*resolve.Target, error)
	ResolveAll(d target.Descriptor) ([]*resolve.Target, error)
}

// Installer of hooks.
type Installer interface {
	Install(t hook.Target, p hook.Point, cb hook.Callback) (*hook.Handle, error)
}

// InitError is the failure of a module initialization.
type InitError struct {
	Module string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("module `%s`: initialization failed: %v", e.Module, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
func (e *InitError) Cause() error  { return e.Err }

// Status of a registered module.
type Status struct {
	Name  string
	State State
	// Failure of the module when failed.
	Err error
	// Number of installed hooks.
	Hooks int
}

func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", s.Name, s.State)
	if s.Hooks > 0 {
		fmt.Fprintf(&b, " (%d hooks)", s.Hooks)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, ": %v", s.Err)
	}
	return b.String()
}
