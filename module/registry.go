// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package module

import (
	"sort"
	"sync"

	"github.com/ceiler/hookagent/hook"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/internal/hklib/hksafe"
	"github.com/ceiler/hookagent/internal/plog"
)

type Registry struct {
	logger    plog.DebugLevelLogger
	resolver  Resolver
	installer Installer
	process   string

	mu        sync.Mutex
	modules   []*module
	byName    map[string]*module
	activated bool
	once      sync.Once
}

type module struct {
	descriptor Descriptor
	state      State
	err        error
	handles    []*hook.Handle
	options    map[string]interface{}
}

// NewRegistry returns a registry of modules resolving their targets with
// resolver and installing their hooks with installer in the given host
// process.
func NewRegistry(logger plog.DebugLevelLogger, resolver Resolver, installer Installer, process string) *Registry {
	return &Registry{
		logger:    logger,
		resolver:  resolver,
		installer: installer,
		process:   process,
		byName:    make(map[string]*module),
	}
}

// Register adds a module in state Discovered. Modules cannot be registered
// once activated.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return hkerrors.New("modules: unnamed module")
	}
	if d.Init == nil {
		return hkerrors.Errorf("modules: module `%s`: missing init function", d.Name)
	}
	for _, opt := range d.Options {
		if opt.Name == "" {
			return hkerrors.Errorf("modules: module `%s`: unnamed option", d.Name)
		}
		if _, err := castOption(opt.Kind, opt.Default); err != nil {
			return hkerrors.Wrapf(err, "modules: module `%s`: option `%s`", d.Name, opt.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activated {
		return hkerrors.Errorf("modules: module `%s`: modules already activated", d.Name)
	}
	if _, exists := r.byName[d.Name]; exists {
		return hkerrors.Errorf("modules: module `%s` already registered", d.Name)
	}
	m := &module{descriptor: d, state: Discovered}
	r.modules = append(r.modules, m)
	r.byName[d.Name] = m
	r.logger.Debugf("modules: module `%s` discovered", d.Name)
	return nil
}

// Keys returns the configuration keys the registered modules read.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for _, m := range r.modules {
		keys = append(keys, m.descriptor.enablementKey())
		for _, opt := range m.descriptor.Options {
			keys = append(keys, m.descriptor.optionKey(opt.Name))
		}
	}
	return keys
}

// ActivateAll configures and initializes every registered module according to
// the given configuration. Only the first call has an effect. Initialization
// failures are logged and recorded in the module status.
func (r *Registry) ActivateAll(cfg Config) {
	r.once.Do(func() {
		r.mu.Lock()
		r.activated = true
		modules := r.modules
		r.mu.Unlock()

		for _, m := range modules {
			r.activate(m, cfg)
		}

		var active int
		r.mu.Lock()
		for _, m := range modules {
			if m.state == Initialized {
				m.state = Active
				active++
			}
		}
		r.mu.Unlock()
		r.logger.Infof("modules: %d/%d modules active", active, len(modules))
	})
}

func (r *Registry) activate(m *module, cfg Config) {
	d := &m.descriptor

	enabled, found, err := cfg.Bool(d.enablementKey())
	if err != nil {
		r.fail(m, hkerrors.Wrapf(err, "enablement key `%s`", d.enablementKey()))
		return
	}
	if !found {
		enabled = d.EnabledByDefault
	}
	options, err := readOptions(d, cfg)
	if err != nil {
		r.fail(m, err)
		return
	}
	m.options = options
	r.setState(m, Configured)

	if !enabled {
		r.logger.Debugf("modules: module `%s` disabled", d.Name)
		return
	}
	if !d.appliesTo(r.process) {
		r.logger.Debugf("modules: module `%s` does not apply to process `%s`", d.Name, r.process)
		return
	}

	ctx := &Context{registry: r, module: m}
	if err := hksafe.Call(func() error { return d.Init(ctx) }); err != nil {
		r.rollback(m)
		r.fail(m, err)
		return
	}
	r.setState(m, Initialized)
	r.logger.Debugf("modules: module `%s` initialized", d.Name)
}

func (r *Registry) setState(m *module, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.state = s
}

func (r *Registry) fail(m *module, err error) {
	initErr := &InitError{Module: m.descriptor.Name, Err: err}
	r.mu.Lock()
	m.state = Failed
	m.err = initErr
	r.mu.Unlock()
	r.logger.Error(initErr)
}

// rollback releases the hook installations of the module. Hooks also
// installed by other modules stay in place.
func (r *Registry) rollback(m *module) {
	r.mu.Lock()
	handles := m.handles
	m.handles = nil
	r.mu.Unlock()

	for i := len(handles) - 1; i >= 0; i-- {
		handles[i].Uninstall()
	}
	if len(handles) > 0 {
		r.logger.Debugf("modules: module `%s`: %d hooks uninstalled", m.descriptor.Name, len(handles))
	}
}

func (r *Registry) addHandle(m *module, h *hook.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.handles = append(m.handles, h)
}

func (r *Registry) status(m *module) Status {
	return Status{
		Name:  m.descriptor.Name,
		State: m.state,
		Err:   m.err,
		Hooks: len(m.handles),
	}
}

// Status returns the status of the named module.
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, exists := r.byName[name]
	if !exists {
		return Status{}, false
	}
	return r.status(m), true
}

// Report returns the status of every module sorted by name.
func (r *Registry) Report() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := make([]Status, len(r.modules))
	for i, m := range r.modules {
		report[i] = r.status(m)
	}
	sort.Slice(report, func(i, j int) bool {
		return report[i].Name < report[j].Name
	})
	return report
}
