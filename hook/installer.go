// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package hook

import (
	"sync"

	"github.com/ceiler/hookagent/image"
	"github.com/ceiler/hookagent/internal/hklib/hksafe"
	"github.com/ceiler/hookagent/internal/hklib/hksync"
	"github.com/ceiler/hookagent/internal/plog"
	"github.com/rs/xid"
)

// Installer attaches callbacks to methods on behalf of an agent. Hooked
// methods are instrumented by the installer, which fails when another agent
// already instruments them.
type Installer struct {
	agent          string
	logger         plog.DebugLevelLogger
	callbackLogger plog.DebugLevelLogger

	// Serializes installations and uninstallations.
	mu          sync.Mutex
	dispatchers map[*image.Method]*dispatcher
	seq         uint64

	invocations hksync.UInt64Map
	failures    hksync.UInt64Map
}

// NewInstaller returns an installer instrumenting methods in the name of
// agent. Callback failures are logged with backoff since they can happen on
// every call.
func NewInstaller(agent string, logger plog.DebugLevelLogger) *Installer {
	return &Installer{
		agent:          agent,
		logger:         logger,
		callbackLogger: plog.WithBackoff(logger),
		dispatchers:    make(map[*image.Method]*dispatcher),
	}
}

func (i *Installer) Agent() string { return i.agent }

// Install attaches the callback to the target method at the given point.
// Installing the same callback at the same point of the same method again
// returns the existing hook handle, which then needs to be uninstalled as many
// times as it was installed. Errors are of type *InstallError.
func (i *Installer) Install(t Target, p Point, cb Callback) (*Handle, error) {
	if p.Phase != Before && p.Phase != After && p.Phase != Replace {
		return nil, &InstallError{Target: t.String(), Point: p, Err: ErrInvalidPhase}
	}
	if cb == nil || !hashable(cb) {
		return nil, &InstallError{Target: t.String(), Point: p, Err: ErrUncomparableCallback}
	}
	m := t.Method()
	if m == nil {
		return nil, &InstallError{Target: t.String(), Point: p, Err: ErrNotInterceptable}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	d, err := i.dispatcher(t)
	if err != nil {
		return nil, &InstallError{Target: t.String(), Point: p, Err: err}
	}

	key := hookKey{point: p, callback: cb}
	if h, exists := d.handles[key]; exists {
		h.refs++
		return h, nil
	}

	i.seq++
	h := &Handle{
		id:         xid.New(),
		seq:        i.seq,
		refs:       1,
		point:      p,
		callback:   cb,
		dispatcher: d,
	}
	d.handles[key] = h
	d.rebuild()
	if p.Phase == Replace && d.table.Load().(*table).replace != h {
		i.logger.Infof("hook: replace hook %s of `%s` is shadowed by a previously installed one", h.ID(), t)
	}
	i.logger.Debugf("hook: %s hook %s installed on `%s`", p, h.ID(), t)
	return h, nil
}

// Returns the dispatcher of the target method, attaching a new one when the
// method is not hooked yet. Targets resolving to the same method share the
// dispatcher of the first one. Must be called with the installer lock.
func (i *Installer) dispatcher(t Target) (*dispatcher, error) {
	m := t.Method()
	if d, exists := i.dispatchers[m]; exists {
		return d, nil
	}
	d := newDispatcher(i, t)
	if err := m.Attach(i.agent, d); err != nil {
		return nil, err
	}
	i.dispatchers[m] = d
	return d, nil
}

func (i *Installer) uninstall(h *Handle) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	d := h.dispatcher
	key := hookKey{point: h.point, callback: h.callback}
	if actual, exists := d.handles[key]; !exists || actual != h {
		return false
	}
	if h.refs--; h.refs > 0 {
		i.logger.Debugf("hook: %s hook %s still installed %d times on `%s`", h.point, h.ID(), h.refs, d.target)
		return true
	}
	delete(d.handles, key)
	d.rebuild()
	if len(d.handles) == 0 {
		m := d.target.Method()
		m.Detach(i.agent)
		delete(i.dispatchers, m)
	}
	i.logger.Debugf("hook: %s hook %s uninstalled from `%s`", h.point, h.ID(), d.target)
	return true
}

// Stats of the installer.
type Stats struct {
	// Number of hooked methods.
	Targets int
	// Number of installed hooks.
	Hooks int
	// Number of calls and callback failures per target.
	Invocations map[string]uint64
	Failures    map[string]uint64
}

func (i *Installer) Stats() Stats {
	i.mu.Lock()
	targets := len(i.dispatchers)
	var hooks int
	for _, d := range i.dispatchers {
		hooks += len(d.handles)
	}
	i.mu.Unlock()

	return Stats{
		Targets:     targets,
		Hooks:       hooks,
		Invocations: stringKeys(i.invocations.Snapshot()),
		Failures:    stringKeys(i.failures.Snapshot()),
	}
}

// hashable returns true when the callback can be used as a hook key. The
// dynamic values of comparable types, such as interface fields, may still be
// unhashable.
func hashable(cb Callback) bool {
	return hksafe.Call(func() error {
		keys := make(map[Callback]struct{}, 1)
		keys[cb] = struct{}{}
		return nil
	}) == nil
}

func stringKeys(m map[interface{}]uint64) map[string]uint64 {
	res := make(map[string]uint64, len(m))
	for k, v := range m {
		res[k.(string)] = v
	}
	return res
}

// Handle of an installed hook.
type Handle struct {
	id         xid.ID
	seq        uint64
	// Number of installations, guarded by the installer lock.
	refs       int
	point      Point
	callback   Callback
	dispatcher *dispatcher
}

// ID returns the unique identifier of the hook.
func (h *Handle) ID() string     { return h.id.String() }
func (h *Handle) Point() Point   { return h.point }
func (h *Handle) Target() Target { return h.dispatcher.target }

// Uninstall releases one installation of the hook and detaches it with the
// last one. The method is no longer instrumented once its last hook is
// detached. Calls in progress are not affected. It returns false when the hook
// was already detached.
func (h *Handle) Uninstall() bool {
	return h.dispatcher.installer.uninstall(h)
}

type failureKey struct {
	target string
	phase  Phase
}

// Key of the callback failures sharing the same log backoff.
func (h *Handle) key() failureKey {
	return failureKey{target: h.dispatcher.target.String(), phase: h.point.Phase}
}
