// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package hook

import (
	"sort"
	"sync/atomic"

	"github.com/ceiler/hookagent/image"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/internal/hklib/hksafe"
)

// dispatcher is the image.Entry attached to a hooked method. Its callback
// table is immutable and atomically replaced when hooks are installed or
// uninstalled.
type dispatcher struct {
	installer *Installer
	target    Target
	// Installed hooks, guarded by the installer lock.
	handles map[hookKey]*Handle
	// Current *table.
	table atomic.Value
}

type hookKey struct {
	point    Point
	callback Callback
}

type table struct {
	before, after []*Handle
	// First installed replace hook.
	replace *Handle
}

func newDispatcher(installer *Installer, t Target) *dispatcher {
	d := &dispatcher{
		installer: installer,
		target:    t,
		handles:   make(map[hookKey]*Handle),
	}
	d.table.Store(&table{})
	return d
}

// Static assertion that the dispatcher is an image entry.
var _ image.Entry = (*dispatcher)(nil)

// Must be called with the installer lock.
func (d *dispatcher) rebuild() {
	t := &table{}
	var replaces []*Handle
	for _, h := range d.handles {
		switch h.point.Phase {
		case Before:
			t.before = append(t.before, h)
		case After:
			t.after = append(t.after, h)
		case Replace:
			replaces = append(replaces, h)
		}
	}
	sortHandles(t.before)
	sortHandles(t.after)
	for _, h := range replaces {
		if t.replace == nil || h.seq < t.replace.seq {
			t.replace = h
		}
	}
	d.table.Store(t)
}

func sortHandles(handles []*Handle) {
	sort.Slice(handles, func(i, j int) bool {
		if handles[i].point.Order != handles[j].point.Order {
			return handles[i].point.Order < handles[j].point.Order
		}
		return handles[i].seq < handles[j].seq
	})
}

// Invoke runs the Before callbacks, the original body unless a Replace
// callback succeeded, and the After callbacks.
func (d *dispatcher) Invoke(receiver interface{}, args []interface{}, original image.Body) (interface{}, error) {
	t := d.table.Load().(*table)
	d.installer.invocations.Add(d.target.String(), 1)

	c := newCallContext(d.target, receiver, args)
	for _, h := range t.before {
		d.call(h, c)
	}

	if t.replace == nil || !d.call(t.replace, c) {
		c.result, c.err = original(receiver, c.args)
	}

	for _, h := range t.after {
		d.call(h, c)
	}
	return c.outcome()
}

// call runs a callback and rolls back its changes to the call context when it
// fails. It returns true when the callback succeeded.
func (d *dispatcher) call(h *Handle, c *CallContext) bool {
	c.phase = h.point.Phase
	var args []interface{}
	if c.phase == Before {
		args = append(make([]interface{}, 0, len(c.args)), c.args...)
	}
	override := c.override

	err := hksafe.Call(func() error {
		return h.callback.Call(c)
	})
	if err == nil {
		return true
	}

	c.override = override
	if args != nil {
		copy(c.args, args)
	}
	if err == SkipError {
		return false
	}
	d.installer.failures.Add(d.target.String(), 1)
	err = &CallbackError{
		Target: d.target.String(),
		Phase:  h.point.Phase,
		Hook:   h.ID(),
		Err:    err,
	}
	d.installer.callbackLogger.Error(hkerrors.WithKey(err, h.key()))
	return false
}
