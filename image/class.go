// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package image

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
)

// Class is a named set of methods and fields. Its member set is fixed once
// created.
type Class struct {
	name    string
	methods []*Method
	fields  []*Field
}

// Member is either a *Method or a *Field.
type Member interface {
	Name() string
	Owner() *Class
	setOwner(*Class)
}

// NewClass returns a class of the given members. Members cannot be shared by
// several classes.
func NewClass(name string, members ...Member) *Class {
	c := &Class{name: name}
	for _, m := range members {
		if m.Owner() != nil {
			panic(hkerrors.Errorf("member `%s` already belongs to class `%s`", m.Name(), m.Owner().name))
		}
		m.setOwner(c)
		switch actual := m.(type) {
		case *Method:
			c.methods = append(c.methods, actual)
		case *Field:
			c.fields = append(c.fields, actual)
		}
	}
	return c
}

func (c *Class) Name() string { return c.name }

// Method returns the method having the given name and parameter type tags.
func (c *Class) Method(name string, params ...string) (*Method, bool) {
	for _, m := range c.methods {
		if m.name == name && equalStrings(m.params, params) {
			return m, true
		}
	}
	return nil, false
}

func (c *Class) Field(name string) (*Field, bool) {
	for _, f := range c.fields {
		if f.name == name {
			return f, true
		}
	}
	return nil, false
}

func (c *Class) Methods() []*Method {
	return append([]*Method(nil), c.methods...)
}

func (c *Class) Fields() []*Field {
	return append([]*Field(nil), c.fields...)
}

// Body is the implementation of a method.
type Body func(receiver interface{}, args []interface{}) (result interface{}, err error)

// Entry is the interception entry point of an instrumented method. When
// attached, every invocation of the method is routed to Invoke, which is
// responsible for calling the original body.
type Entry interface {
	Invoke(receiver interface{}, args []interface{}, original Body) (interface{}, error)
}

type attachment struct {
	agent string
	entry Entry
}

type Method struct {
	owner    *Class
	name     string
	params   []string
	literals []string
	final    bool
	body     Body

	// Serializes Attach and Detach.
	mu sync.Mutex
	// Current *attachment, nil when not instrumented.
	attached atomic.Value
}

type MethodOption func(*Method)

// WithLiterals sets the literal constants the method body references.
func WithLiterals(literals ...string) MethodOption {
	return func(m *Method) {
		m.literals = append(m.literals, literals...)
	}
}

// Final marks the method as non-instrumentable.
func Final() MethodOption {
	return func(m *Method) {
		m.final = true
	}
}

// NewMethod returns a method implemented by body. A nil body returns nil
// values.
func NewMethod(name string, params []string, body Body, opts ...MethodOption) *Method {
	m := &Method{
		name:   name,
		params: append([]string(nil), params...),
		body:   body,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.attached.Store((*attachment)(nil))
	return m
}

func (m *Method) Name() string       { return m.name }
func (m *Method) Owner() *Class      { return m.owner }
func (m *Method) setOwner(c *Class)  { m.owner = c }
func (m *Method) IsFinal() bool      { return m.final }
func (m *Method) Params() []string   { return append([]string(nil), m.params...) }
func (m *Method) Literals() []string { return append([]string(nil), m.literals...) }

func (m *Method) attachment() *attachment {
	return m.attached.Load().(*attachment)
}

// String returns the method signature `owner#name(params)`.
func (m *Method) String() string {
	var owner string
	if m.owner != nil {
		owner = m.owner.name
	}
	return owner + "#" + m.name + "(" + strings.Join(m.params, ",") + ")"
}

// ReferencesAll returns true when the literal pool contains every given
// literal.
func (m *Method) ReferencesAll(literals []string) bool {
	for _, l := range literals {
		found := false
		for _, ml := range m.literals {
			if ml == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Invoke calls the method as the host process would: through the attached
// entry when instrumented, directly otherwise.
func (m *Method) Invoke(receiver interface{}, args ...interface{}) (interface{}, error) {
	if a := m.attachment(); a != nil {
		return a.entry.Invoke(receiver, args, m.Call)
	}
	return m.Call(receiver, args)
}

// Call calls the original method body, bypassing any attached entry.
func (m *Method) Call(receiver interface{}, args []interface{}) (interface{}, error) {
	if m.body == nil {
		return nil, nil
	}
	return m.body(receiver, args)
}

// Attach routes the method invocations to entry on behalf of the given agent.
// A method can only be instrumented by one entry at a time: it must be
// detached before being attached again, even by the same agent.
func (m *Method) Attach(agent string, entry Entry) error {
	if entry == nil {
		return hkerrors.New("unexpected nil entry")
	}
	if m.final {
		return hkerrors.Wrapf(ErrFinalMember, "method `%s`", m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.attachment(); a != nil {
		if a.agent != agent {
			return hkerrors.Wrapf(ErrForeignInstrumentation, "method `%s` instrumented by `%s`", m, a.agent)
		}
		return hkerrors.Wrapf(ErrForeignInstrumentation, "method `%s` already instrumented by another `%s` entry", m, agent)
	}
	m.attached.Store(&attachment{agent: agent, entry: entry})
	return nil
}

// Detach removes the entry the given agent attached. It returns false when
// the agent had nothing attached.
func (m *Method) Detach(agent string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.attachment(); a == nil || a.agent != agent {
		return false
	}
	m.attached.Store((*attachment)(nil))
	return true
}

// InstrumentedBy returns the name of the agent instrumenting the method.
func (m *Method) InstrumentedBy() (agent string, instrumented bool) {
	if a := m.attachment(); a != nil {
		return a.agent, true
	}
	return "", false
}

type Field struct {
	owner *Class
	name  string
	final bool
	// Current *fieldValue.
	value atomic.Value
}

type fieldValue struct{ v interface{} }

type FieldOption func(*Field)

// FinalField marks the field as read-only.
func FinalField() FieldOption {
	return func(f *Field) {
		f.final = true
	}
}

func NewField(name string, value interface{}, opts ...FieldOption) *Field {
	f := &Field{name: name}
	for _, opt := range opts {
		opt(f)
	}
	f.value.Store(&fieldValue{v: value})
	return f
}

func (f *Field) Name() string      { return f.name }
func (f *Field) Owner() *Class     { return f.owner }
func (f *Field) setOwner(c *Class) { f.owner = c }
func (f *Field) IsFinal() bool     { return f.final }

func (f *Field) String() string {
	var owner string
	if f.owner != nil {
		owner = f.owner.name
	}
	return owner + "#" + f.name
}

func (f *Field) Get() interface{} {
	return f.value.Load().(*fieldValue).v
}

func (f *Field) Set(v interface{}) error {
	if f.final {
		return hkerrors.Wrapf(ErrFinalMember, "field `%s`", f)
	}
	f.value.Store(&fieldValue{v: v})
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
