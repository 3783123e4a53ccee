// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package resolve

import (
	"github.com/ceiler/hookagent/image"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/target"
)

// Target is a resolved target descriptor: a live handle to a method or a
// field of the image. Targets are produced once per descriptor and shared by
// every caller resolving it.
type Target struct {
	descriptor target.Descriptor
	method     *image.Method
	field      *image.Field
}

func (t *Target) Descriptor() target.Descriptor { return t.descriptor }

// Method returns the resolved method, nil for field targets.
func (t *Target) Method() *image.Method { return t.method }

// Field returns the resolved field, nil for method targets.
func (t *Target) Field() *image.Field { return t.field }

func (t *Target) Kind() target.Kind {
	if t.field != nil {
		return target.FieldKind
	}
	return target.MethodKind
}

// String returns the member signature.
func (t *Target) String() string {
	if t.field != nil {
		return t.field.String()
	}
	return t.method.String()
}

// Call invokes the target method the way the host process does, hooks
// included.
func (t *Target) Call(receiver interface{}, args ...interface{}) (interface{}, error) {
	if t.method == nil {
		return nil, hkerrors.Errorf("target `%s` is not a method", t)
	}
	return t.method.Invoke(receiver, args...)
}

// Get returns the current value of the target field.
func (t *Target) Get() (interface{}, error) {
	if t.field == nil {
		return nil, hkerrors.Errorf("target `%s` is not a field", t)
	}
	return t.field.Get(), nil
}

// Set overwrites the value of the target field.
func (t *Target) Set(v interface{}) error {
	if t.field == nil {
		return hkerrors.Errorf("target `%s` is not a field", t)
	}
	return t.field.Set(v)
}
