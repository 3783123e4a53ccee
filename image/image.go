// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package image models the code loaded in the host process: classes of
// methods and fields, indexed by qualified name. It is the universe target
// descriptors are resolved against, and methods are the interception points
// hooks attach to.
//
// Classes can be defined at any time while the process runs (late class
// loading). Readers never lock: the class index is an immutable radix tree
// atomically replaced on every definition.
package image

import (
	"sync"
	"sync/atomic"

	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	iradix "github.com/hashicorp/go-immutable-radix"
)

type Image struct {
	// Serializes writers.
	mu sync.Mutex
	// Current *iradix.Tree of *Class indexed by qualified name.
	index atomic.Value
}

// New returns an empty image.
func New() *Image {
	img := &Image{}
	img.index.Store(iradix.New())
	return img
}

func (img *Image) tree() *iradix.Tree {
	return img.index.Load().(*iradix.Tree)
}

// Define loads the given classes into the image. Nothing is defined when one
// of them is already loaded.
func (img *Image) Define(classes ...*Class) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	txn := img.tree().Txn()
	for _, c := range classes {
		if c == nil || c.name == "" {
			return hkerrors.New("cannot define an unnamed class")
		}
		if _, updated := txn.Insert([]byte(c.name), c); updated {
			return hkerrors.Wrapf(ErrDuplicateClass, "class `%s`", c.name)
		}
	}
	img.index.Store(txn.Commit())
	return nil
}

// Class returns the class having the given qualified name.
func (img *Image) Class(name string) (*Class, bool) {
	v, exists := img.tree().Get([]byte(name))
	if !exists {
		return nil, false
	}
	return v.(*Class), true
}

// Walk calls fn for every class of the image in qualified name order until fn
// returns false.
func (img *Image) Walk(fn func(*Class) bool) {
	img.tree().Root().Walk(func(_ []byte, v interface{}) bool {
		return !fn(v.(*Class))
	})
}

// WalkPrefix is Walk restricted to the classes whose qualified name starts
// with prefix.
func (img *Image) WalkPrefix(prefix string, fn func(*Class) bool) {
	img.tree().Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		return !fn(v.(*Class))
	})
}

// Len returns the number of classes loaded.
func (img *Image) Len() int {
	return img.tree().Len()
}

var (
	ErrDuplicateClass         = hkerrors.New("class already defined")
	ErrFinalMember            = hkerrors.New("final member")
	ErrForeignInstrumentation = hkerrors.New("member already instrumented by another agent")
)
