// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package hksync

import (
	"sync"
	"sync/atomic"
)

// UInt64Map is a concurrent map of counters. Counters are created on first
// access and are never removed.
type UInt64Map struct {
	sync.Map
}

func (m *UInt64Map) Add(key interface{}, delta uint64) {
	atomic.AddUint64(m.Get(key), delta)
}

func (m *UInt64Map) Get(key interface{}) *uint64 {
	v, loaded := m.Load(key)
	if !loaded {
		v, _ = m.LoadOrStore(key, new(uint64))
	}
	return v.(*uint64)
}

// Snapshot returns a copy of the current counter values.
func (m *UInt64Map) Snapshot() map[interface{}]uint64 {
	snapshot := make(map[interface{}]uint64)
	m.Range(func(k, v interface{}) bool {
		snapshot[k] = atomic.LoadUint64(v.(*uint64))
		return true
	})
	return snapshot
}
