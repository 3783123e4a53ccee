// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package hktime

import "sync/atomic"

// BackoffCounter is an event counter letting through the events whose count is
// a power of two.
type BackoffCounter uint64

// Do atomically increments backoff counter and calls function `f` along with
// the incremented counter value when the new count is a power of two.
func (c *BackoffCounter) Do(f func(count uint64)) {
	v := atomic.AddUint64((*uint64)(c), 1)
	if (v & (v - 1)) == 0 {
		f(v)
	}
}

// Count returns the number of events counted so far.
func (c *BackoffCounter) Count() uint64 {
	return atomic.LoadUint64((*uint64)(c))
}
