// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package resolve

import (
	"sync"

	"github.com/ceiler/hookagent/internal/hklib/hksafe"
)

// cache of resolved targets indexed by descriptor key. An entry is inserted
// before its computation so that concurrent callers wait for it instead of
// computing it again. Failed entries are removed once their waiters are
// released.
type cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	// Closed when the computation is done.
	done    chan struct{}
	targets []*Target
	err     error
}

func makeCache() cache {
	return cache{entries: make(map[string]*cacheEntry)}
}

// get returns the cached value of key, computing it when missing. hit is true
// when the value was computed by another call.
func (c *cache) get(key string, compute func() ([]*Target, error)) (targets []*Target, hit bool, err error) {
	c.mu.Lock()
	if e, exists := c.entries[key]; exists {
		c.mu.Unlock()
		<-e.done
		if e.err != nil {
			return nil, false, e.err
		}
		return e.targets, true, nil
	}
	e := &cacheEntry{done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	e.err = hksafe.Call(func() (err error) {
		e.targets, err = compute()
		return err
	})
	if e.err != nil {
		e.targets = nil
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
	}
	close(e.done)
	return e.targets, false, e.err
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
