// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package resolve turns target descriptors into live targets of a class image.
//
// Exact descriptors are looked up by owner class and member signature, while
// string-search descriptors scan the literal pools of the methods in scope.
// Successful resolutions are cached by descriptor key so that a descriptor is
// computed at most once: concurrent callers of a descriptor being resolved
// wait for the pending computation and share its outcome. Failures are not
// cached since classes may be loaded later.
package resolve

import (
	"strings"
	"sync/atomic"

	"github.com/ceiler/hookagent/image"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/internal/plog"
	"github.com/ceiler/hookagent/target"
)

type Resolver struct {
	image  *image.Image
	logger plog.DebugLevelLogger
	cache  cache
	stats  stats
}

type stats struct {
	requests, hits, lookups, scans uint64
}

// Stats of the resolver since its creation.
type Stats struct {
	// Number of Resolve and ResolveAll calls.
	Requests uint64
	// Number of requests served from the cache.
	Hits uint64
	// Number of exact lookups and literal scans performed.
	Lookups, Scans uint64
}

func New(img *image.Image, logger plog.DebugLevelLogger) *Resolver {
	return &Resolver{
		image:  img,
		logger: logger,
		cache:  makeCache(),
	}
}

func (r *Resolver) Image() *image.Image { return r.image }

func (r *Resolver) Stats() Stats {
	return Stats{
		Requests: atomic.LoadUint64(&r.stats.requests),
		Hits:     atomic.LoadUint64(&r.stats.hits),
		Lookups:  atomic.LoadUint64(&r.stats.lookups),
		Scans:    atomic.LoadUint64(&r.stats.scans),
	}
}

// Resolve returns the single target the descriptor designates. It returns a
// *NotFoundError when nothing matches, and an *AmbiguousResolutionError when a
// search matches more than one method, even when the descriptor expects many.
func (r *Resolver) Resolve(d target.Descriptor) (*Target, error) {
	targets, err := r.resolve(d)
	if err != nil {
		return nil, err
	}
	if len(targets) > 1 {
		return nil, r.ambiguous(d, targets)
	}
	return targets[0], nil
}

// ResolveAll returns every target the descriptor designates. Searches not
// expecting many matches behave like Resolve.
func (r *Resolver) ResolveAll(d target.Descriptor) ([]*Target, error) {
	targets, err := r.resolve(d)
	if err != nil {
		return nil, err
	}
	return append([]*Target(nil), targets...), nil
}

func (r *Resolver) resolve(d target.Descriptor) ([]*Target, error) {
	atomic.AddUint64(&r.stats.requests, 1)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	targets, hit, err := r.cache.get(d.Key(), func() ([]*Target, error) {
		return r.compute(d)
	})
	if hit {
		atomic.AddUint64(&r.stats.hits, 1)
	}
	return targets, err
}

func (r *Resolver) compute(d target.Descriptor) ([]*Target, error) {
	if d.IsSearch() {
		atomic.AddUint64(&r.stats.scans, 1)
		return r.search(d)
	}
	atomic.AddUint64(&r.stats.lookups, 1)
	t, err := r.lookup(d)
	if err != nil {
		return nil, err
	}
	return []*Target{t}, nil
}

func (r *Resolver) lookup(d target.Descriptor) (*Target, error) {
	class, exists := r.image.Class(d.Owner())
	if !exists {
		return nil, &NotFoundError{Descriptor: d, Reason: "owner class not loaded"}
	}
	switch d.Kind() {
	case target.FieldKind:
		f, exists := class.Field(d.Name())
		if !exists {
			return nil, &NotFoundError{Descriptor: d, Reason: "no such field"}
		}
		r.logger.Debugf("resolve: field `%s` found", f)
		return &Target{descriptor: d, field: f}, nil
	default:
		m, exists := class.Method(d.Name(), d.Params()...)
		if !exists {
			return nil, &NotFoundError{Descriptor: d, Reason: "no method with this signature"}
		}
		r.logger.Debugf("resolve: method `%s` found", m)
		return &Target{descriptor: d, method: m}, nil
	}
}

func (r *Resolver) search(d target.Descriptor) ([]*Target, error) {
	literals := d.Literals()
	var targets []*Target
	scan := func(c *image.Class) bool {
		for _, m := range c.Methods() {
			if m.ReferencesAll(literals) {
				targets = append(targets, &Target{descriptor: d, method: m})
			}
		}
		return true
	}

	if owners := d.Owners(); len(owners) > 0 {
		for _, owner := range owners {
			c, exists := r.image.Class(owner)
			if !exists || !strings.HasPrefix(owner, d.Package()) {
				continue
			}
			scan(c)
		}
	} else {
		r.image.WalkPrefix(d.Package(), scan)
	}

	switch {
	case len(targets) == 0:
		return nil, &NotFoundError{Descriptor: d, Reason: "no method references every literal"}
	case len(targets) > 1 && !d.ExpectsMany():
		return nil, r.ambiguous(d, targets)
	}
	r.logger.Debugf("resolve: search `%s` found %d method(s)", d, len(targets))
	return targets, nil
}

func (r *Resolver) ambiguous(d target.Descriptor, targets []*Target) error {
	candidates := make([]string, len(targets))
	for i, t := range targets {
		candidates[i] = t.String()
	}
	err := &AmbiguousResolutionError{Descriptor: d, Candidates: candidates}
	r.logger.Error(hkerrors.WithKey(hkerrors.Wrap(err, "resolve"), d.Key()))
	return err
}
