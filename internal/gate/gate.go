// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package gate bounds the number of in-flight calls per key.
//
// Each key carries an in-flight counter and, in adaptive mode, a ceiling
// that reacts to the provider: throttling signals halve it (fast,
// multiplicative decrease) and successes grow it by one (slow, additive
// increase). The AIMD shape keeps the ceiling from oscillating under
// sustained load.
//
// The gate never sleeps. Callers that want to block on a saturated key
// own their backoff loop; the gate only answers whether a permit is
// available right now.
package gate

import (
	"sync"

	"go.uber.org/atomic"
)

// Gate tracks in-flight permits for every key.
//
// Counter updates are lock-free; the internal mutex only guards the key
// table, so calls for unrelated keys never contend on one another's
// counters.
type Gate struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// State is a read-only snapshot of a single key's gate.
type State struct {
	// InFlight is the number of permits currently held.
	InFlight int
	// AdaptiveMax is the current adaptive ceiling.
	AdaptiveMax int
}

type entry struct {
	inFlight    atomic.Int64
	adaptiveMax atomic.Int64
}

// New returns an empty gate.
func New() *Gate {
	return &Gate{entries: make(map[string]*entry)}
}

func (g *Gate) get(key string) (*entry, bool) {
	g.mu.RLock()
	e, ok := g.entries[key]
	g.mu.RUnlock()
	return e, ok
}

// getOrCreate returns the entry for key, creating it with the given
// adaptive ceiling on first touch.
func (g *Gate) getOrCreate(key string, ceiling int) *entry {
	if e, ok := g.get(key); ok {
		return e
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[key]; ok {
		return e
	}
	e := &entry{}
	e.adaptiveMax.Store(int64(ceiling))
	g.entries[key] = e
	return e
}

// Acquire attempts to take a permit for key against the given static
// ceiling, or against the key's adaptive ceiling when adaptive is true.
// It returns false immediately when the key is saturated; it never
// blocks.
func (g *Gate) Acquire(key string, ceiling int, adaptive bool) bool {
	e := g.getOrCreate(key, ceiling)
	limit := int64(ceiling)
	if adaptive {
		limit = e.adaptiveMax.Load()
	}

	for {
		cur := e.inFlight.Load()
		if cur >= limit {
			return false
		}
		if e.inFlight.CAS(cur, cur+1) {
			return true
		}
	}
}

// Release returns a permit for key. The in-flight count never drops
// below zero, so an unmatched release is harmless.
func (g *Gate) Release(key string) {
	e, ok := g.get(key)
	if !ok {
		return
	}
	for {
		cur := e.inFlight.Load()
		if cur <= 0 {
			return
		}
		if e.inFlight.CAS(cur, cur-1) {
			return
		}
	}
}

// Available reports how many permits remain for key under the effective
// ceiling. Never negative.
func (g *Gate) Available(key string, ceiling int, adaptive bool) int {
	e, ok := g.get(key)
	if !ok {
		return ceiling
	}
	limit := int64(ceiling)
	if adaptive {
		limit = e.adaptiveMax.Load()
	}
	free := limit - e.inFlight.Load()
	if free < 0 {
		return 0
	}
	return int(free)
}

// Signal429 reacts to a provider throttling response by halving the
// key's adaptive ceiling, floored at one permit.
func (g *Gate) Signal429(key string, ceiling int) {
	e := g.getOrCreate(key, ceiling)
	for {
		cur := e.adaptiveMax.Load()
		next := shrink(cur)
		if next == cur || e.adaptiveMax.CAS(cur, next) {
			return
		}
	}
}

// SignalSuccess reacts to a successful call by growing the key's
// adaptive ceiling by one, capped at adaptiveCeiling.
func (g *Gate) SignalSuccess(key string, ceiling, adaptiveCeiling int) {
	e := g.getOrCreate(key, ceiling)
	for {
		cur := e.adaptiveMax.Load()
		next := grow(cur, int64(adaptiveCeiling))
		if next == cur || e.adaptiveMax.CAS(cur, next) {
			return
		}
	}
}

// shrink is the multiplicative-decrease transition: halve, floor at 1.
func shrink(cur int64) int64 {
	next := cur / 2
	if next < 1 {
		next = 1
	}
	return next
}

// grow is the additive-increase transition: +1 up to the cap.
func grow(cur, cap int64) int64 {
	if cur >= cap {
		return cur
	}
	return cur + 1
}

// Snapshot returns the current gate state for key, for introspection
// and tests.
func (g *Gate) Snapshot(key string) (State, bool) {
	e, ok := g.get(key)
	if !ok {
		return State{}, false
	}
	return State{
		InFlight:    int(e.inFlight.Load()),
		AdaptiveMax: int(e.adaptiveMax.Load()),
	}, true
}

// ResetAll drops every key. Intended for test isolation.
func (g *Gate) ResetAll() {
	g.mu.Lock()
	g.entries = make(map[string]*entry)
	g.mu.Unlock()
}
