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

// Package state is the keyed store behind the admission layer: per-key
// retry deadlines written on provider throttling, and per-key windowed
// token usage.
//
// The store holds no business logic. Each key owns its own lock, so
// calls against unrelated keys never serialize on one another, and
// usage accumulation within a key is additive under concurrency.
// Windows expire logically: a read after the window's end observes "no
// usage" whether or not the entry has been deleted yet.
package state

import (
	"sync"
	"time"

	"go.uber.org/admit/internal/clock"
	"go.uber.org/admit/internal/quota"
)

// Usage is the accumulated token consumption of one live window.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total is the combined token count the budget is compared against.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// RetryState is the throttling state recorded for a key after a 429.
type RetryState struct {
	// Until is the absolute deadline before which calls should not be
	// attempted.
	Until time.Time

	// Info is the provider's quota attribution, when supplied.
	Info quota.Info
}

// Store is the shared per-key state table. A single Store instance is
// shared by every caller in the process; that sharing is what makes the
// coordination work.
type Store struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu sync.Mutex

	// Retry state. A zero retryUntil means none recorded.
	retryUntil time.Time
	retryInfo  quota.Info

	// Usage window. A zero windowStart means no window.
	windowStart time.Time
	windowDur   time.Duration
	usage       Usage
}

// NewStore returns an empty store reading time from the given clock.
func NewStore(c clock.Clock) *Store {
	return &Store{
		clock:   c,
		entries: make(map[string]*entry),
	}
}

func (s *Store) get(key string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	return e, ok
}

func (s *Store) getOrCreate(key string) *entry {
	if e, ok := s.get(key); ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e := &entry{}
	s.entries[key] = e
	return e
}

// SetRetryState records a retry deadline for key from the provider's
// throttling metadata: now plus the parsed retry delay (or the default
// when the hint is missing or unreadable).
func (s *Store) SetRetryState(key string, info quota.Info) {
	until := s.clock.Now().Add(ParseRetryDelay(info.RetryDelay))

	e := s.getOrCreate(key)
	e.mu.Lock()
	e.retryUntil = until
	e.retryInfo = info
	e.mu.Unlock()
}

// RetryState returns the recorded retry state for key. The second
// return is false when none was recorded or the deadline has already
// passed (natural expiry).
func (s *Store) RetryState(key string) (RetryState, bool) {
	e, ok := s.get(key)
	if !ok {
		return RetryState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryUntil.IsZero() || !e.retryUntil.After(s.clock.Now()) {
		return RetryState{}, false
	}
	return RetryState{Until: e.retryUntil, Info: e.retryInfo}, true
}

// ClearRetryState drops the retry deadline for key, typically after the
// next successful call.
func (s *Store) ClearRetryState(key string) {
	e, ok := s.get(key)
	if !ok {
		return
	}
	e.mu.Lock()
	e.retryUntil = time.Time{}
	e.retryInfo = quota.Info{}
	e.mu.Unlock()
}

// RecordUsage adds token counts to key's current window. If no window
// exists or the existing one has expired, a fresh window starts now
// with the given counts.
func (s *Store) RecordUsage(key string, inputTokens, outputTokens int64, window time.Duration) {
	now := s.clock.Now()

	e := s.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.windowStart.IsZero() || s.expiredLocked(e, now) {
		e.windowStart = now
		e.windowDur = window
		e.usage = Usage{InputTokens: inputTokens, OutputTokens: outputTokens}
		return
	}
	e.usage.InputTokens += inputTokens
	e.usage.OutputTokens += outputTokens
}

// CurrentUsage returns the accumulated usage of key's window, or false
// when no window exists or the window has expired.
func (s *Store) CurrentUsage(key string) (Usage, bool) {
	e, ok := s.get(key)
	if !ok {
		return Usage{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.windowStart.IsZero() || s.expiredLocked(e, s.clock.Now()) {
		return Usage{}, false
	}
	return e.usage, true
}

// WouldExceedBudget reports whether adding additional tokens to key's
// current usage would exceed the budget. A budget of zero or less means
// unbounded and never exceeds.
func (s *Store) WouldExceedBudget(key string, additional, budget int64) bool {
	if budget <= 0 {
		return false
	}
	current, ok := s.CurrentUsage(key)
	if !ok {
		return additional > budget
	}
	return current.Total()+additional > budget
}

// WindowEnd returns the time at which key's current window expires, or
// false when there is no live window. Blocking callers sleep until this
// instant before re-attempting an over-budget call.
func (s *Store) WindowEnd(key string) (time.Time, bool) {
	e, ok := s.get(key)
	if !ok {
		return time.Time{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.windowStart.IsZero() || s.expiredLocked(e, s.clock.Now()) {
		return time.Time{}, false
	}
	return e.windowStart.Add(e.windowDur), true
}

// expiredLocked reports whether the entry's window has ended. Callers
// hold e.mu.
func (s *Store) expiredLocked(e *entry, now time.Time) bool {
	return !now.Before(e.windowStart.Add(e.windowDur))
}

// ResetAll drops every key. Intended for test isolation; calling it
// twice is a no-op the second time.
func (s *Store) ResetAll() {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
}

// Len reports the number of live keys, for tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
