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

package clock

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// FakeClock is a clock that only moves forward when told to. Tests use it
// to expire usage windows and retry deadlines without real waiting.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

var _ Clock = (*FakeClock)(nil)

// NewFake returns a fake clock starting at the Unix epoch.
// Unix(0, 0) rather than the zero time, so that unset deadlines remain
// distinguishable from the clock's start.
func NewFake() *FakeClock {
	return &FakeClock{now: time.Unix(0, 0)}
}

// Now returns the fake clock's current time.
func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

// Add advances the clock by d, firing any timers that come due in order.
func (fc *FakeClock) Add(d time.Duration) {
	fc.mu.Lock()
	fc.advance(fc.now.Add(d))
	fc.mu.Unlock()
	yield()
}

// Set advances the clock to an absolute time. Times in the past are ignored.
func (fc *FakeClock) Set(t time.Time) {
	fc.mu.Lock()
	fc.advance(t)
	fc.mu.Unlock()
	yield()
}

// advance fires due timers in chronological order, stepping the clock
// through each firing time. Callers must hold fc.mu.
func (fc *FakeClock) advance(end time.Time) {
	if end.Before(fc.now) {
		return
	}
	for {
		var due *fakeTimer
		for _, t := range fc.timers {
			if t.at.After(end) {
				continue
			}
			if due == nil || t.at.Before(due.at) {
				due = t
			}
		}
		if due == nil {
			break
		}
		if fc.now.Before(due.at) {
			fc.now = due.at
		}
		fc.remove(due)
		due.fire()
	}
	fc.now = end
}

// After produces a channel that emits once the clock passes now+d.
func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	return fc.Timer(d).C()
}

// Sleep blocks until the clock is advanced past now+d by another goroutine.
func (fc *FakeClock) Sleep(d time.Duration) {
	<-fc.After(d)
}

// Timer produces a timer that fires when the clock passes now+d.
func (fc *FakeClock) Timer(d time.Duration) Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	t := &fakeTimer{
		c:     make(chan time.Time, 1),
		at:    fc.now.Add(d),
		clock: fc,
	}
	if d <= 0 {
		t.fire()
		return t
	}
	fc.timers = append(fc.timers, t)
	sort.SliceStable(fc.timers, func(i, j int) bool {
		return fc.timers[i].at.Before(fc.timers[j].at)
	})
	return t
}

// Pending reports the number of timers that have not yet fired.
func (fc *FakeClock) Pending() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.timers)
}

func (fc *FakeClock) remove(t *fakeTimer) {
	for i, cand := range fc.timers {
		if cand == t {
			fc.timers = append(fc.timers[:i], fc.timers[i+1:]...)
			return
		}
	}
}

type fakeTimer struct {
	c     chan time.Time
	at    time.Time
	clock *FakeClock
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

// Stop removes the timer from the clock, reporting whether it was still
// pending.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for _, cand := range t.clock.timers {
		if cand == t {
			t.clock.remove(t)
			return true
		}
	}
	return false
}

func (t *fakeTimer) fire() {
	select {
	case t.c <- t.at:
	default:
	}
}

// yield gives goroutines woken by a timer a chance to run before the
// advancing goroutine continues.
func yield() {
	runtime.Gosched()
}
