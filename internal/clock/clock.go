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

// Package clock abstracts time for the admission layer so that usage
// windows, retry deadlines, and backoff waits can be tested against a
// programmable clock instead of the wall clock.
package clock

import "time"

// Clock provides the time operations the admission layer depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After produces a channel that emits once, after the duration passes.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the calling goroutine for the duration.
	Sleep(d time.Duration)

	// Timer produces a stoppable timer that fires after the duration.
	Timer(d time.Duration) Timer
}

// Timer is a single stoppable timed event.
type Timer interface {
	// C returns the channel the timer fires on.
	C() <-chan time.Time

	// Stop cancels the timer, reporting whether it was still pending.
	Stop() bool
}
