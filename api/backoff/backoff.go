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

// Package backoff declares the interfaces the admission layer uses to
// compute retry delays.
package backoff

import "time"

// Strategy is a factory for backoff instances.
// Each backoff instance may capture some state, typically a random number
// generator. The strategy guarantees that these instances are either
// referentially independent and lockless or thread safe.
//
// Backoff strategies balance recovering quickly against turning a
// provider brownout into a synchronized retry storm.
type Strategy interface {
	Backoff() Backoff
}

// Backoff determines how long to wait before the next attempt of some
// action. Attempt numbering starts at 1: Duration(1) is the delay after
// the first failure.
// Instances are intended for the stack of a single goroutine and must
// therefore either be referentially independent or lock safe.
type Backoff interface {
	Duration(attempt uint) time.Duration
}
