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

package state

import (
	"strconv"
	"strings"
	"time"
)

// DefaultRetryDelay is used when the provider's retry hint is missing
// or unreadable. An unparseable hint must never be treated as "no
// wait": hammering a throttling provider is strictly worse than
// overwaiting a minute.
const DefaultRetryDelay = 60 * time.Second

// ParseRetryDelay converts a provider retry-delay string into a
// duration. The accepted grammar is narrower than Go's: a decimal
// number followed by "s", "ms", or "m", with fractional seconds allowed
// ("1.5s"). Anything else yields DefaultRetryDelay.
func ParseRetryDelay(s string) time.Duration {
	s = strings.TrimSpace(s)

	var unit time.Duration
	switch {
	case strings.HasSuffix(s, "ms"):
		unit = time.Millisecond
		s = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		unit = time.Second
		s = strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		unit = time.Minute
		s = strings.TrimSuffix(s, "m")
	default:
		return DefaultRetryDelay
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n < 0 {
		return DefaultRetryDelay
	}
	return time.Duration(n * float64(unit))
}
