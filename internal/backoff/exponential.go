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

// Package backoff implements the equal-jitter exponential backoff the
// admission layer uses between retry attempts.
package backoff

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/multierr"

	apibackoff "go.uber.org/admit/api/backoff"
)

// ExponentialOption customizes an exponential backoff strategy.
type ExponentialOption func(*exponentialOptions)

type exponentialOptions struct {
	base, max time.Duration
	jitter    float64
	newRand   func() *rand.Rand
}

func (e exponentialOptions) validate() (err error) {
	if e.base <= 0 {
		err = multierr.Append(err, errors.New("invalid base for exponential backoff, need greater than zero"))
	}
	if e.max < 0 {
		err = multierr.Append(err, errors.New("invalid max for exponential backoff, need greater than or equal to zero"))
	}
	if e.jitter < 0 || e.jitter > 1 {
		err = multierr.Append(err, errors.New("invalid jitter for exponential backoff, need within [0, 1]"))
	}
	return err
}

var defaultExponentialOpts = exponentialOptions{
	base:   time.Second,
	max:    time.Hour,
	jitter: 0.25,
	newRand: func() *rand.Rand {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	},
}

// Base sets the delay after the first failed attempt. Later attempts
// double it.
func Base(t time.Duration) ExponentialOption {
	return func(options *exponentialOptions) {
		options.base = t
	}
}

// Max caps the delay that will ever be returned, before jitter.
func Max(t time.Duration) ExponentialOption {
	return func(options *exponentialOptions) {
		options.max = t
	}
}

// Jitter sets the fraction of the computed delay used as the jitter
// band. A jitter of 0.25 perturbs each delay uniformly by up to ±25%.
func Jitter(f float64) ExponentialOption {
	return func(options *exponentialOptions) {
		options.jitter = f
	}
}

// newRandGenerator is an internal option for overriding the random
// number source in tests.
func newRandGenerator(f func() *rand.Rand) ExponentialOption {
	return func(options *exponentialOptions) {
		options.newRand = f
	}
}

// Exponential computes base * 2^(attempt-1), then perturbs the result
// uniformly within ±jitter of itself, so concurrent callers sharing a
// throttled key spread their retries instead of herding.
//
// The strategy is stateless; each Backoff instance owns its random
// number generator and is intended for a single goroutine.
type Exponential struct {
	opts exponentialOptions
}

var _ apibackoff.Strategy = (*Exponential)(nil)

// NewExponential returns a new exponential backoff strategy, or an error
// describing every invalid option.
func NewExponential(opts ...ExponentialOption) (*Exponential, error) {
	options := defaultExponentialOpts
	for _, opt := range opts {
		opt(&options)
	}

	if err := options.validate(); err != nil {
		return nil, err
	}

	return &Exponential{opts: options}, nil
}

// Backoff produces a referentially independent backoff instance.
func (e *Exponential) Backoff() apibackoff.Backoff {
	return &exponentialBackoff{
		opts: e.opts,
		rand: e.opts.newRand(),
	}
}

type exponentialBackoff struct {
	opts exponentialOptions
	rand *rand.Rand
}

// Duration returns the jittered delay before the given attempt.
// Attempt numbering starts at 1.
func (b *exponentialBackoff) Duration(attempt uint) time.Duration {
	if attempt == 0 {
		attempt = 1
	}

	backoff := b.opts.base.Nanoseconds()
	// Guard the shift: 2^(attempt-1) overflows int64 long before the
	// cap would otherwise engage.
	if attempt-1 < 63 {
		backoff <<= attempt - 1
	}
	if backoff <= 0 || backoff > b.opts.max.Nanoseconds() {
		backoff = b.opts.max.Nanoseconds()
	}

	band := int64(float64(backoff) * b.opts.jitter)
	if band > 0 {
		backoff += b.rand.Int63n(2*band+1) - band
	}
	return time.Duration(backoff)
}

// DefaultStrategy is a process-wide strategy with the default base,
// cap, and jitter, for callers that do not configure their own.
var DefaultStrategy apibackoff.Strategy = defaultStrategy{}

type defaultStrategy struct{}

var defaultExponentialOnce struct {
	sync.Once
	strategy *Exponential
}

func (defaultStrategy) Backoff() apibackoff.Backoff {
	defaultExponentialOnce.Do(func() {
		// Defaults always validate.
		defaultExponentialOnce.strategy, _ = NewExponential()
	})
	return defaultExponentialOnce.strategy.Backoff()
}
