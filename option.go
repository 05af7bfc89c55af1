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

package admit

import (
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"go.uber.org/admit/internal/clock"
)

// Option customizes the behavior of a Manager.
type Option interface {
	apply(*managerOptions)
}

type optionFunc func(*managerOptions)

func (f optionFunc) apply(opts *managerOptions) { f(opts) }

type managerOptions struct {
	// logger is a zap logger.
	logger *zap.Logger

	// scope is an interface for recording metrics to tally.
	scope tally.Scope

	// clock supplies time; tests swap in a fake.
	clock clock.Clock
}

var defaultManagerOptions = managerOptions{
	logger: zap.NewNop(),
	scope:  tally.NoopScope,
	clock:  clock.NewReal(),
}

// WithLogger sets a zap Logger that will be used to record admission
// logs.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.logger = logger
	})
}

// WithScope sets a Tally scope that will be used to record admission
// metrics.
func WithScope(scope tally.Scope) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.scope = scope
	})
}

// withClock overrides the time source, for tests.
func withClock(c clock.Clock) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.clock = c
	})
}

// CallOption customizes a single Execute or CheckStatus invocation.
type CallOption interface {
	apply(*callOptions)
}

type callOptionFunc func(*callOptions)

func (f callOptionFunc) apply(opts *callOptions) { f(opts) }

type callOptions struct {
	// estimatedTokens is the caller's projection of this call's input
	// token count, used by the budget pre-check.
	estimatedTokens int64

	// configOpts override the Manager's configuration for this call
	// only.
	configOpts []ConfigOption
}

// WithEstimatedTokens declares the caller's estimate of the call's
// input token count, letting the budget pre-check project usage before
// any tokens are spent.
func WithEstimatedTokens(n int64) CallOption {
	return callOptionFunc(func(opts *callOptions) {
		opts.estimatedTokens = n
	})
}

// WithConfigOverrides overrides the Manager's configuration for this
// call only. Overrides win over the Manager's resolved profile.
func WithConfigOverrides(overrides ...ConfigOption) CallOption {
	return callOptionFunc(func(opts *callOptions) {
		opts.configOpts = append(opts.configOpts, overrides...)
	})
}
