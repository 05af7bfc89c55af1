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
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// observer fans lifecycle events out to tally and zap. Emission is
// fire-and-forget: nothing here blocks or fails the call path.
type observer struct {
	logger *zap.Logger

	requestStarts   tally.Counter // request:start
	requestStops    tally.Counter // request:stop
	requestErrors   map[string]tally.Counter
	rateLimitWaits  tally.Counter // rate_limit:wait
	rateLimitErrors map[string]tally.Counter
	requestLatency  tally.Timer
}

// Reasons with pre-created tagged counters. Tally scopes are built up
// front; a reason outside this set falls back to the untagged counter.
var _errorReasons = []string{
	ReasonActiveRetryWindow,
	ReasonOverBudget,
	ReasonRequestRate,
	ReasonMaxAttempts,
	ReasonPermanent,
	ReasonDeadline,
	ReasonNoPermit,
}

func newObserver(logger *zap.Logger, scope tally.Scope) *observer {
	requestErrors := make(map[string]tally.Counter, len(_errorReasons)+1)
	rateLimitErrors := make(map[string]tally.Counter, len(_errorReasons)+1)
	for _, reason := range _errorReasons {
		tagged := scope.Tagged(map[string]string{"reason": reason})
		requestErrors[reason] = tagged.Counter("request_errors")
		rateLimitErrors[reason] = tagged.Counter("rate_limit_errors")
	}
	requestErrors[""] = scope.Counter("request_errors")
	rateLimitErrors[""] = scope.Counter("rate_limit_errors")

	return &observer{
		logger:          logger,
		requestStarts:   scope.Counter("request_starts"),
		requestStops:    scope.Counter("request_stops"),
		requestErrors:   requestErrors,
		rateLimitWaits:  scope.Counter("rate_limit_waits"),
		rateLimitErrors: rateLimitErrors,
		requestLatency:  scope.Timer("request_latency"),
	}
}

// call observes the lifecycle of one Execute invocation.
type call struct {
	obs     *observer
	model   string
	attempt int
}

func (o *observer) begin(model string) *call {
	return &call{obs: o, model: model, attempt: 1}
}

// start marks entry into Execute.
func (c *call) start() {
	c.obs.requestStarts.Inc(1)
	c.obs.logger.Debug("request start", zap.String("model", c.model))
}

// stop marks a successful exit.
func (c *call) stop(elapsed time.Duration) {
	c.obs.requestStops.Inc(1)
	c.obs.requestLatency.Record(elapsed)
	c.obs.logger.Debug("request stop",
		zap.String("model", c.model),
		zap.Int("attempt", c.attempt),
		zap.Duration("duration", elapsed),
	)
}

// error marks a failed exit for non-throttling reasons.
func (c *call) error(reason string) {
	c.counter(c.obs.requestErrors, reason).Inc(1)
	c.obs.logger.Debug("request error",
		zap.String("model", c.model),
		zap.Int("attempt", c.attempt),
		zap.String("reason", reason),
	)
}

// wait marks a throttling pause before a retry or admission.
func (c *call) wait(until time.Time) {
	c.obs.rateLimitWaits.Inc(1)
	c.obs.logger.Debug("rate limit wait",
		zap.String("model", c.model),
		zap.Int("attempt", c.attempt),
		zap.Time("until", until),
	)
}

// rateLimitError marks a throttling failure surfaced to the caller.
func (c *call) rateLimitError(reason string) {
	c.counter(c.obs.rateLimitErrors, reason).Inc(1)
	c.obs.logger.Debug("rate limit error",
		zap.String("model", c.model),
		zap.Int("attempt", c.attempt),
		zap.String("reason", reason),
	)
}

func (c *call) counter(byReason map[string]tally.Counter, reason string) tally.Counter {
	if counter, ok := byReason[reason]; ok {
		return counter
	}
	return byReason[""]
}
