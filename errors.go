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
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Outcome classifies the result of one executor attempt. It is the
// single decision point controlling whether the Manager retries.
type Outcome int

// The four outcome classes.
const (
	// OutcomeSuccess: the call succeeded.
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited: the provider signaled throttling (HTTP 429).
	OutcomeRateLimited
	// OutcomeTransient: a 5xx or network/timeout failure, safe to retry
	// without fresh budget or status checks.
	OutcomeTransient
	// OutcomePermanent: a non-429 4xx; retrying cannot help.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Code identifies the structured errors the admission layer produces or
// understands.
type Code int

const (
	// CodeUpstream marks an executor failure carried through the
	// admission layer, annotated with its HTTP status when known.
	CodeUpstream Code = iota + 1
	// CodeRateLimited marks a locally enforced throttle: an active
	// retry window, an exhausted request-rate allowance, or a provider
	// 429 surfaced after retries ran out.
	CodeRateLimited
	// CodeOverBudget marks a locally detected budget exhaustion; no
	// network call was made.
	CodeOverBudget
	// CodeNoPermit marks concurrency-ceiling saturation in non-blocking
	// mode.
	CodeNoPermit
)

func (c Code) String() string {
	switch c {
	case CodeUpstream:
		return "upstream"
	case CodeRateLimited:
		return "rate_limited"
	case CodeOverBudget:
		return "over_budget"
	case CodeNoPermit:
		return "no_permit_available"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Reasons attached to locally produced errors.
const (
	// ReasonActiveRetryWindow: a provider-imposed retry deadline is
	// still in the future; the executor was not called.
	ReasonActiveRetryWindow = "active_retry_window"
	// ReasonOverBudget: projected usage would exceed the token budget.
	ReasonOverBudget = "over_budget"
	// ReasonRequestRate: the per-key request-rate allowance is spent.
	ReasonRequestRate = "request_rate_exhausted"
	// ReasonMaxAttempts: retries were exhausted before a success.
	ReasonMaxAttempts = "max_attempts"
	// ReasonPermanent: the upstream rejected the request as invalid.
	ReasonPermanent = "permanent"
	// ReasonDeadline: the caller's context expired during a wait.
	ReasonDeadline = "deadline"
	// ReasonNoPermit: the concurrency ceiling was saturated.
	ReasonNoPermit = "no_permit"
)

// Status is the structured error of the admission layer. Executors may
// also return *Status values (via HTTPErrorf) to carry the upstream
// HTTP status and raw error body into classification.
type Status struct {
	code       Code
	err        error
	httpCode   int
	retryUntil time.Time
	reason     string
	body       []byte
}

var _ error = (*Status)(nil)

// ErrNoPermit is returned in non-blocking mode when the concurrency
// ceiling for a key is saturated.
var ErrNoPermit = &Status{
	code:   CodeNoPermit,
	reason: ReasonNoPermit,
	err:    errors.New("no permit available"),
}

// HTTPErrorf builds an upstream error carrying an HTTP status code, for
// executors wrapping plain HTTP transports.
func HTTPErrorf(httpCode int, format string, args ...interface{}) *Status {
	return &Status{
		code:     CodeUpstream,
		httpCode: httpCode,
		err:      fmt.Errorf(format, args...),
	}
}

// WithBody attaches the raw provider error body, making throttling
// metadata (retry delay, quota attribution) available to the admission
// layer. Returns a copy.
func (s *Status) WithBody(body []byte) *Status {
	ns := *s
	ns.body = body
	return &ns
}

// RateLimitedErrorf builds a rate-limited error. A zero until means no
// known deadline.
func RateLimitedErrorf(until time.Time, reason string, format string, args ...interface{}) *Status {
	return &Status{
		code:       CodeRateLimited,
		retryUntil: until,
		reason:     reason,
		err:        fmt.Errorf(format, args...),
	}
}

// OverBudgetErrorf builds a locally detected budget-exhaustion error.
func OverBudgetErrorf(until time.Time, format string, args ...interface{}) *Status {
	return &Status{
		code:       CodeOverBudget,
		retryUntil: until,
		reason:     ReasonOverBudget,
		err:        fmt.Errorf(format, args...),
	}
}

// Error renders "code:... reason:... <cause>".
func (s *Status) Error() string {
	if s.reason != "" {
		return fmt.Sprintf("code:%s reason:%s %v", s.code, s.reason, s.err)
	}
	if s.httpCode != 0 {
		return fmt.Sprintf("code:%s http:%d %v", s.code, s.httpCode, s.err)
	}
	return fmt.Sprintf("code:%s %v", s.code, s.err)
}

// Unwrap supports errors.Is and errors.As on the cause.
func (s *Status) Unwrap() error { return s.err }

// Code returns the status code.
func (s *Status) Code() Code { return s.code }

// Reason returns the machine-readable reason, empty when none applies.
func (s *Status) Reason() string { return s.reason }

// HTTPCode returns the upstream HTTP status, zero when unknown.
func (s *Status) HTTPCode() int { return s.httpCode }

// RetryUntil returns the deadline after which a retry may succeed. The
// zero time means no known deadline.
func (s *Status) RetryUntil() time.Time { return s.retryUntil }

// Body returns the raw provider error body, nil when absent.
func (s *Status) Body() []byte { return s.body }

// FromError extracts the *Status from err, unwrapping as needed.
// Returns nil when err carries no Status.
func FromError(err error) *Status {
	var st *Status
	if errors.As(err, &st) {
		return st
	}
	return nil
}

// IsRateLimited reports whether err is a throttling error, local or
// provider-signaled.
func IsRateLimited(err error) bool {
	st := FromError(err)
	return st != nil && st.code == CodeRateLimited
}

// IsOverBudget reports whether err is a local budget exhaustion.
func IsOverBudget(err error) bool {
	st := FromError(err)
	return st != nil && st.code == CodeOverBudget
}

// IsNoPermit reports whether err is a concurrency saturation error.
func IsNoPermit(err error) bool {
	st := FromError(err)
	return st != nil && st.code == CodeNoPermit
}

// RetryUntil returns the retry deadline hint carried by err, if any.
func RetryUntil(err error) (time.Time, bool) {
	st := FromError(err)
	if st == nil || st.retryUntil.IsZero() {
		return time.Time{}, false
	}
	return st.retryUntil, true
}

// Classify maps one executor result onto the retry taxonomy.
//
// nil is success. An error carrying HTTP 429 is rate-limited. 500, 502,
// 503, and 504 are transient, as are timeouts and other network-shaped
// failures. Any other 4xx is permanent. Errors that carry no usable
// signal classify as transient: an unrecognized failure is assumed
// retryable rather than silently dropped.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	if st := FromError(err); st != nil && st.httpCode != 0 {
		return classifyHTTP(st.httpCode)
	}

	return OutcomeTransient
}

func classifyHTTP(code int) Outcome {
	switch {
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code >= 400 && code < 500:
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}

// errorBody pulls the raw provider body off an error for quota
// extraction, when present.
func errorBody(err error) []byte {
	if st := FromError(err); st != nil {
		return st.body
	}
	return nil
}
