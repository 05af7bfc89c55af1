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
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apibackoff "go.uber.org/admit/api/backoff"
	"go.uber.org/admit/internal/backoff"
	"go.uber.org/admit/internal/clock"
	"go.uber.org/admit/internal/gate"
	"go.uber.org/admit/internal/quota"
	"go.uber.org/admit/internal/state"
)

// Executor performs one attempt of the caller's upstream call. The
// admission layer never inspects it beyond invoking it once per
// attempt; transport, authentication, and encoding are entirely the
// executor's business.
type Executor func(ctx context.Context) (*Response, error)

// Response is the executor's successful result. The admission layer
// only reads Usage; Body passes through untouched.
type Response struct {
	// Body is the caller's decoded response payload.
	Body interface{}

	// Usage is the token consumption the provider reported for this
	// call, when available.
	Usage *Usage
}

// Usage is the token consumption of one call or one accumulated
// window.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Permit-poll pacing for blocking acquisition. The gate itself never
// sleeps; the Manager re-polls on this schedule.
const (
	_permitPollBase = time.Millisecond
	_permitPollMax  = 100 * time.Millisecond
)

// Manager is the admission-control entry point. One shared Manager per
// process coordinates every caller: the per-key permit gate, retry
// deadlines, and usage windows all live behind it.
//
// All methods are safe for concurrent use.
type Manager struct {
	config   Config
	store    *state.Store
	gate     *gate.Gate
	clock    clock.Clock
	observer *observer

	// strategy is cached for the Manager's own config; per-call
	// overrides rebuild one on the fly.
	strategy apibackoff.Strategy
	poll     apibackoff.Strategy

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New builds a Manager from a resolved Config.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := defaultManagerOptions
	for _, opt := range opts {
		opt.apply(&options)
	}

	strategy, err := newStrategy(cfg)
	if err != nil {
		return nil, err
	}
	poll, err := backoff.NewExponential(
		backoff.Base(_permitPollBase),
		backoff.Max(_permitPollMax),
	)
	if err != nil {
		return nil, err
	}

	return &Manager{
		config:   cfg,
		store:    state.NewStore(options.clock),
		gate:     gate.New(),
		clock:    options.clock,
		observer: newObserver(options.logger, options.scope),
		strategy: strategy,
		poll:     poll,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

func newStrategy(cfg Config) (apibackoff.Strategy, error) {
	return backoff.NewExponential(
		backoff.Base(cfg.BaseBackoff),
		backoff.Jitter(cfg.JitterFactor),
	)
}

// Execute runs the executor under admission control: budget pre-check,
// permit acquisition, outcome classification, and bounded retries with
// jittered backoff. Rate-limited and transient failures retry up to
// MaxAttempts; permanent failures and local admission errors surface
// immediately.
//
// The context's deadline is honored at every wait: retry-window waits,
// budget waits, permit polls, and retry backoffs all abort when ctx
// expires.
func (m *Manager) Execute(ctx context.Context, key Key, exec Executor, opts ...CallOption) (*Response, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	cfg, callOpts, err := m.resolve(opts)
	if err != nil {
		return nil, err
	}

	// Full bypass: the executor runs untouched and unrecorded.
	if !cfg.Enabled() {
		return exec(ctx)
	}

	strategy := m.strategy
	if len(callOpts.configOpts) > 0 {
		if strategy, err = newStrategy(cfg); err != nil {
			return nil, err
		}
	}

	c := m.observer.begin(key.Model)
	c.start()
	start := m.clock.Now()

	resp, err := m.run(ctx, key.String(), cfg, exec, callOpts.estimatedTokens, strategy.Backoff(), c)
	if err == nil {
		c.stop(m.clock.Now().Sub(start))
	}
	return resp, err
}

// ExecuteWithUsage behaves like Execute, but keeps usage accounting
// alive even when admission control is bypassed, so budget dashboards
// stay accurate while the limiter is disabled. In normal operation
// Execute already records usage from the response.
func (m *Manager) ExecuteWithUsage(ctx context.Context, key Key, exec Executor, opts ...CallOption) (*Response, error) {
	cfg, _, err := m.resolve(opts)
	if err != nil {
		return nil, err
	}

	resp, err := m.Execute(ctx, key, exec, opts...)
	if err == nil && !cfg.Enabled() && resp != nil && resp.Usage != nil {
		m.store.RecordUsage(key.String(), resp.Usage.InputTokens, resp.Usage.OutputTokens, cfg.Window)
	}
	return resp, err
}

// run is the per-call state machine: admission, permit, execution,
// classification, and the retry loop.
func (m *Manager) run(
	ctx context.Context,
	ks string,
	cfg Config,
	exec Executor,
	estimate int64,
	boff apibackoff.Backoff,
	c *call,
) (*Response, error) {
	poll := m.poll.Backoff()
	attempt := 1
	skipAdmission := false

	for {
		c.attempt = attempt

		// Transient retries come back with the permit/budget situation
		// unchanged; everything else re-runs the admission checks.
		if !skipAdmission {
			if err := m.admitOne(ctx, ks, cfg, estimate, c); err != nil {
				return nil, err
			}
		}
		skipAdmission = false

		release, err := m.acquirePermit(ctx, ks, cfg, poll, c)
		if err != nil {
			return nil, err
		}

		resp, err := m.invoke(ctx, exec, release)

		switch Classify(err) {
		case OutcomeSuccess:
			m.store.ClearRetryState(ks)
			if resp != nil && resp.Usage != nil {
				m.store.RecordUsage(ks, resp.Usage.InputTokens, resp.Usage.OutputTokens, cfg.Window)
			}
			if cfg.AdaptiveConcurrency {
				m.gate.SignalSuccess(ks, cfg.MaxConcurrency, cfg.effectiveCeiling())
			}
			return resp, nil

		case OutcomePermanent:
			c.error(ReasonPermanent)
			return resp, err

		case OutcomeRateLimited:
			m.store.SetRetryState(ks, quota.Extract(errorBody(err)))
			if cfg.AdaptiveConcurrency {
				m.gate.Signal429(ks, cfg.MaxConcurrency)
			}

			rs, _ := m.store.RetryState(ks)
			if attempt >= cfg.MaxAttempts {
				c.rateLimitError(ReasonMaxAttempts)
				return nil, RateLimitedErrorf(rs.Until, ReasonMaxAttempts,
					"throttled after %d attempts: %v", attempt, err)
			}
			c.wait(rs.Until)
			if werr := m.sleepUntil(ctx, rs.Until); werr != nil {
				c.error(ReasonDeadline)
				return nil, werr
			}
			attempt++

		case OutcomeTransient:
			if attempt >= cfg.MaxAttempts {
				c.error(ReasonMaxAttempts)
				return nil, exhaustedError(err, attempt)
			}
			if werr := m.sleep(ctx, boff.Duration(uint(attempt))); werr != nil {
				c.error(ReasonDeadline)
				return nil, werr
			}
			attempt++
			skipAdmission = true
		}
	}
}

// admitOne runs the pre-execution checks: the provider-imposed retry
// window, the token budget, and request-rate smoothing. In blocking
// mode each wait is followed by a full recheck and then a genuine
// re-attempt of the executor; a wait is never followed by a synthetic
// error.
func (m *Manager) admitOne(ctx context.Context, ks string, cfg Config, estimate int64, c *call) error {
	for {
		if rs, ok := m.store.RetryState(ks); ok {
			if cfg.NonBlocking {
				c.rateLimitError(ReasonActiveRetryWindow)
				return RateLimitedErrorf(rs.Until, ReasonActiveRetryWindow,
					"retry window active for %q", ks)
			}
			c.wait(rs.Until)
			if err := m.sleepUntil(ctx, rs.Until); err != nil {
				c.error(ReasonDeadline)
				return err
			}
			continue
		}

		if cfg.TokenBudget > 0 && m.store.WouldExceedBudget(ks, estimate, cfg.TokenBudget) {
			end, ok := m.store.WindowEnd(ks)
			// Without a live window the estimate alone exceeds the
			// budget; no amount of waiting clears that.
			if cfg.NonBlocking || !ok {
				c.rateLimitError(ReasonOverBudget)
				return OverBudgetErrorf(end,
					"projected usage exceeds budget of %d tokens for %q", cfg.TokenBudget, ks)
			}
			c.wait(end)
			if err := m.sleepUntil(ctx, end); err != nil {
				c.error(ReasonDeadline)
				return err
			}
			continue
		}

		break
	}

	if cfg.RequestsPerMinute > 0 {
		lim := m.limiter(ks, cfg.RequestsPerMinute)
		if cfg.NonBlocking {
			if !lim.Allow() {
				c.rateLimitError(ReasonRequestRate)
				return RateLimitedErrorf(time.Time{}, ReasonRequestRate,
					"request rate of %d/min exhausted for %q", cfg.RequestsPerMinute, ks)
			}
			return nil
		}
		if err := lim.Wait(ctx); err != nil {
			c.error(ReasonDeadline)
			return err
		}
	}
	return nil
}

// acquirePermit takes a concurrency permit, re-polling with jittered
// backoff in blocking mode. The returned release function must run
// exactly once; invoke defers it so a panicking executor cannot leak
// the permit.
func (m *Manager) acquirePermit(
	ctx context.Context,
	ks string,
	cfg Config,
	poll apibackoff.Backoff,
	c *call,
) (func(), error) {
	if !cfg.ConcurrencyEnabled() {
		return func() {}, nil
	}

	for spin := uint(1); ; spin++ {
		if m.gate.Acquire(ks, cfg.MaxConcurrency, cfg.AdaptiveConcurrency) {
			return func() { m.gate.Release(ks) }, nil
		}
		if cfg.NonBlocking {
			c.error(ReasonNoPermit)
			return nil, ErrNoPermit
		}
		if err := m.sleep(ctx, poll.Duration(spin)); err != nil {
			c.error(ReasonDeadline)
			return nil, err
		}
	}
}

func (m *Manager) invoke(ctx context.Context, exec Executor, release func()) (*Response, error) {
	defer release()
	return exec(ctx)
}

// StatusState is the answer of a read-only admission check.
type StatusState int

const (
	// StateOK: a call would currently be admitted.
	StateOK StatusState = iota
	// StateRateLimited: a provider-imposed retry window is active.
	StateRateLimited
	// StateOverBudget: the usage window has consumed the token budget.
	StateOverBudget
)

// StatusReport describes the current admission state of a key without
// executing anything.
type StatusReport struct {
	State StatusState

	// RetryUntil is when the blocking condition clears, when known.
	RetryUntil time.Time

	// Reason is the machine-readable cause for a non-OK state.
	Reason string

	// Meta carries provider quota attribution, when recorded.
	Meta map[string]string
}

// CheckStatus inspects a key's rate-limit state without executing
// anything.
func (m *Manager) CheckStatus(key Key, opts ...CallOption) StatusReport {
	cfg, callOpts, err := m.resolve(opts)
	if err != nil || !cfg.Enabled() {
		return StatusReport{State: StateOK}
	}
	ks := key.String()

	if rs, ok := m.store.RetryState(ks); ok {
		return StatusReport{
			State:      StateRateLimited,
			RetryUntil: rs.Until,
			Reason:     ReasonActiveRetryWindow,
			Meta:       quotaMeta(rs.Info),
		}
	}

	if cfg.TokenBudget > 0 && m.store.WouldExceedBudget(ks, callOpts.estimatedTokens, cfg.TokenBudget) {
		report := StatusReport{State: StateOverBudget, Reason: ReasonOverBudget}
		if end, ok := m.store.WindowEnd(ks); ok {
			report.RetryUntil = end
		}
		return report
	}

	return StatusReport{State: StateOK}
}

// AvailablePermits reports how many concurrency permits remain for
// key. Returns -1 when concurrency limiting is disabled, meaning
// unbounded.
func (m *Manager) AvailablePermits(key Key, opts ...CallOption) int {
	cfg, _, err := m.resolve(opts)
	if err != nil || !cfg.Enabled() || !cfg.ConcurrencyEnabled() {
		return -1
	}
	return m.gate.Available(key.String(), cfg.MaxConcurrency, cfg.AdaptiveConcurrency)
}

// RecordUsage adds token consumption to key's current window outside
// of Execute, e.g. for calls that went around the admission layer.
func (m *Manager) RecordUsage(key Key, inputTokens, outputTokens int64) {
	m.store.RecordUsage(key.String(), inputTokens, outputTokens, m.config.Window)
}

// CurrentUsage returns the live window's accumulated usage for key,
// or false when no window is live.
func (m *Manager) CurrentUsage(key Key) (Usage, bool) {
	u, ok := m.store.CurrentUsage(key.String())
	if !ok {
		return Usage{}, false
	}
	return Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}, true
}

// ResetAll clears every key from the store, the gate, and the
// request-rate limiters. Intended for test isolation, not production;
// calling it twice is a no-op the second time.
func (m *Manager) ResetAll() {
	m.store.ResetAll()
	m.gate.ResetAll()
	m.limiterMu.Lock()
	m.limiters = make(map[string]*rate.Limiter)
	m.limiterMu.Unlock()
}

// resolve merges the Manager's config with per-call overrides and
// validates the result.
func (m *Manager) resolve(opts []CallOption) (Config, callOptions, error) {
	var callOpts callOptions
	for _, opt := range opts {
		opt.apply(&callOpts)
	}

	cfg := m.config
	if len(callOpts.configOpts) > 0 {
		for _, opt := range callOpts.configOpts {
			opt(&cfg)
		}
		if cfg.AdaptiveConcurrency && cfg.AdaptiveCeiling == 0 {
			cfg.AdaptiveCeiling = cfg.MaxConcurrency
		}
		if err := cfg.Validate(); err != nil {
			return Config{}, callOptions{}, err
		}
	}
	return cfg, callOpts, nil
}

// limiter returns key's request-rate limiter, creating it on first
// touch. The burst mirrors the throttle middleware default: small
// slack for a burst out of idle, never less than one.
func (m *Manager) limiter(ks string, rpm int) *rate.Limiter {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()

	if lim, ok := m.limiters[ks]; ok {
		return lim
	}
	burst := 10
	if rpm < burst {
		burst = rpm
	}
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)
	m.limiters[ks] = lim
	return lim
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := m.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sleepUntil(ctx context.Context, t time.Time) error {
	return m.sleep(ctx, t.Sub(m.clock.Now()))
}

// exhaustedError wraps a transient failure that outlived its retries,
// preserving the upstream HTTP status for the caller's own handling.
func exhaustedError(err error, attempts int) *Status {
	httpCode := 0
	if st := FromError(err); st != nil {
		httpCode = st.httpCode
	}
	return &Status{
		code:     CodeUpstream,
		reason:   ReasonMaxAttempts,
		httpCode: httpCode,
		err:      fmt.Errorf("gave up after %d attempts: %w", attempts, err),
	}
}

func quotaMeta(info quota.Info) map[string]string {
	var meta map[string]string
	set := func(k, v string) {
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[k] = v
	}
	if info.QuotaMetric != "" {
		set("quotaMetric", info.QuotaMetric)
	}
	if info.QuotaID != "" {
		set("quotaId", info.QuotaID)
	}
	if info.QuotaValue != 0 {
		set("quotaValue", strconv.FormatInt(info.QuotaValue, 10))
	}
	for k, v := range info.QuotaDimensions {
		set("dimension."+k, v)
	}
	return meta
}
