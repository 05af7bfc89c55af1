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
	"time"

	"github.com/uber-go/mapdecode"
	"go.uber.org/multierr"
)

// Profile names a set of literal configuration defaults matching a
// provider pricing tier. The tag is informational once the Config is
// built; all behavior flows from the resolved fields.
type Profile string

// Known profiles. An unknown profile resolves to ProfileProd's
// defaults.
const (
	ProfileProd     Profile = "prod"
	ProfileDev      Profile = "dev"
	ProfileFreeTier Profile = "free_tier"
	ProfilePaid1    Profile = "paid_tier_1"
	ProfilePaid2    Profile = "paid_tier_2"
)

// Defaults shared by every profile unless overridden.
const (
	// DefaultWindow is the usage-window length budgets are summed over.
	DefaultWindow = time.Minute

	// DefaultJitterFactor is the ±fraction applied to computed backoff
	// delays.
	DefaultJitterFactor = 0.25
)

// Config is the resolved admission configuration for a Manager or a
// single call. Build one with NewConfig or DecodeConfig; the zero value
// is not meaningful.
type Config struct {
	// MaxConcurrency bounds in-flight calls per key. Zero disables
	// concurrency limiting entirely.
	MaxConcurrency int `config:"maxConcurrency"`

	// MaxAttempts is the total number of executor attempts, first call
	// included. Must be at least 1.
	MaxAttempts int `config:"maxAttempts"`

	// BaseBackoff is the delay after the first failed attempt; later
	// attempts double it.
	BaseBackoff time.Duration `config:"baseBackoff"`

	// JitterFactor perturbs each computed delay by up to ±this fraction
	// of itself. Must be within [0, 1].
	JitterFactor float64 `config:"jitterFactor"`

	// NonBlocking makes saturation and throttling surface immediately
	// as errors instead of waiting for capacity.
	NonBlocking bool `config:"nonBlocking"`

	// Disabled bypasses admission control entirely: the executor is
	// called directly and nothing is recorded.
	Disabled bool `config:"disabled"`

	// TokenBudget caps tokens consumed per window and key. Zero means
	// unbounded.
	TokenBudget int64 `config:"tokenBudget"`

	// Window is the length of the rolling usage window.
	Window time.Duration `config:"window"`

	// AdaptiveConcurrency lets the concurrency ceiling shrink on
	// provider throttling and regrow on sustained success.
	AdaptiveConcurrency bool `config:"adaptive"`

	// AdaptiveCeiling caps adaptive regrowth. Zero defaults to
	// MaxConcurrency.
	AdaptiveCeiling int `config:"adaptiveCeiling"`

	// RequestsPerMinute smooths request admission per key on top of the
	// token budget. Zero disables request-rate smoothing.
	RequestsPerMinute int `config:"requestsPerMinute"`

	// Profile records which profile the defaults came from.
	Profile Profile `config:"profile"`
}

// ConfigOption overrides a single field of a profile's defaults.
// Overrides win over profile literals.
type ConfigOption func(*Config)

// MaxConcurrency overrides the per-key concurrency ceiling.
func MaxConcurrency(n int) ConfigOption {
	return func(c *Config) { c.MaxConcurrency = n }
}

// MaxAttempts overrides the total attempt count.
func MaxAttempts(n int) ConfigOption {
	return func(c *Config) { c.MaxAttempts = n }
}

// BaseBackoff overrides the first retry delay.
func BaseBackoff(d time.Duration) ConfigOption {
	return func(c *Config) { c.BaseBackoff = d }
}

// JitterFactor overrides the backoff jitter fraction.
func JitterFactor(f float64) ConfigOption {
	return func(c *Config) { c.JitterFactor = f }
}

// NonBlocking makes every wait surface immediately as an error.
func NonBlocking() ConfigOption {
	return func(c *Config) { c.NonBlocking = true }
}

// Disabled bypasses admission control entirely.
func Disabled() ConfigOption {
	return func(c *Config) { c.Disabled = true }
}

// TokenBudget overrides the per-window token budget. Zero is unbounded.
func TokenBudget(n int64) ConfigOption {
	return func(c *Config) { c.TokenBudget = n }
}

// Window overrides the usage-window length.
func Window(d time.Duration) ConfigOption {
	return func(c *Config) { c.Window = d }
}

// AdaptiveConcurrency toggles the AIMD concurrency ceiling.
func AdaptiveConcurrency(enabled bool) ConfigOption {
	return func(c *Config) { c.AdaptiveConcurrency = enabled }
}

// AdaptiveCeiling overrides the cap on adaptive regrowth.
func AdaptiveCeiling(n int) ConfigOption {
	return func(c *Config) { c.AdaptiveCeiling = n }
}

// RequestsPerMinute enables request-rate smoothing per key.
func RequestsPerMinute(n int) ConfigOption {
	return func(c *Config) { c.RequestsPerMinute = n }
}

// NewConfig resolves a profile's literal defaults and applies
// overrides, override winning. Unknown profiles resolve to prod.
func NewConfig(profile Profile, opts ...ConfigOption) Config {
	cfg := profileDefaults(profile)
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AdaptiveConcurrency && cfg.AdaptiveCeiling == 0 {
		cfg.AdaptiveCeiling = cfg.MaxConcurrency
	}
	return cfg
}

func profileDefaults(profile Profile) Config {
	// prod is both a profile and the fallback for unknown names.
	cfg := Config{
		MaxConcurrency: 4,
		MaxAttempts:    3,
		BaseBackoff:    time.Second,
		JitterFactor:   DefaultJitterFactor,
		TokenBudget:    500000,
		Window:         DefaultWindow,
		Profile:        ProfileProd,
	}

	switch profile {
	case ProfileDev:
		cfg.MaxConcurrency = 2
		cfg.MaxAttempts = 5
		cfg.BaseBackoff = 2 * time.Second
		cfg.TokenBudget = 0
		cfg.AdaptiveConcurrency = true
		cfg.AdaptiveCeiling = 4
		cfg.Profile = ProfileDev
	case ProfileFreeTier:
		cfg.MaxConcurrency = 2
		cfg.TokenBudget = 32000
		cfg.AdaptiveConcurrency = true
		cfg.Profile = ProfileFreeTier
	case ProfilePaid1:
		cfg.MaxConcurrency = 10
		cfg.TokenBudget = 1000000
		cfg.AdaptiveConcurrency = true
		cfg.Profile = ProfilePaid1
	case ProfilePaid2:
		cfg.MaxConcurrency = 20
		cfg.TokenBudget = 2000000
		cfg.AdaptiveConcurrency = true
		cfg.Profile = ProfilePaid2
	}
	return cfg
}

// configOverrides is the shape DecodeConfig reads from an untyped
// source. Pointer fields distinguish "absent" from explicit zeroes.
type configOverrides struct {
	Profile           string         `config:"profile"`
	MaxConcurrency    *int           `config:"maxConcurrency"`
	MaxAttempts       *int           `config:"maxAttempts"`
	BaseBackoff       *time.Duration `config:"baseBackoff"`
	JitterFactor      *float64       `config:"jitterFactor"`
	NonBlocking       *bool          `config:"nonBlocking"`
	Disabled          *bool          `config:"disabled"`
	TokenBudget       *int64         `config:"tokenBudget"`
	Window            *time.Duration `config:"window"`
	Adaptive          *bool          `config:"adaptive"`
	AdaptiveCeiling   *int           `config:"adaptiveCeiling"`
	RequestsPerMinute *int           `config:"requestsPerMinute"`
}

// DecodeConfig builds a Config from an untyped source, typically a map
// unmarshalled from YAML: the named profile supplies defaults, and any
// present field overrides it.
func DecodeConfig(src interface{}) (Config, error) {
	var over configOverrides
	if err := mapdecode.Decode(&over, src, mapdecode.TagName("config")); err != nil {
		return Config{}, fmt.Errorf("failed to decode admission config: %v", err)
	}

	var opts []ConfigOption
	if over.MaxConcurrency != nil {
		opts = append(opts, MaxConcurrency(*over.MaxConcurrency))
	}
	if over.MaxAttempts != nil {
		opts = append(opts, MaxAttempts(*over.MaxAttempts))
	}
	if over.BaseBackoff != nil {
		opts = append(opts, BaseBackoff(*over.BaseBackoff))
	}
	if over.JitterFactor != nil {
		opts = append(opts, JitterFactor(*over.JitterFactor))
	}
	if over.NonBlocking != nil && *over.NonBlocking {
		opts = append(opts, NonBlocking())
	}
	if over.Disabled != nil && *over.Disabled {
		opts = append(opts, Disabled())
	}
	if over.TokenBudget != nil {
		opts = append(opts, TokenBudget(*over.TokenBudget))
	}
	if over.Window != nil {
		opts = append(opts, Window(*over.Window))
	}
	if over.Adaptive != nil {
		opts = append(opts, AdaptiveConcurrency(*over.Adaptive))
	}
	if over.AdaptiveCeiling != nil {
		opts = append(opts, AdaptiveCeiling(*over.AdaptiveCeiling))
	}
	if over.RequestsPerMinute != nil {
		opts = append(opts, RequestsPerMinute(*over.RequestsPerMinute))
	}

	cfg := NewConfig(Profile(over.Profile), opts...)
	return cfg, cfg.Validate()
}

// Validate reports every invalid field at once.
func (c Config) Validate() (err error) {
	if c.MaxAttempts < 1 {
		err = multierr.Append(err, errors.New("invalid max attempts, need at least one attempt"))
	}
	if c.BaseBackoff <= 0 {
		err = multierr.Append(err, errors.New("invalid base backoff, need greater than zero"))
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		err = multierr.Append(err, errors.New("invalid jitter factor, need within [0, 1]"))
	}
	if c.MaxConcurrency < 0 {
		err = multierr.Append(err, errors.New("invalid max concurrency, need zero (disabled) or greater"))
	}
	if c.TokenBudget < 0 {
		err = multierr.Append(err, errors.New("invalid token budget, need zero (unbounded) or greater"))
	}
	if c.Window <= 0 {
		err = multierr.Append(err, errors.New("invalid window, need greater than zero"))
	}
	if c.AdaptiveConcurrency && c.AdaptiveCeiling < 1 {
		err = multierr.Append(err, errors.New("invalid adaptive ceiling, need at least one permit"))
	}
	if c.RequestsPerMinute < 0 {
		err = multierr.Append(err, errors.New("invalid requests per minute, need zero (disabled) or greater"))
	}
	return err
}

// ConcurrencyEnabled reports whether this config bounds in-flight
// calls.
func (c Config) ConcurrencyEnabled() bool {
	return c.MaxConcurrency > 0
}

// Enabled reports whether admission control runs at all.
func (c Config) Enabled() bool {
	return !c.Disabled
}

// effectiveCeiling is the cap adaptive regrowth honors.
func (c Config) effectiveCeiling() int {
	if c.AdaptiveCeiling > 0 {
		return c.AdaptiveCeiling
	}
	return c.MaxConcurrency
}
