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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileDefaults(t *testing.T) {
	tests := []struct {
		msg  string
		give Profile
		want Config
	}{
		{
			msg:  "prod",
			give: ProfileProd,
			want: Config{
				MaxConcurrency: 4,
				MaxAttempts:    3,
				BaseBackoff:    time.Second,
				JitterFactor:   0.25,
				TokenBudget:    500000,
				Window:         time.Minute,
				Profile:        ProfileProd,
			},
		},
		{
			msg:  "dev",
			give: ProfileDev,
			want: Config{
				MaxConcurrency:      2,
				MaxAttempts:         5,
				BaseBackoff:         2 * time.Second,
				JitterFactor:        0.25,
				TokenBudget:         0,
				Window:              time.Minute,
				AdaptiveConcurrency: true,
				AdaptiveCeiling:     4,
				Profile:             ProfileDev,
			},
		},
		{
			msg:  "free tier",
			give: ProfileFreeTier,
			want: Config{
				MaxConcurrency:      2,
				MaxAttempts:         3,
				BaseBackoff:         time.Second,
				JitterFactor:        0.25,
				TokenBudget:         32000,
				Window:              time.Minute,
				AdaptiveConcurrency: true,
				AdaptiveCeiling:     2,
				Profile:             ProfileFreeTier,
			},
		},
		{
			msg:  "paid tier 1",
			give: ProfilePaid1,
			want: Config{
				MaxConcurrency:      10,
				MaxAttempts:         3,
				BaseBackoff:         time.Second,
				JitterFactor:        0.25,
				TokenBudget:         1000000,
				Window:              time.Minute,
				AdaptiveConcurrency: true,
				AdaptiveCeiling:     10,
				Profile:             ProfilePaid1,
			},
		},
		{
			msg:  "paid tier 2",
			give: ProfilePaid2,
			want: Config{
				MaxConcurrency:      20,
				MaxAttempts:         3,
				BaseBackoff:         time.Second,
				JitterFactor:        0.25,
				TokenBudget:         2000000,
				Window:              time.Minute,
				AdaptiveConcurrency: true,
				AdaptiveCeiling:     20,
				Profile:             ProfilePaid2,
			},
		},
		{
			msg:  "unknown profile falls back to prod",
			give: Profile("mystery"),
			want: Config{
				MaxConcurrency: 4,
				MaxAttempts:    3,
				BaseBackoff:    time.Second,
				JitterFactor:   0.25,
				TokenBudget:    500000,
				Window:         time.Minute,
				Profile:        ProfileProd,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			cfg := NewConfig(tt.give)
			assert.Equal(t, tt.want, cfg)
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestNewConfigOverridesWin(t *testing.T) {
	cfg := NewConfig(ProfileProd,
		MaxConcurrency(8),
		MaxAttempts(6),
		BaseBackoff(250*time.Millisecond),
		JitterFactor(0),
		NonBlocking(),
		TokenBudget(0),
		Window(30*time.Second),
		RequestsPerMinute(120),
	)

	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, 6, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.BaseBackoff)
	assert.Zero(t, cfg.JitterFactor)
	assert.True(t, cfg.NonBlocking)
	assert.Zero(t, cfg.TokenBudget)
	assert.Equal(t, 30*time.Second, cfg.Window)
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, ProfileProd, cfg.Profile)
	assert.NoError(t, cfg.Validate())
}

func TestNewConfigAdaptiveCeilingDefaultsToMaxConcurrency(t *testing.T) {
	cfg := NewConfig(ProfileProd, AdaptiveConcurrency(true))
	assert.Equal(t, 4, cfg.AdaptiveCeiling)

	cfg = NewConfig(ProfileProd, AdaptiveConcurrency(true), AdaptiveCeiling(16))
	assert.Equal(t, 16, cfg.AdaptiveCeiling)
}

func TestDecodeConfig(t *testing.T) {
	tests := []struct {
		msg  string
		give interface{}
		want Config
	}{
		{
			msg:  "profile only",
			give: map[string]interface{}{"profile": "free_tier"},
			want: NewConfig(ProfileFreeTier),
		},
		{
			msg: "overrides on top of a profile",
			give: map[string]interface{}{
				"profile":     "prod",
				"maxAttempts": 5,
				"baseBackoff": "250ms",
				"nonBlocking": true,
			},
			want: NewConfig(ProfileProd,
				MaxAttempts(5),
				BaseBackoff(250*time.Millisecond),
				NonBlocking(),
			),
		},
		{
			msg: "explicit zero budget overrides the profile literal",
			give: map[string]interface{}{
				"profile":     "prod",
				"tokenBudget": 0,
			},
			want: NewConfig(ProfileProd, TokenBudget(0)),
		},
		{
			msg: "adaptive with its own ceiling",
			give: map[string]interface{}{
				"profile":         "prod",
				"adaptive":        true,
				"adaptiveCeiling": 8,
			},
			want: NewConfig(ProfileProd, AdaptiveConcurrency(true), AdaptiveCeiling(8)),
		},
		{
			msg:  "empty source resolves to prod",
			give: map[string]interface{}{},
			want: NewConfig(ProfileProd),
		},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			cfg, err := DecodeConfig(tt.give)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg)
		})
	}
}

func TestDecodeConfigErrors(t *testing.T) {
	t.Run("undecodable source", func(t *testing.T) {
		_, err := DecodeConfig(map[string]interface{}{
			"baseBackoff": []string{"not", "a", "duration"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode admission config")
	})

	t.Run("decoded config fails validation", func(t *testing.T) {
		_, err := DecodeConfig(map[string]interface{}{
			"profile":     "prod",
			"maxAttempts": 0,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid max attempts")
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		msg     string
		give    Config
		wantErr string
	}{
		{
			msg:     "max attempts below one",
			give:    NewConfig(ProfileProd, MaxAttempts(0)),
			wantErr: "invalid max attempts, need at least one attempt",
		},
		{
			msg:     "base backoff not positive",
			give:    NewConfig(ProfileProd, BaseBackoff(0)),
			wantErr: "invalid base backoff, need greater than zero",
		},
		{
			msg:     "jitter factor above one",
			give:    NewConfig(ProfileProd, JitterFactor(1.5)),
			wantErr: "invalid jitter factor, need within [0, 1]",
		},
		{
			msg:     "negative max concurrency",
			give:    NewConfig(ProfileProd, MaxConcurrency(-1)),
			wantErr: "invalid max concurrency, need zero (disabled) or greater",
		},
		{
			msg:     "negative token budget",
			give:    NewConfig(ProfileProd, TokenBudget(-1)),
			wantErr: "invalid token budget, need zero (unbounded) or greater",
		},
		{
			msg:     "zero window",
			give:    NewConfig(ProfileProd, Window(0)),
			wantErr: "invalid window, need greater than zero",
		},
		{
			msg:     "adaptive without a usable ceiling",
			give:    Config{MaxAttempts: 1, BaseBackoff: time.Second, Window: time.Minute, AdaptiveConcurrency: true},
			wantErr: "invalid adaptive ceiling, need at least one permit",
		},
		{
			msg:     "negative requests per minute",
			give:    NewConfig(ProfileProd, RequestsPerMinute(-1)),
			wantErr: "invalid requests per minute, need zero (disabled) or greater",
		},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := tt.give.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidateCollectsAllErrors(t *testing.T) {
	err := NewConfig(ProfileProd, MaxAttempts(0), BaseBackoff(0), Window(0)).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid max attempts")
	assert.Contains(t, err.Error(), "invalid base backoff")
	assert.Contains(t, err.Error(), "invalid window")
}

func TestConfigPredicates(t *testing.T) {
	assert.True(t, NewConfig(ProfileProd).ConcurrencyEnabled())
	assert.False(t, NewConfig(ProfileProd, MaxConcurrency(0)).ConcurrencyEnabled())

	assert.True(t, NewConfig(ProfileProd).Enabled())
	assert.False(t, NewConfig(ProfileProd, Disabled()).Enabled())
}
