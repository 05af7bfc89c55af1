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

package backoff

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialValidation(t *testing.T) {
	tests := []struct {
		msg        string
		giveBase   time.Duration
		giveMax    time.Duration
		giveJitter float64
		wantErrors []string
	}{
		{
			msg:        "invalid base",
			giveBase:   0,
			giveMax:    time.Hour,
			giveJitter: 0.25,
			wantErrors: []string{
				"invalid base for exponential backoff, need greater than zero",
			},
		},
		{
			msg:        "invalid max",
			giveBase:   time.Second,
			giveMax:    -time.Second,
			giveJitter: 0.25,
			wantErrors: []string{
				"invalid max for exponential backoff, need greater than or equal to zero",
			},
		},
		{
			msg:        "invalid jitter",
			giveBase:   time.Second,
			giveMax:    time.Hour,
			giveJitter: 1.5,
			wantErrors: []string{
				"invalid jitter for exponential backoff, need within [0, 1]",
			},
		},
		{
			msg:        "multiple invalid options",
			giveBase:   0,
			giveMax:    time.Hour,
			giveJitter: -1,
			wantErrors: []string{
				"invalid base for exponential backoff, need greater than zero",
				"invalid jitter for exponential backoff, need within [0, 1]",
			},
		},
		{
			msg:        "valid options",
			giveBase:   time.Second,
			giveMax:    time.Hour,
			giveJitter: 0.25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			strategy, err := NewExponential(
				Base(tt.giveBase),
				Max(tt.giveMax),
				Jitter(tt.giveJitter),
			)
			if len(tt.wantErrors) == 0 {
				require.NoError(t, err)
				require.NotNil(t, strategy)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErrors {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestExponentialNoJitterDoubles(t *testing.T) {
	strategy, err := NewExponential(
		Base(time.Second),
		Jitter(0),
	)
	require.NoError(t, err)

	boff := strategy.Backoff()
	assert.Equal(t, 1*time.Second, boff.Duration(1))
	assert.Equal(t, 2*time.Second, boff.Duration(2))
	assert.Equal(t, 4*time.Second, boff.Duration(3))
	assert.Equal(t, 8*time.Second, boff.Duration(4))
}

func TestExponentialJitterBounds(t *testing.T) {
	strategy, err := NewExponential(
		Base(time.Second),
		Jitter(0.25),
		newRandGenerator(func() *rand.Rand {
			return rand.New(rand.NewSource(42))
		}),
	)
	require.NoError(t, err)

	boff := strategy.Backoff()
	for i := 0; i < 1000; i++ {
		d := boff.Duration(1)
		assert.True(t, d >= 750*time.Millisecond, "attempt 1 produced %v, below the jitter floor", d)
		assert.True(t, d <= 1250*time.Millisecond, "attempt 1 produced %v, above the jitter ceiling", d)
	}
	for i := 0; i < 1000; i++ {
		d := boff.Duration(3)
		assert.True(t, d >= 3*time.Second && d <= 5*time.Second,
			"attempt 3 produced %v, outside [3s, 5s]", d)
	}
}

func TestExponentialStochasticallyMonotonic(t *testing.T) {
	strategy, err := NewExponential(
		Base(time.Second),
		Jitter(0.25),
	)
	require.NoError(t, err)

	// With 25% jitter, exponential growth dominates: the minimum of
	// attempt n+1 (0.75 * 2^n) exceeds the maximum of attempt n
	// (1.25 * 2^(n-1)).
	boff := strategy.Backoff()
	for attempt := uint(1); attempt < 10; attempt++ {
		assert.True(t, boff.Duration(attempt+1) > boff.Duration(attempt),
			"attempt %d should back off longer than attempt %d", attempt+1, attempt)
	}
}

func TestExponentialCapsAtMax(t *testing.T) {
	strategy, err := NewExponential(
		Base(time.Second),
		Max(10*time.Second),
		Jitter(0),
	)
	require.NoError(t, err)

	boff := strategy.Backoff()
	assert.Equal(t, 10*time.Second, boff.Duration(5))
	assert.Equal(t, 10*time.Second, boff.Duration(64), "oversized shifts must clamp to max")
}

func TestExponentialZeroAttemptTreatedAsFirst(t *testing.T) {
	strategy, err := NewExponential(Base(time.Second), Jitter(0))
	require.NoError(t, err)
	assert.Equal(t, time.Second, strategy.Backoff().Duration(0))
}

func TestDefaultStrategyProducesIndependentBackoffs(t *testing.T) {
	first := DefaultStrategy.Backoff()
	second := DefaultStrategy.Backoff()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.True(t, first != second, "each Backoff call should produce a fresh instance")
}
