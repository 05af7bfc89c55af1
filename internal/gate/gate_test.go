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

package gate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const _key = "gemini-pro|us-east1|tokens"

func TestAcquireRespectsCeiling(t *testing.T) {
	g := New()

	assert.True(t, g.Acquire(_key, 2, false))
	assert.True(t, g.Acquire(_key, 2, false))
	assert.False(t, g.Acquire(_key, 2, false), "third acquire should be refused at ceiling 2")

	g.Release(_key)
	assert.True(t, g.Acquire(_key, 2, false), "released permit should be reusable")
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	g := New()

	g.Release(_key)
	g.Release(_key)

	require.True(t, g.Acquire(_key, 1, false))
	state, ok := g.Snapshot(_key)
	require.True(t, ok)
	assert.Equal(t, 1, state.InFlight)
}

func TestAvailable(t *testing.T) {
	g := New()

	assert.Equal(t, 4, g.Available(_key, 4, false), "untouched key has the full ceiling available")

	require.True(t, g.Acquire(_key, 4, false))
	assert.Equal(t, 3, g.Available(_key, 4, false))

	require.True(t, g.Acquire(_key, 4, false))
	require.True(t, g.Acquire(_key, 4, false))
	require.True(t, g.Acquire(_key, 4, false))
	assert.Equal(t, 0, g.Available(_key, 4, false))
}

func TestUnrelatedKeysDoNotContend(t *testing.T) {
	g := New()

	require.True(t, g.Acquire("model-a||tokens", 1, false))
	assert.False(t, g.Acquire("model-a||tokens", 1, false))
	assert.True(t, g.Acquire("model-b||tokens", 1, false), "saturating one key must not affect another")
}

func TestConcurrentAcquireReleaseInvariant(t *testing.T) {
	const (
		ceiling    = 4
		goroutines = 32
		iterations = 200
	)
	g := New()

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if !g.Acquire(_key, ceiling, false) {
					continue
				}
				state, ok := g.Snapshot(_key)
				if !ok || state.InFlight < 1 || state.InFlight > ceiling {
					t.Errorf("in-flight count %d outside [1, %d]", state.InFlight, ceiling)
				}
				g.Release(_key)
			}
		}()
	}
	wg.Wait()

	state, ok := g.Snapshot(_key)
	require.True(t, ok)
	assert.Zero(t, state.InFlight, "all permits must be returned once every pair completes")
}

func TestSignal429HalvesCeiling(t *testing.T) {
	g := New()

	g.Signal429(_key, 8)
	state, ok := g.Snapshot(_key)
	require.True(t, ok)
	assert.Equal(t, 4, state.AdaptiveMax)

	g.Signal429(_key, 8)
	g.Signal429(_key, 8)
	state, _ = g.Snapshot(_key)
	assert.Equal(t, 1, state.AdaptiveMax)

	g.Signal429(_key, 8)
	state, _ = g.Snapshot(_key)
	assert.Equal(t, 1, state.AdaptiveMax, "ceiling must never shrink below one permit")
}

func TestSignalSuccessGrowsTowardCeiling(t *testing.T) {
	g := New()

	g.Signal429(_key, 4) // 4 -> 2
	g.SignalSuccess(_key, 4, 4)
	state, ok := g.Snapshot(_key)
	require.True(t, ok)
	assert.Equal(t, 3, state.AdaptiveMax)

	g.SignalSuccess(_key, 4, 4)
	g.SignalSuccess(_key, 4, 4)
	state, _ = g.Snapshot(_key)
	assert.Equal(t, 4, state.AdaptiveMax, "growth must cap at the adaptive ceiling")
}

func TestAdaptiveAcquireUsesShrunkCeiling(t *testing.T) {
	g := New()

	g.Signal429(_key, 2) // adaptive max 1
	assert.True(t, g.Acquire(_key, 2, true))
	assert.False(t, g.Acquire(_key, 2, true), "shrunk ceiling of 1 must refuse a second permit")

	assert.True(t, g.Acquire(_key, 2, false), "static ceiling ignores the adaptive max")
}

func TestAIMDTransitions(t *testing.T) {
	tests := []struct {
		msg  string
		give int64
		want int64
	}{
		{msg: "halve even", give: 8, want: 4},
		{msg: "halve odd rounds down", give: 5, want: 2},
		{msg: "floor at one", give: 1, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, shrink(tt.give))
		})
	}

	assert.Equal(t, int64(3), grow(2, 8))
	assert.Equal(t, int64(8), grow(8, 8), "grow must not exceed the cap")
	assert.Equal(t, int64(9), grow(9, 8), "an over-cap value stays put rather than shrinking")
}

func TestResetAll(t *testing.T) {
	g := New()
	require.True(t, g.Acquire(_key, 1, false))

	g.ResetAll()
	_, ok := g.Snapshot(_key)
	assert.False(t, ok)

	// Idempotent.
	g.ResetAll()
	_, ok = g.Snapshot(_key)
	assert.False(t, ok)
}
