// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeamHypothesesAdmission(t *testing.T) {
	h := NewBeamHypotheses[float64](2, 0, false)

	h.Add([]int64{1, 2}, -1)
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, -1.0, h.WorstScore())

	h.Add([]int64{1, 3}, -3)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, -3.0, h.WorstScore())

	// Full set: a better candidate evicts the worst.
	h.Add([]int64{1, 4}, -2)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, -2.0, h.WorstScore())

	// A worse candidate is rejected.
	h.Add([]int64{1, 5}, -9)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, -2.0, h.WorstScore())

	ranked := h.Ranked()
	require.Len(t, ranked, 2)
	assert.Equal(t, []int64{1, 2}, ranked[0].Tokens)
	assert.Equal(t, -1.0, ranked[0].Score)
	assert.Equal(t, []int64{1, 4}, ranked[1].Tokens)
	assert.Equal(t, -2.0, ranked[1].Score)
}

func TestBeamHypothesesLengthPenalty(t *testing.T) {
	h := NewBeamHypotheses[float64](1, 1, false)
	h.Add([]int64{1, 2, 3, 4}, -2)

	ranked := h.Ranked()
	require.Len(t, ranked, 1)
	assert.InDelta(t, -0.5, ranked[0].Score, 1e-10)

	// With a higher exponent longer sequences are favored more strongly.
	h2 := NewBeamHypotheses[float64](2, 2, false)
	h2.Add([]int64{1, 2}, -2)
	h2.Add([]int64{1, 2, 3, 4}, -2)

	ranked = h2.Ranked()
	require.Len(t, ranked, 2)
	assert.Equal(t, []int64{1, 2, 3, 4}, ranked[0].Tokens)
	assert.InDelta(t, -0.125, ranked[0].Score, 1e-10)
	assert.InDelta(t, -0.5, ranked[1].Score, 1e-10)
}

func TestBeamHypothesesRankedStability(t *testing.T) {
	h := NewBeamHypotheses[float64](3, 0, false)
	h.Add([]int64{1}, -1)
	h.Add([]int64{2}, -1)
	h.Add([]int64{3}, -1)

	ranked := h.Ranked()
	require.Len(t, ranked, 3)
	assert.Equal(t, []int64{1}, ranked[0].Tokens)
	assert.Equal(t, []int64{2}, ranked[1].Tokens)
	assert.Equal(t, []int64{3}, ranked[2].Tokens)
}

func TestBeamHypothesesAddCopiesTokens(t *testing.T) {
	h := NewBeamHypotheses[float64](1, 0, false)
	tokens := []int64{1, 2}
	h.Add(tokens, -1)
	tokens[0] = 9

	assert.Equal(t, []int64{1, 2}, h.Ranked()[0].Tokens)
}

func TestBeamHypothesesCheckDoneEarlyStopping(t *testing.T) {
	h := NewBeamHypotheses[float64](2, 1, true)

	assert.False(t, h.CheckDone(-1, 3))
	h.Add([]int64{1, 2, 3}, -1)
	assert.False(t, h.CheckDone(-1, 3), "not done below capacity")

	h.Add([]int64{1, 2, 4}, -2)
	assert.True(t, h.CheckDone(-1, 3), "early stopping latches at capacity")
	assert.True(t, h.Done())
}

func TestBeamHypothesesCheckDoneBestPossible(t *testing.T) {
	h := NewBeamHypotheses[float64](2, 0, false)
	h.Add([]int64{1, 2, 3}, -1)
	h.Add([]int64{1, 2, 4}, -2)

	// A live beam at -1.5 could still beat the worst stored score of -2.
	assert.False(t, h.CheckDone(-1.5, 3))

	// No reachable score beats the worst anymore.
	assert.True(t, h.CheckDone(-2.5, 4))

	// Latched: even an (impossible) improvement does not revert it.
	assert.True(t, h.CheckDone(0, 5))
}
