// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package search

import (
	"math"
	"testing"

	"github.com/nlpodyssey/beamflow/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScorer(t *testing.T, params Parameters[float64]) *BeamScorer[float64] {
	t.Helper()
	s := NewBeamScorer(params)
	require.NoError(t, s.Initialize(device.HeapAllocator[float64]{}, device.HeapAllocator[int64]{}))
	return s
}

func scorerTestParams() Parameters[float64] {
	return Parameters[float64]{
		BatchSize:          1,
		NumBeams:           2,
		NumReturnSequences: 2,
		VocabSize:          4,
		SequenceLength:     1,
		MaxLength:          5,
		Temperature:        1,
		LengthPenalty:      0,
		PadTokenID:         0,
		EOSTokenID:         3,
	}
}

func TestBeamScorerProcessPicksBest(t *testing.T) {
	params := scorerTestParams()
	s := newTestScorer(t, params)
	seqs := newTestSequences(t, []int64{1, 1}, 2, 1, 5)

	negInf := math.Inf(-1)
	scores := []float64{
		-0.5, -1.0, -2.0, -9.0, // beam 0
		-0.1, -0.2, -0.3, -9.0, // beam 1 (dead at step one)
	}
	s.Process(scores, []float64{0, negInf}, seqs)

	assert.Equal(t, []float64{-0.5, -1.0}, s.NextScores())
	assert.Equal(t, []int64{0, 1}, s.NextTokens())
	assert.Equal(t, []int64{0, 0}, s.NextIndices(), "both picks expand the only live beam")
	assert.False(t, s.IsDone())
}

func TestBeamScorerFirstStepDistinctTokens(t *testing.T) {
	// With uniform scores and the -inf initialization of non-first beams,
	// the first step must emit distinct tokens.
	params := scorerTestParams()
	params.NumBeams = 4
	params.NumReturnSequences = 4
	params.VocabSize = 6
	params.EOSTokenID = 5
	s := newTestScorer(t, params)
	seqs := newTestSequences(t, []int64{1, 1, 1, 1}, 4, 1, 5)

	negInf := math.Inf(-1)
	scores := make([]float64, 4*6)
	for i := range scores {
		scores[i] = -1.0
	}
	s.Process(scores, []float64{0, negInf, negInf, negInf}, seqs)

	seen := map[int64]bool{}
	for _, tok := range s.NextTokens() {
		assert.False(t, seen[tok], "token %d emitted twice", tok)
		seen[tok] = true
	}
}

func TestBeamScorerEOSBecomesHypothesis(t *testing.T) {
	params := scorerTestParams()
	s := newTestScorer(t, params)
	seqs := newTestSequences(t, []int64{1, 1}, 2, 1, 5)

	negInf := math.Inf(-1)
	scores := []float64{
		-2.0, -3.0, -4.0, -0.1, // beam 0: the end token ranks first
		negInf, negInf, negInf, negInf,
	}
	s.Process(scores, []float64{0, negInf}, seqs)

	// The end-of-sequence pick is consumed as a hypothesis, never emitted.
	assert.Equal(t, []int64{0, 1}, s.NextTokens())
	assert.Equal(t, []float64{-2.0, -3.0}, s.NextScores())
	assert.Equal(t, 1, s.hyps[0].Len())

	ranked := s.hyps[0].Ranked()
	assert.Equal(t, []int64{1}, ranked[0].Tokens)
	assert.Equal(t, -0.1, ranked[0].Score)
}

func TestBeamScorerLowRankEOSDiscarded(t *testing.T) {
	params := scorerTestParams()
	s := newTestScorer(t, params)
	seqs := newTestSequences(t, []int64{1, 1}, 2, 1, 5)

	// The end token ranks third (>= numBeams): it must be discarded, not
	// stored.
	scores := []float64{
		-0.5, -9.0, -9.0, -0.7,
		-0.6, -9.0, -9.0, -9.0,
	}
	s.Process(scores, []float64{0, 0}, seqs)

	assert.Equal(t, 0, s.hyps[0].Len())
	assert.Equal(t, []int64{0, 0}, s.NextTokens())
	assert.Equal(t, []int64{0, 1}, s.NextIndices())
}

func TestBeamScorerDonePromptEmitsPadRows(t *testing.T) {
	params := scorerTestParams()
	params.EarlyStopping = true
	s := newTestScorer(t, params)
	seqs := newTestSequences(t, []int64{1, 1}, 2, 1, 5)

	negInf := math.Inf(-1)
	// Both end-token picks rank in the top numBeams: two hypotheses are
	// stored and early stopping latches the prompt.
	scores := []float64{
		-9.0, -9.0, -9.0, -0.1,
		-9.0, -9.0, -9.0, -0.2,
	}
	s.Process(scores, []float64{0, -0.01}, seqs)

	require.True(t, s.IsDone())

	s.Process(scores, []float64{negInf, negInf}, seqs)
	assert.Equal(t, []float64{0, 0}, s.NextScores())
	assert.Equal(t, []int64{params.PadTokenID, params.PadTokenID}, s.NextTokens())
	assert.Equal(t, []int64{0, 0}, s.NextIndices())
}

func TestBeamScorerShortfallLatchesDone(t *testing.T) {
	// With a single-token vocabulary every pick is the end token: no slot
	// can be filled and the prompt must latch done even though the stored
	// worst score (-1) is below the best reachable one (0).
	params := scorerTestParams()
	params.NumBeams = 2
	params.NumReturnSequences = 2
	params.VocabSize = 1
	params.EOSTokenID = 0
	params.PadTokenID = 0
	s := newTestScorer(t, params)
	seqs := newTestSequences(t, []int64{0, 0}, 2, 1, 5)

	s.Process([]float64{0, 0}, []float64{0, -1}, seqs)

	assert.True(t, s.IsDone())
	negInf := math.Inf(-1)
	assert.Equal(t, []float64{negInf, negInf}, s.NextScores())
	assert.Equal(t, []int64{0, 0}, s.NextTokens())
	assert.Equal(t, []int64{0, 0}, s.NextIndices())
	assert.Equal(t, 2, s.hyps[0].Len())
}

func TestBeamScorerFinalizeRanksAndPads(t *testing.T) {
	params := scorerTestParams()
	s := newTestScorer(t, params)
	seqs := newTestSequences(t, []int64{1, 1}, 2, 1, 5)

	// One step: beams pick tokens 0 and 1.
	scores := []float64{
		-0.5, -1.0, -9.0, -9.0,
		-9.0, -9.0, -9.0, -9.0,
	}
	s.Process(scores, []float64{0, math.Inf(-1)}, seqs)
	seqs.Append(s.NextIndices(), s.NextTokens())

	outSequences := make([]int64, 1*2*5)
	outScores := make([]float64, 1*2)
	s.Finalize(seqs, s.NextScores(), outSequences, outScores)

	// Live beams become hypotheses; ranking is by penalized score.
	assert.Equal(t, []int64{1, 0, 0, 0, 0}, outSequences[:5])
	assert.Equal(t, []int64{1, 1, 0, 0, 0}, outSequences[5:])
	assert.Equal(t, -0.5, outScores[0])
	assert.Equal(t, -1.0, outScores[1])
	assert.GreaterOrEqual(t, outScores[0], outScores[1])
}

func TestBeamScorerFinalizeShortfallUsesBestLiveBeam(t *testing.T) {
	params := scorerTestParams()
	s := newTestScorer(t, params)
	seqs := newTestSequences(t, []int64{1, 2}, 2, 1, 5)

	// A done prompt with a single stored hypothesis and two requested
	// sequences: the best live beam fills the missing slot.
	s.hyps[0].Add([]int64{1}, -0.1)
	s.done[0] = true

	outSequences := make([]int64, 1*2*5)
	outScores := make([]float64, 1*2)
	s.Finalize(seqs, []float64{-3.0, -1.0}, outSequences, outScores)

	assert.Equal(t, []int64{1, 0, 0, 0, 0}, outSequences[:5])
	assert.Equal(t, -0.1, outScores[0])
	assert.Equal(t, []int64{2, 0, 0, 0, 0}, outSequences[5:], "beam 1 is the best live beam")
	assert.Equal(t, -1.0, outScores[1])
}

func TestBeamScorerIndependentPrompts(t *testing.T) {
	params := scorerTestParams()
	params.BatchSize = 2
	params.NumReturnSequences = 1
	s := newTestScorer(t, params)
	seqs := newTestSequences(t, []int64{1, 1, 2, 2}, 4, 1, 5)

	negInf := math.Inf(-1)
	scores := []float64{
		-9.0, -9.0, -9.0, -0.1, // prompt 0 completes a hypothesis
		negInf, negInf, negInf, negInf,
		-0.5, -1.0, -9.0, -9.0, // prompt 1 keeps going
		negInf, negInf, negInf, negInf,
	}
	s.Process(scores, []float64{0, negInf, 0, negInf}, seqs)

	assert.Equal(t, 1, s.hyps[0].Len())
	assert.Equal(t, 0, s.hyps[1].Len())
	assert.False(t, s.IsDone(), "prompt 1 is not done")
	assert.Equal(t, []int64{2, 2}, s.NextIndices()[2:], "prompt 1 indices live on the global batch-beam axis")
	assert.Equal(t, []int64{0, 1}, s.NextTokens()[2:])
}
