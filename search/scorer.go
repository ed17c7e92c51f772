// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package search

import (
	"container/heap"
	"math"
	"sort"

	"github.com/nlpodyssey/beamflow/device"
	"github.com/nlpodyssey/beamflow/sliceutils"
	"github.com/nlpodyssey/spago/mat/float"
)

// candidate is one (beam, token) expansion of a prompt with its combined
// score.
type candidate[T float.DType] struct {
	score T
	beam  int
	token int64
}

// candidateHeap keeps the worst candidate at the root so a bounded top-k
// selection can evict it cheaply. Among equal scores the candidate with the
// larger flat (beam, token) index is the worse one, which makes the final
// ordering stable and deterministic.
type candidateHeap[T float.DType] []candidate[T]

func (h candidateHeap[T]) Len() int           { return len(h) }
func (h candidateHeap[T]) Less(i, j int) bool { return h[i].worseThan(h[j]) }
func (h candidateHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap[T]) Push(x any) {
	*h = append(*h, x.(candidate[T]))
}

func (h *candidateHeap[T]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// worseThan reports whether c ranks below other under the heap's total
// order.
func (c candidate[T]) worseThan(other candidate[T]) bool {
	if c.score != other.score {
		return c.score < other.score
	}
	if c.beam != other.beam {
		return c.beam > other.beam
	}
	return c.token > other.token
}

// BeamScorer turns post-processor scores into next-token and beam-index
// picks, drives end-of-sequence handling, and performs finalization under
// the length penalty.
type BeamScorer[T float.DType] struct {
	params Parameters[T]
	hyps   []*BeamHypotheses[T]
	done   []bool

	nextScores  []T
	nextTokens  []int64
	nextIndices []int64

	candidates candidateHeap[T]

	floats device.Allocator[T]
	ints   device.Allocator[int64]
}

// NewBeamScorer creates a scorer for the given parameters. Initialize must
// be called before the first Process.
func NewBeamScorer[T float.DType](params Parameters[T]) *BeamScorer[T] {
	hyps := make([]*BeamHypotheses[T], params.BatchSize)
	for b := range hyps {
		hyps[b] = NewBeamHypotheses[T](params.NumBeams, params.LengthPenalty, params.EarlyStopping)
	}
	return &BeamScorer[T]{
		params:     params,
		hyps:       hyps,
		done:       make([]bool, params.BatchSize),
		candidates: make(candidateHeap[T], 0, 2*params.NumBeams),
	}
}

// Initialize obtains the per-step output buffers from the allocators.
func (s *BeamScorer[T]) Initialize(floats device.Allocator[T], ints device.Allocator[int64]) error {
	n := s.params.BatchBeamSize()
	var err error
	if s.nextScores, err = floats.Alloc(n); err != nil {
		return err
	}
	if s.nextTokens, err = ints.Alloc(n); err != nil {
		return err
	}
	if s.nextIndices, err = ints.Alloc(n); err != nil {
		return err
	}
	s.floats = floats
	s.ints = ints
	return nil
}

// Release returns the scorer's buffers to the allocators.
func (s *BeamScorer[T]) Release() {
	if s.floats != nil {
		s.floats.Free(s.nextScores)
	}
	if s.ints != nil {
		s.ints.Free(s.nextTokens)
		s.ints.Free(s.nextIndices)
	}
}

// NextScores returns the running score of each destination beam after the
// last Process call.
func (s *BeamScorer[T]) NextScores() []T { return s.nextScores }

// NextTokens returns the token appended to each destination beam.
func (s *BeamScorer[T]) NextTokens() []int64 { return s.nextTokens }

// NextIndices returns the source batch-beam index of each destination beam.
func (s *BeamScorer[T]) NextIndices() []int64 { return s.nextIndices }

// IsDone reports whether every prompt has latched done.
func (s *BeamScorer[T]) IsDone() bool {
	for _, d := range s.done {
		if !d {
			return false
		}
	}
	return true
}

// Process consumes the [batchBeamSize, vocabSize] log-probabilities and the
// running beam scores, and fills the next-beam picks. For each prompt it
// expands the top 2*numBeams (beam, token) pairs so that even when the top
// numBeams picks all end the sequence there remain numBeams candidates to
// continue with.
func (s *BeamScorer[T]) Process(scores []T, beamScores []T, seqs *Sequences) {
	batchSize := s.params.BatchSize
	numBeams := s.params.NumBeams
	negInf := T(math.Inf(-1))

	for b := 0; b < batchSize; b++ {
		base := b * numBeams

		if s.done[b] {
			// Finished prompts keep emitting pad rows so the step stays
			// shape-stable.
			for m := 0; m < numBeams; m++ {
				i := base + m
				s.nextScores[i] = 0
				s.nextTokens[i] = s.params.PadTokenID
				s.nextIndices[i] = int64(base)
			}
			continue
		}

		picks := s.topCandidates(scores, beamScores, b)

		filled := 0
		for rank, c := range picks {
			if filled == numBeams {
				break
			}
			if c.token == s.params.EOSTokenID {
				if rank >= numBeams {
					continue
				}
				s.hyps[b].Add(seqs.GetSequence(base+c.beam), c.score)
				continue
			}
			i := base + filled
			s.nextScores[i] = c.score
			s.nextTokens[i] = c.token
			s.nextIndices[i] = int64(base + c.beam)
			filled++
		}
		if filled < numBeams {
			// Fewer than numBeams continuations exist: decoding for this
			// prompt is terminal. Pad the remaining slots so the step stays
			// shape-stable.
			s.done[b] = true
			for ; filled < numBeams; filled++ {
				i := base + filled
				s.nextScores[i] = negInf
				s.nextTokens[i] = s.params.PadTokenID
				s.nextIndices[i] = int64(base)
			}
		}

		if len(picks) > 0 && s.hyps[b].CheckDone(picks[0].score, seqs.Len()) {
			s.done[b] = true
		}
	}
}

// topCandidates selects the 2*numBeams best (beam, token) pairs of prompt b
// over the combined scores, in descending order with deterministic
// tie-breaking.
func (s *BeamScorer[T]) topCandidates(scores []T, beamScores []T, b int) []candidate[T] {
	numBeams := s.params.NumBeams
	vocabSize := s.params.VocabSize
	base := b * numBeams

	k := 2 * numBeams
	if cells := numBeams * vocabSize; cells < k {
		k = cells
	}

	h := &s.candidates
	*h = (*h)[:0]

	for m := 0; m < numBeams; m++ {
		row := scores[(base+m)*vocabSize : (base+m+1)*vocabSize]
		running := beamScores[base+m]
		for v, sc := range row {
			c := candidate[T]{score: sc + running, beam: m, token: int64(v)}
			if h.Len() < k {
				heap.Push(h, c)
				continue
			}
			if c.worseThan((*h)[0]) {
				continue
			}
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}

	picks := make([]candidate[T], h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		picks[i] = heap.Pop(h).(candidate[T])
	}
	return picks
}

// Hypothesis is a finished sequence with its length-penalized score.
type Hypothesis[T float.DType] struct {
	Tokens []int64
	Score  T
}

// Ranked returns the stored hypotheses ordered by penalized score, stably
// by insertion order among equal scores.
func (h *BeamHypotheses[T]) Ranked() []Hypothesis[T] {
	entries := append(hypothesisHeap[T](nil), h.beams...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	scores := make([]T, len(entries))
	for i, e := range entries {
		scores[i] = e.score
	}
	ranked := sliceutils.NewIndexedSlice(scores)
	sort.Stable(sort.Reverse(ranked))

	out := make([]Hypothesis[T], len(entries))
	for rank, src := range ranked.Indices {
		out[rank] = Hypothesis[T]{Tokens: entries[src].tokens, Score: entries[src].score}
	}
	return out
}

// Finalize drains the hypothesis sets into the caller's output buffers.
// Prompts that never latched done contribute their live beams first, scored
// with their final running log-probabilities. outSequences must hold
// batchSize*numReturnSequences*maxLength entries and outScores
// batchSize*numReturnSequences.
func (s *BeamScorer[T]) Finalize(seqs *Sequences, finalBeamScores []T, outSequences []int64, outScores []T) {
	batchSize := s.params.BatchSize
	numBeams := s.params.NumBeams
	numReturn := s.params.NumReturnSequences
	maxLength := s.params.MaxLength

	for b := 0; b < batchSize; b++ {
		base := b * numBeams

		if !s.done[b] {
			for m := 0; m < numBeams; m++ {
				i := base + m
				s.hyps[b].Add(seqs.GetSequence(i), finalBeamScores[i])
			}
		}

		ranked := s.hyps[b].Ranked()

		// When fewer hypotheses than requested exist, the best live beam
		// fills the remaining slots as if it had ended now.
		for len(ranked) < numReturn {
			bestBeam := base
			for m := 1; m < numBeams; m++ {
				if finalBeamScores[base+m] > finalBeamScores[bestBeam] {
					bestBeam = base + m
				}
			}
			tokens := append([]int64(nil), seqs.GetSequence(bestBeam)...)
			ranked = append(ranked, Hypothesis[T]{
				Tokens: tokens,
				Score:  s.hyps[b].penalize(finalBeamScores[bestBeam], len(tokens)),
			})
		}

		for k := 0; k < numReturn; k++ {
			dst := (b*numReturn + k) * maxLength
			row := outSequences[dst : dst+maxLength]
			n := copy(row, ranked[k].Tokens)
			for j := n; j < maxLength; j++ {
				row[j] = s.params.PadTokenID
			}
			outScores[b*numReturn+k] = ranked[k].Score
		}
	}
}
