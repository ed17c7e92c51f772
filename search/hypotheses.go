// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package search

import (
	"container/heap"
	"math"

	"github.com/nlpodyssey/spago/mat/float"
)

// hypothesis is a completed candidate sequence with its length-penalized
// score. order records insertion time to keep final ranking stable.
type hypothesis[T float.DType] struct {
	tokens []int64
	score  T
	order  int
}

// hypothesisHeap is a min-heap keyed by penalized score; among equal scores
// the later insertion is the worse one, so earlier hypotheses survive
// eviction.
type hypothesisHeap[T float.DType] []hypothesis[T]

func (h hypothesisHeap[T]) Len() int { return len(h) }
func (h hypothesisHeap[T]) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].order > h[j].order
}
func (h hypothesisHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *hypothesisHeap[T]) Push(x any) {
	*h = append(*h, x.(hypothesis[T]))
}

func (h *hypothesisHeap[T]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// BeamHypotheses is the bounded set of completed hypotheses of one prompt,
// ranked by length-penalized score with worst-score admission.
type BeamHypotheses[T float.DType] struct {
	beams         hypothesisHeap[T]
	worstScore    T
	numBeams      int
	lengthPenalty T
	earlyStopping bool
	done          bool
	counter       int
}

// NewBeamHypotheses creates an empty set admitting at most numBeams
// hypotheses.
func NewBeamHypotheses[T float.DType](numBeams int, lengthPenalty T, earlyStopping bool) *BeamHypotheses[T] {
	return &BeamHypotheses[T]{
		beams:         make(hypothesisHeap[T], 0, numBeams),
		worstScore:    T(math.Inf(1)),
		numBeams:      numBeams,
		lengthPenalty: lengthPenalty,
		earlyStopping: earlyStopping,
	}
}

func (h *BeamHypotheses[T]) penalize(rawScore T, length int) T {
	return T(float64(rawScore) / math.Pow(float64(length), float64(h.lengthPenalty)))
}

// Len returns the number of stored hypotheses.
func (h *BeamHypotheses[T]) Len() int {
	return len(h.beams)
}

// WorstScore returns the lowest penalized score admitted so far.
func (h *BeamHypotheses[T]) WorstScore() T {
	return h.worstScore
}

// Add offers a completed sequence with its raw cumulative log-probability.
// When the set is full, the candidate replaces the current worst only if it
// scores better under the length penalty. The tokens are copied.
func (h *BeamHypotheses[T]) Add(tokens []int64, rawScore T) {
	penalized := h.penalize(rawScore, len(tokens))
	if len(h.beams) >= h.numBeams && penalized <= h.worstScore {
		return
	}

	hyp := hypothesis[T]{
		tokens: append([]int64(nil), tokens...),
		score:  penalized,
		order:  h.counter,
	}
	h.counter++

	if len(h.beams) >= h.numBeams {
		heap.Pop(&h.beams)
	}
	heap.Push(&h.beams, hyp)

	if len(h.beams) < h.numBeams {
		if penalized < h.worstScore {
			h.worstScore = penalized
		}
	} else {
		h.worstScore = h.beams[0].score
	}
}

// CheckDone updates and returns the latched done state. bestRawScore is the
// best raw cumulative log-probability still reachable by a live beam at the
// current length. Once true, the state never reverts: future raw scores are
// non-increasing and denominators grow.
func (h *BeamHypotheses[T]) CheckDone(bestRawScore T, currentLength int) bool {
	if h.done {
		return true
	}
	if len(h.beams) < h.numBeams {
		return false
	}
	if h.earlyStopping {
		h.done = true
		return true
	}
	bestPossible := h.penalize(bestRawScore, currentLength)
	if h.worstScore >= bestPossible {
		h.done = true
	}
	return h.done
}

// Done reports the latched done state without updating it.
func (h *BeamHypotheses[T]) Done() bool {
	return h.done
}
