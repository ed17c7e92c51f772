// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package search

import (
	"github.com/nlpodyssey/beamflow/device"
	"github.com/nlpodyssey/spago/mat/float"
)

// beamState holds the per-step buffers sized on the batch-beam axis. On an
// accelerator build these would live in device memory; the driver only
// touches them through spans and the copy primitive.
type beamState[T float.DType] struct {
	nextTokenLogits []T
	nextTokenScores []T
	beamScores      []T
	nextPositions   []int64

	// scores is the optional step-by-step distribution trace, consumed
	// incrementally: each step appends one [batchBeamSize, vocabSize]
	// block.
	scores       []T
	scoresFilled int

	floats device.Allocator[T]
	ints   device.Allocator[int64]
}

func newBeamState[T float.DType](params Parameters[T], floats device.Allocator[T], ints device.Allocator[int64]) (*beamState[T], error) {
	n := params.BatchBeamSize()
	s := &beamState[T]{floats: floats, ints: ints}

	var err error
	if s.nextTokenLogits, err = floats.Alloc(n * params.VocabSize); err != nil {
		return nil, err
	}
	if s.nextTokenScores, err = floats.Alloc(n * params.VocabSize); err != nil {
		return nil, err
	}
	if s.beamScores, err = floats.Alloc(n); err != nil {
		return nil, err
	}
	if s.nextPositions, err = ints.Alloc(n); err != nil {
		return nil, err
	}
	if params.OutputScores {
		steps := params.MaxLength - params.SequenceLength
		if s.scores, err = floats.Alloc(steps * n * params.VocabSize); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// initBeamScores makes the first step behave as if each prompt had a single
// live beam: within every prompt the first beam starts at 0 and the rest at
// negative infinity, so step one cannot emit the same pick from every beam.
func (s *beamState[T]) initBeamScores(numBeams int, negInf T) {
	for i := range s.beamScores {
		if i%numBeams == 0 {
			s.beamScores[i] = 0
		} else {
			s.beamScores[i] = negInf
		}
	}
}

// appendScores copies one step's processed distributions into the trace.
func (s *beamState[T]) appendScores(step []T) {
	copy(s.scores[s.scoresFilled:], step)
	s.scoresFilled += len(step)
}

func (s *beamState[T]) release() {
	s.floats.Free(s.nextTokenLogits)
	s.floats.Free(s.nextTokenScores)
	s.floats.Free(s.beamScores)
	s.ints.Free(s.nextPositions)
	if s.scores != nil {
		s.floats.Free(s.scores)
	}
}

// cpuState holds the host-side working buffers: the sequences slabs and the
// host copy of the beam scores read back at finalization.
type cpuState[T float.DType] struct {
	beamScores     []T
	sequencesSpace []int64

	floats device.Allocator[T]
	ints   device.Allocator[int64]
}

func newCPUState[T float.DType](params Parameters[T], floats device.Allocator[T], ints device.Allocator[int64]) (*cpuState[T], error) {
	n := params.BatchBeamSize()
	s := &cpuState[T]{floats: floats, ints: ints}

	var err error
	if s.beamScores, err = floats.Alloc(n); err != nil {
		return nil, err
	}
	if s.sequencesSpace, err = ints.Alloc(2 * n * params.MaxLength); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *cpuState[T]) release() {
	s.floats.Free(s.beamScores)
	s.ints.Free(s.sequencesSpace)
}
