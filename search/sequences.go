// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package search

// Sequences holds the token history of every beam in two equally sized
// slabs. Exactly one slab is current at any time; reordering and appending
// happen in a single pass into the shadow slab, which then becomes current.
// Beam i occupies positions [i*maxLength, i*maxLength+Len()) of the current
// slab.
type Sequences struct {
	slabs         [2][]int64
	cur           int
	batchBeamSize int
	maxLength     int
	curLen        int
}

// NewSequences initializes the store over the given backing buffer, which
// must hold 2*batchBeamSize*maxLength entries. The expanded prompt
// (batchBeamSize rows of seqLen tokens, flattened) is copied into the first
// slab.
func NewSequences(buffer []int64, inputIDs []int64, batchBeamSize, seqLen, maxLength int) *Sequences {
	slabSize := batchBeamSize * maxLength
	s := &Sequences{
		slabs:         [2][]int64{buffer[:slabSize], buffer[slabSize : 2*slabSize]},
		cur:           0,
		batchBeamSize: batchBeamSize,
		maxLength:     maxLength,
		curLen:        seqLen,
	}
	for i := 0; i < batchBeamSize; i++ {
		copy(s.slabs[0][i*maxLength:], inputIDs[i*seqLen:(i+1)*seqLen])
	}
	return s
}

// Len returns the current sequence length.
func (s *Sequences) Len() int {
	return s.curLen
}

// GetSequence returns a read-only view of the given beam's tokens in the
// current slab. The view is invalidated by the next Append.
func (s *Sequences) GetSequence(beamIndex int) []int64 {
	start := beamIndex * s.maxLength
	return s.slabs[s.cur][start : start+s.curLen]
}

// Append reorders the beams and appends one token to each in a single pass:
// destination beam i receives the history of source beam beamIndices[i]
// followed by beamNextTokens[i]. The slab roles swap afterwards; there is no
// intermediate state in which the store is partly updated.
func (s *Sequences) Append(beamIndices, beamNextTokens []int64) {
	input := s.slabs[s.cur]
	output := s.slabs[1-s.cur]

	for i := 0; i < s.batchBeamSize; i++ {
		src := int(beamIndices[i]) * s.maxLength
		dst := i * s.maxLength
		copy(output[dst:dst+s.curLen], input[src:src+s.curLen])
	}
	for i := 0; i < s.batchBeamSize; i++ {
		output[i*s.maxLength+s.curLen] = beamNextTokens[i]
	}

	s.curLen++
	s.cur = 1 - s.cur
}
