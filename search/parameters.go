// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package search

import (
	"errors"
	"fmt"

	"github.com/nlpodyssey/spago/mat/float"
)

// Error kinds surfaced by parameter validation and execution. Subgraph,
// allocator, and cancellation failures are propagated unmodified.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotImplemented  = errors.New("not implemented")
)

// Parameters holds the fixed configuration of one Execute call. BatchSize
// and SequenceLength are derived from the prompt; everything else is
// caller-supplied.
type Parameters[T float.DType] struct {
	// BatchSize is the number of prompts (derived from input ids).
	BatchSize int
	// NumBeams is the beam width per prompt.
	NumBeams int
	// NumReturnSequences is the number of finished sequences returned per
	// prompt. Must not exceed NumBeams.
	NumReturnSequences int
	// VocabSize is the width of the logits produced by the subgraph.
	VocabSize int
	// SequenceLength is the prompt length (derived from input ids).
	SequenceLength int
	// MaxLength is the total length bound, prompt included.
	MaxLength int
	// MinLength, when positive, suppresses the end token until the
	// sequences reach this length.
	MinLength int
	// Temperature divides the scores before the final log-softmax.
	Temperature T
	// LengthPenalty is the exponent of the score normalization
	// raw / length^penalty.
	LengthPenalty T
	// RepetitionPenalty, when positive and different from 1, discounts
	// tokens already present in a beam's sequence.
	RepetitionPenalty T
	// NoRepeatNGramSize, when positive, bans next tokens that would repeat
	// an n-gram already present in the sequence.
	NoRepeatNGramSize int
	// VocabMask, when present, must have VocabSize entries; zero entries
	// suppress the corresponding token.
	VocabMask []int32
	// PadTokenID fills finished sequences up to MaxLength.
	PadTokenID int64
	// EOSTokenID is the end-of-sequence token.
	EOSTokenID int64
	// EarlyStopping stops a prompt as soon as NumBeams hypotheses are
	// complete, without the best-possible-score test.
	EarlyStopping bool
	// OutputScores enables the per-step distribution trace.
	OutputScores bool
	// Concurrency bounds the number of goroutines used for row-parallel
	// work. Zero or one means sequential.
	Concurrency int
}

// BatchBeamSize returns the size of the flattened batch-beam axis.
func (p Parameters[T]) BatchBeamSize() int {
	return p.BatchSize * p.NumBeams
}

// Validate checks the caller-supplied parameters. Derived fields
// (BatchSize, SequenceLength) must already be set.
func (p Parameters[T]) Validate() error {
	if p.BatchSize <= 0 || p.SequenceLength <= 0 {
		return fmt.Errorf("%w: empty input_ids", ErrInvalidArgument)
	}
	if p.NumBeams <= 0 {
		return fmt.Errorf("%w: num_beams must be positive, got %d", ErrInvalidArgument, p.NumBeams)
	}
	if p.NumReturnSequences <= 0 {
		return fmt.Errorf("%w: num_return_sequences must be positive, got %d", ErrInvalidArgument, p.NumReturnSequences)
	}
	if p.NumReturnSequences > p.NumBeams {
		return fmt.Errorf("%w: num_return_sequences (%d) has to be smaller or equal to num_beams (%d)",
			ErrInvalidArgument, p.NumReturnSequences, p.NumBeams)
	}
	if p.VocabSize <= 0 {
		return fmt.Errorf("%w: vocab_size must be positive, got %d", ErrInvalidArgument, p.VocabSize)
	}
	if p.MaxLength <= p.SequenceLength {
		return fmt.Errorf("%w: max_length (%d) must exceed the prompt length (%d)",
			ErrInvalidArgument, p.MaxLength, p.SequenceLength)
	}
	if p.MinLength < 0 {
		return fmt.Errorf("%w: min_length must not be negative, got %d", ErrInvalidArgument, p.MinLength)
	}
	if p.Temperature <= 0 {
		return fmt.Errorf("%w: temperature must be positive, got %f", ErrInvalidArgument, float64(p.Temperature))
	}
	if p.RepetitionPenalty < 0 {
		return fmt.Errorf("%w: repetition_penalty must not be negative, got %f",
			ErrInvalidArgument, float64(p.RepetitionPenalty))
	}
	if p.NoRepeatNGramSize < 0 {
		return fmt.Errorf("%w: no_repeat_ngram_size must not be negative, got %d",
			ErrInvalidArgument, p.NoRepeatNGramSize)
	}
	if p.VocabMask != nil && len(p.VocabMask) != p.VocabSize {
		return fmt.Errorf("%w: vocab_mask length (%d) does not match vocab_size (%d)",
			ErrInvalidArgument, len(p.VocabMask), p.VocabSize)
	}
	return nil
}

// ValidateInputIDs checks that the prompt batch is a proper rank-2 matrix
// and returns its dimensions.
func ValidateInputIDs(inputIDs [][]int64) (batchSize, seqLen int, err error) {
	if len(inputIDs) == 0 {
		return 0, 0, fmt.Errorf("%w: input_ids must have 2 dimensions, got an empty batch", ErrInvalidArgument)
	}
	seqLen = len(inputIDs[0])
	if seqLen == 0 {
		return 0, 0, fmt.Errorf("%w: input_ids rows must not be empty", ErrInvalidArgument)
	}
	for i, row := range inputIDs {
		if len(row) != seqLen {
			return 0, 0, fmt.Errorf("%w: input_ids row %d has length %d, want %d",
				ErrInvalidArgument, i, len(row), seqLen)
		}
	}
	return len(inputIDs), seqLen, nil
}
