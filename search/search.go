// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package search implements autoregressive beam search decoding over a
// causal language-model subgraph. Given a batch of prompts it repeatedly
// invokes the subgraph, shapes the next-token distributions through a
// processor pipeline, and maintains per prompt a fixed-width beam of the
// most probable hypotheses under a length-penalized score.
package search

import (
	"context"
	"fmt"
	"math"

	"github.com/nlpodyssey/beamflow/device"
	"github.com/nlpodyssey/beamflow/subgraph"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/rs/zerolog/log"
)

// Resources bundles the pluggable collaborators of one Execute call. Nil
// fields fall back to host implementations.
type Resources[T float.DType] struct {
	// Floats allocates the floating-point step buffers.
	Floats device.Allocator[T]
	// Ints allocates the integer step buffers and the sequences slabs.
	Ints device.Allocator[int64]
	// Copier moves spans across memories.
	Copier device.Copier[T]
	// Buffer, when set, receives one StepResult per decoding step and is
	// closed when Execute returns.
	Buffer StepBuffer[T]
}

func (r Resources[T]) withDefaults() Resources[T] {
	if r.Floats == nil {
		r.Floats = device.HeapAllocator[T]{}
	}
	if r.Ints == nil {
		r.Ints = device.HeapAllocator[int64]{}
	}
	if r.Copier == nil {
		r.Copier = device.HostCopier[T]{}
	}
	return r
}

// Output holds the finished sequences of one Execute call.
type Output[T float.DType] struct {
	// Sequences has shape [batchSize, numReturnSequences, maxLength],
	// flattened, padded with the pad token.
	Sequences []int64
	// SequencesScores has shape [batchSize, numReturnSequences] and holds
	// length-penalized scores, non-increasing within each prompt.
	SequencesScores []T
	// Scores is the optional per-step distribution trace with shape
	// [maxLength-promptLength, batchSize, numBeams, vocabSize], flattened.
	// Nil unless requested; steps never executed due to early stopping
	// remain zero.
	Scores []T
	// TraceSteps is the number of steps actually recorded in Scores.
	TraceSteps int

	batchSize    int
	numReturn    int
	numBeams     int
	vocabSize    int
	maxLength    int
	promptLength int
}

// Sequence returns the k-th finished sequence of prompt b, including
// padding up to the maximum length.
func (o *Output[T]) Sequence(b, k int) []int64 {
	start := (b*o.numReturn + k) * o.maxLength
	return o.Sequences[start : start+o.maxLength]
}

// SequenceScore returns the length-penalized score of the k-th finished
// sequence of prompt b.
func (o *Output[T]) SequenceScore(b, k int) T {
	return o.SequencesScores[b*o.numReturn+k]
}

// StepScores returns the [batchSize, numBeams, vocabSize] distribution
// block recorded at the given step, or nil when no trace was requested.
func (o *Output[T]) StepScores(step int) []T {
	if o.Scores == nil {
		return nil
	}
	block := o.batchSize * o.numBeams * o.vocabSize
	return o.Scores[step*block : (step+1)*block]
}

// Execute runs the decoding loop to completion and returns the top
// finished sequences of every prompt. The prompt batch must be rectangular;
// batch size and prompt length are derived from it, the vocabulary size
// from the model. Errors from the subgraph, the allocators, and the context
// are propagated unmodified; no partial outputs are emitted.
func Execute[T float.DType](ctx context.Context, model subgraph.Subgraph[T], inputIDs [][]int64, params Parameters[T], res Resources[T]) (*Output[T], error) {
	if res.Buffer != nil {
		defer res.Buffer.Close()
	}

	batchSize, seqLen, err := ValidateInputIDs(inputIDs)
	if err != nil {
		return nil, err
	}
	params.BatchSize = batchSize
	params.SequenceLength = seqLen
	if params.VocabSize == 0 {
		params.VocabSize = model.VocabSize()
	}
	if err = params.Validate(); err != nil {
		return nil, err
	}

	res = res.withDefaults()

	beamState, err := newBeamState(params, res.Floats, res.Ints)
	if err != nil {
		return nil, err
	}
	defer beamState.release()

	cpuState, err := newCPUState(params, res.Floats, res.Ints)
	if err != nil {
		return nil, err
	}
	defer cpuState.release()

	scorer := NewBeamScorer(params)
	if err = scorer.Initialize(res.Floats, res.Ints); err != nil {
		return nil, err
	}
	defer scorer.Release()

	feeds, expandedIDs := createInitialFeeds(inputIDs, params, beamState.nextPositions)
	seqs := NewSequences(cpuState.sequencesSpace, expandedIDs, params.BatchBeamSize(), seqLen, params.MaxLength)
	beamState.initBeamScores(params.NumBeams, T(math.Inf(-1)))
	processors := NewProcessorList(params)

	currentLength := seqLen
	for currentLength < params.MaxLength {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		fetches, err := model.Forward(ctx, feeds)
		if err != nil {
			return nil, err
		}
		if err = extractLastTokenLogits(fetches, beamState.nextTokenLogits, params); err != nil {
			return nil, err
		}
		copy(beamState.nextTokenScores, beamState.nextTokenLogits)

		processors.Process(beamState.nextTokenScores, seqs)
		if params.OutputScores {
			beamState.appendScores(beamState.nextTokenScores)
		}

		scorer.Process(beamState.nextTokenScores, beamState.beamScores, seqs)
		if err = res.Copier.Copy(beamState.beamScores, scorer.NextScores(), device.HostToDevice); err != nil {
			return nil, err
		}
		seqs.Append(scorer.NextIndices(), scorer.NextTokens())

		log.Trace().
			Int("length", currentLength).
			Interface("beamScores", scorer.NextScores()).
			Interface("nextTokens", scorer.NextTokens()).
			Interface("nextIndices", scorer.NextIndices()).
			Msg("beam step")

		if res.Buffer != nil {
			err = res.Buffer.Write(StepResult[T]{
				Step:   currentLength - seqLen,
				Tokens: append([]int64(nil), scorer.NextTokens()...),
				Scores: append([]T(nil), scorer.NextScores()...),
			})
			if err != nil {
				return nil, err
			}
		}

		if scorer.IsDone() {
			break
		}

		currentLength++
		if currentLength < params.MaxLength {
			feeds = updateFeeds(feeds, fetches, scorer, beamState.nextPositions, currentLength)
		}
	}

	if err = res.Copier.Copy(cpuState.beamScores, beamState.beamScores, device.DeviceToHost); err != nil {
		return nil, err
	}

	out := &Output[T]{
		Sequences:       make([]int64, batchSize*params.NumReturnSequences*params.MaxLength),
		SequencesScores: make([]T, batchSize*params.NumReturnSequences),
		batchSize:       batchSize,
		numReturn:       params.NumReturnSequences,
		numBeams:        params.NumBeams,
		vocabSize:       params.VocabSize,
		maxLength:       params.MaxLength,
		promptLength:    seqLen,
	}
	scorer.Finalize(seqs, cpuState.beamScores, out.Sequences, out.SequencesScores)

	if params.OutputScores {
		out.Scores = make([]T, len(beamState.scores))
		out.TraceSteps = beamState.scoresFilled / (params.BatchBeamSize() * params.VocabSize)
		if err = res.Copier.Copy(out.Scores, beamState.scores, device.DeviceToDevice); err != nil {
			return nil, err
		}
	}

	log.Trace().Int("finalLength", seqs.Len()).Interface("sequences", out.Sequences).Msg("beam search finished")
	return out, nil
}

// createInitialFeeds replicates each prompt row numBeams times and builds
// matching position ids and attention mask. The per-beam last prompt
// position is recorded into nextPositions.
func createInitialFeeds[T float.DType](inputIDs [][]int64, params Parameters[T], nextPositions []int64) (*subgraph.Feeds[T], []int64) {
	n := params.BatchBeamSize()
	seqLen := params.SequenceLength

	expanded := make([]int64, n*seqLen)
	positions := make([]int64, n*seqLen)
	mask := make([]T, n*seqLen)

	for b, row := range inputIDs {
		for m := 0; m < params.NumBeams; m++ {
			i := b*params.NumBeams + m
			off := i * seqLen
			copy(expanded[off:off+seqLen], row)
			for j, tok := range row {
				positions[off+j] = int64(j)
				if tok != params.PadTokenID {
					mask[off+j] = 1
				}
			}
			nextPositions[i] = int64(seqLen - 1)
		}
	}

	feeds := &subgraph.Feeds[T]{
		InputIDs:      expanded,
		PositionIDs:   positions,
		AttentionMask: mask,
		SeqLen:        seqLen,
		MaskLen:       seqLen,
	}
	return feeds, expanded
}

// extractLastTokenLogits copies the last position of every row of the
// subgraph's [rows, seqLen, vocabSize] logits into dst.
func extractLastTokenLogits[T float.DType](fetches *subgraph.Fetches[T], dst []T, params Parameters[T]) error {
	n := params.BatchBeamSize()
	v := params.VocabSize
	s := fetches.SeqLen

	if fetches.VocabSize != v {
		return fmt.Errorf("%w: subgraph vocab size %d, want %d", ErrInvalidArgument, fetches.VocabSize, v)
	}
	if len(fetches.Logits) != n*s*v {
		return fmt.Errorf("%w: subgraph logits length %d, want %d", ErrInvalidArgument, len(fetches.Logits), n*s*v)
	}

	for i := 0; i < n; i++ {
		off := (i*s + s - 1) * v
		copy(dst[i*v:(i+1)*v], fetches.Logits[off:off+v])
	}
	return nil
}

// updateFeeds prepares the next forward pass: the new input is the freshly
// picked token of every beam, positions advance by one, the attention mask
// grows by a column of ones, and the past key/value caches are gathered
// along the batch-beam axis.
func updateFeeds[T float.DType](prev *subgraph.Feeds[T], fetches *subgraph.Fetches[T], scorer *BeamScorer[T], nextPositions []int64, currentLength int) *subgraph.Feeds[T] {
	n := len(nextPositions)

	inputIDs := append([]int64(nil), scorer.NextTokens()...)

	positions := make([]int64, n)
	for i := range positions {
		nextPositions[i]++
		positions[i] = nextPositions[i]
	}

	oldMaskLen := prev.MaskLen
	mask := make([]T, n*currentLength)
	for i := 0; i < n; i++ {
		copy(mask[i*currentLength:], prev.AttentionMask[i*oldMaskLen:(i+1)*oldMaskLen])
		mask[i*currentLength+currentLength-1] = 1
	}

	past := make([]subgraph.Past, len(fetches.Past))
	for i, p := range fetches.Past {
		past[i] = p.Gather(scorer.NextIndices())
	}

	return &subgraph.Feeds[T]{
		InputIDs:      inputIDs,
		PositionIDs:   positions,
		AttentionMask: mask,
		SeqLen:        1,
		MaskLen:       currentLength,
		Past:          past,
	}
}
