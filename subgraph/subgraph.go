// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package subgraph defines the contract between the beam search driver and
// the causal language-model subgraph that produces next-token logits. The
// execution engine behind the contract is external; implementations range
// from full transformer runtimes to the toy models used in tests.
package subgraph

import (
	"context"

	"github.com/nlpodyssey/spago/mat/float"
)

// Past is an opaque key/value cache tensor returned by a forward pass and
// fed back on the next one. Between steps the driver reorders it along the
// batch-beam axis; Gather returns a new Past whose batch-beam rows are
// selected by beamIndices, preserving every other axis.
type Past interface {
	Gather(beamIndices []int64) Past
}

// Feeds carries the inputs of one forward pass. All row-major buffers are
// laid out along the batch-beam axis: row i spans [i*SeqLen, (i+1)*SeqLen).
// The first pass receives the full prompt (SeqLen = prompt length); later
// passes receive a single token per row (SeqLen = 1) with MaskLen growing by
// one each step.
type Feeds[T float.DType] struct {
	// InputIDs is the token matrix, shape [rows, SeqLen] flattened.
	InputIDs []int64
	// PositionIDs matches InputIDs in shape.
	PositionIDs []int64
	// AttentionMask has shape [rows, MaskLen] flattened, 1 for attended
	// positions and 0 for padding.
	AttentionMask []T
	SeqLen        int
	MaskLen       int
	// Past holds the key/value caches from the previous pass, already
	// gathered along the batch-beam axis. Empty on the first pass.
	Past []Past
}

// Fetches carries the outputs of one forward pass.
type Fetches[T float.DType] struct {
	// Logits has shape [rows, SeqLen, VocabSize] flattened. The driver only
	// consumes the last position of each row.
	Logits    []T
	SeqLen    int
	VocabSize int
	// Past holds the updated key/value caches.
	Past []Past
}

// Subgraph is a single-step executor: given feeds it returns logits and new
// past state. Forward must honor ctx cancellation and return the context's
// error without partial effects. VocabSize reports the width of the logits
// the subgraph produces; the driver derives parameters from it.
type Subgraph[T float.DType] interface {
	Forward(ctx context.Context, feeds *Feeds[T]) (*Fetches[T], error)
	VocabSize() int
}
