// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package beamflow provides beam search decoding for causal language-model
// subgraphs.
package beamflow

import (
	"context"
	"fmt"
	"time"

	"github.com/nlpodyssey/beamflow/search"
	"github.com/nlpodyssey/beamflow/subgraph"
	"github.com/rs/zerolog/log"
)

// Generator is the core struct of the library: it binds a language-model
// subgraph to a decoding configuration and runs beam search over batches of
// prompts.
type Generator struct {
	model subgraph.Subgraph[float32]
	opts  DecodingOptions
}

// New creates a Generator for the given model. Only the float32 score
// channel is implemented; any other requested dtype is rejected.
func New(model subgraph.Subgraph[float32], opts DecodingOptions) (*Generator, error) {
	if opts.ScoreDType != "" && opts.ScoreDType != "float32" {
		return nil, fmt.Errorf("%w: no beam search implementation for score dtype %q",
			search.ErrNotImplemented, opts.ScoreDType)
	}
	return &Generator{model: model, opts: opts}, nil
}

// Options returns the generator's decoding options.
func (g *Generator) Options() DecodingOptions {
	return g.opts
}

// Generate runs beam search over the given batch of prompt token sequences
// and returns, per prompt, the top finished sequences and their
// length-penalized scores. The optional buffer streams per-step picks and
// is closed before Generate returns.
func (g *Generator) Generate(ctx context.Context, inputIDs [][]int64, buffer search.StepBuffer[float32]) (*search.Output[float32], error) {
	params := search.Parameters[float32]{
		NumBeams:           g.opts.NumBeams,
		NumReturnSequences: g.opts.NumReturnSequences,
		MaxLength:          g.opts.MaxLen,
		MinLength:          g.opts.MinLen,
		Temperature:        float32(g.opts.Temp),
		LengthPenalty:      float32(g.opts.LengthPenalty),
		RepetitionPenalty:  float32(g.opts.RepetitionPenalty),
		NoRepeatNGramSize:  g.opts.NoRepeatNGramSize,
		VocabMask:          g.opts.VocabMask,
		PadTokenID:         int64(g.opts.PadTokenID),
		EOSTokenID:         int64(g.opts.EndTokenID),
		EarlyStopping:      g.opts.EarlyStopping,
		OutputScores:       g.opts.OutputScores,
		Concurrency:        g.opts.Concurrency,
	}

	start := time.Now()
	out, err := search.Execute(ctx, g.model, inputIDs, params, search.Resources[float32]{Buffer: buffer})
	if err != nil {
		return nil, err
	}
	log.Debug().Msgf("Decoding time: %.2f seconds", time.Since(start).Seconds())
	return out, nil
}
