// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package toylm provides a deterministic bigram language model implementing
// the subgraph contract. It exists to run and test beam search end to end
// without an external inference engine: the logits of the next token depend
// only on the current one, through a table defined in a YAML file.
package toylm

import (
	"context"
	"fmt"
	"os"

	"github.com/nlpodyssey/beamflow/subgraph"
	"github.com/nlpodyssey/spago/mat"
	"gopkg.in/yaml.v3"
)

// Config describes a toy model.
type Config struct {
	// VocabSize is the number of tokens.
	VocabSize int `yaml:"vocab_size"`
	// Logits maps every token to the raw logits of its successors; it must
	// be a [VocabSize, VocabSize] table.
	Logits [][]float32 `yaml:"logits"`
}

// Model is a bigram language model.
type Model struct {
	config Config
}

// New creates a model from the given config.
func New(config Config) (*Model, error) {
	if config.VocabSize <= 0 {
		return nil, fmt.Errorf("toylm: vocab_size must be positive, got %d", config.VocabSize)
	}
	if len(config.Logits) != config.VocabSize {
		return nil, fmt.Errorf("toylm: logits table has %d rows, want %d", len(config.Logits), config.VocabSize)
	}
	for i, row := range config.Logits {
		if len(row) != config.VocabSize {
			return nil, fmt.Errorf("toylm: logits row %d has %d entries, want %d", i, len(row), config.VocabSize)
		}
	}
	return &Model{config: config}, nil
}

// Load reads a model definition from a YAML file.
func Load(filename string) (*Model, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("toylm: failed to read model file: %w", err)
	}
	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("toylm: failed to parse model file: %w", err)
	}
	return New(config)
}

// VocabSize reports the width of the logits the model produces.
func (m *Model) VocabSize() int {
	return m.config.VocabSize
}

// Distribution returns the model's next-token probabilities after the given
// token.
func (m *Model) Distribution(tokenID int) mat.Matrix {
	return mat.NewVecDense(m.config.Logits[tokenID]).Softmax()
}

// Forward produces one logits row per input position. The model keeps no
// key/value cache, so Fetches.Past is always empty.
func (m *Model) Forward(ctx context.Context, feeds *subgraph.Feeds[float32]) (*subgraph.Fetches[float32], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := m.config.VocabSize
	logits := make([]float32, len(feeds.InputIDs)*v)
	for i, tok := range feeds.InputIDs {
		if tok < 0 || int(tok) >= v {
			return nil, fmt.Errorf("toylm: token id %d out of vocabulary range [0, %d)", tok, v)
		}
		copy(logits[i*v:(i+1)*v], m.config.Logits[tok])
	}

	return &subgraph.Fetches[float32]{
		Logits:    logits,
		SeqLen:    feeds.SeqLen,
		VocabSize: v,
	}, nil
}

// WriteSample writes a small runnable model definition to the given path: a
// five-token vocabulary where each token prefers its successor and token 4
// acts as end-of-sequence.
func WriteSample(filename string) error {
	config := Config{
		VocabSize: 5,
		Logits: [][]float32{
			{0.1, 2.0, 0.5, 0.2, -1.0},
			{0.1, 0.2, 2.0, 0.5, -0.5},
			{0.1, 0.3, 0.2, 2.0, 0.5},
			{0.1, 0.2, 0.3, 0.5, 2.0},
			{0.0, 0.0, 0.0, 0.0, 4.0},
		},
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("toylm: failed to marshal sample model: %w", err)
	}
	if err = os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("toylm: failed to write sample model: %w", err)
	}
	return nil
}
