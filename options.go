// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package beamflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DecodingOptions contains the options for beam search decoding.
type DecodingOptions struct {
	// MaxLen is the maximum total sequence length, prompt included.
	MaxLen int `yaml:"max_len"`
	// MinLen, when positive, suppresses the end token until the sequences
	// reach this length.
	MinLen int `yaml:"min_len"`
	// NumBeams is the beam width per prompt.
	NumBeams int `yaml:"num_beams"`
	// NumReturnSequences is the number of finished sequences returned per
	// prompt. Must not exceed NumBeams.
	NumReturnSequences int `yaml:"num_return_sequences"`
	// Temp divides the scores before the final log-softmax.
	Temp float64 `yaml:"temperature"`
	// LengthPenalty is the exponent of the score normalization.
	LengthPenalty float64 `yaml:"length_penalty"`
	// RepetitionPenalty, when positive and different from 1, discounts
	// already generated tokens.
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	// NoRepeatNGramSize, when positive, bans n-gram repetitions.
	NoRepeatNGramSize int `yaml:"no_repeat_ngram_size"`
	// EarlyStopping stops a prompt as soon as NumBeams hypotheses are
	// complete.
	EarlyStopping bool `yaml:"early_stopping"`
	// EndTokenID is the end-of-sequence token.
	EndTokenID int `yaml:"end_token_id"`
	// PadTokenID fills finished sequences up to MaxLen.
	PadTokenID int `yaml:"pad_token_id"`
	// OutputScores enables the per-step distribution trace.
	OutputScores bool `yaml:"output_scores"`
	// Concurrency bounds the goroutines used for row-parallel work.
	Concurrency int `yaml:"concurrency"`
	// ScoreDType selects the floating-point type of the score channel.
	// Only "float32" is implemented.
	ScoreDType string `yaml:"score_dtype"`
	// VocabMask, when present, suppresses every token whose entry is zero.
	// It is a per-call input rather than a configuration value.
	VocabMask []int32 `yaml:"-"`
}

// DefaultDecodingOptions returns the options used when a field is left
// unset.
func DefaultDecodingOptions() DecodingOptions {
	return DecodingOptions{
		MaxLen:             64,
		NumBeams:           4,
		NumReturnSequences: 1,
		Temp:               1,
		LengthPenalty:      1,
		ScoreDType:         "float32",
	}
}

// LoadDecodingOptions reads decoding options from a YAML file, applied on
// top of the defaults.
func LoadDecodingOptions(filename string) (DecodingOptions, error) {
	opts := DefaultDecodingOptions()
	data, err := os.ReadFile(filename)
	if err != nil {
		return opts, fmt.Errorf("failed to read decoding options: %w", err)
	}
	if err = yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse decoding options: %w", err)
	}
	return opts, nil
}
