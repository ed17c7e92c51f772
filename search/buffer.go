// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package search

import "github.com/nlpodyssey/spago/mat/float"

// StepResult is the outcome of a single decoding step.
type StepResult[T float.DType] struct {
	// Step is the zero-based step index.
	Step int
	// Tokens holds the token appended to each beam, along the batch-beam
	// axis.
	Tokens []int64
	// Scores holds the running log-probability of each beam.
	Scores []T
}

// StepBuffer receives one StepResult per decoding step.
type StepBuffer[T float.DType] interface {
	// Write delivers the given step result.
	Write(stepResult StepResult[T]) error
	// Close signals that no further results will be written.
	Close()
}

// ChannelBuffer is a StepBuffer that writes the results to a channel.
type ChannelBuffer[T float.DType] chan StepResult[T]

// Write writes the given step result to the channel.
func (cb ChannelBuffer[T]) Write(stepResult StepResult[T]) error {
	cb <- stepResult
	return nil
}

// Close closes the channel.
func (cb ChannelBuffer[T]) Close() {
	close(cb)
}
