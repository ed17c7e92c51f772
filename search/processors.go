// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package search

import (
	"math"
	"sync"

	"github.com/nlpodyssey/spago/mat/float"
	"github.com/rs/zerolog/log"
)

// ProcessorFunc modifies one row of next-token scores in place. The row
// belongs to the beam whose history is seqs.GetSequence(rowIndex).
type ProcessorFunc[T float.DType] func(row []T, rowIndex int, seqs *Sequences)

// ProcessorList applies an ordered pipeline of score processors to the
// [batchBeamSize, vocabSize] score matrix. The pipeline always ends with a
// numerically stabilized log-softmax, so downstream consumers observe
// log-probabilities.
type ProcessorList[T float.DType] struct {
	funcs   []ProcessorFunc[T]
	rows    int
	cols    int
	workers int
}

// NewProcessorList builds the pipeline for the given parameters. Each stage
// is included only when its parameter is set; the order is fixed: vocab
// mask, min-length, repetition penalty, no-repeat n-gram, temperature,
// log-softmax.
func NewProcessorList[T float.DType](params Parameters[T]) ProcessorList[T] {
	funcs := make([]ProcessorFunc[T], 0, 6)

	if params.VocabMask != nil {
		log.Trace().Msg("applying vocabulary mask")
		funcs = append(funcs, VocabMaskProcessor[T](params.VocabMask))
	}
	if params.MinLength > 0 {
		log.Trace().Int("minLength", params.MinLength).Msg("applying min-length control")
		funcs = append(funcs, MinLengthProcessor[T](params.MinLength, params.EOSTokenID))
	}
	if params.RepetitionPenalty > 0 && params.RepetitionPenalty != 1 {
		log.Trace().Float64("penalty", float64(params.RepetitionPenalty)).Msg("applying repetition penalty")
		funcs = append(funcs, RepetitionPenaltyProcessor(params.RepetitionPenalty))
	}
	if params.NoRepeatNGramSize > 0 {
		log.Trace().Int("ngramSize", params.NoRepeatNGramSize).Msg("applying no-repeat n-gram control")
		funcs = append(funcs, NoRepeatNGramProcessor[T](params.NoRepeatNGramSize))
	}
	if params.Temperature != 1 {
		log.Trace().Float64("temperature", float64(params.Temperature)).Msg("applying temperature")
		funcs = append(funcs, TemperatureProcessor(params.Temperature))
	}
	funcs = append(funcs, LogSoftmaxProcessor[T]())

	return ProcessorList[T]{
		funcs:   funcs,
		rows:    params.BatchBeamSize(),
		cols:    params.VocabSize,
		workers: params.Concurrency,
	}
}

// Process runs the pipeline over every row of scores, which must hold
// rows*cols entries. Rows are independent and may be processed in parallel.
func (p ProcessorList[T]) Process(scores []T, seqs *Sequences) {
	forEachRow(p.rows, p.workers, func(i int) {
		row := scores[i*p.cols : (i+1)*p.cols]
		for _, fn := range p.funcs {
			fn(row, i, seqs)
		}
	})
}

// forEachRow runs fn for every row index, fanning out over at most workers
// goroutines when workers > 1.
func forEachRow(rows, workers int, fn func(i int)) {
	if workers <= 1 || rows == 1 {
		for i := 0; i < rows; i++ {
			fn(i)
		}
		return
	}
	if workers > rows {
		workers = rows
	}
	var wg sync.WaitGroup
	next := make(chan int)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range next {
				fn(i)
			}
		}()
	}
	for i := 0; i < rows; i++ {
		next <- i
	}
	close(next)
	wg.Wait()
}

// VocabMaskProcessor suppresses every token whose mask entry is zero.
func VocabMaskProcessor[T float.DType](mask []int32) ProcessorFunc[T] {
	negInf := T(math.Inf(-1))
	return func(row []T, _ int, _ *Sequences) {
		for v, m := range mask {
			if m == 0 {
				row[v] = negInf
			}
		}
	}
}

// MinLengthProcessor suppresses the end token while the sequences are
// shorter than minLength.
func MinLengthProcessor[T float.DType](minLength int, eosTokenID int64) ProcessorFunc[T] {
	negInf := T(math.Inf(-1))
	return func(row []T, _ int, seqs *Sequences) {
		if seqs.Len() < minLength {
			row[eosTokenID] = negInf
		}
	}
}

// RepetitionPenaltyProcessor discounts tokens already present in the beam's
// sequence: positive scores are divided by the penalty, non-positive ones
// multiplied. The adjustment is applied once per distinct token, regardless
// of how many times it occurs.
func RepetitionPenaltyProcessor[T float.DType](penalty T) ProcessorFunc[T] {
	return func(row []T, rowIndex int, seqs *Sequences) {
		seen := make(map[int64]struct{})
		for _, tok := range seqs.GetSequence(rowIndex) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			x := row[tok]
			if x > 0 {
				row[tok] = x / penalty
			} else {
				row[tok] = x * penalty
			}
		}
	}
}

// NoRepeatNGramProcessor bans every next token that would complete an
// n-gram already occurring in the beam's sequence. It has no effect until
// the sequence holds at least one full n-gram.
func NoRepeatNGramProcessor[T float.DType](ngramSize int) ProcessorFunc[T] {
	negInf := T(math.Inf(-1))
	return func(row []T, rowIndex int, seqs *Sequences) {
		curLen := seqs.Len()
		if curLen < ngramSize {
			return
		}
		seq := seqs.GetSequence(rowIndex)
		prefix := seq[curLen-(ngramSize-1):]
		for i := 0; i+ngramSize <= curLen; i++ {
			if !equalTokens(seq[i:i+ngramSize-1], prefix) {
				continue
			}
			row[seq[i+ngramSize-1]] = negInf
		}
	}
}

func equalTokens(a, b []int64) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TemperatureProcessor divides the scores by the temperature.
func TemperatureProcessor[T float.DType](temperature T) ProcessorFunc[T] {
	invTemperature := 1 / temperature
	return func(row []T, _ int, _ *Sequences) {
		for v := range row {
			row[v] *= invTemperature
		}
	}
}

// LogSoftmaxProcessor turns the row into log-probabilities. The computation
// is stabilized by row-max subtraction; a row with no finite entry is left
// untouched.
func LogSoftmaxProcessor[T float.DType]() ProcessorFunc[T] {
	return func(row []T, _ int, _ *Sequences) {
		rowMax := math.Inf(-1)
		for _, v := range row {
			if x := float64(v); x > rowMax {
				rowMax = x
			}
		}
		if math.IsInf(rowMax, -1) {
			return
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - rowMax)
		}
		logSumExp := rowMax + math.Log(sum)
		for i, v := range row {
			row[i] = T(float64(v) - logSumExp)
		}
	}
}
