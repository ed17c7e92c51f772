// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sliceutils provides small adapters between plain slices and the
// standard sort/heap interfaces.
package sliceutils

import (
	"container/heap"

	"golang.org/x/exp/constraints"
)

// OrderedHeap is a min-heap over a slice of ordered values.
type OrderedHeap[T constraints.Ordered] []T

func (h OrderedHeap[T]) Len() int           { return len(h) }
func (h OrderedHeap[T]) Less(i, j int) bool { return h[i] < h[j] }
func (h OrderedHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. It implements heap.Interface.
func (h *OrderedHeap[T]) Push(x any) {
	*h = append(*h, x.(T))
}

// Pop removes and returns the last element. It implements heap.Interface.
func (h *OrderedHeap[T]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type reverseHeap struct {
	heap.Interface
}

func (h reverseHeap) Less(i, j int) bool { return h.Interface.Less(j, i) }

// ReverseHeap turns a min-heap into a max-heap (and vice versa).
func ReverseHeap(h heap.Interface) heap.Interface {
	return reverseHeap{Interface: h}
}

// IndexedSlice is a sortable slice that remembers the original index of each
// element, so sorted positions can be scattered back to source positions.
type IndexedSlice[T constraints.Ordered] struct {
	Slice   []T
	Indices []int
}

// NewIndexedSlice creates an IndexedSlice over the given slice.
// The slice is sorted in place; pass a copy to preserve the original.
func NewIndexedSlice[T constraints.Ordered](slice []T) IndexedSlice[T] {
	indices := make([]int, len(slice))
	for i := range indices {
		indices[i] = i
	}
	return IndexedSlice[T]{Slice: slice, Indices: indices}
}

func (s IndexedSlice[T]) Len() int           { return len(s.Slice) }
func (s IndexedSlice[T]) Less(i, j int) bool { return s.Slice[i] < s.Slice[j] }
func (s IndexedSlice[T]) Swap(i, j int) {
	s.Slice[i], s.Slice[j] = s.Slice[j], s.Slice[i]
	s.Indices[i], s.Indices[j] = s.Indices[j], s.Indices[i]
}
