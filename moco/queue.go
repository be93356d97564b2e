// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package moco implements momentum-contrastive pretraining primitives: the
// negative queue, the EMA momentum update for the key encoder, and the
// temperature-scaled InfoNCE loss. All three run on the single training
// goroutine; nothing here tracks gradients into stored state.
package moco

import (
	"fmt"
	"math/rand"

	"github.com/glimpse-ml/glimpse/tensor"
)

// NegativeQueue is a fixed-capacity ring buffer of key embeddings serving as
// contrastive negatives. Once warmed up it always holds exactly capacity
// rows; each enqueue overwrites the oldest batch. Rows are stored as plain
// copies with no gradient storage.
type NegativeQueue struct {
	buf      []float32
	capacity int
	dim      int
	ptr      int // next write row, in [0, capacity)
}

// NewNegativeQueue pre-fills the buffer with unit-L2-normalized random
// vectors so the contrastive loss is well-defined before real negatives
// accumulate.
func NewNegativeQueue(capacity, dim int, rng *rand.Rand) *NegativeQueue {
	if capacity <= 0 || dim <= 0 {
		panic(fmt.Sprintf("moco: invalid queue size %dx%d", capacity, dim))
	}
	q := &NegativeQueue{
		buf:      make([]float32, capacity*dim),
		capacity: capacity,
		dim:      dim,
	}
	for i := range q.buf {
		q.buf[i] = float32(rng.NormFloat64())
	}
	for r := 0; r < capacity; r++ {
		row := q.buf[r*dim : (r+1)*dim]
		norm := tensor.L2Norm(row)
		for i := range row {
			row[i] /= norm
		}
	}
	return q
}

// Enqueue writes a (batch x dim) tensor of key embeddings starting at the
// write pointer and advances it by the batch size modulo capacity. The
// capacity must be an integer multiple of the batch size; partial wraps are
// not supported and panic. Rows are copied, never aliased.
func (q *NegativeQueue) Enqueue(keys *tensor.Tensor) {
	dims := keys.Shape().DimsRef()
	batch, dim := dims[0], dims[1]
	if dim != q.dim {
		panic(fmt.Sprintf("moco: enqueue dim %d, queue dim %d", dim, q.dim))
	}
	if batch == 0 || q.capacity%batch != 0 {
		panic(fmt.Sprintf("moco: queue capacity %d not a multiple of batch size %d", q.capacity, batch))
	}
	src := keys.DataPtr()
	for r := 0; r < batch; r++ {
		dst := q.buf[((q.ptr+r)%q.capacity)*q.dim:]
		copy(dst[:q.dim], src[r*q.dim:(r+1)*q.dim])
	}
	q.ptr = (q.ptr + batch) % q.capacity
}

// Snapshot returns a (capacity x dim) copy of the buffer. The trainer must
// take the snapshot before the same step's Enqueue so a batch's own
// positives never appear among its negatives.
func (q *NegativeQueue) Snapshot() *tensor.Tensor {
	return tensor.FromSlice(q.buf, tensor.NewShape(q.capacity, q.dim))
}

// Pointer returns the current write row, for tests and checkpointing.
func (q *NegativeQueue) Pointer() int { return q.ptr }

func (q *NegativeQueue) Capacity() int { return q.capacity }
func (q *NegativeQueue) Dim() int      { return q.dim }

// State exposes the raw buffer and pointer for checkpoint encoding.
func (q *NegativeQueue) State() (buf []float32, ptr int) {
	out := make([]float32, len(q.buf))
	copy(out, q.buf)
	return out, q.ptr
}

// Restore replaces the buffer and pointer from checkpoint state.
func (q *NegativeQueue) Restore(buf []float32, ptr int) error {
	if len(buf) != len(q.buf) {
		return fmt.Errorf("queue state holds %d values, want %d", len(buf), len(q.buf))
	}
	if ptr < 0 || ptr >= q.capacity {
		return fmt.Errorf("queue pointer %d out of range [0, %d)", ptr, q.capacity)
	}
	copy(q.buf, buf)
	q.ptr = ptr
	return nil
}
