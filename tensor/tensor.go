// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package tensor implements the flat float32 tensor type underlying the
// visual-linguistic pretraining stack.
//
// All storage uses flat []float32 slices in row-major order. Matrix
// multiplication is pure Go (see gemm.go); transcendental functions go
// through math with float64 casts. Operations allocate new tensors unless
// suffixed with "InPlace".
package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor stores multi-dimensional float32 data in a contiguous flat slice.
// Row-major layout: the last dimension varies fastest.
//
// Grad holds the per-element gradient and stays nil until a backward pass
// accumulates into it. Code that must not participate in gradient tracking
// (the momentum update, the negative queue) writes data directly and never
// touches Grad.
type Tensor struct {
	data  []float32
	shape Shape
	Grad  []float32
}

// New allocates a zero-filled tensor of the given shape.
func New(shape Shape) *Tensor {
	return &Tensor{data: make([]float32, shape.Numel()), shape: shape}
}

// Zeros is an alias for New (zero-filled tensor).
func Zeros(shape Shape) *Tensor { return New(shape) }

// Ones allocates a tensor filled with 1.0.
func Ones(shape Shape) *Tensor {
	t := New(shape)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

// FromSlice creates a tensor by copying the provided data.
// Panics if len(data) != shape.Numel().
func FromSlice(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("tensor: data length %d != shape numel %d", len(data), shape.Numel()))
	}
	d := make([]float32, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: shape}
}

// FromSliceNoCopy creates a tensor that directly owns the provided slice
// (no copy). The caller must not retain or mutate the slice after this call.
func FromSliceNoCopy(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("tensor: data length %d != shape numel %d", len(data), shape.Numel()))
	}
	return &Tensor{data: data, shape: shape}
}

// Randn allocates a tensor filled with standard normal random values
// drawn from rng (mean=0, std=1).
func Randn(shape Shape, rng *rand.Rand) *Tensor {
	t := New(shape)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64())
	}
	return t
}

// RandnWithStd allocates a tensor filled with normal random values scaled by std.
func RandnWithStd(shape Shape, rng *rand.Rand, std float32) *Tensor {
	t := New(shape)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DataPtr returns the underlying storage slice directly (no copy).
// Callers may mutate elements in-place; use Data() for a safe copy.
func (t *Tensor) DataPtr() []float32 { return t.data }

// Data returns a copy of the underlying storage.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return len(t.data) }

// ZeroGrad resets the gradient. If Grad exists and matches the data length,
// it is zeroed in place to avoid reallocation. Otherwise Grad is set to nil
// so that only parameters that actually receive gradients via AccumulateGrad
// have a non-nil Grad after the backward pass.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil && len(t.Grad) == len(t.data) {
		for i := range t.Grad {
			t.Grad[i] = 0
		}
	} else {
		t.Grad = nil
	}
}

// AccumulateGrad adds grad element-wise into t.Grad, allocating if nil.
func (t *Tensor) AccumulateGrad(grad []float32) {
	if len(grad) != len(t.data) {
		panic(fmt.Sprintf("tensor: gradient length %d != data length %d", len(grad), len(t.data)))
	}
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.data))
	}
	for i, g := range grad {
		t.Grad[i] += g
	}
}

// flatIndex converts multi-dimensional indices to a flat offset using
// row-major strides. Panics on out-of-bounds access.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.shape.NDim() {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", t.shape.NDim(), len(indices)))
	}
	idx := 0
	strides := t.shape.Strides()
	for i, index := range indices {
		if index < 0 || index >= t.shape.At(i) {
			panic(fmt.Sprintf("tensor: index %d out of bounds for dim %d with size %d", index, i, t.shape.At(i)))
		}
		idx += index * strides[i]
	}
	return idx
}

// At reads a single element by multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 { return t.data[t.flatIndex(indices)] }

// Set writes a single element by multi-dimensional index.
func (t *Tensor) Set(value float32, indices ...int) { t.data[t.flatIndex(indices)] = value }

// Clone returns a deep copy of the tensor's data (gradient excluded).
func (t *Tensor) Clone() *Tensor { return FromSlice(t.data, t.shape) }

// CopyDataFrom overwrites t's data with src's data. Shapes must match.
func (t *Tensor) CopyDataFrom(src *Tensor) {
	t.assertShape(src)
	copy(t.data, src.data)
}

// Reshape returns a new tensor sharing the same backing data but with a
// different shape. The total number of elements must be unchanged.
// Mutations to one view affect the other.
func (t *Tensor) Reshape(s Shape) *Tensor {
	if t.shape.Numel() != s.Numel() {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v: different numel", t.shape, s))
	}
	return &Tensor{data: t.data, shape: s}
}

func (t *Tensor) assertShape(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		panic(fmt.Sprintf("tensor: shape mismatch: %v vs %v", t.shape, other.shape))
	}
}

// Add returns element-wise t + o.
func (t *Tensor) Add(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
	return r
}

// Sub returns element-wise t - o.
func (t *Tensor) Sub(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] - b[i]
	}
	return r
}

// Mul returns element-wise t * o (Hadamard product).
func (t *Tensor) Mul(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
	return r
}

// Scale returns t * s (scalar multiplication).
func (t *Tensor) Scale(s float32) *Tensor {
	r := New(t.shape)
	src, dst := t.data, r.data
	for i := range dst {
		dst[i] = src[i] * s
	}
	return r
}

// AddInPlace adds other to t element-wise, mutating t.
func (t *Tensor) AddInPlace(other *Tensor) {
	t.assertShape(other)
	a, b := t.data, other.data
	for i := range a {
		a[i] += b[i]
	}
}

// ScaleInPlace multiplies every element of t by s, mutating t.
func (t *Tensor) ScaleInPlace(s float32) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	sum := float32(0)
	for _, v := range t.data {
		sum += v
	}
	return sum
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float32 { return t.Sum() / float32(len(t.data)) }

// String formats the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v)", t.shape)
}

// ---------------------------------------------------------------------------
// Row-wise vector operations
//
// These treat the tensor as a stack of vectors along the last dimension.
// They back the contrastive core: similarity scoring operates on
// L2-normalized embedding rows.
// ---------------------------------------------------------------------------

// NegInf is the most negative finite float32, used as -infinity for masking
// in attention and softmax.
const NegInf = -float32(math.MaxFloat32)

// Softmax computes row-wise softmax along the last dimension.
//
//	p_i = exp(x_i - max(x)) / sum_j(exp(x_j - max(x)))
//
// The max-subtraction prevents overflow in the exponential.
func (t *Tensor) Softmax() *Tensor {
	if t.shape.NDim() < 1 {
		panic("tensor: softmax requires at least 1 dimension")
	}
	r := New(t.shape)
	lastDim := t.shape.At(-1)
	rows := t.shape.Numel() / lastDim
	copy(r.data, t.data)
	for v := 0; v < rows; v++ {
		off := v * lastDim
		SoftmaxInPlaceSlice(r.data[off : off+lastDim])
	}
	return r
}

// SoftmaxInPlaceSlice applies numerically stable softmax to xs in-place.
func SoftmaxInPlaceSlice(xs []float32) []float32 {
	maxVal := xs[0]
	for _, v := range xs[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := float32(0)
	for i, v := range xs {
		e := float32(math.Exp(float64(v - maxVal)))
		xs[i] = e
		sum += e
	}
	inv := 1.0 / sum
	for i := range xs {
		xs[i] *= inv
	}
	return xs
}

// L2NormalizeRows divides each row (last-dim vector) by its L2 norm,
// returning a new tensor. Rows with zero norm are left as zeros.
func (t *Tensor) L2NormalizeRows() *Tensor {
	dim := t.shape.At(-1)
	rows := t.shape.Numel() / dim
	r := New(t.shape)
	for v := 0; v < rows; v++ {
		off := v * dim
		src := t.data[off : off+dim]
		norm := L2Norm(src)
		dst := r.data[off : off+dim]
		if norm == 0 {
			continue
		}
		inv := 1.0 / norm
		for i, x := range src {
			dst[i] = x * inv
		}
	}
	return r
}

// L2Norm returns the Euclidean norm of xs.
func L2Norm(xs []float32) float32 {
	sumSq := float32(0)
	for _, x := range xs {
		sumSq += x * x
	}
	return float32(math.Sqrt(float64(sumSq)))
}

// Dot returns the inner product of two equal-length vectors.
// Panics on length mismatch.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("tensor: dot length mismatch: %d vs %d", len(a), len(b)))
	}
	sum := float32(0)
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Argmax returns the index and value of the maximum element of xs.
func Argmax(xs []float32) (int, float32) {
	bestIdx, bestVal := 0, xs[0]
	for i := 1; i < len(xs); i++ {
		if xs[i] > bestVal {
			bestIdx, bestVal = i, xs[i]
		}
	}
	return bestIdx, bestVal
}

// HasNaNOrInf reports whether xs contains a NaN or infinite value.
// Uses the NaN != NaN property for NaN detection.
func HasNaNOrInf(xs []float32) bool {
	for _, x := range xs {
		if x != x || x > math.MaxFloat32 || x < -math.MaxFloat32 {
			return true
		}
	}
	return false
}
