// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

// Testing philosophy: test module boundaries and exported behavior, not
// internals. Shapes and dtypes are enforced by panics; tests focus on
// numerical correctness at the seams other packages rely on.

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatmulKnownValues(t *testing.T) {
	// [[1,2],[3,4]] @ [[5,6],[7,8]] = [[19,22],[43,50]]
	a := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	b := FromSlice([]float32{5, 6, 7, 8}, NewShape(2, 2))

	c := Matmul(a, b)
	require.True(t, c.Shape().Equal(NewShape(2, 2)))
	assert.Equal(t, []float32{19, 22, 43, 50}, c.DataPtr())
}

func TestMatmulTransposedBMatchesExplicitTranspose(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := Randn(NewShape(3, 5), rng)
	b := Randn(NewShape(4, 5), rng)

	got := MatmulTransposedB(a, b)
	want := Matmul(a, b.Transpose())

	require.True(t, got.Shape().Equal(want.Shape()))
	for i, v := range want.DataPtr() {
		assert.InDelta(t, v, got.DataPtr()[i], 1e-5)
	}
}

func TestGemmTransAAccumulates(t *testing.T) {
	// C = A^T @ B with beta=1 must add onto existing C contents.
	a := []float32{1, 2, 3, 4, 5, 6} // [3, 2] -> A^T is [2, 3]
	b := []float32{1, 0, 0, 1, 1, 1} // [3, 2]
	c := []float32{10, 10, 10, 10}   // [2, 2]

	Gemm(true, false, 2, 2, 3, 1.0, a, 2, b, 2, 1.0, c, 2)

	// A^T @ B = [[1,3,5],[2,4,6]] @ [[1,0],[0,1],[1,1]] = [[6,8],[8,10]]
	assert.Equal(t, []float32{16, 18, 18, 20}, c)
}

func TestGemmStridedView(t *testing.T) {
	// Multiply a [2, 2] view embedded in a wider [2, 4] buffer (lda=4).
	a := []float32{
		1, 2, 9, 9,
		3, 4, 9, 9,
	}
	b := []float32{1, 0, 0, 1}
	c := make([]float32, 4)

	Gemm(false, false, 2, 2, 2, 1.0, a, 4, b, 2, 0.0, c, 2)
	assert.Equal(t, []float32{1, 2, 3, 4}, c)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, 1000, 1001, 1002}, NewShape(2, 3))
	p := x.Softmax()

	for r := 0; r < 2; r++ {
		sum := float32(0)
		for c := 0; c < 3; c++ {
			sum += p.At(r, c)
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
	// Large-magnitude row must not overflow to NaN.
	assert.False(t, HasNaNOrInf(p.DataPtr()))
}

func TestL2NormalizeRows(t *testing.T) {
	x := FromSlice([]float32{3, 4, 0, 0}, NewShape(2, 2))
	n := x.L2NormalizeRows()

	assert.InDelta(t, 0.6, n.At(0, 0), 1e-6)
	assert.InDelta(t, 0.8, n.At(0, 1), 1e-6)
	// Zero row stays zero rather than dividing by zero.
	assert.Equal(t, float32(0), n.At(1, 0))

	rng := rand.New(rand.NewSource(7))
	y := Randn(NewShape(4, 8), rng).L2NormalizeRows()
	for r := 0; r < 4; r++ {
		assert.InDelta(t, 1.0, float64(L2Norm(y.DataPtr()[r*8:(r+1)*8])), 1e-5)
	}
}

func TestAccumulateGradAndZeroGrad(t *testing.T) {
	p := Zeros(NewShape(2, 2))
	require.Nil(t, p.Grad)

	p.AccumulateGrad([]float32{1, 1, 1, 1})
	p.AccumulateGrad([]float32{1, 2, 3, 4})
	assert.Equal(t, []float32{2, 3, 4, 5}, p.Grad)

	p.ZeroGrad()
	assert.Equal(t, []float32{0, 0, 0, 0}, p.Grad)
}

func TestReshapeSharesData(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	y := x.Reshape(NewShape(3, 2))

	y.Set(42, 0, 0)
	assert.Equal(t, float32(42), x.At(0, 0))

	require.Panics(t, func() { x.Reshape(NewShape(4, 2)) })
}

func TestHasNaNOrInf(t *testing.T) {
	assert.False(t, HasNaNOrInf([]float32{0, 1, -1}))
	assert.True(t, HasNaNOrInf([]float32{0, float32(math.NaN())}))
	assert.True(t, HasNaNOrInf([]float32{float32(math.Inf(1))}))
}
