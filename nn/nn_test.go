// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimpse-ml/glimpse/tensor"
)

func testRNG() *rand.Rand { return rand.New(rand.NewSource(42)) }

// sumLoss treats the sum of all output elements as a scalar loss, so the
// upstream gradient is a tensor of ones.
func sumLoss(t *tensor.Tensor) float32 { return t.Sum() }

func onesLike(t *tensor.Tensor) *tensor.Tensor { return tensor.Ones(t.Shape()) }

// checkGradFiniteDiff perturbs each element of input and compares the
// analytic gradient against a central difference.
func checkGradFiniteDiff(t *testing.T, forward func(*tensor.Tensor) *tensor.Tensor, input, analytic *tensor.Tensor, eps, tol float32) {
	t.Helper()
	data := input.DataPtr()
	grad := analytic.DataPtr()
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		up := sumLoss(forward(input))
		data[i] = orig - eps
		down := sumLoss(forward(input))
		data[i] = orig

		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, grad[i], float64(tol), "element %d", i)
	}
}

func TestLinearForwardKnownValues(t *testing.T) {
	l := NewLinear(2, 2, true, testRNG())
	// weight is [out, in]
	copy(l.Weight().DataPtr(), []float32{1, 2, 3, 4})
	copy(l.bias.DataPtr(), []float32{0.5, -0.5})

	out := l.Forward(tensor.FromSlice([]float32{1, 1}, tensor.NewShape(1, 2)))
	assert.InDelta(t, 3.5, out.At(0, 0), 1e-6)
	assert.InDelta(t, 6.5, out.At(0, 1), 1e-6)
}

func TestLinearBackwardFiniteDifference(t *testing.T) {
	l := NewLinear(3, 2, true, testRNG())
	input := tensor.Randn(tensor.NewShape(2, 3), testRNG())

	out := l.Forward(input)
	gradIn := l.Backward(onesLike(out))

	checkGradFiniteDiff(t, l.Forward, input, gradIn, 1e-2, 1e-2)
}

func TestLayerNormForwardNormalizes(t *testing.T) {
	n := NewLayerNorm(4, 1e-8)
	input := tensor.FromSlice([]float32{1, 2, 3, 4, -2, 0, 2, 4}, tensor.NewShape(2, 4))
	out := n.Forward(input)

	for r := 0; r < 2; r++ {
		row := out.DataPtr()[r*4 : (r+1)*4]
		mean := float32(0)
		for _, v := range row {
			mean += v
		}
		mean /= 4
		assert.InDelta(t, 0, mean, 1e-5)

		variance := float32(0)
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		assert.InDelta(t, 1, variance/4, 1e-3)
	}
}

func TestLayerNormBackwardFiniteDifference(t *testing.T) {
	n := NewLayerNorm(4, 1e-8)
	input := tensor.Randn(tensor.NewShape(2, 4), testRNG())

	out := n.Forward(input)
	gradIn := n.Backward(onesLike(out))

	checkGradFiniteDiff(t, n.Forward, input, gradIn, 1e-2, 1e-2)
}

func TestGELUBackwardFiniteDifference(t *testing.T) {
	act := NewActivation("gelu")
	input := tensor.FromSlice([]float32{-2, -0.5, 0, 0.5, 2, 4}, tensor.NewShape(1, 6))

	out := act.Forward(input)
	gradIn := act.Backward(onesLike(out))

	checkGradFiniteDiff(t, act.Forward, input, gradIn, 1e-2, 1e-2)
}

func TestReLUBackwardZeroesNegative(t *testing.T) {
	act := NewActivation("relu")
	input := tensor.FromSlice([]float32{-1, 2, -3, 4}, tensor.NewShape(1, 4))

	out := act.Forward(input)
	grad := act.Backward(onesLike(out))

	assert.Equal(t, []float32{0, 1, 0, 1}, grad.Data())
}

func TestEmbeddingBackwardScatterAdd(t *testing.T) {
	e := NewEmbedding(5, 3, 0, testRNG())
	tokens := [][]int{{2, 2, 0}} // token 2 appears twice, token 0 is padding

	out := e.Forward(tokens)
	e.Backward(onesLike(out))

	grad := e.Weight().Grad
	require.NotNil(t, grad)
	// Row 2 gathered twice: gradient accumulates.
	assert.InDelta(t, 2, grad[2*3+0], 1e-6)
	// Padding row receives nothing.
	assert.InDelta(t, 0, grad[0*3+0], 1e-6)
}

func TestEmbeddingPaddingRowStaysZero(t *testing.T) {
	e := NewEmbedding(4, 2, 1, testRNG())
	row := e.Weight().DataPtr()[2:4]
	assert.Equal(t, []float32{0, 0}, row)
}

func TestCausalAttentionIgnoresFuture(t *testing.T) {
	rng := testRNG()
	a := NewMultiHeadAttention(8, 2, true, rng)
	input := tensor.Randn(tensor.NewShape(1, 3, 8), rng)

	base := a.Forward(input, input, nil).Clone()

	// Mutating the last position must not change outputs at earlier ones.
	perturbed := input.Clone()
	for d := 0; d < 8; d++ {
		perturbed.Set(perturbed.At(0, 2, d)+5, 0, 2, d)
	}
	out := a.Forward(perturbed, perturbed, nil)

	for pos := 0; pos < 2; pos++ {
		for d := 0; d < 8; d++ {
			assert.InDelta(t, base.At(0, pos, d), out.At(0, pos, d), 1e-5)
		}
	}
}

func TestAttentionPaddingMaskIgnoresPaddedKeys(t *testing.T) {
	rng := testRNG()
	a := NewMultiHeadAttention(8, 2, false, rng)
	input := tensor.Randn(tensor.NewShape(1, 3, 8), rng)
	mask := [][]bool{{false, false, true}}

	base := a.Forward(input, input, mask).Clone()

	perturbed := input.Clone()
	for d := 0; d < 8; d++ {
		perturbed.Set(perturbed.At(0, 2, d)+5, 0, 2, d)
	}
	out := a.Forward(perturbed, perturbed, mask)

	// The masked key contributes nothing, so outputs at unmasked query
	// positions are unchanged.
	for pos := 0; pos < 2; pos++ {
		for d := 0; d < 8; d++ {
			assert.InDelta(t, base.At(0, pos, d), out.At(0, pos, d), 1e-5)
		}
	}
}

func TestAttentionBackwardFiniteDifference(t *testing.T) {
	rng := testRNG()
	a := NewMultiHeadAttention(4, 2, false, rng)
	input := tensor.Randn(tensor.NewShape(1, 2, 4), rng)

	out := a.Forward(input, input, nil)
	gQ, gKV := a.Backward(onesLike(out))
	gradIn := gQ.Add(gKV)

	selfAttn := func(x *tensor.Tensor) *tensor.Tensor { return a.Forward(x, x, nil) }
	checkGradFiniteDiff(t, selfAttn, input, gradIn, 1e-2, 2e-2)
}

func TestEncoderLayerBackwardFiniteDifference(t *testing.T) {
	for _, preNorm := range []bool{false, true} {
		rng := testRNG()
		layer := NewEncoderLayer(4, 2, 8, "gelu", 0, false, preNorm, rng)
		input := tensor.Randn(tensor.NewShape(1, 2, 4), rng)

		out := layer.Forward(input, nil)
		gradIn := layer.Backward(onesLike(out))

		forward := func(x *tensor.Tensor) *tensor.Tensor { return layer.Forward(x, nil) }
		checkGradFiniteDiff(t, forward, input, gradIn, 1e-2, 5e-2)
	}
}

func TestDropoutEvalIsIdentity(t *testing.T) {
	d := NewDropout(0.5, testRNG())
	d.SetTraining(false)
	input := tensor.Randn(tensor.NewShape(2, 4), testRNG())
	out := d.Forward(input)
	assert.Equal(t, input.Data(), out.Data())
}

func TestDropoutScalesSurvivors(t *testing.T) {
	d := NewDropout(0.5, testRNG())
	d.SetTraining(true)
	input := tensor.Ones(tensor.NewShape(1, 1000))
	out := d.Forward(input)

	for _, v := range out.Data() {
		if v != 0 {
			assert.InDelta(t, 2, v, 1e-6)
		}
	}
	// Survivor mass stays near the input mass in expectation.
	assert.InDelta(t, 1000, out.Sum(), 150)
}

func TestEncoderNamedParametersArePrefixed(t *testing.T) {
	e := NewEncoder(2, 4, 2, 8, "gelu", 0, false, false, testRNG())
	names := make(map[string]bool)
	for _, p := range e.NamedParameters() {
		names[p.Name] = true
	}
	assert.True(t, names["layers.0.attn.wq.weight"])
	assert.True(t, names["layers.1.norm2.gamma"])
}
