// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimpse-ml/glimpse/nn"
	"github.com/glimpse-ml/glimpse/tensor"
)

func paramWithGrad(data, grad []float32) *tensor.Tensor {
	p := tensor.FromSlice(data, tensor.NewShape(len(data)))
	p.AccumulateGrad(grad)
	return p
}

func TestBuildGroupsSplitsNoDecay(t *testing.T) {
	params := []nn.NamedParam{
		{Name: "encoder.layers.0.attn.wq.weight", Param: tensor.Zeros(tensor.NewShape(1))},
		{Name: "encoder.layers.0.attn.wq.bias", Param: tensor.Zeros(tensor.NewShape(1))},
		{Name: "encoder.layers.0.norm1.gamma", Param: tensor.Zeros(tensor.NewShape(1))},
	}
	groups := BuildGroups(params, 0.01, []string{".norm", ".bias"})

	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Params, 1)
	assert.Equal(t, float32(0.01), groups[0].WeightDecay)
	assert.Len(t, groups[1].Params, 2)
	assert.Equal(t, float32(0), groups[1].WeightDecay)
}

func TestSGDPlainStep(t *testing.T) {
	p := paramWithGrad([]float32{1}, []float32{0.5})
	sgd := NewSGD([]Group{{Params: []*tensor.Tensor{p}}}, 0, false)

	sgd.Step(0.1)
	assert.InDelta(t, 0.95, p.Data()[0], 1e-6)
}

func TestSGDMomentumAccumulates(t *testing.T) {
	p := paramWithGrad([]float32{0}, []float32{1})
	sgd := NewSGD([]Group{{Params: []*tensor.Tensor{p}}}, 0.9, false)

	sgd.Step(1) // v=1, x=-1
	p.ZeroGrad()
	p.AccumulateGrad([]float32{1})
	sgd.Step(1) // v=1.9, x=-2.9

	assert.InDelta(t, -2.9, p.Data()[0], 1e-5)
}

func TestAdamWDecoupledDecayShrinksWithoutGradient(t *testing.T) {
	// Zero gradient: only the decoupled decay term moves the weight.
	p := paramWithGrad([]float32{1}, []float32{0})
	opt := NewAdamW([]Group{{Params: []*tensor.Tensor{p}, WeightDecay: 0.1}}, 0.9, 0.999)

	opt.Step(0.5)
	assert.InDelta(t, 0.95, p.Data()[0], 1e-6)
}

func TestAdamFirstStepMatchesSignedLR(t *testing.T) {
	// On the first step mHat/sqrt(vHat) = sign(grad) up to eps.
	p := paramWithGrad([]float32{0}, []float32{3})
	opt := NewAdam([]Group{{Params: []*tensor.Tensor{p}}}, 0.9, 0.999)

	opt.Step(0.01)
	assert.InDelta(t, -0.01, p.Data()[0], 1e-4)
}

func TestLookaheadSlowFastAlgebra(t *testing.T) {
	p := paramWithGrad([]float32{0}, []float32{1})
	inner := NewSGD([]Group{{Params: []*tensor.Tensor{p}}}, 0, false)
	la := NewLookahead(inner, 2, 0.5)

	la.Step(1) // fast = -1, slow = 0
	assert.InDelta(t, -1, p.Data()[0], 1e-6)

	p.ZeroGrad()
	p.AccumulateGrad([]float32{1})
	la.Step(1) // fast = -2, then sync: slow = 0 + 0.5*(-2-0) = -1, fast = -1
	assert.InDelta(t, -1, p.Data()[0], 1e-6)
}

func TestClipGradNorm(t *testing.T) {
	p := paramWithGrad([]float32{0, 0}, []float32{3, 4})
	norm := ClipGradNorm([]*tensor.Tensor{p}, 1)

	assert.InDelta(t, 5, norm, 1e-5)
	assert.InDelta(t, 0.6, p.Grad[0], 1e-5)
	assert.InDelta(t, 0.8, p.Grad[1], 1e-5)

	// Below the limit nothing changes.
	q := paramWithGrad([]float32{0}, []float32{0.5})
	ClipGradNorm([]*tensor.Tensor{q}, 1)
	assert.InDelta(t, 0.5, q.Grad[0], 1e-6)
}

func TestScheduleEndpoints(t *testing.T) {
	for _, name := range []string{"linear", "cosine"} {
		s, err := NewSchedule(name, 1, 10, 100)
		require.NoError(t, err)

		assert.InDelta(t, 0, s.LRAt(0), 1e-6, name)
		assert.InDelta(t, 0.5, s.LRAt(5), 1e-6, name)
		assert.InDelta(t, 1, s.LRAt(10), 1e-6, name)
		assert.InDelta(t, 0, s.LRAt(100), 1e-6, name)
		assert.InDelta(t, 0, s.LRAt(1000), 1e-6, name)
	}

	lin, _ := NewSchedule("linear", 2, 10, 110)
	assert.InDelta(t, 1, lin.LRAt(60), 1e-5) // halfway through decay

	cos, _ := NewSchedule("cosine", 2, 10, 110)
	assert.InDelta(t, 1, cos.LRAt(60), 1e-5) // cosine midpoint is also half

	_, err := NewSchedule("step", 1, 10, 100)
	assert.Error(t, err)
	_, err = NewSchedule("linear", 1, 0, 100)
	assert.Error(t, err)
}

func TestOptimizerFactory(t *testing.T) {
	groups := []Group{{Params: []*tensor.Tensor{tensor.Zeros(tensor.NewShape(2))}}}

	for _, name := range []string{"sgd", "adam", "adamw"} {
		opt, err := New(Options{Name: name, AdamBeta1: 0.9, AdamBeta2: 0.999}, groups)
		require.NoError(t, err)
		assert.Len(t, opt.Parameters(), 1)
	}

	opt, err := New(Options{Name: "sgd", UseLookahead: true, LookaheadSteps: 5, LookaheadAlpha: 0.5}, groups)
	require.NoError(t, err)
	_, isLookahead := opt.(*Lookahead)
	assert.True(t, isLookahead)

	_, err = New(Options{Name: "rmsprop"}, groups)
	assert.Error(t, err)
}
