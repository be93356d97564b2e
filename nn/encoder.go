// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"fmt"
	"math/rand"

	"github.com/glimpse-ml/glimpse/tensor"
)

// FeedForward is the position-wise MLP inside a transformer layer:
// fc1 -> activation -> fc2.
type FeedForward struct {
	fc1, fc2 *Linear
	act      *Activation
}

func NewFeedForward(hiddenDim, ffDim int, activation string, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		fc1: NewLinear(hiddenDim, ffDim, true, rng),
		fc2: NewLinear(ffDim, hiddenDim, true, rng),
		act: NewActivation(activation),
	}
}

func (f *FeedForward) Forward(input *tensor.Tensor) *tensor.Tensor {
	return f.fc2.Forward(f.act.Forward(f.fc1.Forward(input)))
}

func (f *FeedForward) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	return f.fc1.Backward(f.act.Backward(f.fc2.Backward(gradOutput)))
}

func (f *FeedForward) Parameters() []*tensor.Tensor {
	return concatParams(f.fc1.Parameters(), f.fc2.Parameters())
}

func (f *FeedForward) NamedParameters() []NamedParam {
	var out []NamedParam
	out = append(out, Prefixed("fc1", f.fc1.NamedParameters())...)
	out = append(out, Prefixed("fc2", f.fc2.NamedParameters())...)
	return out
}

// EncoderLayer is one transformer block: self-attention plus feed-forward,
// each wrapped in a residual connection. preNorm selects where LayerNorm
// sits: before each sublayer (pre-norm) or after the residual add
// (post-norm, the BERT arrangement).
type EncoderLayer struct {
	attn     *MultiHeadAttention
	ffn      *FeedForward
	norm1    *LayerNorm
	norm2    *LayerNorm
	dropAttn *Dropout
	dropFFN  *Dropout
	preNorm  bool

	lastPadding [][]bool
}

func NewEncoderLayer(hiddenDim, nHeads, ffDim int, activation string, dropoutP float32, causal, preNorm bool, rng *rand.Rand) *EncoderLayer {
	return &EncoderLayer{
		attn:     NewMultiHeadAttention(hiddenDim, nHeads, causal, rng),
		ffn:      NewFeedForward(hiddenDim, ffDim, activation, rng),
		norm1:    NewLayerNorm(hiddenDim, 1e-8),
		norm2:    NewLayerNorm(hiddenDim, 1e-8),
		dropAttn: NewDropout(dropoutP, rng),
		dropFFN:  NewDropout(dropoutP, rng),
		preNorm:  preNorm,
	}
}

func (l *EncoderLayer) SetTraining(training bool) {
	l.dropAttn.SetTraining(training)
	l.dropFFN.SetTraining(training)
}

func (l *EncoderLayer) Forward(input *tensor.Tensor, padding [][]bool) *tensor.Tensor {
	l.lastPadding = padding
	if l.preNorm {
		n1 := l.norm1.Forward(input)
		x := input.Add(l.dropAttn.Forward(l.attn.Forward(n1, n1, padding)))
		return x.Add(l.dropFFN.Forward(l.ffn.Forward(l.norm2.Forward(x))))
	}
	x := l.norm1.Forward(input.Add(l.dropAttn.Forward(l.attn.Forward(input, input, padding))))
	return l.norm2.Forward(x.Add(l.dropFFN.Forward(l.ffn.Forward(x))))
}

func (l *EncoderLayer) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if l.preNorm {
		gX1 := gradOutput.Add(l.norm2.Backward(l.ffn.Backward(l.dropFFN.Backward(gradOutput))))
		gQ, gKV := l.attn.Backward(l.dropAttn.Backward(gX1))
		return gX1.Add(l.norm1.Backward(gQ.Add(gKV)))
	}
	g2 := l.norm2.Backward(gradOutput)
	gY1 := g2.Add(l.ffn.Backward(l.dropFFN.Backward(g2)))
	g1 := l.norm1.Backward(gY1)
	gQ, gKV := l.attn.Backward(l.dropAttn.Backward(g1))
	return g1.Add(gQ).Add(gKV)
}

func (l *EncoderLayer) Parameters() []*tensor.Tensor {
	return concatParams(
		l.attn.Parameters(),
		l.ffn.Parameters(),
		l.norm1.Parameters(),
		l.norm2.Parameters(),
	)
}

func (l *EncoderLayer) NamedParameters() []NamedParam {
	var out []NamedParam
	out = append(out, Prefixed("attn", l.attn.NamedParameters())...)
	out = append(out, Prefixed("ffn", l.ffn.NamedParameters())...)
	out = append(out, Prefixed("norm1", l.norm1.NamedParameters())...)
	out = append(out, Prefixed("norm2", l.norm2.NamedParameters())...)
	return out
}

// Encoder stacks EncoderLayers. Pre-norm stacks carry an extra LayerNorm on
// the final output; post-norm stacks already normalize inside each layer.
type Encoder struct {
	layers    []*EncoderLayer
	finalNorm *LayerNorm
}

func NewEncoder(numLayers, hiddenDim, nHeads, ffDim int, activation string, dropoutP float32, causal, preNorm bool, rng *rand.Rand) *Encoder {
	layers := make([]*EncoderLayer, numLayers)
	for i := range layers {
		layers[i] = NewEncoderLayer(hiddenDim, nHeads, ffDim, activation, dropoutP, causal, preNorm, rng)
	}
	e := &Encoder{layers: layers}
	if preNorm {
		e.finalNorm = NewLayerNorm(hiddenDim, 1e-8)
	}
	return e
}

func (e *Encoder) SetTraining(training bool) {
	for _, l := range e.layers {
		l.SetTraining(training)
	}
}

func (e *Encoder) Forward(input *tensor.Tensor, padding [][]bool) *tensor.Tensor {
	x := input
	for _, l := range e.layers {
		x = l.Forward(x, padding)
	}
	if e.finalNorm != nil {
		x = e.finalNorm.Forward(x)
	}
	return x
}

func (e *Encoder) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	g := gradOutput
	if e.finalNorm != nil {
		g = e.finalNorm.Backward(g)
	}
	for i := len(e.layers) - 1; i >= 0; i-- {
		g = e.layers[i].Backward(g)
	}
	return g
}

func (e *Encoder) Parameters() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, l := range e.layers {
		out = append(out, l.Parameters()...)
	}
	if e.finalNorm != nil {
		out = append(out, e.finalNorm.Parameters()...)
	}
	return out
}

func (e *Encoder) NamedParameters() []NamedParam {
	var out []NamedParam
	for i, l := range e.layers {
		out = append(out, Prefixed(fmt.Sprintf("layers.%d", i), l.NamedParameters())...)
	}
	if e.finalNorm != nil {
		out = append(out, Prefixed("finalnorm", e.finalNorm.NamedParameters())...)
	}
	return out
}
