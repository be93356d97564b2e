// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math/rand"

	"github.com/glimpse-ml/glimpse/tensor"
)

// Dropout zeroes activations with probability p during training and scales
// the survivors by 1/(1-p) so eval needs no rescaling (inverted dropout).
// With training disabled, or p == 0, it is the identity.
type Dropout struct {
	p        float32
	training bool
	rng      *rand.Rand
	lastMask []float32
}

func NewDropout(p float32, rng *rand.Rand) *Dropout {
	if p < 0 || p >= 1 {
		panic("nn: dropout probability must be in [0, 1)")
	}
	return &Dropout{p: p, rng: rng}
}

// SetTraining toggles dropout on or off.
func (d *Dropout) SetTraining(training bool) { d.training = training }

func (d *Dropout) Forward(input *tensor.Tensor) *tensor.Tensor {
	if !d.training || d.p == 0 {
		d.lastMask = nil
		return input
	}
	out := tensor.New(input.Shape())
	src, dst := input.DataPtr(), out.DataPtr()

	if cap(d.lastMask) < len(src) {
		d.lastMask = make([]float32, len(src))
	}
	d.lastMask = d.lastMask[:len(src)]

	scale := 1 / (1 - d.p)
	for i, x := range src {
		if d.rng.Float32() < d.p {
			d.lastMask[i] = 0
		} else {
			d.lastMask[i] = scale
			dst[i] = x * scale
		}
	}
	return out
}

func (d *Dropout) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if d.lastMask == nil {
		return gradOutput
	}
	grad := tensor.New(gradOutput.Shape())
	gOut, gIn := gradOutput.DataPtr(), grad.DataPtr()
	for i, m := range d.lastMask {
		gIn[i] = gOut[i] * m
	}
	return grad
}

func (d *Dropout) Parameters() []*tensor.Tensor { return nil }
