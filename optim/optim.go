// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package optim implements the optimizers and learning-rate schedules used
// by pretraining: SGD with momentum, Adam, AdamW, a Lookahead wrapper, and
// warmup schedules with linear or cosine decay. Parameters are grouped so
// normalization and bias parameters can be exempted from weight decay.
package optim

import (
	"math"
	"strings"

	"github.com/glimpse-ml/glimpse/nn"
	"github.com/glimpse-ml/glimpse/tensor"
)

// Optimizer updates parameters in place from their accumulated gradients.
type Optimizer interface {
	// Step applies one update with the given learning rate.
	Step(lr float32)
	// ZeroGrad clears accumulated gradients on every parameter.
	ZeroGrad()
	// Parameters returns every managed parameter, all groups flattened.
	Parameters() []*tensor.Tensor
}

// Group is a set of parameters sharing a weight decay factor.
type Group struct {
	Params      []*tensor.Tensor
	WeightDecay float32
}

// BuildGroups splits named parameters into a decayed group and an undecayed
// group. A parameter lands in the undecayed group when its name contains any
// of the noDecay substrings (".norm" and ".bias" by convention).
func BuildGroups(params []nn.NamedParam, weightDecay float32, noDecay []string) []Group {
	decayed := Group{WeightDecay: weightDecay}
	exempt := Group{WeightDecay: 0}
	for _, p := range params {
		isExempt := false
		for _, sub := range noDecay {
			if strings.Contains(p.Name, sub) {
				isExempt = true
				break
			}
		}
		if isExempt {
			exempt.Params = append(exempt.Params, p.Param)
		} else {
			decayed.Params = append(decayed.Params, p.Param)
		}
	}
	return []Group{decayed, exempt}
}

// flatten returns all group parameters in group order.
func flatten(groups []Group) []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, g := range groups {
		out = append(out, g.Params...)
	}
	return out
}

func zeroGrads(groups []Group) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// ClipGradNorm scales all gradients so their global L2 norm does not exceed
// maxNorm, and returns the pre-clip norm. maxNorm <= 0 disables clipping.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float32) float32 {
	sumSq := float64(0)
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for _, g := range p.Grad {
			sumSq += float64(g) * float64(g)
		}
	}
	norm := float32(math.Sqrt(sumSq))
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}
