// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package optim

import (
	"fmt"
	"math"

	"github.com/glimpse-ml/glimpse/tensor"
)

// SGD implements stochastic gradient descent with optional momentum and
// Nesterov acceleration. Weight decay is applied as an L2 term added to the
// gradient (the coupled form, unlike AdamW).
type SGD struct {
	groups   []Group
	momentum float32
	nesterov bool
	velocity [][]float32
}

func NewSGD(groups []Group, momentum float32, nesterov bool) *SGD {
	s := &SGD{groups: groups, momentum: momentum, nesterov: nesterov}
	for _, g := range groups {
		for _, p := range g.Params {
			s.velocity = append(s.velocity, make([]float32, p.Numel()))
		}
	}
	return s
}

func (s *SGD) Step(lr float32) {
	idx := 0
	for _, g := range s.groups {
		for _, p := range g.Params {
			v := s.velocity[idx]
			idx++
			if p.Grad == nil {
				continue
			}
			data := p.DataPtr()
			for i, grad := range p.Grad {
				if g.WeightDecay != 0 {
					grad += g.WeightDecay * data[i]
				}
				v[i] = s.momentum*v[i] + grad
				update := v[i]
				if s.nesterov {
					update = grad + s.momentum*v[i]
				}
				data[i] -= lr * update
			}
		}
	}
}

func (s *SGD) ZeroGrad()                    { zeroGrads(s.groups) }
func (s *SGD) Parameters() []*tensor.Tensor { return flatten(s.groups) }

// Adam implements Adam with bias correction. decoupled selects AdamW
// semantics: weight decay applied directly to the weights, scaled by the
// learning rate, outside the adaptive moments.
type Adam struct {
	groups       []Group
	beta1, beta2 float32
	eps          float32
	decoupled    bool
	step         int
	m, v         [][]float32
}

func newAdam(groups []Group, beta1, beta2 float32, decoupled bool) *Adam {
	a := &Adam{groups: groups, beta1: beta1, beta2: beta2, eps: 1e-8, decoupled: decoupled}
	for _, g := range groups {
		for _, p := range g.Params {
			a.m = append(a.m, make([]float32, p.Numel()))
			a.v = append(a.v, make([]float32, p.Numel()))
		}
	}
	return a
}

// NewAdam creates a standard Adam optimizer (coupled weight decay).
func NewAdam(groups []Group, beta1, beta2 float32) *Adam {
	return newAdam(groups, beta1, beta2, false)
}

// NewAdamW creates Adam with decoupled weight decay.
func NewAdamW(groups []Group, beta1, beta2 float32) *Adam {
	return newAdam(groups, beta1, beta2, true)
}

func (a *Adam) Step(lr float32) {
	a.step++
	bc1 := 1 - float32(math.Pow(float64(a.beta1), float64(a.step)))
	bc2 := 1 - float32(math.Pow(float64(a.beta2), float64(a.step)))

	idx := 0
	for _, g := range a.groups {
		for _, p := range g.Params {
			m, v := a.m[idx], a.v[idx]
			idx++
			if p.Grad == nil {
				continue
			}
			data := p.DataPtr()
			for i, grad := range p.Grad {
				if !a.decoupled && g.WeightDecay != 0 {
					grad += g.WeightDecay * data[i]
				}
				m[i] = a.beta1*m[i] + (1-a.beta1)*grad
				v[i] = a.beta2*v[i] + (1-a.beta2)*grad*grad
				mHat := m[i] / bc1
				vHat := v[i] / bc2
				data[i] -= lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
				if a.decoupled && g.WeightDecay != 0 {
					data[i] -= lr * g.WeightDecay * data[i]
				}
			}
		}
	}
}

func (a *Adam) ZeroGrad()                    { zeroGrads(a.groups) }
func (a *Adam) Parameters() []*tensor.Tensor { return flatten(a.groups) }

// Options selects and configures an optimizer by name.
type Options struct {
	Name        string // "sgd", "adam", "adamw"
	SGDMomentum float32
	SGDNesterov bool
	AdamBeta1   float32
	AdamBeta2   float32

	UseLookahead   bool
	LookaheadSteps int
	LookaheadAlpha float32
}

// New builds the configured optimizer over the given parameter groups,
// wrapping it in Lookahead when requested.
func New(opts Options, groups []Group) (Optimizer, error) {
	var inner Optimizer
	switch opts.Name {
	case "sgd":
		inner = NewSGD(groups, opts.SGDMomentum, opts.SGDNesterov)
	case "adam":
		inner = NewAdam(groups, opts.AdamBeta1, opts.AdamBeta2)
	case "adamw":
		inner = NewAdamW(groups, opts.AdamBeta1, opts.AdamBeta2)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", opts.Name)
	}
	if opts.UseLookahead {
		inner = NewLookahead(inner, opts.LookaheadSteps, opts.LookaheadAlpha)
	}
	return inner, nil
}
