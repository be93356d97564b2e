// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package optim

import (
	"github.com/glimpse-ml/glimpse/tensor"
)

// Lookahead wraps an inner optimizer with slow weights. The inner optimizer
// advances the fast weights every step; every k steps the slow weights take
// an alpha-sized step toward the fast weights, and the fast weights reset to
// the slow weights:
//
//	slow <- slow + alpha * (fast - slow)
//	fast <- slow
type Lookahead struct {
	inner Optimizer
	k     int
	alpha float32
	step  int
	slow  [][]float32
}

func NewLookahead(inner Optimizer, k int, alpha float32) *Lookahead {
	l := &Lookahead{inner: inner, k: k, alpha: alpha}
	for _, p := range inner.Parameters() {
		slow := make([]float32, p.Numel())
		copy(slow, p.DataPtr())
		l.slow = append(l.slow, slow)
	}
	return l
}

func (l *Lookahead) Step(lr float32) {
	l.inner.Step(lr)
	l.step++
	if l.step%l.k != 0 {
		return
	}
	for i, p := range l.inner.Parameters() {
		slow := l.slow[i]
		fast := p.DataPtr()
		for j := range slow {
			slow[j] += l.alpha * (fast[j] - slow[j])
			fast[j] = slow[j]
		}
	}
}

func (l *Lookahead) ZeroGrad()                    { l.inner.ZeroGrad() }
func (l *Lookahead) Parameters() []*tensor.Tensor { return l.inner.Parameters() }
