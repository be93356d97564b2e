// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"fmt"
	"math"

	"github.com/glimpse-ml/glimpse/tensor"
)

// Activation is a parameter-free element-wise layer selected by name
// ("gelu" or "relu", matching the textual stream variants).
type Activation struct {
	name      string
	lastInput *tensor.Tensor
}

// NewActivation creates an activation layer. Unknown names panic: the name
// comes from validated configuration, so this is a programmer error.
func NewActivation(name string) *Activation {
	switch name {
	case "gelu", "relu":
		return &Activation{name: name}
	default:
		panic(fmt.Sprintf("nn: unknown activation %q", name))
	}
}

// Forward applies the activation element-wise.
//
//	relu(x) = max(0, x)
//	gelu(x) ~ 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3)))
func (a *Activation) Forward(input *tensor.Tensor) *tensor.Tensor {
	a.lastInput = input
	out := tensor.New(input.Shape())
	src, dst := input.DataPtr(), out.DataPtr()

	if a.name == "relu" {
		for i, x := range src {
			if x > 0 {
				dst[i] = x
			}
		}
		return out
	}

	const c = 0.7978845608 // sqrt(2/pi)
	for i, x := range src {
		u := float64(c * (x + 0.044715*x*x*x))
		dst[i] = 0.5 * x * (1 + float32(math.Tanh(u)))
	}
	return out
}

// Backward multiplies the incoming gradient by the activation derivative.
//
//	relu'(x) = 1 if x > 0 else 0
//	gelu'(x) = 0.5*(1+tanh(u)) + 0.5*x*(1-tanh(u)^2)*sqrt(2/pi)*(1+3*0.044715*x^2)
func (a *Activation) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if a.lastInput == nil {
		panic("nn: activation backward called before forward")
	}
	grad := tensor.New(gradOutput.Shape())
	src, gOut, gIn := a.lastInput.DataPtr(), gradOutput.DataPtr(), grad.DataPtr()

	if a.name == "relu" {
		for i, x := range src {
			if x > 0 {
				gIn[i] = gOut[i]
			}
		}
		return grad
	}

	const (
		c     = 0.7978845608
		coeff = 0.044715
	)
	for i, x := range src {
		u := float64(c * (x + coeff*x*x*x))
		th := float32(math.Tanh(u))
		dudx := c * (1 + 3*coeff*x*x)
		gIn[i] = gOut[i] * (0.5*(1+th) + 0.5*x*(1-th*th)*dudx)
	}
	return grad
}

// Parameters returns nil; activations are parameter-free.
func (a *Activation) Parameters() []*tensor.Tensor { return nil }
