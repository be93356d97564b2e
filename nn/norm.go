// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math"

	"github.com/glimpse-ml/glimpse/tensor"
)

// LayerNorm normalizes each last-dim vector to zero mean and unit variance,
// then applies a learnable affine transform.
//
//	mu = mean(x); sigma = sqrt(var(x) + eps)
//	y_i = (x_i - mu) / sigma * gamma_i + beta_i
type LayerNorm struct {
	gamma *tensor.Tensor // learnable scale, shape [dim]
	beta  *tensor.Tensor // learnable shift, shape [dim]
	eps   float32
	dim   int

	lastInput *tensor.Tensor // cached for backward
	lastXHat  []float32      // cached normalized input
	lastSigma []float32      // cached per-vector sigma
}

// NewLayerNorm creates a LayerNorm with gamma=1, beta=0.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		gamma: tensor.Ones(tensor.NewShape(dim)),
		beta:  tensor.Zeros(tensor.NewShape(dim)),
		eps:   eps,
		dim:   dim,
	}
}

// Forward applies LayerNorm along the last dimension.
func (n *LayerNorm) Forward(input *tensor.Tensor) *tensor.Tensor {
	n.lastInput = input
	numVectors := input.Shape().Numel() / n.dim

	if cap(n.lastXHat) >= numVectors*n.dim {
		n.lastXHat = n.lastXHat[:numVectors*n.dim]
	} else {
		n.lastXHat = make([]float32, numVectors*n.dim)
	}
	if cap(n.lastSigma) >= numVectors {
		n.lastSigma = n.lastSigma[:numVectors]
	} else {
		n.lastSigma = make([]float32, numVectors)
	}

	output := tensor.New(input.Shape())
	in, out := input.DataPtr(), output.DataPtr()
	g, b := n.gamma.DataPtr(), n.beta.DataPtr()
	invDim := 1.0 / float32(n.dim)

	for v := 0; v < numVectors; v++ {
		off := v * n.dim
		row := in[off : off+n.dim]

		mean := float32(0)
		for _, x := range row {
			mean += x
		}
		mean *= invDim

		variance := float32(0)
		for _, x := range row {
			d := x - mean
			variance += d * d
		}
		variance *= invDim

		sigma := float32(math.Sqrt(float64(variance + n.eps)))
		n.lastSigma[v] = sigma
		invSigma := 1.0 / sigma

		oRow := out[off : off+n.dim]
		hRow := n.lastXHat[off : off+n.dim]
		for i := range oRow {
			xh := (row[i] - mean) * invSigma
			hRow[i] = xh
			oRow[i] = xh*g[i] + b[i]
		}
	}
	return output
}

// Backward computes the input gradient and accumulates gamma/beta gradients.
//
//	d_beta[i]  = sum_v gradOutput[v, i]
//	d_gamma[i] = sum_v gradOutput[v, i] * xhat[v, i]
//	d_x = (g - mean(g) - xhat * mean(g * xhat)) / sigma, with g = gradOutput * gamma
func (n *LayerNorm) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if n.lastInput == nil {
		panic("nn: layernorm backward called before forward")
	}
	numVectors := gradOutput.Shape().Numel() / n.dim

	gradInput := tensor.New(gradOutput.Shape())
	gOut, gIn := gradOutput.DataPtr(), gradInput.DataPtr()
	g := n.gamma.DataPtr()

	dGamma := make([]float32, n.dim)
	dBeta := make([]float32, n.dim)
	invDim := 1.0 / float32(n.dim)

	for v := 0; v < numVectors; v++ {
		off := v * n.dim
		hRow := n.lastXHat[off : off+n.dim]
		invSigma := 1.0 / n.lastSigma[v]

		meanG := float32(0)
		meanGH := float32(0)
		for i := 0; i < n.dim; i++ {
			go_ := gOut[off+i]
			dGamma[i] += go_ * hRow[i]
			dBeta[i] += go_
			gg := go_ * g[i]
			meanG += gg
			meanGH += gg * hRow[i]
		}
		meanG *= invDim
		meanGH *= invDim

		for i := 0; i < n.dim; i++ {
			gg := gOut[off+i] * g[i]
			gIn[off+i] = (gg - meanG - hRow[i]*meanGH) * invSigma
		}
	}

	n.gamma.AccumulateGrad(dGamma)
	n.beta.AccumulateGrad(dBeta)
	return gradInput
}

// Parameters returns gamma and beta.
func (n *LayerNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{n.gamma, n.beta}
}

// NamedParameters returns gamma and beta. Parents prefix these with a name
// containing "norm" so the optimizer's no-decay matching picks them up.
func (n *LayerNorm) NamedParameters() []NamedParam {
	return []NamedParam{{"gamma", n.gamma}, {"beta", n.beta}}
}
