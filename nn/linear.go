// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math/rand"

	"github.com/glimpse-ml/glimpse/tensor"
)

// Linear computes y = x @ W^T + b (optional bias).
//
// Weight shape: [out_features, in_features] (transposed layout so that
// MatmulTransposedB can be used, avoiding a separate transpose allocation).
type Linear struct {
	weight    *tensor.Tensor
	bias      *tensor.Tensor
	inFeat    int
	outFeat   int
	useBias   bool
	lastInput *tensor.Tensor // cached for backward pass
}

// NewLinear creates a linear layer with BERT-style initialization:
// weights N(0, 0.02), bias zero.
func NewLinear(inFeatures, outFeatures int, useBias bool, rng *rand.Rand) *Linear {
	l := &Linear{
		weight:  tensor.RandnWithStd(tensor.NewShape(outFeatures, inFeatures), rng, 0.02),
		inFeat:  inFeatures,
		outFeat: outFeatures,
		useBias: useBias,
	}
	if useBias {
		l.bias = tensor.Zeros(tensor.NewShape(outFeatures))
	}
	return l
}

// Forward computes y = x @ W^T (+ bias). Input may be any shape where the
// last dim is in_features; leading dims are treated as a flat batch.
func (l *Linear) Forward(input *tensor.Tensor) *tensor.Tensor {
	l.lastInput = input
	batchDims, batchSize, _ := tensor.SplitLast(input.Shape().DimsRef())
	flatInput := input.Reshape(tensor.NewShape(batchSize, l.inFeat))
	output := tensor.MatmulTransposedB(flatInput, l.weight)

	if l.useBias {
		out, b := output.DataPtr(), l.bias.DataPtr()
		for i := 0; i < batchSize; i++ {
			row := out[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	return output.Reshape(tensor.WithLastDim(batchDims, l.outFeat))
}

// Backward computes dL/dx = dL/dy @ W and accumulates weight and bias
// gradients: dW = gradOutput^T @ input, db = sum(gradOutput).
func (l *Linear) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if l.lastInput == nil {
		panic("nn: linear backward called before forward")
	}
	inputShape := l.lastInput.Shape()
	_, batchSize, _ := tensor.SplitLast(gradOutput.Shape().DimsRef())
	flatGrad := gradOutput.Reshape(tensor.NewShape(batchSize, l.outFeat))
	flatInput := l.lastInput.Reshape(tensor.NewShape(batchSize, l.inFeat))

	// dX = gradOutput @ W -> [batchSize, inFeat]
	gradInput := tensor.Matmul(flatGrad, l.weight)

	// dW = gradOutput^T @ input -> [outFeat, inFeat]
	dW := make([]float32, l.outFeat*l.inFeat)
	fgData := flatGrad.DataPtr()
	fiData := flatInput.DataPtr()
	tensor.Gemm(true, false, l.outFeat, l.inFeat, batchSize,
		1.0, fgData, l.outFeat,
		fiData, l.inFeat,
		0.0, dW, l.inFeat)
	l.weight.AccumulateGrad(dW)

	// db = sum(gradOutput, axis=0) -> [outFeat]
	if l.useBias {
		db := make([]float32, l.outFeat)
		for i := 0; i < batchSize; i++ {
			row := fgData[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				db[j] += row[j]
			}
		}
		l.bias.AccumulateGrad(db)
	}

	return gradInput.Reshape(inputShape)
}

// SetLastInput overrides the cached forward input. Composite layers that
// feed one input through several projections (attention Q/K/V) use this to
// re-point the cache before calling Backward.
func (l *Linear) SetLastInput(input *tensor.Tensor) { l.lastInput = input }

// Weight returns the weight tensor [out_features, in_features].
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// Parameters returns the weight (and bias, if present).
func (l *Linear) Parameters() []*tensor.Tensor {
	if l.useBias {
		return []*tensor.Tensor{l.weight, l.bias}
	}
	return []*tensor.Tensor{l.weight}
}

// NamedParameters returns the weight and bias with their canonical names.
func (l *Linear) NamedParameters() []NamedParam {
	if l.useBias {
		return []NamedParam{{"weight", l.weight}, {"bias", l.bias}}
	}
	return []NamedParam{{"weight", l.weight}}
}

// InFeatures returns the input dimension.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int { return l.outFeat }
