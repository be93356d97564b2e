// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math"
	"math/rand"

	"github.com/glimpse-ml/glimpse/data"
	"github.com/glimpse-ml/glimpse/nn"
	"github.com/glimpse-ml/glimpse/tensor"
)

// tiedOutput projects fused features to vocabulary logits through the word
// embedding table (weight tying). A linear transform first maps the fused
// feature size onto the embedding dimension.
type tiedOutput struct {
	transform *nn.Linear
	table     *tensor.Tensor // [vocab, hidden], shared with the embedding

	lastHidden *tensor.Tensor
}

func newTiedOutput(fusedSize int, table *tensor.Tensor, rng *rand.Rand) *tiedOutput {
	return &tiedOutput{
		transform: nn.NewLinear(fusedSize, table.Shape().At(1), true, rng),
		table:     table,
	}
}

// Forward maps [batch, seqLen, fusedSize] to [batch, seqLen, vocab] logits.
func (o *tiedOutput) Forward(fused *tensor.Tensor) *tensor.Tensor {
	o.lastHidden = o.transform.Forward(fused)

	dims := o.lastHidden.Shape().DimsRef()
	vocab, hidden := o.table.Shape().At(0), o.table.Shape().At(1)
	rows := o.lastHidden.Numel() / hidden
	flat := o.lastHidden.Reshape(tensor.NewShape(rows, hidden))
	logits := tensor.MatmulTransposedB(flat, o.table)
	return logits.Reshape(tensor.NewShape(dims[0], dims[1], vocab))
}

// Backward accumulates into the shared table and the transform, returning
// the gradient on the fused features.
func (o *tiedOutput) Backward(gradLogits *tensor.Tensor) *tensor.Tensor {
	vocab, hidden := o.table.Shape().At(0), o.table.Shape().At(1)
	rows := gradLogits.Numel() / vocab

	if o.table.Grad == nil {
		o.table.Grad = make([]float32, o.table.Numel())
	}
	// dTable += gradLogits^T @ hidden over all positions.
	tensor.Gemm(true, false,
		vocab, hidden, rows,
		1.0,
		gradLogits.DataPtr(), vocab,
		o.lastHidden.DataPtr(), hidden,
		1.0,
		o.table.Grad, hidden)

	flatGrad := gradLogits.Reshape(tensor.NewShape(rows, vocab))
	gradHidden := tensor.Matmul(flatGrad, tensor.FromSliceNoCopy(o.table.DataPtr(), o.table.Shape()))
	return o.transform.Backward(gradHidden.Reshape(o.lastHidden.Shape()))
}

func (o *tiedOutput) Parameters() []*tensor.Tensor {
	// The table itself belongs to the embedding's parameter list; only the
	// transform is owned here.
	return o.transform.Parameters()
}

func (o *tiedOutput) NamedParameters() []nn.NamedParam {
	return nn.Prefixed("transform", o.transform.NamedParameters())
}

// maskedCrossEntropy computes token-level cross entropy over positions whose
// label is not data.IgnoreIndex, averaged over the counted positions, with
// the softmax-minus-onehot gradient on the logits. No counted positions
// yields zero loss and zero gradient.
func maskedCrossEntropy(logits *tensor.Tensor, labels [][]int) (float32, *tensor.Tensor) {
	dims := logits.Shape().DimsRef()
	batch, seqLen, vocab := dims[0], dims[1], dims[2]
	lData := logits.DataPtr()
	grad := tensor.New(logits.Shape())
	gData := grad.DataPtr()

	count := 0
	for b := 0; b < batch; b++ {
		for t := 0; t < seqLen; t++ {
			if labels[b][t] != data.IgnoreIndex {
				count++
			}
		}
	}
	if count == 0 {
		return 0, grad
	}

	loss := float32(0)
	inv := 1 / float32(count)
	for b := 0; b < batch; b++ {
		for t := 0; t < seqLen; t++ {
			target := labels[b][t]
			if target == data.IgnoreIndex {
				continue
			}
			row := lData[(b*seqLen+t)*vocab : (b*seqLen+t+1)*vocab]
			gRow := gData[(b*seqLen+t)*vocab : (b*seqLen+t+1)*vocab]

			maxV := row[0]
			for _, v := range row[1:] {
				if v > maxV {
					maxV = v
				}
			}
			sumExp := float32(0)
			for _, v := range row {
				sumExp += float32(math.Exp(float64(v - maxV)))
			}
			logSumExp := maxV + float32(math.Log(float64(sumExp)))
			loss += (logSumExp - row[target]) * inv

			for j, v := range row {
				gRow[j] = float32(math.Exp(float64(v-logSumExp))) * inv
			}
			gRow[target] -= inv
		}
	}
	return loss, grad
}
