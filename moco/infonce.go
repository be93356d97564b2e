// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package moco

import (
	"fmt"
	"math"

	"github.com/glimpse-ml/glimpse/tensor"
)

// InfoNCE is the temperature-scaled contrastive cross-entropy. For each
// query row the positive key is the correct class among 1+capacity
// candidates (the positive plus the queue snapshot).
type InfoNCE struct {
	Temperature float32
}

// Compute evaluates the loss for raw (unnormalized) query and positive-key
// embeddings (batch x dim) against a snapshot of negatives (capacity x dim,
// stored normalized).
//
//  1. L2-normalize q and kPos rows.
//  2. positive logit = rowwise dot(qn, kn); negatives = qn @ snapshot^T.
//  3. Concatenate to (batch x 1+capacity) and divide by temperature.
//  4. Cross-entropy against fixed target column 0.
//
// Returned gradients are with respect to the raw inputs, through the
// normalization Jacobian. No gradient flows into the negatives: the
// snapshot was produced without gradient tracking and stays read-only.
// The loss is invariant to positive rescaling of q or kPos rows.
func (l InfoNCE) Compute(q, kPos, negatives *tensor.Tensor) (loss float32, gradQ, gradK *tensor.Tensor) {
	if l.Temperature <= 0 {
		panic(fmt.Sprintf("moco: temperature %v must be positive", l.Temperature))
	}
	qDims := q.Shape().DimsRef()
	batch, dim := qDims[0], qDims[1]
	if !q.Shape().Equal(kPos.Shape()) {
		panic(fmt.Sprintf("moco: query shape %v, key shape %v", q.Shape(), kPos.Shape()))
	}
	capacity := negatives.Shape().At(0)
	if negatives.Shape().At(1) != dim {
		panic(fmt.Sprintf("moco: negatives dim %d, embeddings dim %d", negatives.Shape().At(1), dim))
	}

	qn := q.L2NormalizeRows()
	kn := kPos.L2NormalizeRows()
	qnData, knData, negData := qn.DataPtr(), kn.DataPtr(), negatives.DataPtr()

	cols := 1 + capacity
	logits := make([]float32, batch*cols)
	for b := 0; b < batch; b++ {
		qRow := qnData[b*dim : (b+1)*dim]
		row := logits[b*cols : (b+1)*cols]
		row[0] = tensor.Dot(qRow, knData[b*dim:(b+1)*dim]) / l.Temperature
		for n := 0; n < capacity; n++ {
			row[1+n] = tensor.Dot(qRow, negData[n*dim:(n+1)*dim]) / l.Temperature
		}
	}

	// Cross-entropy with target 0 per row, and softmax-minus-onehot
	// gradients on the logits, both via a stable log-sum-exp.
	gradLogits := make([]float32, batch*cols)
	invBatch := 1 / float32(batch)
	for b := 0; b < batch; b++ {
		row := logits[b*cols : (b+1)*cols]
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
		loss += (logSumExp - row[0]) * invBatch

		gRow := gradLogits[b*cols : (b+1)*cols]
		for j, v := range row {
			gRow[j] = float32(math.Exp(float64(v-logSumExp))) * invBatch
		}
		gRow[0] -= invBatch
	}

	// Gradients w.r.t. the normalized embeddings. The negatives receive
	// none by contract.
	gradQN := make([]float32, batch*dim)
	gradKN := make([]float32, batch*dim)
	invTemp := 1 / l.Temperature
	for b := 0; b < batch; b++ {
		gRow := gradLogits[b*cols : (b+1)*cols]
		gq := gradQN[b*dim : (b+1)*dim]
		gk := gradKN[b*dim : (b+1)*dim]
		qRow := qnData[b*dim : (b+1)*dim]
		kRow := knData[b*dim : (b+1)*dim]

		for d := 0; d < dim; d++ {
			gq[d] = gRow[0] * kRow[d] * invTemp
			gk[d] = gRow[0] * qRow[d] * invTemp
		}
		for n := 0; n < capacity; n++ {
			g := gRow[1+n] * invTemp
			if g == 0 {
				continue
			}
			negRow := negData[n*dim : (n+1)*dim]
			for d := 0; d < dim; d++ {
				gq[d] += g * negRow[d]
			}
		}
	}

	gradQ = normalizationBackward(q, qn, gradQN)
	gradK = normalizationBackward(kPos, kn, gradKN)
	return loss, gradQ, gradK
}

// normalizationBackward maps a gradient on y = x/||x|| back to x:
//
//	dL/dx = (dL/dy - y * (y . dL/dy)) / ||x||
//
// Zero rows normalized to zero receive zero gradient.
func normalizationBackward(raw, normalized *tensor.Tensor, gradNorm []float32) *tensor.Tensor {
	dims := raw.Shape().DimsRef()
	batch, dim := dims[0], dims[1]
	out := tensor.New(raw.Shape())
	rawData, nData, oData := raw.DataPtr(), normalized.DataPtr(), out.DataPtr()

	for b := 0; b < batch; b++ {
		xRow := rawData[b*dim : (b+1)*dim]
		yRow := nData[b*dim : (b+1)*dim]
		gRow := gradNorm[b*dim : (b+1)*dim]
		norm := tensor.L2Norm(xRow)
		if norm == 0 {
			continue
		}
		proj := tensor.Dot(yRow, gRow)
		oRow := oData[b*dim : (b+1)*dim]
		for d := 0; d < dim; d++ {
			oRow[d] = (gRow[d] - yRow[d]*proj) / norm
		}
	}
	return out
}
