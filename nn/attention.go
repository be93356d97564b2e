// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math"
	"math/rand"

	"github.com/glimpse-ml/glimpse/tensor"
)

// MultiHeadAttention implements standard multi-head attention with biased
// projections. It serves three roles in the encoders: bidirectional
// self-attention, causal self-attention for next-token prediction, and
// cross-attention when the query and key/value sources differ.
//
//	scores  = (Q @ K^T) / sqrt(d_k)
//	weights = softmax(scores + mask)
//	output  = W_O @ (weights @ V)
type MultiHeadAttention struct {
	wQ, wK, wV, wO  *Linear
	nHeads, headDim int
	hiddenDim       int
	causal          bool
	scale           float32

	scoresBuf  []float32
	attnOutBuf []float32

	// Cached from forward for backward.
	lastQuery   *tensor.Tensor
	lastKV      *tensor.Tensor
	lastQ       *tensor.Tensor // [batch, qLen, nHeads, headDim]
	lastK       *tensor.Tensor // [batch, kvLen, nHeads, headDim]
	lastV       *tensor.Tensor
	lastWeights []float32 // [batch, nHeads, qLen, kvLen]
	lastBatch   int
	lastQLen    int
	lastKVLen   int
}

// NewMultiHeadAttention creates an attention layer. hiddenDim must divide
// evenly by nHeads. causal restricts each query position to attend only to
// itself and earlier positions.
func NewMultiHeadAttention(hiddenDim, nHeads int, causal bool, rng *rand.Rand) *MultiHeadAttention {
	if hiddenDim%nHeads != 0 {
		panic("nn: hiddenDim must be divisible by nHeads")
	}
	headDim := hiddenDim / nHeads
	return &MultiHeadAttention{
		wQ:     NewLinear(hiddenDim, hiddenDim, true, rng),
		wK:     NewLinear(hiddenDim, hiddenDim, true, rng),
		wV:     NewLinear(hiddenDim, hiddenDim, true, rng),
		wO:     NewLinear(hiddenDim, hiddenDim, true, rng),
		nHeads: nHeads, headDim: headDim,
		hiddenDim: hiddenDim,
		causal:    causal,
		scale:     1 / float32(math.Sqrt(float64(headDim))),
	}
}

// Forward computes attention from query over kv. For self-attention pass the
// same tensor for both. kvPadding marks key/value positions to exclude; row b
// position t is masked when kvPadding[b][t] is true. Pass nil for no mask.
func (a *MultiHeadAttention) Forward(query, kv *tensor.Tensor, kvPadding [][]bool) *tensor.Tensor {
	qDims := query.Shape().DimsRef()
	kvDims := kv.Shape().DimsRef()
	batch, qLen, kvLen := qDims[0], qDims[1], kvDims[1]
	a.lastQuery, a.lastKV = query, kv
	a.lastBatch, a.lastQLen, a.lastKVLen = batch, qLen, kvLen

	q := a.wQ.Forward(query).Reshape(tensor.NewShape(batch, qLen, a.nHeads, a.headDim))
	k := a.wK.Forward(kv).Reshape(tensor.NewShape(batch, kvLen, a.nHeads, a.headDim))
	v := a.wV.Forward(kv).Reshape(tensor.NewShape(batch, kvLen, a.nHeads, a.headDim))
	a.lastQ, a.lastK, a.lastV = q, k, v

	outLen := batch * qLen * a.nHeads * a.headDim
	if cap(a.attnOutBuf) >= outLen {
		a.attnOutBuf = a.attnOutBuf[:outLen]
		for i := range a.attnOutBuf {
			a.attnOutBuf[i] = 0
		}
	} else {
		a.attnOutBuf = make([]float32, outLen)
	}
	output := tensor.FromSliceNoCopy(a.attnOutBuf, tensor.NewShape(batch, qLen, a.nHeads, a.headDim))
	outData, qData, kData, vData := output.DataPtr(), q.DataPtr(), k.DataPtr(), v.DataPtr()

	weightsLen := batch * a.nHeads * qLen * kvLen
	if cap(a.lastWeights) >= weightsLen {
		a.lastWeights = a.lastWeights[:weightsLen]
	} else {
		a.lastWeights = make([]float32, weightsLen)
	}

	scoresLen := qLen * kvLen
	if cap(a.scoresBuf) >= scoresLen {
		a.scoresBuf = a.scoresBuf[:scoresLen]
	} else {
		a.scoresBuf = make([]float32, scoresLen)
	}
	scores := a.scoresBuf

	stride := a.nHeads * a.headDim
	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			for qi := 0; qi < qLen; qi++ {
				qOff := (b*qLen+qi)*stride + h*a.headDim
				qRow := qData[qOff : qOff+a.headDim]
				sRow := scores[qi*kvLen : (qi+1)*kvLen]

				limit := kvLen
				if a.causal {
					limit = qi + 1
				}
				for ki := 0; ki < limit; ki++ {
					if kvPadding != nil && kvPadding[b][ki] {
						sRow[ki] = tensor.NegInf
						continue
					}
					kOff := (b*kvLen+ki)*stride + h*a.headDim
					sRow[ki] = tensor.Dot(qRow, kData[kOff:kOff+a.headDim]) * a.scale
				}
				for ki := limit; ki < kvLen; ki++ {
					sRow[ki] = tensor.NegInf
				}
			}

			// Masked positions carry -inf and come out of the softmax as
			// exact zeros, so the backward gemms see 0 rather than -inf.
			for qi := 0; qi < qLen; qi++ {
				tensor.SoftmaxInPlaceSlice(scores[qi*kvLen : (qi+1)*kvLen])
			}

			wOff := (b*a.nHeads + h) * qLen * kvLen
			copy(a.lastWeights[wOff:wOff+qLen*kvLen], scores[:qLen*kvLen])

			for qi := 0; qi < qLen; qi++ {
				outOff := (b*qLen+qi)*stride + h*a.headDim
				oRow := outData[outOff : outOff+a.headDim]
				for ki := 0; ki < kvLen; ki++ {
					w := scores[qi*kvLen+ki]
					if w == 0 {
						continue
					}
					vOff := (b*kvLen+ki)*stride + h*a.headDim
					vRow := vData[vOff : vOff+a.headDim]
					for d := range oRow {
						oRow[d] += w * vRow[d]
					}
				}
			}
		}
	}

	output = output.Reshape(tensor.NewShape(batch, qLen, a.nHeads*a.headDim))
	return a.wO.Forward(output)
}

// Backward propagates through W_O, the attention weights and softmax, and the
// Q/K/V projections. It returns the gradient with respect to the query input
// and the kv input separately; for self-attention the caller sums them.
//
// Per-head gemms run over strided views of the [batch, seq, nHeads, headDim]
// buffers, with lda/ldb set to the full hidden stride.
func (a *MultiHeadAttention) Backward(gradOutput *tensor.Tensor) (gradQuery, gradKV *tensor.Tensor) {
	batch, qLen, kvLen := a.lastBatch, a.lastQLen, a.lastKVLen

	gradOInput := a.wO.Backward(gradOutput)
	goData := gradOInput.DataPtr()

	qData := a.lastQ.DataPtr()
	kData := a.lastK.DataPtr()
	vData := a.lastV.DataPtr()

	hd := a.headDim
	stride := a.nHeads * hd

	gradQ := make([]float32, batch*qLen*stride)
	gradK := make([]float32, batch*kvLen*stride)
	gradV := make([]float32, batch*kvLen*stride)
	gradScores := make([]float32, qLen*kvLen)

	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			wOff := (b*a.nHeads + h) * qLen * kvLen
			qBase := b*qLen*stride + h*hd
			kvBase := b*kvLen*stride + h*hd

			// grad_V = W^T @ dO
			tensor.Gemm(true, false,
				kvLen, hd, qLen,
				1.0,
				a.lastWeights[wOff:], kvLen,
				goData[qBase:], stride,
				0.0,
				gradV[kvBase:], stride)

			// grad_W = dO @ V^T
			tensor.Gemm(false, true,
				qLen, kvLen, hd,
				1.0,
				goData[qBase:], stride,
				vData[kvBase:], stride,
				0.0,
				gradScores, kvLen)

			// Softmax backward: grad_s = w * (grad_w - sum(grad_w * w)).
			// Masked positions have w == 0 and so produce zero gradient.
			for qi := 0; qi < qLen; qi++ {
				row := qi * kvLen
				sumTerm := float32(0)
				for ki := 0; ki < kvLen; ki++ {
					sumTerm += gradScores[row+ki] * a.lastWeights[wOff+row+ki]
				}
				for ki := 0; ki < kvLen; ki++ {
					w := a.lastWeights[wOff+row+ki]
					gradScores[row+ki] = w * (gradScores[row+ki] - sumTerm)
				}
			}

			// grad_Q = scale * grad_scores @ K
			tensor.Gemm(false, false,
				qLen, hd, kvLen,
				a.scale,
				gradScores, kvLen,
				kData[kvBase:], stride,
				0.0,
				gradQ[qBase:], stride)

			// grad_K = scale * grad_scores^T @ Q
			tensor.Gemm(true, false,
				kvLen, hd, qLen,
				a.scale,
				gradScores, kvLen,
				qData[qBase:], stride,
				0.0,
				gradK[kvBase:], stride)
		}
	}

	gradQT := tensor.FromSliceNoCopy(gradQ, tensor.NewShape(batch, qLen, stride))
	gradKT := tensor.FromSliceNoCopy(gradK, tensor.NewShape(batch, kvLen, stride))
	gradVT := tensor.FromSliceNoCopy(gradV, tensor.NewShape(batch, kvLen, stride))

	// The three projections saw different inputs when query != kv, so pin
	// their cached inputs before running their backward passes.
	a.wQ.SetLastInput(a.lastQuery)
	a.wK.SetLastInput(a.lastKV)
	a.wV.SetLastInput(a.lastKV)

	gradQuery = a.wQ.Backward(gradQT)
	gradKV = a.wK.Backward(gradKT).Add(a.wV.Backward(gradVT))
	return gradQuery, gradKV
}

func (a *MultiHeadAttention) Parameters() []*tensor.Tensor {
	return concatParams(
		a.wQ.Parameters(),
		a.wK.Parameters(),
		a.wV.Parameters(),
		a.wO.Parameters(),
	)
}

func (a *MultiHeadAttention) NamedParameters() []NamedParam {
	var out []NamedParam
	out = append(out, Prefixed("wq", a.wQ.NamedParameters())...)
	out = append(out, Prefixed("wk", a.wK.NamedParameters())...)
	out = append(out, Prefixed("wv", a.wV.NamedParameters())...)
	out = append(out, Prefixed("wo", a.wO.NamedParameters())...)
	return out
}
