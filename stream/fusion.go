// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package stream

import (
	"fmt"
	"math/rand"

	"github.com/glimpse-ml/glimpse/nn"
	"github.com/glimpse-ml/glimpse/tensor"
)

// Fusion combines a visual feature grid [batch, positions, visualDim] with
// textual features [batch, seqLen, textualDim] into per-caption-position
// joint features [batch, seqLen, OutputSize()].
type Fusion interface {
	Forward(visual, textual *tensor.Tensor) *tensor.Tensor
	Backward(gradOutput *tensor.Tensor) (gradVisual, gradTextual *tensor.Tensor)
	OutputSize() int
	SetTraining(training bool)
	Parameters() []*tensor.Tensor
	NamedParameters() []nn.NamedParam
}

// NewFusion builds a fusion layer by name: "concatenate", "additive",
// "multiplicative" or "multihead".
func NewFusion(name string, visualDim, textualDim, projSize, attentionHeads int, dropout float32, rng *rand.Rand) (Fusion, error) {
	switch name {
	case "concatenate", "additive", "multiplicative":
		return newPoolingFusion(name, visualDim, textualDim, projSize, rng), nil
	case "multihead":
		return newMultiheadFusion(visualDim, textualDim, projSize, attentionHeads, dropout, rng), nil
	default:
		return nil, fmt.Errorf("unknown fusion %q", name)
	}
}

// poolingFusion projects both streams to projSize, mean-pools the visual
// grid to a single vector per example, and combines it with every textual
// position: concatenated, added, or multiplied.
type poolingFusion struct {
	mode     string
	visProj  *nn.Linear
	textProj *nn.Linear
	projSize int

	lastPooled   *tensor.Tensor // [batch, projSize]
	lastTextProj *tensor.Tensor // [batch, seqLen, projSize]
	lastBatch    int
	lastGrid     int
	lastSeqLen   int
}

func newPoolingFusion(mode string, visualDim, textualDim, projSize int, rng *rand.Rand) *poolingFusion {
	return &poolingFusion{
		mode:     mode,
		visProj:  nn.NewLinear(visualDim, projSize, true, rng),
		textProj: nn.NewLinear(textualDim, projSize, true, rng),
		projSize: projSize,
	}
}

func (f *poolingFusion) OutputSize() int {
	if f.mode == "concatenate" {
		return 2 * f.projSize
	}
	return f.projSize
}

func (f *poolingFusion) SetTraining(bool) {}

func (f *poolingFusion) Forward(visual, textual *tensor.Tensor) *tensor.Tensor {
	vp := f.visProj.Forward(visual)
	tp := f.textProj.Forward(textual)

	vDims := vp.Shape().DimsRef()
	batch, grid := vDims[0], vDims[1]
	seqLen := tp.Shape().At(1)
	f.lastBatch, f.lastGrid, f.lastSeqLen = batch, grid, seqLen
	f.lastTextProj = tp

	p := f.projSize
	pooled := tensor.New(tensor.NewShape(batch, p))
	pData, vData := pooled.DataPtr(), vp.DataPtr()
	inv := 1 / float32(grid)
	for b := 0; b < batch; b++ {
		for g := 0; g < grid; g++ {
			row := vData[(b*grid+g)*p : (b*grid+g+1)*p]
			for d, v := range row {
				pData[b*p+d] += v * inv
			}
		}
	}
	f.lastPooled = pooled

	out := tensor.New(tensor.NewShape(batch, seqLen, f.OutputSize()))
	oData, tData := out.DataPtr(), tp.DataPtr()
	for b := 0; b < batch; b++ {
		pRow := pData[b*p : (b+1)*p]
		for t := 0; t < seqLen; t++ {
			tRow := tData[(b*seqLen+t)*p : (b*seqLen+t+1)*p]
			switch f.mode {
			case "concatenate":
				oRow := oData[(b*seqLen+t)*2*p:]
				copy(oRow[:p], tRow)
				copy(oRow[p:2*p], pRow)
			case "additive":
				oRow := oData[(b*seqLen+t)*p:]
				for d := range tRow {
					oRow[d] = tRow[d] + pRow[d]
				}
			case "multiplicative":
				oRow := oData[(b*seqLen+t)*p:]
				for d := range tRow {
					oRow[d] = tRow[d] * pRow[d]
				}
			}
		}
	}
	return out
}

func (f *poolingFusion) Backward(gradOutput *tensor.Tensor) (gradVisual, gradTextual *tensor.Tensor) {
	batch, grid, seqLen, p := f.lastBatch, f.lastGrid, f.lastSeqLen, f.projSize
	g := gradOutput.DataPtr()
	pData := f.lastPooled.DataPtr()
	tData := f.lastTextProj.DataPtr()

	gradText := tensor.New(tensor.NewShape(batch, seqLen, p))
	gradPooled := make([]float32, batch*p)
	gt := gradText.DataPtr()

	for b := 0; b < batch; b++ {
		pRow := pData[b*p : (b+1)*p]
		for t := 0; t < seqLen; t++ {
			tRow := tData[(b*seqLen+t)*p : (b*seqLen+t+1)*p]
			gtRow := gt[(b*seqLen+t)*p:]
			switch f.mode {
			case "concatenate":
				gRow := g[(b*seqLen+t)*2*p:]
				copy(gtRow[:p], gRow[:p])
				for d := 0; d < p; d++ {
					gradPooled[b*p+d] += gRow[p+d]
				}
			case "additive":
				gRow := g[(b*seqLen+t)*p:]
				copy(gtRow[:p], gRow[:p])
				for d := 0; d < p; d++ {
					gradPooled[b*p+d] += gRow[d]
				}
			case "multiplicative":
				gRow := g[(b*seqLen+t)*p:]
				for d := 0; d < p; d++ {
					gtRow[d] = gRow[d] * pRow[d]
					gradPooled[b*p+d] += gRow[d] * tRow[d]
				}
			}
		}
	}

	// Mean-pool backward: each grid position receives gradPooled / grid.
	gradVis := tensor.New(tensor.NewShape(batch, grid, p))
	gv := gradVis.DataPtr()
	inv := 1 / float32(grid)
	for b := 0; b < batch; b++ {
		for gi := 0; gi < grid; gi++ {
			for d := 0; d < p; d++ {
				gv[(b*grid+gi)*p+d] = gradPooled[b*p+d] * inv
			}
		}
	}

	return f.visProj.Backward(gradVis), f.textProj.Backward(gradText)
}

func (f *poolingFusion) Parameters() []*tensor.Tensor {
	return append(f.visProj.Parameters(), f.textProj.Parameters()...)
}

func (f *poolingFusion) NamedParameters() []nn.NamedParam {
	var out []nn.NamedParam
	out = append(out, nn.Prefixed("visproj", f.visProj.NamedParameters())...)
	out = append(out, nn.Prefixed("textproj", f.textProj.NamedParameters())...)
	return out
}

// multiheadFusion lets every caption position attend over the visual grid.
// Both streams are projected to projSize; the textual projection is the
// query, the visual grid is key and value, and the attended output joins the
// query through a residual connection and LayerNorm.
type multiheadFusion struct {
	visProj  *nn.Linear
	textProj *nn.Linear
	attn     *nn.MultiHeadAttention
	norm     *nn.LayerNorm
	dropout  *nn.Dropout
	projSize int

	lastTextProj *tensor.Tensor
}

func newMultiheadFusion(visualDim, textualDim, projSize, heads int, dropout float32, rng *rand.Rand) *multiheadFusion {
	return &multiheadFusion{
		visProj:  nn.NewLinear(visualDim, projSize, true, rng),
		textProj: nn.NewLinear(textualDim, projSize, true, rng),
		attn:     nn.NewMultiHeadAttention(projSize, heads, false, rng),
		norm:     nn.NewLayerNorm(projSize, 1e-8),
		dropout:  nn.NewDropout(dropout, rng),
		projSize: projSize,
	}
}

func (f *multiheadFusion) OutputSize() int { return f.projSize }

func (f *multiheadFusion) SetTraining(training bool) { f.dropout.SetTraining(training) }

func (f *multiheadFusion) Forward(visual, textual *tensor.Tensor) *tensor.Tensor {
	vp := f.visProj.Forward(visual)
	tp := f.textProj.Forward(textual)
	f.lastTextProj = tp

	attended := f.dropout.Forward(f.attn.Forward(tp, vp, nil))
	return f.norm.Forward(tp.Add(attended))
}

func (f *multiheadFusion) Backward(gradOutput *tensor.Tensor) (gradVisual, gradTextual *tensor.Tensor) {
	g := f.norm.Backward(gradOutput)
	gQ, gKV := f.attn.Backward(f.dropout.Backward(g))
	gradTextProj := g.Add(gQ)

	return f.visProj.Backward(gKV), f.textProj.Backward(gradTextProj)
}

func (f *multiheadFusion) Parameters() []*tensor.Tensor {
	out := append(f.visProj.Parameters(), f.textProj.Parameters()...)
	out = append(out, f.attn.Parameters()...)
	return append(out, f.norm.Parameters()...)
}

func (f *multiheadFusion) NamedParameters() []nn.NamedParam {
	var out []nn.NamedParam
	out = append(out, nn.Prefixed("visproj", f.visProj.NamedParameters())...)
	out = append(out, nn.Prefixed("textproj", f.textProj.NamedParameters())...)
	out = append(out, nn.Prefixed("attn", f.attn.NamedParameters())...)
	out = append(out, nn.Prefixed("norm", f.norm.NamedParameters())...)
	return out
}
