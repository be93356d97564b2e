// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"fmt"
	"math/rand"

	"github.com/glimpse-ml/glimpse/tensor"
)

// Embedding is a lookup table [numEmbeddings, dim]. Forward gathers rows by
// token ID; Backward scatter-adds the output gradient back into the rows that
// were gathered. Rows at paddingIdx receive no gradient.
type Embedding struct {
	weight     *tensor.Tensor
	numEmb     int
	dim        int
	paddingIdx int

	lastTokens [][]int
}

// NewEmbedding creates a table initialized from N(0, 0.02). Pass paddingIdx
// of -1 when no padding row exists.
func NewEmbedding(numEmbeddings, dim, paddingIdx int, rng *rand.Rand) *Embedding {
	w := tensor.RandnWithStd(tensor.NewShape(numEmbeddings, dim), rng, 0.02)
	if paddingIdx >= 0 {
		row := w.DataPtr()[paddingIdx*dim : (paddingIdx+1)*dim]
		for i := range row {
			row[i] = 0
		}
	}
	return &Embedding{weight: w, numEmb: numEmbeddings, dim: dim, paddingIdx: paddingIdx}
}

// Forward gathers rows for a [batch, seqLen] grid of token IDs and returns a
// [batch, seqLen, dim] tensor.
func (e *Embedding) Forward(tokens [][]int) *tensor.Tensor {
	batch := len(tokens)
	seqLen := len(tokens[0])
	out := tensor.New(tensor.NewShape(batch, seqLen, e.dim))
	dst := out.DataPtr()
	src := e.weight.DataPtr()

	for b, row := range tokens {
		if len(row) != seqLen {
			panic(fmt.Sprintf("nn: ragged token batch, row %d has %d tokens, want %d", b, len(row), seqLen))
		}
		for t, id := range row {
			if id < 0 || id >= e.numEmb {
				panic(fmt.Sprintf("nn: token ID %d out of range [0, %d)", id, e.numEmb))
			}
			copy(dst[(b*seqLen+t)*e.dim:], src[id*e.dim:(id+1)*e.dim])
		}
	}
	e.lastTokens = tokens
	return out
}

// Backward scatter-adds gradOutput rows into the table gradient. Embeddings
// sit at the bottom of the graph, so there is no input gradient to return.
func (e *Embedding) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if e.lastTokens == nil {
		panic("nn: embedding backward called before forward")
	}
	if e.weight.Grad == nil {
		e.weight.Grad = make([]float32, e.weight.Numel())
	}
	g := gradOutput.DataPtr()
	wGrad := e.weight.Grad
	seqLen := len(e.lastTokens[0])

	for b, row := range e.lastTokens {
		for t, id := range row {
			if id == e.paddingIdx {
				continue
			}
			gRow := g[(b*seqLen+t)*e.dim : (b*seqLen+t+1)*e.dim]
			dstRow := wGrad[id*e.dim : (id+1)*e.dim]
			for i, v := range gRow {
				dstRow[i] += v
			}
		}
	}
	return nil
}

// Weight exposes the table for weight tying with an output projection.
func (e *Embedding) Weight() *tensor.Tensor { return e.weight }

func (e *Embedding) Parameters() []*tensor.Tensor { return []*tensor.Tensor{e.weight} }

func (e *Embedding) NamedParameters() []NamedParam {
	return []NamedParam{{"weight", e.weight}}
}

// WordAndPositionalEmbedding combines a word table with a learned positional
// table, applies LayerNorm and dropout, and zeroes every position holding the
// padding token so downstream pooling can sum freely.
type WordAndPositionalEmbedding struct {
	words      *Embedding
	positions  *Embedding
	norm       *LayerNorm
	dropout    *Dropout
	paddingIdx int
	dim        int

	lastTokens [][]int
}

func NewWordAndPositionalEmbedding(vocabSize, dim, maxLen, paddingIdx int, dropoutP float32, rng *rand.Rand) *WordAndPositionalEmbedding {
	return &WordAndPositionalEmbedding{
		words:      NewEmbedding(vocabSize, dim, paddingIdx, rng),
		positions:  NewEmbedding(maxLen, dim, -1, rng),
		norm:       NewLayerNorm(dim, 1e-8),
		dropout:    NewDropout(dropoutP, rng),
		paddingIdx: paddingIdx,
		dim:        dim,
	}
}

func (w *WordAndPositionalEmbedding) SetTraining(training bool) {
	w.dropout.SetTraining(training)
}

// Forward returns [batch, seqLen, dim] token representations.
func (w *WordAndPositionalEmbedding) Forward(tokens [][]int) *tensor.Tensor {
	batch, seqLen := len(tokens), len(tokens[0])

	positionIDs := make([][]int, batch)
	posRow := make([]int, seqLen)
	for t := range posRow {
		posRow[t] = t
	}
	for b := range positionIDs {
		positionIDs[b] = posRow
	}

	summed := w.words.Forward(tokens).Add(w.positions.Forward(positionIDs))
	out := w.dropout.Forward(w.norm.Forward(summed))

	// Padding positions carry no content. Zero them here rather than
	// relying on the attention mask alone, mirroring the pooling contract.
	data := out.DataPtr()
	for b, row := range tokens {
		for t, id := range row {
			if id != w.paddingIdx {
				continue
			}
			seg := data[(b*seqLen+t)*w.dim : (b*seqLen+t+1)*w.dim]
			for i := range seg {
				seg[i] = 0
			}
		}
	}
	w.lastTokens = tokens
	return out
}

// Backward routes the gradient through dropout and LayerNorm, then
// scatter-adds into both tables. Padding positions contribute nothing.
func (w *WordAndPositionalEmbedding) Backward(gradOutput *tensor.Tensor) {
	seqLen := len(w.lastTokens[0])
	masked := gradOutput.Clone()
	data := masked.DataPtr()
	for b, row := range w.lastTokens {
		for t, id := range row {
			if id != w.paddingIdx {
				continue
			}
			seg := data[(b*seqLen+t)*w.dim : (b*seqLen+t+1)*w.dim]
			for i := range seg {
				seg[i] = 0
			}
		}
	}

	grad := w.norm.Backward(w.dropout.Backward(masked))
	w.words.Backward(grad)
	w.positions.Backward(grad)
}

// WordTable exposes the word embedding for output-projection weight tying.
func (w *WordAndPositionalEmbedding) WordTable() *Embedding { return w.words }

func (w *WordAndPositionalEmbedding) Parameters() []*tensor.Tensor {
	return concatParams(w.words.Parameters(), w.positions.Parameters(), w.norm.Parameters())
}

func (w *WordAndPositionalEmbedding) NamedParameters() []NamedParam {
	var out []NamedParam
	out = append(out, Prefixed("words", w.words.NamedParameters())...)
	out = append(out, Prefixed("positions", w.positions.NamedParameters())...)
	out = append(out, Prefixed("norm", w.norm.NamedParameters())...)
	return out
}
