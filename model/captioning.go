// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math/rand"

	"github.com/glimpse-ml/glimpse/config"
	"github.com/glimpse-ml/glimpse/data"
	"github.com/glimpse-ml/glimpse/nn"
	"github.com/glimpse-ml/glimpse/tensor"
)

func init() {
	Register("captioning", func(cfg *config.Config, vocabSize int, rng *rand.Rand) (Model, error) {
		return NewCaptioning(cfg, vocabSize, rng)
	})
}

// Captioning predicts each caption token from the fused features at the
// previous position. The textual stream is causal, so position t only sees
// tokens up to t; the target at t is the token at t+1. Padding targets are
// ignored.
type Captioning struct {
	encoder    *jointEncoder
	output     *tiedOutput
	paddingIdx int
}

func NewCaptioning(cfg *config.Config, vocabSize int, rng *rand.Rand) (*Captioning, error) {
	enc, err := newJointEncoder(cfg, vocabSize, true, rng)
	if err != nil {
		return nil, err
	}
	return &Captioning{
		encoder:    enc,
		output:     newTiedOutput(enc.OutputSize(), enc.WordTable().Weight(), rng),
		paddingIdx: 0,
	}, nil
}

func (m *Captioning) SetTraining(training bool) { m.encoder.SetTraining(training) }

func (m *Captioning) Step(batch *data.Batch) (*Output, error) {
	fused := m.encoder.Forward(batch.Images, batch.Tokens)
	logits := m.output.Forward(fused)

	labels := m.nextTokenLabels(batch.Tokens)
	loss, gradLogits := maskedCrossEntropy(logits, labels)

	m.encoder.Backward(m.output.Backward(gradLogits))
	return &Output{
		Loss:       loss,
		Components: map[string]float32{"captioning": loss},
	}, nil
}

// nextTokenLabels shifts tokens left by one: the label at position t is the
// token at t+1, with padding targets and the final position ignored.
func (m *Captioning) nextTokenLabels(tokens [][]int) [][]int {
	labels := make([][]int, len(tokens))
	for b, row := range tokens {
		labels[b] = make([]int, len(row))
		for t := range row {
			labels[b][t] = data.IgnoreIndex
			if t+1 < len(row) && row[t] != m.paddingIdx && row[t+1] != m.paddingIdx {
				labels[b][t] = row[t+1]
			}
		}
	}
	return labels
}

// Predictions returns the argmax token at every position of the last
// forward's logits, for caption sampling and debugging.
func (m *Captioning) Predictions(logits *tensor.Tensor) [][]int {
	dims := logits.Shape().DimsRef()
	batch, seqLen, vocab := dims[0], dims[1], dims[2]
	lData := logits.DataPtr()

	out := make([][]int, batch)
	for b := 0; b < batch; b++ {
		out[b] = make([]int, seqLen)
		for t := 0; t < seqLen; t++ {
			idx, _ := tensor.Argmax(lData[(b*seqLen+t)*vocab : (b*seqLen+t+1)*vocab])
			out[b][t] = idx
		}
	}
	return out
}

// Generate decodes captions greedily: starting from startID, each step
// appends the argmax token at the last position until every row emitted
// endID or maxLen is reached. Finished rows are padded. Call
// SetTraining(false) first so dropout stays off.
func (m *Captioning) Generate(images *tensor.Tensor, startID, endID, maxLen int) [][]int {
	batch := images.Shape().At(0)
	tokens := make([][]int, batch)
	done := make([]bool, batch)
	for b := range tokens {
		tokens[b] = []int{startID}
	}

	for len(tokens[0]) < maxLen {
		fused := m.encoder.Forward(images, tokens)
		logits := m.output.Forward(fused)
		preds := m.Predictions(logits)

		last := len(tokens[0]) - 1
		allDone := true
		for b := range tokens {
			next := preds[b][last]
			if done[b] {
				next = m.paddingIdx
			}
			tokens[b] = append(tokens[b], next)
			if next == endID {
				done[b] = true
			}
			if !done[b] {
				allDone = false
			}
		}
		if allDone {
			break
		}
	}
	return tokens
}

func (m *Captioning) NamedParameters() []nn.NamedParam {
	var out []nn.NamedParam
	out = append(out, nn.Prefixed("encoder", m.encoder.NamedParameters())...)
	out = append(out, nn.Prefixed("output", m.output.NamedParameters())...)
	return out
}
