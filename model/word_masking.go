// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math/rand"

	"github.com/glimpse-ml/glimpse/config"
	"github.com/glimpse-ml/glimpse/data"
	"github.com/glimpse-ml/glimpse/nn"
)

func init() {
	Register("word_masking", func(cfg *config.Config, vocabSize int, rng *rand.Rand) (Model, error) {
		return NewWordMasking(cfg, vocabSize, rng)
	})
}

// WordMasking predicts the original identity of corrupted caption tokens
// from the fused visual+textual features. Only positions the masking
// transform selected contribute to the loss; the output projection is tied
// to the word embedding.
type WordMasking struct {
	encoder *jointEncoder
	output  *tiedOutput
}

func NewWordMasking(cfg *config.Config, vocabSize int, rng *rand.Rand) (*WordMasking, error) {
	enc, err := newJointEncoder(cfg, vocabSize, false, rng)
	if err != nil {
		return nil, err
	}
	return &WordMasking{
		encoder: enc,
		output:  newTiedOutput(enc.OutputSize(), enc.WordTable().Weight(), rng),
	}, nil
}

func (m *WordMasking) SetTraining(training bool) { m.encoder.SetTraining(training) }

func (m *WordMasking) Step(batch *data.Batch) (*Output, error) {
	fused := m.encoder.Forward(batch.Images, batch.MaskedTokens)
	logits := m.output.Forward(fused)
	loss, gradLogits := maskedCrossEntropy(logits, batch.Labels)

	m.encoder.Backward(m.output.Backward(gradLogits))
	return &Output{
		Loss:       loss,
		Components: map[string]float32{"word_masking": loss},
	}, nil
}

func (m *WordMasking) NamedParameters() []nn.NamedParam {
	var out []nn.NamedParam
	out = append(out, nn.Prefixed("encoder", m.encoder.NamedParameters())...)
	out = append(out, nn.Prefixed("output", m.output.NamedParameters())...)
	return out
}
