// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package stream implements the encoder streams: a transformer textual
// stream over caption tokens, visual streams over image grids, and the
// fusion layers that combine them into per-position joint features.
package stream

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/glimpse-ml/glimpse/nn"
	"github.com/glimpse-ml/glimpse/tensor"
)

// TransformerTextualStream encodes caption tokens with word + learned
// positional embeddings followed by a transformer encoder. The name selects
// the architecture variant: "prenorm_gelu", "postnorm_gelu", "prenorm_relu"
// or "postnorm_relu". Causal streams attend only to earlier positions and
// serve next-token prediction; bidirectional streams serve word masking and
// contrastive pretraining.
type TransformerTextualStream struct {
	embedding *nn.WordAndPositionalEmbedding
	encoder   *nn.Encoder

	hiddenSize int
	paddingIdx int
	causal     bool

	lastTokens  [][]int
	lastPadding [][]bool
}

// ParseTextualName splits a variant name like "prenorm_gelu" into its
// norm placement and activation. Unknown names return an error.
func ParseTextualName(name string) (preNorm bool, activation string, err error) {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return false, "", fmt.Errorf("textual stream name %q: want <norm>_<activation>", name)
	}
	switch parts[0] {
	case "prenorm":
		preNorm = true
	case "postnorm":
		preNorm = false
	default:
		return false, "", fmt.Errorf("textual stream name %q: unknown norm placement %q", name, parts[0])
	}
	switch parts[1] {
	case "gelu", "relu":
		activation = parts[1]
	default:
		return false, "", fmt.Errorf("textual stream name %q: unknown activation %q", name, parts[1])
	}
	return preNorm, activation, nil
}

// TextualConfig carries the architecture hyperparameters for the stream.
type TextualConfig struct {
	Name            string // e.g. "postnorm_gelu"
	VocabSize       int
	HiddenSize      int
	FeedforwardSize int
	AttentionHeads  int
	NumLayers       int
	Dropout         float32
	MaxCaptionLen   int
	PaddingIdx      int
	Causal          bool
}

func NewTransformerTextualStream(cfg TextualConfig, rng *rand.Rand) (*TransformerTextualStream, error) {
	preNorm, activation, err := ParseTextualName(cfg.Name)
	if err != nil {
		return nil, err
	}
	return &TransformerTextualStream{
		embedding: nn.NewWordAndPositionalEmbedding(
			cfg.VocabSize, cfg.HiddenSize, cfg.MaxCaptionLen, cfg.PaddingIdx, cfg.Dropout, rng),
		encoder: nn.NewEncoder(
			cfg.NumLayers, cfg.HiddenSize, cfg.AttentionHeads, cfg.FeedforwardSize,
			activation, cfg.Dropout, cfg.Causal, preNorm, rng),
		hiddenSize: cfg.HiddenSize,
		paddingIdx: cfg.PaddingIdx,
		causal:     cfg.Causal,
	}, nil
}

func (s *TransformerTextualStream) SetTraining(training bool) {
	s.embedding.SetTraining(training)
	s.encoder.SetTraining(training)
}

// Forward encodes a [batch][seqLen] token grid into [batch, seqLen, hidden]
// features. The key-padding mask derived from the padding token is cached
// and reused by fusion layers via LastPadding.
func (s *TransformerTextualStream) Forward(tokens [][]int) *tensor.Tensor {
	s.lastTokens = tokens
	s.lastPadding = PaddingMask(tokens, s.paddingIdx)
	return s.encoder.Forward(s.embedding.Forward(tokens), s.lastPadding)
}

// Backward routes the gradient through the encoder into both embedding
// tables. Token streams are graph leaves, so nothing is returned.
func (s *TransformerTextualStream) Backward(gradOutput *tensor.Tensor) {
	s.embedding.Backward(s.encoder.Backward(gradOutput))
}

// LastPadding returns the padding mask computed by the last Forward call;
// entry [b][t] is true where the token is padding.
func (s *TransformerTextualStream) LastPadding() [][]bool { return s.lastPadding }

func (s *TransformerTextualStream) HiddenSize() int { return s.hiddenSize }
func (s *TransformerTextualStream) PaddingIdx() int { return s.paddingIdx }

// WordTable exposes the word embedding for tied output projections.
func (s *TransformerTextualStream) WordTable() *nn.Embedding { return s.embedding.WordTable() }

func (s *TransformerTextualStream) Parameters() []*tensor.Tensor {
	return append(s.embedding.Parameters(), s.encoder.Parameters()...)
}

func (s *TransformerTextualStream) NamedParameters() []nn.NamedParam {
	var out []nn.NamedParam
	out = append(out, nn.Prefixed("embedding", s.embedding.NamedParameters())...)
	out = append(out, nn.Prefixed("encoder", s.encoder.NamedParameters())...)
	return out
}

// PaddingMask marks positions holding paddingIdx.
func PaddingMask(tokens [][]int, paddingIdx int) [][]bool {
	mask := make([][]bool, len(tokens))
	for b, row := range tokens {
		mask[b] = make([]bool, len(row))
		for t, id := range row {
			mask[b][t] = id == paddingIdx
		}
	}
	return mask
}
