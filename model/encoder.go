// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math/rand"

	"github.com/glimpse-ml/glimpse/config"
	"github.com/glimpse-ml/glimpse/nn"
	"github.com/glimpse-ml/glimpse/stream"
	"github.com/glimpse-ml/glimpse/tensor"
)

// jointEncoder is the visual+textual+fusion stack shared by every pretext
// model: images become a visual feature grid, tokens become per-position
// textual features, and fusion joins them into per-caption-position joint
// features.
type jointEncoder struct {
	visual  stream.VisualStream
	textual *stream.TransformerTextualStream
	fusion  stream.Fusion

	lastVisual  *tensor.Tensor
	lastTextual *tensor.Tensor
}

func newJointEncoder(cfg *config.Config, vocabSize int, causal bool, rng *rand.Rand) (*jointEncoder, error) {
	visual, err := stream.NewVisualStream(
		cfg.Model.Visual.Name,
		cfg.Model.Visual.PatchSize,
		cfg.Data.ImageChannels,
		cfg.Model.Visual.FeatureSize,
		rng,
	)
	if err != nil {
		return nil, err
	}
	textual, err := stream.NewTransformerTextualStream(stream.TextualConfig{
		Name:            cfg.Model.Textual.Name,
		VocabSize:       vocabSize,
		HiddenSize:      cfg.Model.Textual.HiddenSize,
		FeedforwardSize: cfg.Model.Textual.FeedforwardSize,
		AttentionHeads:  cfg.Model.Textual.AttentionHeads,
		NumLayers:       cfg.Model.Textual.NumLayers,
		Dropout:         cfg.Model.Textual.Dropout,
		MaxCaptionLen:   cfg.Data.MaxCaptionLength,
		PaddingIdx:      0,
		Causal:          causal,
	}, rng)
	if err != nil {
		return nil, err
	}
	fusion, err := stream.NewFusion(
		cfg.Model.Fusion.Name,
		visual.FeatureSize(),
		cfg.Model.Textual.HiddenSize,
		cfg.Model.Fusion.ProjectionSize,
		cfg.Model.Fusion.AttentionHeads,
		cfg.Model.Fusion.Dropout,
		rng,
	)
	if err != nil {
		return nil, err
	}
	return &jointEncoder{visual: visual, textual: textual, fusion: fusion}, nil
}

func (e *jointEncoder) SetTraining(training bool) {
	e.visual.SetTraining(training)
	e.textual.SetTraining(training)
	e.fusion.SetTraining(training)
}

// Forward returns fused per-position features [batch, seqLen, OutputSize].
func (e *jointEncoder) Forward(images *tensor.Tensor, tokens [][]int) *tensor.Tensor {
	e.lastVisual = e.visual.Forward(images)
	e.lastTextual = e.textual.Forward(tokens)
	return e.fusion.Forward(e.lastVisual, e.lastTextual)
}

// Backward routes the fused gradient into both streams.
func (e *jointEncoder) Backward(gradFused *tensor.Tensor) {
	gradVis, gradText := e.fusion.Backward(gradFused)
	e.visual.Backward(gradVis)
	e.textual.Backward(gradText)
}

func (e *jointEncoder) OutputSize() int { return e.fusion.OutputSize() }

// Padding returns the textual padding mask from the last Forward.
func (e *jointEncoder) Padding() [][]bool { return e.textual.LastPadding() }

func (e *jointEncoder) WordTable() *nn.Embedding { return e.textual.WordTable() }

func (e *jointEncoder) Parameters() []*tensor.Tensor {
	out := append(e.visual.Parameters(), e.textual.Parameters()...)
	return append(out, e.fusion.Parameters()...)
}

func (e *jointEncoder) NamedParameters() []nn.NamedParam {
	var out []nn.NamedParam
	out = append(out, nn.Prefixed("visual", e.visual.NamedParameters())...)
	out = append(out, nn.Prefixed("textual", e.textual.NamedParameters())...)
	out = append(out, nn.Prefixed("fusion", e.fusion.NamedParameters())...)
	return out
}
