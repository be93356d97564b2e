// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package eval

import (
	"fmt"
	"math"

	"github.com/glimpse-ml/glimpse/tensor"
)

// FeatureExtractor produces frozen features for a batch of images,
// [batch, featureSize]. The pretrained visual stream satisfies this.
type FeatureExtractor interface {
	VisualFeatures(images *tensor.Tensor) *tensor.Tensor
}

// ProbeSet is one evaluation split: features [n, dim] and per-example
// multi-label targets [n][classes] in {1 present, 0 absent, -1 ignored}.
type ProbeSet struct {
	Features *tensor.Tensor
	Labels   [][]int
}

// ProbeConfig controls the per-class logistic regressions.
type ProbeConfig struct {
	// L2Costs is the sweep of inverse regularization strengths; the best
	// cost per class is chosen on a held-out slice of the training split.
	L2Costs []float32
	// Epochs of full-batch gradient descent per fit.
	Epochs int
	// LearningRate for the descent.
	LearningRate float32
}

// DefaultProbeConfig mirrors the usual liblinear-style sweep.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		L2Costs:      []float32{0.01, 0.1, 1, 10},
		Epochs:       100,
		LearningRate: 0.5,
	}
}

// ProbeResult holds per-class and aggregate average precision.
type ProbeResult struct {
	PerClassAP []float32
	Defined    []bool
	ChosenCost []float32
	MeanAP     float32
}

// ExtractFeatures runs the extractor over images in batches and stacks the
// results into a single [n, dim] tensor.
func ExtractFeatures(fx FeatureExtractor, images []*tensor.Tensor, batchSize int) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("extract features: no images")
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	var out *tensor.Tensor
	row := 0
	for start := 0; start < len(images); start += batchSize {
		end := start + batchSize
		if end > len(images) {
			end = len(images)
		}
		batch := stackImages(images[start:end])
		feats := fx.VisualFeatures(batch)
		dims := feats.Shape().DimsRef()
		if out == nil {
			out = tensor.New(tensor.NewShape(len(images), dims[1]))
		}
		copy(out.DataPtr()[row*dims[1]:], feats.DataPtr())
		row += dims[0]
	}
	return out, nil
}

func stackImages(images []*tensor.Tensor) *tensor.Tensor {
	per := images[0].Numel()
	dims := images[0].Shape().DimsRef()
	batch := tensor.New(tensor.NewShape(append([]int{len(images)}, dims...)...))
	for i, img := range images {
		if img.Numel() != per {
			panic("eval: image shape mismatch in batch")
		}
		copy(batch.DataPtr()[i*per:], img.DataPtr())
	}
	return batch
}

// LinearProbe trains one binary logistic regression per class on the train
// split and reports ranking AP per class on the test split. The L2 cost is
// selected per class on a held-out fifth of the training examples, then the
// model is refit on the full training split.
func LinearProbe(train, test *ProbeSet, classes int, cfg ProbeConfig) (*ProbeResult, error) {
	if len(cfg.L2Costs) == 0 {
		return nil, fmt.Errorf("linear probe: no L2 costs to sweep")
	}
	if err := checkSet(train, classes); err != nil {
		return nil, fmt.Errorf("linear probe train split: %w", err)
	}
	if err := checkSet(test, classes); err != nil {
		return nil, fmt.Errorf("linear probe test split: %w", err)
	}

	res := &ProbeResult{
		PerClassAP: make([]float32, classes),
		Defined:    make([]bool, classes),
		ChosenCost: make([]float32, classes),
	}

	for c := 0; c < classes; c++ {
		trainLabels := column(train.Labels, c)
		testLabels := column(test.Labels, c)

		cost := cfg.L2Costs[0]
		if len(cfg.L2Costs) > 1 {
			cost = selectCost(train.Features, trainLabels, cfg)
		}
		model := fitLogistic(train.Features, trainLabels, cost, cfg.Epochs, cfg.LearningRate)

		ap, ok := AveragePrecision(model.scores(test.Features), testLabels)
		res.PerClassAP[c] = ap
		res.Defined[c] = ok
		res.ChosenCost[c] = cost
	}
	res.MeanAP = MeanAP(res.PerClassAP, res.Defined)
	return res, nil
}

func checkSet(s *ProbeSet, classes int) error {
	dims := s.Features.Shape().DimsRef()
	if len(dims) != 2 {
		return fmt.Errorf("features must be [n, dim], got %v", dims)
	}
	if dims[0] != len(s.Labels) {
		return fmt.Errorf("%d feature rows but %d label rows", dims[0], len(s.Labels))
	}
	for i, row := range s.Labels {
		if len(row) != classes {
			return fmt.Errorf("label row %d has %d classes, want %d", i, len(row), classes)
		}
	}
	return nil
}

func column(labels [][]int, c int) []int {
	out := make([]int, len(labels))
	for i, row := range labels {
		out[i] = row[c]
	}
	return out
}

// selectCost scores each cost by AP on every fifth training example, fitting
// on the rest.
func selectCost(features *tensor.Tensor, labels []int, cfg ProbeConfig) float32 {
	dims := features.Shape().DimsRef()
	n, dim := dims[0], dims[1]

	var fitIdx, heldIdx []int
	for i := 0; i < n; i++ {
		if i%5 == 4 {
			heldIdx = append(heldIdx, i)
		} else {
			fitIdx = append(fitIdx, i)
		}
	}

	fitFeats, fitLabels := gather(features, labels, fitIdx, dim)
	heldFeats, heldLabels := gather(features, labels, heldIdx, dim)

	best := cfg.L2Costs[0]
	bestAP := float32(-1)
	for _, cost := range cfg.L2Costs {
		model := fitLogistic(fitFeats, fitLabels, cost, cfg.Epochs, cfg.LearningRate)
		ap, ok := AveragePrecision(model.scores(heldFeats), heldLabels)
		if ok && ap > bestAP {
			best, bestAP = cost, ap
		}
	}
	return best
}

func gather(features *tensor.Tensor, labels []int, idx []int, dim int) (*tensor.Tensor, []int) {
	out := tensor.New(tensor.NewShape(len(idx), dim))
	outLabels := make([]int, len(idx))
	src := features.DataPtr()
	dst := out.DataPtr()
	for i, j := range idx {
		copy(dst[i*dim:(i+1)*dim], src[j*dim:(j+1)*dim])
		outLabels[i] = labels[j]
	}
	return out, outLabels
}

// logistic is a single binary linear classifier with bias.
type logistic struct {
	w []float32
	b float32
}

// fitLogistic minimizes mean log-loss plus ||w||^2 / (2 * cost * n) by
// full-batch gradient descent. Examples labelled -1 are skipped.
func fitLogistic(features *tensor.Tensor, labels []int, cost float32, epochs int, lr float32) *logistic {
	dims := features.Shape().DimsRef()
	n, dim := dims[0], dims[1]
	data := features.DataPtr()

	used := 0
	for _, lab := range labels {
		if lab >= 0 {
			used++
		}
	}
	m := &logistic{w: make([]float32, dim)}
	if used == 0 {
		return m
	}

	gradW := make([]float32, dim)
	for epoch := 0; epoch < epochs; epoch++ {
		for i := range gradW {
			gradW[i] = m.w[i] / (cost * float32(used))
		}
		gradB := float32(0)

		for i := 0; i < n; i++ {
			if labels[i] < 0 {
				continue
			}
			x := data[i*dim : (i+1)*dim]
			p := sigmoid(m.b + dot(m.w, x))
			diff := (p - float32(labels[i])) / float32(used)
			for d, v := range x {
				gradW[d] += diff * v
			}
			gradB += diff
		}

		for d := range m.w {
			m.w[d] -= lr * gradW[d]
		}
		m.b -= lr * gradB
	}
	return m
}

func (m *logistic) scores(features *tensor.Tensor) []float32 {
	dims := features.Shape().DimsRef()
	n, dim := dims[0], dims[1]
	data := features.DataPtr()

	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = m.b + dot(m.w, data[i*dim:(i+1)*dim])
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i, v := range a {
		s += v * b[i]
	}
	return s
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
