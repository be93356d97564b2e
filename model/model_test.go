// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimpse-ml/glimpse/config"
	"github.com/glimpse-ml/glimpse/data"
	"github.com/glimpse-ml/glimpse/tensor"
)

const testVocabSize = 16

func testRNG() *rand.Rand { return rand.New(rand.NewSource(21)) }

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Data.MaxCaptionLength = 6
	cfg.Data.ImageCropSize = 4
	cfg.Data.ImageChannels = 1
	cfg.Model.Visual.Name = "patch"
	cfg.Model.Visual.PatchSize = 2
	cfg.Model.Visual.FeatureSize = 8
	cfg.Model.Textual.Name = "postnorm_gelu"
	cfg.Model.Textual.HiddenSize = 8
	cfg.Model.Textual.FeedforwardSize = 16
	cfg.Model.Textual.AttentionHeads = 2
	cfg.Model.Textual.NumLayers = 1
	cfg.Model.Textual.Dropout = 0
	cfg.Model.Fusion.Name = "additive"
	cfg.Model.Fusion.ProjectionSize = 8
	cfg.Model.Fusion.AttentionHeads = 2
	cfg.Model.Fusion.Dropout = 0
	cfg.Pretext.MoCo.FeatureSize = 8
	cfg.Pretext.MoCo.QueueSize = 8
	cfg.Optim.BatchSize = 2
	return cfg
}

func testBatch() *data.Batch {
	// Token 0 is padding; 1-3 play specials, the rest content.
	return &data.Batch{
		Images: tensor.Randn(tensor.NewShape(2, 4, 4, 1), testRNG()),
		Tokens: [][]int{
			{2, 5, 6, 7, 3, 0},
			{2, 8, 9, 3, 0, 0},
		},
		AltTokens: [][]int{
			{2, 10, 11, 3, 0, 0},
			{2, 12, 13, 14, 3, 0},
		},
		MaskedTokens: [][]int{
			{2, 4, 6, 7, 3, 0}, // position 1 masked
			{2, 8, 4, 3, 0, 0}, // position 2 masked
		},
		Labels: [][]int{
			{-1, 5, -1, -1, -1, -1},
			{-1, -1, 9, -1, -1, -1},
		},
	}
}

func TestRegistryHasAllModels(t *testing.T) {
	assert.Equal(t, []string{"captioning", "moco", "word_masking"}, Names())

	cfg := smallConfig()
	cfg.Model.Name = "autoencoder"
	_, err := New(cfg, testVocabSize, testRNG())
	assert.Error(t, err)
}

func TestWordMaskingStep(t *testing.T) {
	cfg := smallConfig()
	cfg.Model.Name = "word_masking"
	m, err := New(cfg, testVocabSize, testRNG())
	require.NoError(t, err)

	out, err := m.Step(testBatch())
	require.NoError(t, err)
	assert.Greater(t, out.Loss, float32(0))
	assert.Contains(t, out.Components, "word_masking")

	// Gradients landed on trainable parameters.
	hasGrad := false
	for _, p := range m.NamedParameters() {
		if p.Param.Grad != nil {
			for _, g := range p.Param.Grad {
				if g != 0 {
					hasGrad = true
					break
				}
			}
		}
	}
	assert.True(t, hasGrad)
}

func TestWordMaskingIgnoresUnmaskedPositions(t *testing.T) {
	cfg := smallConfig()
	wm, err := NewWordMasking(cfg, testVocabSize, testRNG())
	require.NoError(t, err)

	batch := testBatch()
	for b := range batch.Labels {
		for t := range batch.Labels[b] {
			batch.Labels[b][t] = data.IgnoreIndex
		}
	}
	out, err := wm.Step(batch)
	require.NoError(t, err)
	assert.Equal(t, float32(0), out.Loss)
}

func TestCaptioningNextTokenLabels(t *testing.T) {
	cfg := smallConfig()
	c, err := NewCaptioning(cfg, testVocabSize, testRNG())
	require.NoError(t, err)

	labels := c.nextTokenLabels([][]int{{2, 5, 6, 3, 0, 0}})
	assert.Equal(t, [][]int{{5, 6, 3, data.IgnoreIndex, data.IgnoreIndex, data.IgnoreIndex}}, labels)
}

func TestCaptioningStep(t *testing.T) {
	cfg := smallConfig()
	cfg.Model.Name = "captioning"
	m, err := New(cfg, testVocabSize, testRNG())
	require.NoError(t, err)

	out, err := m.Step(testBatch())
	require.NoError(t, err)
	assert.Greater(t, out.Loss, float32(0))
	assert.Contains(t, out.Components, "captioning")
}

func TestMoCoKeyEncoderStartsAsCopy(t *testing.T) {
	m, err := NewMoCo(smallConfig(), testVocabSize, testRNG())
	require.NoError(t, err)

	qp, kp := m.queryParams(), m.keyParams()
	require.Equal(t, len(qp), len(kp))
	for i := range qp {
		assert.Equal(t, qp[i].Data(), kp[i].Data(), "param %d", i)
	}
}

func TestMoCoStepAndPostStep(t *testing.T) {
	m, err := NewMoCo(smallConfig(), testVocabSize, testRNG())
	require.NoError(t, err)

	keyBefore := m.keyParams()[0].Clone()
	ptrBefore := m.queue.Pointer()

	out, err := m.Step(testBatch())
	require.NoError(t, err)
	assert.Greater(t, out.Loss, float32(0))
	assert.False(t, tensor.HasNaNOrInf([]float32{out.Loss}))

	// Step alone must not move the key encoder or the queue.
	assert.Equal(t, keyBefore.Data(), m.keyParams()[0].Data())
	assert.Equal(t, ptrBefore, m.queue.Pointer())

	// Key encoder parameters never accumulate gradients.
	for i, p := range m.keyParams() {
		assert.Nil(t, p.Grad, "key param %d", i)
	}

	// Simulate an optimizer step on the query side, then PostStep.
	q0 := m.queryParams()[0]
	q0.DataPtr()[0] += 1

	m.PostStep()
	assert.NotEqual(t, keyBefore.Data(), m.keyParams()[0].Data(),
		"momentum update must move the key encoder")
	assert.Equal(t, (ptrBefore+2)%m.queue.Capacity(), m.queue.Pointer(),
		"enqueue advances the pointer by the batch size")
}

func TestMoCoPostStepEnqueuesEveryMicroBatch(t *testing.T) {
	m, err := NewMoCo(smallConfig(), testVocabSize, testRNG())
	require.NoError(t, err)

	// Two accumulated micro-batches with distinct images, one optimizer
	// step: both key batches must land in the queue, in Step order.
	first := testBatch()
	second := testBatch()
	second.Images = tensor.Randn(tensor.NewShape(2, 4, 4, 1), rand.New(rand.NewSource(99)))

	ptrBefore := m.queue.Pointer()
	_, err = m.Step(first)
	require.NoError(t, err)
	_, err = m.Step(second)
	require.NoError(t, err)
	assert.Equal(t, ptrBefore, m.queue.Pointer(), "enqueue waits for PostStep")

	m.PostStep()
	assert.Equal(t, (ptrBefore+4)%m.queue.Capacity(), m.queue.Pointer(),
		"both micro-batches advance the pointer")

	snap := m.queue.Snapshot()
	dim := m.queue.Dim()
	rows := snap.DataPtr()
	firstKeys := rows[ptrBefore*dim : (ptrBefore+2)*dim]
	secondKeys := rows[(ptrBefore+2)*dim : (ptrBefore+4)*dim]
	assert.NotEqual(t, firstKeys, secondKeys)
	for r := 0; r < 4; r++ {
		row := rows[(ptrBefore+r)*dim : (ptrBefore+r+1)*dim]
		assert.InDelta(t, 1, tensor.L2Norm(row), 1e-4, "row %d", r)
	}
}

func TestMoCoEnqueuedKeysAreNormalized(t *testing.T) {
	m, err := NewMoCo(smallConfig(), testVocabSize, testRNG())
	require.NoError(t, err)

	_, err = m.Step(testBatch())
	require.NoError(t, err)
	m.PostStep()

	snap := m.queue.Snapshot()
	dim := m.queue.Dim()
	for r := 0; r < 2; r++ {
		row := snap.DataPtr()[r*dim : (r+1)*dim]
		assert.InDelta(t, 1, tensor.L2Norm(row), 1e-4, "row %d", r)
	}
}

func TestMoCoVisualFeatures(t *testing.T) {
	m, err := NewMoCo(smallConfig(), testVocabSize, testRNG())
	require.NoError(t, err)

	feats := m.VisualFeatures(tensor.Randn(tensor.NewShape(3, 4, 4, 1), testRNG()))
	assert.Equal(t, []int{3, 8}, feats.Shape().Dims())
}
