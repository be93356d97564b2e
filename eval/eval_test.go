// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package eval

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimpse-ml/glimpse/tensor"
)

func TestAveragePrecisionRanking(t *testing.T) {
	// Positives at ranks 1 and 3: AP = (1/1 + 2/3) / 2.
	ap, ok := AveragePrecision(
		[]float32{0.9, 0.8, 0.7, 0.6},
		[]int{1, 0, 1, 0},
	)
	require.True(t, ok)
	assert.InDelta(t, (1.0+2.0/3.0)/2, float64(ap), 1e-6)
}

func TestAveragePrecisionPerfectAndWorst(t *testing.T) {
	ap, ok := AveragePrecision([]float32{3, 2, 1}, []int{1, 1, 0})
	require.True(t, ok)
	assert.Equal(t, float32(1), ap)

	// The single positive ranked last: AP = 1/3.
	ap, ok = AveragePrecision([]float32{3, 2, 1}, []int{0, 0, 1})
	require.True(t, ok)
	assert.InDelta(t, 1.0/3.0, float64(ap), 1e-6)
}

func TestAveragePrecisionIgnoresDifficult(t *testing.T) {
	// The top-scored example is ignored, so the positive ranks first among
	// the remaining three.
	ap, ok := AveragePrecision(
		[]float32{0.9, 0.8, 0.7, 0.6},
		[]int{-1, 1, 0, 0},
	)
	require.True(t, ok)
	assert.Equal(t, float32(1), ap)
}

func TestAveragePrecisionNoPositives(t *testing.T) {
	_, ok := AveragePrecision([]float32{1, 2}, []int{0, 0})
	assert.False(t, ok)
}

func TestMeanAPSkipsUndefinedClasses(t *testing.T) {
	m := MeanAP([]float32{0.5, 0, 1}, []bool{true, false, true})
	assert.InDelta(t, 0.75, float64(m), 1e-6)
	assert.Equal(t, float32(0), MeanAP([]float32{0}, []bool{false}))
}

// separableSet builds a 2D multi-label problem where class 0 is x[0] > 0 and
// class 1 is x[1] > 0, with a sprinkle of ignored labels.
func separableSet(n int, rng *rand.Rand) *ProbeSet {
	feats := tensor.New(tensor.NewShape(n, 2))
	labels := make([][]int, n)
	data := feats.DataPtr()
	for i := 0; i < n; i++ {
		x0 := rng.Float32()*4 - 2
		x1 := rng.Float32()*4 - 2
		data[i*2], data[i*2+1] = x0, x1
		row := []int{0, 0}
		if x0 > 0 {
			row[0] = 1
		}
		if x1 > 0 {
			row[1] = 1
		}
		if i%17 == 0 {
			row[0] = -1
		}
		labels[i] = row
	}
	return &ProbeSet{Features: feats, Labels: labels}
}

func TestLinearProbeSeparableClasses(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	train := separableSet(200, rng)
	test := separableSet(60, rng)

	res, err := LinearProbe(train, test, 2, DefaultProbeConfig())
	require.NoError(t, err)

	require.Len(t, res.PerClassAP, 2)
	assert.True(t, res.Defined[0])
	assert.True(t, res.Defined[1])
	assert.Greater(t, res.PerClassAP[0], float32(0.95))
	assert.Greater(t, res.PerClassAP[1], float32(0.95))
	assert.Greater(t, res.MeanAP, float32(0.95))
}

func TestLinearProbeValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	train := separableSet(20, rng)
	test := separableSet(10, rng)

	_, err := LinearProbe(train, test, 2, ProbeConfig{})
	assert.Error(t, err)

	_, err = LinearProbe(train, test, 3, DefaultProbeConfig())
	assert.Error(t, err)
}

func TestExtractFeaturesStacksBatches(t *testing.T) {
	fx := meanExtractor{}
	images := []*tensor.Tensor{
		fromValues(1, 2, 3, 4),
		fromValues(5, 5, 5, 5),
		fromValues(0, 0, 2, 2),
	}
	feats, err := ExtractFeatures(fx, images, 2)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 1}, feats.Shape().DimsRef())
	assert.InDeltaSlice(t, []float32{2.5, 5, 1}, feats.DataPtr(), 1e-6)
}

// meanExtractor reduces each image to its mean value.
type meanExtractor struct{}

func (meanExtractor) VisualFeatures(images *tensor.Tensor) *tensor.Tensor {
	dims := images.Shape().DimsRef()
	batch := dims[0]
	per := images.Numel() / batch
	out := tensor.New(tensor.NewShape(batch, 1))
	data := images.DataPtr()
	for b := 0; b < batch; b++ {
		var sum float32
		for _, v := range data[b*per : (b+1)*per] {
			sum += v
		}
		out.DataPtr()[b] = sum / float32(per)
	}
	return out
}

func fromValues(vs ...float32) *tensor.Tensor {
	img := tensor.New(tensor.NewShape(2, 2))
	copy(img.DataPtr(), vs)
	return img
}
