// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package stream

import (
	"fmt"
	"math/rand"

	"github.com/glimpse-ml/glimpse/nn"
	"github.com/glimpse-ml/glimpse/tensor"
)

// VisualStream encodes a batch of images [batch, height, width, channels]
// into a feature grid [batch, positions, featureSize].
type VisualStream interface {
	Forward(images *tensor.Tensor) *tensor.Tensor
	Backward(gradOutput *tensor.Tensor)
	Parameters() []*tensor.Tensor
	NamedParameters() []nn.NamedParam
	FeatureSize() int
	SetTraining(training bool)
}

// BlindVisualStream ignores the image entirely and emits one learned vector
// per example. It is the sanity baseline: any pretext task that works as
// well blind as sighted is not learning from pixels.
type BlindVisualStream struct {
	vector    *tensor.Tensor
	dim       int
	lastBatch int
}

func NewBlindVisualStream(featureSize int, rng *rand.Rand) *BlindVisualStream {
	return &BlindVisualStream{
		vector: tensor.RandnWithStd(tensor.NewShape(featureSize), rng, 0.02),
		dim:    featureSize,
	}
}

// Forward broadcasts the learned vector to [batch, 1, featureSize].
func (s *BlindVisualStream) Forward(images *tensor.Tensor) *tensor.Tensor {
	batch := images.Shape().At(0)
	s.lastBatch = batch
	out := tensor.New(tensor.NewShape(batch, 1, s.dim))
	dst, src := out.DataPtr(), s.vector.DataPtr()
	for b := 0; b < batch; b++ {
		copy(dst[b*s.dim:], src)
	}
	return out
}

// Backward sums the per-example gradients into the shared vector.
func (s *BlindVisualStream) Backward(gradOutput *tensor.Tensor) {
	g := gradOutput.DataPtr()
	acc := make([]float32, s.dim)
	for b := 0; b < s.lastBatch; b++ {
		for d := 0; d < s.dim; d++ {
			acc[d] += g[b*s.dim+d]
		}
	}
	s.vector.AccumulateGrad(acc)
}

func (s *BlindVisualStream) FeatureSize() int            { return s.dim }
func (s *BlindVisualStream) SetTraining(bool)            {}
func (s *BlindVisualStream) Parameters() []*tensor.Tensor { return []*tensor.Tensor{s.vector} }

func (s *BlindVisualStream) NamedParameters() []nn.NamedParam {
	return []nn.NamedParam{{Name: "vector", Param: s.vector}}
}

// PatchVisualStream splits the image into non-overlapping patchSize x
// patchSize squares and projects each flattened patch to featureSize with a
// single linear layer, producing a (h/p)*(w/p) feature grid.
type PatchVisualStream struct {
	proj      *nn.Linear
	patchSize int
	channels  int
	dim       int

	lastBatch, lastH, lastW int
}

func NewPatchVisualStream(patchSize, channels, featureSize int, rng *rand.Rand) *PatchVisualStream {
	return &PatchVisualStream{
		proj:      nn.NewLinear(patchSize*patchSize*channels, featureSize, true, rng),
		patchSize: patchSize,
		channels:  channels,
		dim:       featureSize,
	}
}

// Forward expects images shaped [batch, height, width, channels] with height
// and width divisible by the patch size.
func (s *PatchVisualStream) Forward(images *tensor.Tensor) *tensor.Tensor {
	dims := images.Shape().DimsRef()
	batch, h, w, c := dims[0], dims[1], dims[2], dims[3]
	if h%s.patchSize != 0 || w%s.patchSize != 0 {
		panic(fmt.Sprintf("stream: image %dx%d not divisible by patch size %d", h, w, s.patchSize))
	}
	if c != s.channels {
		panic(fmt.Sprintf("stream: image has %d channels, stream built for %d", c, s.channels))
	}
	s.lastBatch, s.lastH, s.lastW = batch, h, w

	patches := s.extractPatches(images)
	return s.proj.Forward(patches)
}

// extractPatches rearranges [batch, h, w, c] into
// [batch, numPatches, patchSize*patchSize*c] row-major per patch.
func (s *PatchVisualStream) extractPatches(images *tensor.Tensor) *tensor.Tensor {
	batch, h, w, c := s.lastBatch, s.lastH, s.lastW, s.channels
	p := s.patchSize
	rows, cols := h/p, w/p
	patchLen := p * p * c

	out := tensor.New(tensor.NewShape(batch, rows*cols, patchLen))
	src, dst := images.DataPtr(), out.DataPtr()
	for b := 0; b < batch; b++ {
		for pr := 0; pr < rows; pr++ {
			for pc := 0; pc < cols; pc++ {
				patch := (pr*cols + pc)
				for y := 0; y < p; y++ {
					srcOff := ((b*h+pr*p+y)*w + pc*p) * c
					dstOff := (b*rows*cols+patch)*patchLen + y*p*c
					copy(dst[dstOff:dstOff+p*c], src[srcOff:srcOff+p*c])
				}
			}
		}
	}
	return out
}

// Backward accumulates into the projection; pixels are graph leaves so the
// patch gradient is dropped.
func (s *PatchVisualStream) Backward(gradOutput *tensor.Tensor) {
	s.proj.Backward(gradOutput)
}

func (s *PatchVisualStream) FeatureSize() int { return s.dim }
func (s *PatchVisualStream) SetTraining(bool) {}

func (s *PatchVisualStream) Parameters() []*tensor.Tensor { return s.proj.Parameters() }

func (s *PatchVisualStream) NamedParameters() []nn.NamedParam {
	return nn.Prefixed("proj", s.proj.NamedParameters())
}

// NewVisualStream builds a visual stream by name ("blind" or "patch").
func NewVisualStream(name string, patchSize, channels, featureSize int, rng *rand.Rand) (VisualStream, error) {
	switch name {
	case "blind":
		return NewBlindVisualStream(featureSize, rng), nil
	case "patch":
		return NewPatchVisualStream(patchSize, channels, featureSize, rng), nil
	default:
		return nil, fmt.Errorf("unknown visual stream %q", name)
	}
}
