// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package nn implements the neural network layers used by the pretraining
// models: linear projections, layer normalization, word+positional
// embeddings, multi-head attention, and transformer encoder stacks.
// Every layer provides an explicit backward pass; gradients land on
// tensor.Tensor.Grad via AccumulateGrad.
package nn

import "github.com/glimpse-ml/glimpse/tensor"

// Layer is the common interface for layers with a single-input forward and
// backward pass plus parameter access (for the optimizer).
type Layer interface {
	Forward(input *tensor.Tensor) *tensor.Tensor
	Backward(gradOutput *tensor.Tensor) *tensor.Tensor
	Parameters() []*tensor.Tensor
}

// NamedParam pairs a parameter tensor with its hierarchical name
// ("textual.encoder.3.attn.wq.weight"). The momentum updater and the
// no-decay optimizer groups both consume this ordered enumeration, so the
// order must be deterministic and identical across structurally equal
// modules.
type NamedParam struct {
	Name  string
	Param *tensor.Tensor
}

// Prefixed returns params with prefix+"." prepended to every name.
func Prefixed(prefix string, params []NamedParam) []NamedParam {
	out := make([]NamedParam, len(params))
	for i, p := range params {
		out[i] = NamedParam{Name: prefix + "." + p.Name, Param: p.Param}
	}
	return out
}

// ParamTensors strips names, preserving order.
func ParamTensors(params []NamedParam) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Param
	}
	return out
}

// concatParams concatenates multiple parameter slices into one.
// Used by composite layers to aggregate their sub-layer parameters.
func concatParams(groups ...[]*tensor.Tensor) []*tensor.Tensor {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	out := make([]*tensor.Tensor, 0, total)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
