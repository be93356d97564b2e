// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package model implements the pretext models (word masking, captioning,
// momentum contrast) behind a small registry keyed by model name. Builders
// register in package init and resolve once at startup; an unknown name is a
// configuration error, not a panic.
package model

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/glimpse-ml/glimpse/config"
	"github.com/glimpse-ml/glimpse/data"
	"github.com/glimpse-ml/glimpse/nn"
)

// Output is what every model hands back to the training driver per step.
type Output struct {
	Loss       float32
	Components map[string]float32
}

// Model is one pretext task: a full forward, loss and backward over a batch.
// Step accumulates gradients on the trainable parameters; the driver owns
// the optimizer.
type Model interface {
	Step(batch *data.Batch) (*Output, error)
	NamedParameters() []nn.NamedParam
	SetTraining(training bool)
}

// PostStepper is implemented by models needing work after each completed
// optimizer step. MoCo uses it for the momentum update and queue enqueue.
type PostStepper interface {
	PostStep()
}

// Builder constructs a model from a resolved config. vocabSize comes from
// the loaded vocabulary and sizes the word embedding.
type Builder func(cfg *config.Config, vocabSize int, rng *rand.Rand) (Model, error)

var builders = map[string]Builder{}

// Register adds a builder under a name. Duplicate registration is a
// programmer error and panics.
func Register(name string, b Builder) {
	if _, dup := builders[name]; dup {
		panic(fmt.Sprintf("model: duplicate registration of %q", name))
	}
	builders[name] = b
}

// New builds the model named by cfg.Model.Name.
func New(cfg *config.Config, vocabSize int, rng *rand.Rand) (Model, error) {
	b, ok := builders[cfg.Model.Name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q (registered: %v)", cfg.Model.Name, Names())
	}
	return b(cfg, vocabSize, rng)
}

// Names lists registered model names, sorted.
func Names() []string {
	out := make([]string, 0, len(builders))
	for name := range builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
