// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"fmt"
	"math/rand"

	"github.com/glimpse-ml/glimpse/config"
	"github.com/glimpse-ml/glimpse/data"
	"github.com/glimpse-ml/glimpse/moco"
	"github.com/glimpse-ml/glimpse/nn"
	"github.com/glimpse-ml/glimpse/tensor"
)

func init() {
	Register("moco", func(cfg *config.Config, vocabSize int, rng *rand.Rand) (Model, error) {
		return NewMoCo(cfg, vocabSize, rng)
	})
}

// MoCo is momentum contrast over (image, caption) pairs. The query encoder
// sees one caption of an image, the key encoder (an EMA copy of the query
// encoder) sees another caption of the same image; the InfoNCE loss pulls
// the pair together against a queue of previous keys.
//
// Each Step runs FORWARD and LOSS and BACKWARD; the driver runs the
// optimizer, then calls PostStep for MOMENTUM_UPDATE and QUEUE_ENQUEUE.
type MoCo struct {
	query     *jointEncoder
	key       *jointEncoder
	queryProj *nn.Linear
	keyProj   *nn.Linear

	queue     *moco.NegativeQueue
	criterion moco.InfoNCE
	momentum  float32

	// Pooling caches for the backward pass.
	lastPadding [][]bool
	lastCounts  []int
	lastFused   tensor.Shape

	// Normalized keys pending enqueue, one entry per Step since the last
	// PostStep, so gradient accumulation keeps every micro-batch's keys.
	pendingKeys []*tensor.Tensor
}

func NewMoCo(cfg *config.Config, vocabSize int, rng *rand.Rand) (*MoCo, error) {
	query, err := newJointEncoder(cfg, vocabSize, false, rng)
	if err != nil {
		return nil, err
	}
	key, err := newJointEncoder(cfg, vocabSize, false, rng)
	if err != nil {
		return nil, err
	}

	featureSize := cfg.Pretext.MoCo.FeatureSize
	m := &MoCo{
		query:     query,
		key:       key,
		queryProj: nn.NewLinear(query.OutputSize(), featureSize, true, rng),
		keyProj:   nn.NewLinear(key.OutputSize(), featureSize, true, rng),
		queue:     moco.NewNegativeQueue(cfg.Pretext.MoCo.QueueSize, featureSize, rng),
		criterion: moco.InfoNCE{Temperature: cfg.Pretext.MoCo.Temperature},
		momentum:  cfg.Pretext.MoCo.Momentum,
	}

	// The key encoder starts as an exact copy of the query encoder; only
	// the momentum update mutates it afterwards.
	moco.MomentumUpdate(m.queryParams(), m.keyParams(), 0)
	return m, nil
}

func (m *MoCo) SetTraining(training bool) {
	m.query.SetTraining(training)
	// The key encoder always runs in eval mode: no dropout noise in keys.
	m.key.SetTraining(false)
}

func (m *MoCo) Step(batch *data.Batch) (*Output, error) {
	// FORWARD: query side tracks gradients, key side never does (nothing
	// here calls its backward, and the momentum update writes data only).
	q := m.project(m.queryProj, m.poolQuery(batch))
	k := m.project(m.keyProj, m.poolKey(batch))

	if !q.Shape().Equal(k.Shape()) {
		return nil, fmt.Errorf("query/key embedding shapes differ: %v vs %v", q.Shape(), k.Shape())
	}

	// LOSS: the snapshot precedes this step's enqueue, so the batch's own
	// positives are never among its negatives.
	negatives := m.queue.Snapshot()
	loss, gradQ, _ := m.criterion.Compute(q, k, negatives)
	// gradK is discarded: the key encoder is updated only by EMA.

	// BACKWARD, query side only.
	m.query.Backward(m.poolBackward(m.queryProj.Backward(gradQ)))

	m.pendingKeys = append(m.pendingKeys, k.L2NormalizeRows())
	return &Output{
		Loss:       loss,
		Components: map[string]float32{"moco": loss},
	}, nil
}

// PostStep applies the momentum update and enqueues every micro-batch's keys
// from the completed step, in Step order. The driver calls it exactly once
// per completed optimizer step.
func (m *MoCo) PostStep() {
	moco.MomentumUpdate(m.queryParams(), m.keyParams(), m.momentum)
	for _, keys := range m.pendingKeys {
		m.queue.Enqueue(keys)
	}
	m.pendingKeys = nil
}

// poolQuery encodes the primary caption view and mean-pools fused features
// over non-padding positions, caching what the backward pass needs.
func (m *MoCo) poolQuery(batch *data.Batch) *tensor.Tensor {
	fused := m.query.Forward(batch.Images, batch.Tokens)
	m.lastPadding = m.query.Padding()
	m.lastFused = fused.Shape()
	pooled, counts := maskedMeanPool(fused, m.lastPadding)
	m.lastCounts = counts
	return pooled
}

// poolKey encodes the alternate caption view with the key encoder.
func (m *MoCo) poolKey(batch *data.Batch) *tensor.Tensor {
	fused := m.key.Forward(batch.Images, batch.AltTokens)
	pooled, _ := maskedMeanPool(fused, m.key.Padding())
	return pooled
}

func (m *MoCo) project(proj *nn.Linear, pooled *tensor.Tensor) *tensor.Tensor {
	return proj.Forward(pooled)
}

// poolBackward spreads the pooled gradient back over the positions that
// contributed, scaled by each row's position count.
func (m *MoCo) poolBackward(gradPooled *tensor.Tensor) *tensor.Tensor {
	dims := m.lastFused.DimsRef()
	batch, seqLen, dim := dims[0], dims[1], dims[2]
	grad := tensor.New(m.lastFused)
	g, gp := grad.DataPtr(), gradPooled.DataPtr()

	for b := 0; b < batch; b++ {
		inv := 1 / float32(m.lastCounts[b])
		for t := 0; t < seqLen; t++ {
			if m.lastPadding[b][t] {
				continue
			}
			src := gp[b*dim : (b+1)*dim]
			dst := g[(b*seqLen+t)*dim : (b*seqLen+t+1)*dim]
			for d, v := range src {
				dst[d] = v * inv
			}
		}
	}
	return grad
}

// maskedMeanPool averages [batch, seqLen, dim] features over positions where
// the padding mask is false. Every caption holds at least [CLS], so counts
// are never zero.
func maskedMeanPool(fused *tensor.Tensor, padding [][]bool) (*tensor.Tensor, []int) {
	dims := fused.Shape().DimsRef()
	batch, seqLen, dim := dims[0], dims[1], dims[2]
	pooled := tensor.New(tensor.NewShape(batch, dim))
	p, f := pooled.DataPtr(), fused.DataPtr()
	counts := make([]int, batch)

	for b := 0; b < batch; b++ {
		for t := 0; t < seqLen; t++ {
			if padding[b][t] {
				continue
			}
			counts[b]++
			row := f[(b*seqLen+t)*dim : (b*seqLen+t+1)*dim]
			for d, v := range row {
				p[b*dim+d] += v
			}
		}
		inv := 1 / float32(counts[b])
		for d := 0; d < dim; d++ {
			p[b*dim+d] *= inv
		}
	}
	return pooled, counts
}

func (m *MoCo) queryParams() []*tensor.Tensor {
	return append(m.query.Parameters(), m.queryProj.Parameters()...)
}

func (m *MoCo) keyParams() []*tensor.Tensor {
	return append(m.key.Parameters(), m.keyProj.Parameters()...)
}

// NamedParameters returns the trainable (query-side) parameters. The key
// encoder is excluded: the optimizer must never touch it.
func (m *MoCo) NamedParameters() []nn.NamedParam {
	var out []nn.NamedParam
	out = append(out, nn.Prefixed("query", m.query.NamedParameters())...)
	out = append(out, nn.Prefixed("queryproj", m.queryProj.NamedParameters())...)
	return out
}

// KeyNamedParameters exposes the key encoder for checkpointing; these are
// ordinary tensors in the bundle, mutated only by the momentum update.
func (m *MoCo) KeyNamedParameters() []nn.NamedParam {
	var out []nn.NamedParam
	out = append(out, nn.Prefixed("key", m.key.NamedParameters())...)
	out = append(out, nn.Prefixed("keyproj", m.keyProj.NamedParameters())...)
	return out
}

// Queue exposes the negative queue for checkpointing.
func (m *MoCo) Queue() *moco.NegativeQueue { return m.queue }

// VisualFeatures returns frozen mean-pooled visual-grid features for
// downstream probing, [batch, visualFeatureSize].
func (m *MoCo) VisualFeatures(images *tensor.Tensor) *tensor.Tensor {
	grid := m.query.visual.Forward(images)
	dims := grid.Shape().DimsRef()
	batch, positions, dim := dims[0], dims[1], dims[2]

	pooled := tensor.New(tensor.NewShape(batch, dim))
	p, g := pooled.DataPtr(), grid.DataPtr()
	inv := 1 / float32(positions)
	for b := 0; b < batch; b++ {
		for t := 0; t < positions; t++ {
			row := g[(b*positions+t)*dim : (b*positions+t+1)*dim]
			for d, v := range row {
				p[b*dim+d] += v * inv
			}
		}
	}
	return pooled
}
