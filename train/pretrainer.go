// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package train drives pretraining: the step loop with gradient
// accumulation and clipping, structured metric logging, checkpointing, and
// periodic validation. One run is one Pretrainer; its UUID tags every log
// line and checkpoint.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/glimpse-ml/glimpse/config"
	"github.com/glimpse-ml/glimpse/data"
	"github.com/glimpse-ml/glimpse/model"
	"github.com/glimpse-ml/glimpse/optim"
	"github.com/glimpse-ml/glimpse/tensor"
)

// Pretrainer owns one pretraining run.
type Pretrainer struct {
	cfg     *config.Config
	model   model.Model
	opt     optim.Optimizer
	sched   optim.Schedule
	batches *data.Batcher
	val     *data.Batcher // optional
	log     *slog.Logger

	runID string
	step  int
}

func NewPretrainer(cfg *config.Config, m model.Model, opt optim.Optimizer, sched optim.Schedule,
	batches, val *data.Batcher, logger *slog.Logger) *Pretrainer {
	runID := uuid.NewString()
	return &Pretrainer{
		cfg:     cfg,
		model:   m,
		opt:     opt,
		sched:   sched,
		batches: batches,
		val:     val,
		log:     logger.With("run_id", runID),
		runID:   runID,
	}
}

// RunID returns the identifier tagging this run's logs and checkpoints.
func (p *Pretrainer) RunID() string { return p.runID }

// Resume restores a checkpoint and continues from its step counter.
func (p *Pretrainer) Resume(path string) error {
	ck, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := ck.Apply(p.model, p.opt); err != nil {
		return err
	}
	p.step = ck.Step
	p.log.Info("resumed from checkpoint", "path", path, "step", p.step, "source_run_id", ck.RunID)
	return nil
}

// Run executes the training loop until the configured iteration count, the
// data is exhausted, or ctx is cancelled. A NaN or Inf loss aborts the run
// with an error; a failed batch abandons the whole step and continues with
// the next one.
func (p *Pretrainer) Run(ctx context.Context) error {
	p.model.SetTraining(true)
	lastLog := time.Now()
	lastLogStep := p.step

	for p.step < p.cfg.Optim.NumIterations {
		p.step++
		lr := p.sched.LRAt(p.step)

		loss, components, err := p.accumulateStep(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				p.log.Info("training data exhausted", "step", p.step)
				return nil
			}
			return err
		}
		if tensor.HasNaNOrInf([]float32{loss}) {
			return fmt.Errorf("run %s: non-finite loss %v at step %d", p.runID, loss, p.step)
		}

		gradNorm := optim.ClipGradNorm(p.opt.Parameters(), p.cfg.Optim.ClipGradNorm)
		p.opt.Step(lr)
		if ps, ok := p.model.(model.PostStepper); ok {
			ps.PostStep()
		}
		p.opt.ZeroGrad()

		if p.step%p.cfg.Train.LogEvery == 0 {
			elapsed := time.Since(lastLog).Seconds()
			stepsPerSec := float64(p.step-lastLogStep) / elapsed
			attrs := []any{"step", p.step, "loss", loss, "lr", lr,
				"grad_norm", gradNorm, "steps_per_sec", stepsPerSec}
			for name, v := range components {
				attrs = append(attrs, "loss_"+name, v)
			}
			p.log.Info("train", attrs...)
			lastLog, lastLogStep = time.Now(), p.step
		}
		if p.step%p.cfg.Train.ValEvery == 0 && p.val != nil {
			p.validate(ctx)
		}
		if p.step%p.cfg.Train.CheckpointEvery == 0 {
			if err := p.checkpoint(); err != nil {
				return err
			}
		}
	}
	return p.checkpoint()
}

// accumulateStep runs the model over BatchSizeMultiplier micro-batches,
// summing gradients and averaging losses. Any model error abandons the step:
// gradients are discarded and the caller moves on.
func (p *Pretrainer) accumulateStep(ctx context.Context) (float32, map[string]float32, error) {
	micro := p.cfg.Optim.BatchSizeMultiplier

retry:
	total := float32(0)
	components := map[string]float32{}

	for i := 0; i < micro; i++ {
		batch, err := p.batches.Next(ctx)
		if err != nil {
			return 0, nil, err
		}
		out, err := p.model.Step(batch)
		if err != nil {
			// Abandon the whole step and restart it on fresh batches.
			p.log.Warn("abandoning step", "step", p.step, "error", err)
			p.opt.ZeroGrad()
			goto retry
		}
		total += out.Loss / float32(micro)
		for name, v := range out.Components {
			components[name] += v / float32(micro)
		}
	}

	if micro > 1 {
		scale := 1 / float32(micro)
		for _, param := range p.opt.Parameters() {
			if param.Grad == nil {
				continue
			}
			for i := range param.Grad {
				param.Grad[i] *= scale
			}
		}
	}
	return total, components, nil
}

// validate measures mean loss over a handful of validation batches. The
// model still accumulates gradients during the forward pass, so they are
// cleared afterwards.
func (p *Pretrainer) validate(ctx context.Context) {
	const valBatches = 8
	p.model.SetTraining(false)
	defer p.model.SetTraining(true)
	defer p.opt.ZeroGrad()

	total := float32(0)
	n := 0
	for i := 0; i < valBatches; i++ {
		batch, err := p.val.Next(ctx)
		if err != nil {
			break
		}
		out, err := p.model.Step(batch)
		if err != nil {
			continue
		}
		total += out.Loss
		n++
	}
	if n > 0 {
		p.log.Info("val", "step", p.step, "loss", total/float32(n), "batches", n)
	}
}

func (p *Pretrainer) checkpoint() error {
	path := filepath.Join(p.cfg.Train.SerializationDir, fmt.Sprintf("checkpoint_%d.ckpt.gz", p.step))
	ck := BuildCheckpoint(p.runID, p.step, p.model, p.opt)
	if err := ck.Save(path); err != nil {
		return fmt.Errorf("run %s: %w", p.runID, err)
	}
	p.log.Info("checkpoint", "step", p.step, "path", path)
	return nil
}
