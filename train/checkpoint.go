// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/glimpse-ml/glimpse/model"
	"github.com/glimpse-ml/glimpse/moco"
	"github.com/glimpse-ml/glimpse/nn"
	"github.com/glimpse-ml/glimpse/optim"
)

// Checkpoint bundles everything needed to resume a run: trainable parameters
// by name, optimizer internals, the MoCo key encoder and queue (when
// present) as ordinary tensors, and the step counter.
type Checkpoint struct {
	RunID string
	Step  int

	Params map[string][]float32
	Optim  optim.State

	KeyParams map[string][]float32
	QueueBuf  []float32
	QueuePtr  int
}

// mocoState is the extra state a momentum-contrast model checkpoints.
type mocoState interface {
	KeyNamedParameters() []nn.NamedParam
	Queue() *moco.NegativeQueue
}

// BuildCheckpoint captures the current training state.
func BuildCheckpoint(runID string, step int, m model.Model, opt optim.Optimizer) *Checkpoint {
	ck := &Checkpoint{
		RunID:  runID,
		Step:   step,
		Params: paramMap(m.NamedParameters()),
	}
	if s, ok := opt.(optim.Stateful); ok {
		ck.Optim = s.State()
	}
	if ms, ok := m.(mocoState); ok {
		ck.KeyParams = paramMap(ms.KeyNamedParameters())
		ck.QueueBuf, ck.QueuePtr = ms.Queue().State()
	}
	return ck
}

// Apply restores the checkpoint into the model and optimizer.
func (ck *Checkpoint) Apply(m model.Model, opt optim.Optimizer) error {
	if err := ck.ApplyModel(m); err != nil {
		return err
	}
	if s, ok := opt.(optim.Stateful); ok {
		if err := s.Restore(ck.Optim); err != nil {
			return fmt.Errorf("restore optimizer: %w", err)
		}
	}
	return nil
}

// ApplyModel restores only the model side of a checkpoint. Evaluation and
// caption sampling load pretrained weights this way, without an optimizer.
func (ck *Checkpoint) ApplyModel(m model.Model) error {
	if err := restoreParams(m.NamedParameters(), ck.Params); err != nil {
		return fmt.Errorf("restore parameters: %w", err)
	}
	if ms, ok := m.(mocoState); ok {
		if ck.KeyParams == nil {
			return fmt.Errorf("checkpoint missing key encoder state")
		}
		if err := restoreParams(ms.KeyNamedParameters(), ck.KeyParams); err != nil {
			return fmt.Errorf("restore key encoder: %w", err)
		}
		if err := ms.Queue().Restore(ck.QueueBuf, ck.QueuePtr); err != nil {
			return fmt.Errorf("restore queue: %w", err)
		}
	}
	return nil
}

func paramMap(params []nn.NamedParam) map[string][]float32 {
	out := make(map[string][]float32, len(params))
	for _, p := range params {
		out[p.Name] = append([]float32(nil), p.Param.DataPtr()...)
	}
	return out
}

func restoreParams(params []nn.NamedParam, saved map[string][]float32) error {
	for _, p := range params {
		values, ok := saved[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint missing parameter %q", p.Name)
		}
		if len(values) != p.Param.Numel() {
			return fmt.Errorf("parameter %q holds %d values, want %d", p.Name, len(values), p.Param.Numel())
		}
		copy(p.Param.DataPtr(), values)
	}
	return nil
}

// Save writes the checkpoint gob-encoded and gzip-compressed.
func (ck *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	if err := gob.NewEncoder(zw).Encode(ck); err != nil {
		zw.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return f.Sync()
}

// LoadCheckpoint reads a checkpoint written by Save.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}
	defer zr.Close()

	var ck Checkpoint
	if err := gob.NewDecoder(zr).Decode(&ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &ck, nil
}
