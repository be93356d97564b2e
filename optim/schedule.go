// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package optim

import (
	"fmt"
	"math"
)

// Schedule maps a step counter to a learning rate.
type Schedule interface {
	LRAt(step int) float32
}

// LinearWarmup ramps the learning rate from 0 to baseLR over warmup steps,
// then decays it back to 0 linearly over the remaining steps.
type LinearWarmup struct {
	BaseLR float32
	Warmup int
	Total  int
}

func (s LinearWarmup) LRAt(step int) float32 {
	return s.BaseLR * warmupFactor(step, s.Warmup, s.Total, func(progress float64) float64 {
		return 1 - progress
	})
}

// CosineWarmup ramps linearly over warmup steps, then follows a half cosine
// down to 0 at the final step.
type CosineWarmup struct {
	BaseLR float32
	Warmup int
	Total  int
}

func (s CosineWarmup) LRAt(step int) float32 {
	return s.BaseLR * warmupFactor(step, s.Warmup, s.Total, func(progress float64) float64 {
		return 0.5 * (1 + math.Cos(math.Pi*progress))
	})
}

// warmupFactor computes the shared warmup ramp, then hands decay a progress
// value in [0, 1] over the post-warmup span.
func warmupFactor(step, warmup, total int, decay func(float64) float64) float32 {
	if step >= total {
		return 0
	}
	if step < warmup {
		return float32(step) / float32(warmup)
	}
	progress := float64(step-warmup) / float64(total-warmup)
	return float32(decay(progress))
}

// NewSchedule builds a schedule by decay name ("linear" or "cosine").
func NewSchedule(name string, baseLR float32, warmup, total int) (Schedule, error) {
	if warmup <= 0 || total <= warmup {
		return nil, fmt.Errorf("schedule needs 0 < warmup (%d) < total (%d)", warmup, total)
	}
	switch name {
	case "linear":
		return LinearWarmup{BaseLR: baseLR, Warmup: warmup, Total: total}, nil
	case "cosine":
		return CosineWarmup{BaseLR: baseLR, Warmup: warmup, Total: total}, nil
	default:
		return nil, fmt.Errorf("unknown lr decay %q", name)
	}
}
