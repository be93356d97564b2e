// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package optim

import "fmt"

// State is a serializable snapshot of optimizer internals: the step counter
// and the per-parameter moment vectors, in the optimizer's parameter order.
// Wrappers nest their inner optimizer's state.
type State struct {
	Step    int
	Vectors [][]float32
	Inner   *State
}

// Stateful is implemented by optimizers that can checkpoint their internals.
type Stateful interface {
	State() State
	Restore(State) error
}

func copyVectors(src [][]float32) [][]float32 {
	out := make([][]float32, len(src))
	for i, v := range src {
		out[i] = make([]float32, len(v))
		copy(out[i], v)
	}
	return out
}

func restoreVectors(dst, src [][]float32, kind string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("optimizer state holds %d %s vectors, want %d", len(src), kind, len(dst))
	}
	for i, v := range src {
		if len(v) != len(dst[i]) {
			return fmt.Errorf("%s vector %d holds %d values, want %d", kind, i, len(v), len(dst[i]))
		}
		copy(dst[i], v)
	}
	return nil
}

func (s *SGD) State() State {
	return State{Vectors: copyVectors(s.velocity)}
}

func (s *SGD) Restore(state State) error {
	return restoreVectors(s.velocity, state.Vectors, "velocity")
}

// State interleaves first and second moments: m then v per parameter.
func (a *Adam) State() State {
	vectors := make([][]float32, 0, 2*len(a.m))
	for i := range a.m {
		vectors = append(vectors, append([]float32(nil), a.m[i]...))
		vectors = append(vectors, append([]float32(nil), a.v[i]...))
	}
	return State{Step: a.step, Vectors: vectors}
}

func (a *Adam) Restore(state State) error {
	if len(state.Vectors) != 2*len(a.m) {
		return fmt.Errorf("optimizer state holds %d moment vectors, want %d", len(state.Vectors), 2*len(a.m))
	}
	for i := range a.m {
		if err := restoreVectors([][]float32{a.m[i], a.v[i]},
			state.Vectors[2*i:2*i+2], "moment"); err != nil {
			return err
		}
	}
	a.step = state.Step
	return nil
}

func (l *Lookahead) State() State {
	var inner *State
	if s, ok := l.inner.(Stateful); ok {
		st := s.State()
		inner = &st
	}
	return State{Step: l.step, Vectors: copyVectors(l.slow), Inner: inner}
}

func (l *Lookahead) Restore(state State) error {
	if err := restoreVectors(l.slow, state.Vectors, "slow"); err != nil {
		return err
	}
	l.step = state.Step
	if s, ok := l.inner.(Stateful); ok {
		if state.Inner == nil {
			return fmt.Errorf("optimizer state missing inner optimizer")
		}
		return s.Restore(*state.Inner)
	}
	return nil
}
