// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package moco

import (
	"fmt"

	"github.com/glimpse-ml/glimpse/tensor"
)

// MomentumUpdate applies the exponential moving average
//
//	k <- momentum*k + (1-momentum)*q
//
// to every paired parameter, in the query encoder's enumeration order. The
// two lists must be structurally identical; a length or shape mismatch is a
// fatal configuration error and panics. The update writes parameter data
// directly and never touches gradient storage, so no gradient ever flows
// into the key encoder. Call exactly once per completed optimizer step,
// after backward and the optimizer update.
//
// momentum=1 leaves the key encoder untouched and momentum=0 copies the
// query encoder exactly; training uses values close to 1.
func MomentumUpdate(query, key []*tensor.Tensor, momentum float32) {
	if momentum < 0 || momentum > 1 {
		panic(fmt.Sprintf("moco: momentum %v outside [0, 1]", momentum))
	}
	if len(query) != len(key) {
		panic(fmt.Sprintf("moco: %d query params, %d key params", len(query), len(key)))
	}
	for i, q := range query {
		k := key[i]
		if !q.Shape().Equal(k.Shape()) {
			panic(fmt.Sprintf("moco: param %d shape mismatch: query %v, key %v", i, q.Shape(), k.Shape()))
		}
		qd, kd := q.DataPtr(), k.DataPtr()
		for j := range kd {
			kd[j] = momentum*kd[j] + (1-momentum)*qd[j]
		}
	}
}
