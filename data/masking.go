// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package data

import "math/rand"

// IgnoreIndex marks label positions excluded from the masked-word loss.
const IgnoreIndex = -1

// WordMasking corrupts caption tokens for the masked-word pretext task.
// Each non-special token is selected with probability MaskProportion; a
// selected token becomes [MASK] with MaskProbability, a random vocabulary
// token with ReplaceProbability, and otherwise stays itself. Labels hold the
// original ID at selected positions and IgnoreIndex everywhere else.
type WordMasking struct {
	MaskProportion     float32
	MaskProbability    float32
	ReplaceProbability float32
}

// Apply returns the corrupted tokens and their labels. The input is not
// modified.
func (m WordMasking) Apply(tokens []int, vocab *Vocabulary, rng *rand.Rand) (masked, labels []int) {
	masked = make([]int, len(tokens))
	labels = make([]int, len(tokens))
	copy(masked, tokens)
	for i := range labels {
		labels[i] = IgnoreIndex
	}

	for i, id := range tokens {
		if vocab.IsSpecial(id) {
			continue
		}
		if rng.Float32() >= m.MaskProportion {
			continue
		}
		labels[i] = id

		r := rng.Float32()
		switch {
		case r < m.MaskProbability:
			masked[i] = vocab.MaskID()
		case r < m.MaskProbability+m.ReplaceProbability:
			masked[i] = m.randomContentToken(vocab, rng)
		// else: keep the original token, label still set.
		}
	}
	return masked, labels
}

// randomContentToken draws a non-special vocabulary ID.
func (m WordMasking) randomContentToken(vocab *Vocabulary, rng *rand.Rand) int {
	for {
		id := rng.Intn(vocab.Size())
		if !vocab.IsSpecial(id) {
			return id
		}
	}
}
