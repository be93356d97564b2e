// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package eval measures frozen pretrained features with a downstream linear
// probe: per-class binary logistic regression scored by VOC-style ranking
// average precision.
package eval

import "sort"

// AveragePrecision ranks examples by descending score and averages the
// precision at each positive. Labels are 1 (positive), 0 (negative) or
// -1 (ignored, excluded from the ranking). The second return is false when
// the labels contain no positives, in which case AP is undefined and the
// class is skipped from mAP.
func AveragePrecision(scores []float32, labels []int) (float32, bool) {
	if len(scores) != len(labels) {
		panic("eval: scores and labels length mismatch")
	}

	order := make([]int, 0, len(scores))
	for i, lab := range labels {
		if lab >= 0 {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	var hits, sum float32
	for rank, idx := range order {
		if labels[idx] == 1 {
			hits++
			sum += hits / float32(rank+1)
		}
	}
	if hits == 0 {
		return 0, false
	}
	return sum / hits, true
}

// MeanAP averages per-class APs, skipping classes whose test labels have no
// positives.
func MeanAP(perClass []float32, defined []bool) float32 {
	var sum float32
	var n int
	for i, ap := range perClass {
		if defined[i] {
			sum += ap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float32(n)
}
