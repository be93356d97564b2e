// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package data

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// VOC07Classes are the twenty Pascal VOC object categories.
var VOC07Classes = []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle",
	"bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person",
	"pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

// VOC07Example pairs an image identifier with its multi-label target
// vector: one entry per class with 1 (present), 0 (not present) or
// -1 (difficult, ignored by the probe).
type VOC07Example struct {
	ImageID string
	Labels  []int
}

// LoadVOC07Split reads ImageSets/Main/<class>_<split>.txt files under root
// and builds per-image multi-label targets. The annotation files use
// {1 present, -1 absent, 0 difficult}; these map to {1, 0, -1} so that
// "difficult" becomes the ignore value.
func LoadVOC07Split(root, split string) ([]VOC07Example, error) {
	labels := make(map[string][]int)

	for classIdx, class := range VOC07Classes {
		path := filepath.Join(root, "ImageSets", "Main", fmt.Sprintf("%s_%s.txt", class, split))
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open VOC07 annotations: %w", err)
		}

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) != 2 {
				continue
			}
			imageID := fields[0]
			raw, err := strconv.Atoi(fields[1])
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("%s: bad label %q for image %s", path, fields[1], imageID)
			}

			if _, ok := labels[imageID]; !ok {
				row := make([]int, len(VOC07Classes))
				for i := range row {
					row[i] = -1
				}
				labels[imageID] = row
			}
			labels[imageID][classIdx] = mapVOCLabel(raw)
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		f.Close()
	}

	examples := lo.MapToSlice(labels, func(id string, row []int) VOC07Example {
		return VOC07Example{ImageID: id, Labels: row}
	})
	sort.Slice(examples, func(i, j int) bool { return examples[i].ImageID < examples[j].ImageID })
	return examples, nil
}

// mapVOCLabel converts raw annotation values: -1 (absent) to 0, 0
// (difficult) to -1, 1 stays 1.
func mapVOCLabel(raw int) int {
	switch raw {
	case -1:
		return 0
	case 0:
		return -1
	default:
		return 1
	}
}
