// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package data

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimpse-ml/glimpse/tensor"
)

func writeTestVocabulary(t *testing.T) *Vocabulary {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.txt")
	tokens := []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken,
		"a", "cat", "dog", "sits", "on", "the", "mat", "runs"}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(tokens, "\n")), 0o644))

	v, err := LoadVocabulary(path)
	require.NoError(t, err)
	return v
}

func TestVocabularyLoadRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	noPad := filepath.Join(dir, "nopad.txt")
	require.NoError(t, os.WriteFile(noPad, []byte("[UNK]\n[CLS]\n[SEP]\n[MASK]\n"), 0o644))
	_, err := LoadVocabulary(noPad)
	assert.Error(t, err)

	missing := filepath.Join(dir, "missing.txt")
	require.NoError(t, os.WriteFile(missing, []byte("<pad>\n[UNK]\n"), 0o644))
	_, err = LoadVocabulary(missing)
	assert.Error(t, err)

	dup := filepath.Join(dir, "dup.txt")
	require.NoError(t, os.WriteFile(dup, []byte("<pad>\n[UNK]\n[CLS]\n[SEP]\n[MASK]\ncat\ncat\n"), 0o644))
	_, err = LoadVocabulary(dup)
	assert.Error(t, err)
}

func TestEncodePadsAndTruncates(t *testing.T) {
	v := writeTestVocabulary(t)

	ids := v.Encode("A cat sits", 8)
	require.Len(t, ids, 8)
	assert.Equal(t, v.ClsID(), ids[0])
	assert.Equal(t, v.ID("a"), ids[1])
	assert.Equal(t, v.ID("cat"), ids[2])
	assert.Equal(t, v.ID("sits"), ids[3])
	assert.Equal(t, v.SepID(), ids[4])
	assert.Equal(t, []int{0, 0, 0}, ids[5:])

	// Unknown words map to [UNK]; long captions truncate.
	ids = v.Encode("zebra cat dog sits on the mat runs", 5)
	require.Len(t, ids, 5)
	assert.Equal(t, v.UnkID(), ids[1])
	assert.Equal(t, v.SepID(), ids[4])
}

func TestDecodeSkipsSpecials(t *testing.T) {
	v := writeTestVocabulary(t)
	ids := v.Encode("the dog runs", 8)
	assert.Equal(t, "the dog runs", v.Decode(ids))
}

func TestWordMaskingLabelsAndProportion(t *testing.T) {
	v := writeTestVocabulary(t)
	m := WordMasking{MaskProportion: 0.5, MaskProbability: 0.85, ReplaceProbability: 0.10}
	rng := rand.New(rand.NewSource(3))

	tokens := v.Encode("the cat sits on the mat", 10)
	selected, maskCount, total := 0, 0, 0
	for trial := 0; trial < 500; trial++ {
		masked, labels := m.Apply(tokens, v, rng)
		require.Len(t, masked, len(tokens))

		for i, id := range tokens {
			if v.IsSpecial(id) {
				// Specials are never selected or corrupted.
				assert.Equal(t, id, masked[i])
				assert.Equal(t, IgnoreIndex, labels[i])
				continue
			}
			total++
			if labels[i] != IgnoreIndex {
				selected++
				assert.Equal(t, id, labels[i], "label must hold the original id")
				if masked[i] == v.MaskID() {
					maskCount++
				}
			} else {
				assert.Equal(t, id, masked[i], "unselected tokens stay")
			}
		}
	}

	selectedRate := float64(selected) / float64(total)
	assert.InDelta(t, 0.5, selectedRate, 0.05)
	maskRate := float64(maskCount) / float64(selected)
	assert.InDelta(t, 0.85, maskRate, 0.05)
}

func newTestStore(t *testing.T, n int) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "examples.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for i := 0; i < n; i++ {
		img := tensor.FromSlice([]float32{float32(i), 1, 2, 3}, tensor.NewShape(2, 2, 1))
		_, err := store.Insert(img, []string{
			fmt.Sprintf("the cat sits %d", i),
			fmt.Sprintf("a dog runs %d", i),
		})
		require.NoError(t, err)
	}
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t, 3)

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ids, err := store.IDs()
	require.NoError(t, err)
	require.Len(t, ids, 3)

	ex, err := store.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, ex.Image.Shape().Dims())
	assert.Equal(t, float32(1), ex.Image.At(0, 0, 0))
	assert.Len(t, ex.Captions, 2)
}

func TestEpochOrderIsSeededShuffle(t *testing.T) {
	store := newTestStore(t, 8)

	a, err := store.EpochOrder(rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	b, err := store.EpochOrder(rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := store.EpochOrder(rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	assert.ElementsMatch(t, a, c)
}

func TestBatcherDeliversCompleteEpochsInOrder(t *testing.T) {
	store := newTestStore(t, 6)
	v := writeTestVocabulary(t)
	cfg := BatcherConfig{
		BatchSize:     2,
		MaxCaptionLen: 10,
		Workers:       3,
		Masking:       WordMasking{MaskProportion: 0.15, MaskProbability: 0.85, ReplaceProbability: 0.10},
		Seed:          11,
	}

	ctx := context.Background()
	b, err := NewBatcher(ctx, store, cfg, v, 2)
	require.NoError(t, err)
	defer b.Close()

	var batches []*Batch
	for {
		batch, err := b.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		batches = append(batches, batch)
	}
	// 6 examples, batch size 2, 2 epochs.
	assert.Len(t, batches, 6)

	for _, batch := range batches {
		assert.Equal(t, []int{2, 2, 2, 1}, batch.Images.Shape().Dims())
		require.Len(t, batch.Tokens, 2)
		assert.Len(t, batch.Tokens[0], 10)
		assert.Len(t, batch.AltTokens[0], 10)
		assert.Len(t, batch.MaskedTokens[0], 10)
		assert.Len(t, batch.Labels[0], 10)
		// Both views start with [CLS].
		assert.Equal(t, v.ClsID(), batch.Tokens[0][0])
		assert.Equal(t, v.ClsID(), batch.AltTokens[0][0])
	}
}

func TestBatcherAltViewDiffersWithMultipleCaptions(t *testing.T) {
	store := newTestStore(t, 4)
	v := writeTestVocabulary(t)
	cfg := BatcherConfig{BatchSize: 4, MaxCaptionLen: 10, Workers: 1, Seed: 5}

	ctx := context.Background()
	b, err := NewBatcher(ctx, store, cfg, v, 1)
	require.NoError(t, err)
	defer b.Close()

	batch, err := b.Next(ctx)
	require.NoError(t, err)
	// Every test example has two distinct captions, so the views differ.
	for i := range batch.Tokens {
		assert.NotEqual(t, batch.Tokens[i], batch.AltTokens[i], "row %d", i)
	}
}

func TestBatcherNextUnblocksOnCancelledContext(t *testing.T) {
	// A cancelled producer can leave a result channel on the ordered queue
	// that no worker will ever fulfil. Next must still honor ctx instead of
	// blocking on that channel.
	orphan := make(chan *batchResult)
	b := &Batcher{ordered: make(chan chan *batchResult, 1)}
	b.ordered <- orphan

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := b.Next(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Next did not return on a cancelled context")
	}
}

func TestVOC07LabelMapping(t *testing.T) {
	root := t.TempDir()
	main := filepath.Join(root, "ImageSets", "Main")
	require.NoError(t, os.MkdirAll(main, 0o755))

	for _, class := range VOC07Classes {
		content := "000001  1\n000002 -1\n000003  0\n"
		require.NoError(t, os.WriteFile(
			filepath.Join(main, class+"_test.txt"), []byte(content), 0o644))
	}

	examples, err := LoadVOC07Split(root, "test")
	require.NoError(t, err)
	require.Len(t, examples, 3)

	byID := map[string][]int{}
	for _, ex := range examples {
		require.Len(t, ex.Labels, len(VOC07Classes))
		byID[ex.ImageID] = ex.Labels
	}
	assert.Equal(t, 1, byID["000001"][0])  // present stays 1
	assert.Equal(t, 0, byID["000002"][0])  // absent -1 -> 0
	assert.Equal(t, -1, byID["000003"][0]) // difficult 0 -> -1
}
