// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package data

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/glimpse-ml/glimpse/tensor"
)

// Batch is one collated training step of examples.
type Batch struct {
	// Images is [batch, height, width, channels].
	Images *tensor.Tensor
	// Tokens is the primary caption view, [batch][maxLen] IDs.
	Tokens [][]int
	// AltTokens is a second caption view per image (a different caption
	// when the image has several, otherwise the same one). Contrastive
	// pretraining encodes it with the key encoder.
	AltTokens [][]int
	// MaskedTokens and Labels are the word-masking view: corrupted tokens
	// with original IDs at selected positions, IgnoreIndex elsewhere.
	MaskedTokens [][]int
	Labels       [][]int
}

// BatcherConfig sizes the batcher.
type BatcherConfig struct {
	BatchSize     int
	MaxCaptionLen int
	Workers       int
	Masking       WordMasking
	Seed          int64
}

// Batcher assembles batches from a Store in shuffled epoch order, prefetching
// in the background with an errgroup worker pool. Delivery order is strict:
// Next returns batches exactly in the shuffled sequence regardless of which
// worker finished first.
type Batcher struct {
	ordered chan chan *batchResult
	cancel  context.CancelFunc
	group   *errgroup.Group
}

type batchResult struct {
	batch *Batch
	err   error
}

type batchJob struct {
	ids  []int64
	seed int64
	out  chan *batchResult
}

// NewBatcher starts the background pipeline. It drains the store once per
// epoch, reshuffling with the seeded RNG, for the given number of epochs
// (epochs <= 0 runs forever). Close the batcher by cancelling ctx or
// exhausting the epochs; Next then reports io.EOF.
func NewBatcher(ctx context.Context, store *Store, cfg BatcherConfig, vocab *Vocabulary, epochs int) (*Batcher, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size %d must be positive", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	b := &Batcher{
		ordered: make(chan chan *batchResult, 2*cfg.Workers),
		cancel:  cancel,
		group:   group,
	}
	jobs := make(chan batchJob)

	// Producer: walks shuffled epochs, slicing them into batch jobs. Each
	// job's result channel lands on the ordered queue first, so consumers
	// see the same order the producer emitted.
	group.Go(func() error {
		defer close(jobs)
		defer close(b.ordered)

		shuffle := rand.New(rand.NewSource(cfg.Seed))
		for epoch := 0; epochs <= 0 || epoch < epochs; epoch++ {
			ids, err := store.EpochOrder(shuffle)
			if err != nil {
				return err
			}
			if len(ids) < cfg.BatchSize {
				return fmt.Errorf("store holds %d examples, need at least one batch of %d", len(ids), cfg.BatchSize)
			}
			for start := 0; start+cfg.BatchSize <= len(ids); start += cfg.BatchSize {
				job := batchJob{
					ids:  ids[start : start+cfg.BatchSize],
					seed: shuffle.Int63(),
					out:  make(chan *batchResult, 1),
				}
				select {
				case b.ordered <- job.out:
				case <-ctx.Done():
					return ctx.Err()
				}
				select {
				case jobs <- job:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	})

	for w := 0; w < cfg.Workers; w++ {
		group.Go(func() error {
			for job := range jobs {
				batch, err := collate(store, job.ids, cfg, vocab, rand.New(rand.NewSource(job.seed)))
				job.out <- &batchResult{batch: batch, err: err}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return b, nil
}

// Next returns the next batch in order. It reports io.EOF once the
// configured epochs are exhausted.
func (b *Batcher) Next(ctx context.Context) (*Batch, error) {
	select {
	case ch, ok := <-b.ordered:
		if !ok {
			if err := b.group.Wait(); err != nil && err != context.Canceled {
				return nil, err
			}
			return nil, io.EOF
		}
		// The producer can be cancelled after queueing the result channel
		// but before any worker received the job, so this receive needs
		// its own escape.
		select {
		case res := <-ch:
			return res.batch, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the pipeline and waits for the workers.
func (b *Batcher) Close() error {
	b.cancel()
	err := b.group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// collate loads the examples and assembles all caption views.
func collate(store *Store, ids []int64, cfg BatcherConfig, vocab *Vocabulary, rng *rand.Rand) (*Batch, error) {
	batch := &Batch{
		Tokens:       make([][]int, len(ids)),
		AltTokens:    make([][]int, len(ids)),
		MaskedTokens: make([][]int, len(ids)),
		Labels:       make([][]int, len(ids)),
	}

	var images *tensor.Tensor
	for i, id := range ids {
		ex, err := store.Get(id)
		if err != nil {
			return nil, err
		}
		if len(ex.Captions) == 0 {
			return nil, fmt.Errorf("example %d has no captions", id)
		}

		dims := ex.Image.Shape().DimsRef()
		if images == nil {
			images = tensor.New(tensor.NewShape(len(ids), dims[0], dims[1], dims[2]))
		}
		if images.Numel() != len(ids)*ex.Image.Numel() {
			return nil, fmt.Errorf("example %d image shape %v differs within batch", id, ex.Image.Shape())
		}
		copy(images.DataPtr()[i*ex.Image.Numel():], ex.Image.DataPtr())

		primary := rng.Intn(len(ex.Captions))
		alternate := primary
		if len(ex.Captions) > 1 {
			alternate = (primary + 1 + rng.Intn(len(ex.Captions)-1)) % len(ex.Captions)
		}
		batch.Tokens[i] = vocab.Encode(ex.Captions[primary], cfg.MaxCaptionLen)
		batch.AltTokens[i] = vocab.Encode(ex.Captions[alternate], cfg.MaxCaptionLen)
		batch.MaskedTokens[i], batch.Labels[i] = cfg.Masking.Apply(batch.Tokens[i], vocab, rng)
	}
	batch.Images = images
	return batch, nil
}
