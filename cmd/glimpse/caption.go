// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package main

import (
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/glimpse-ml/glimpse/data"
	"github.com/glimpse-ml/glimpse/model"
	"github.com/glimpse-ml/glimpse/tensor"
	"github.com/glimpse-ml/glimpse/train"
)

func newCaptionCmd() *cobra.Command {
	var flags configFlags
	var checkpoint string
	var count int

	cmd := &cobra.Command{
		Use:   "caption",
		Short: "Greedily decode captions for stored images",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if checkpoint == "" {
				return fmt.Errorf("caption requires --checkpoint")
			}

			vocab, err := data.LoadVocabulary(cfg.Data.VocabularyPath)
			if err != nil {
				return err
			}

			cfg.Model.Name = "captioning"
			m, err := model.New(cfg, vocab.Size(), rand.New(rand.NewSource(cfg.RandomSeed)))
			if err != nil {
				return err
			}
			ck, err := train.LoadCheckpoint(checkpoint)
			if err != nil {
				return err
			}
			if err := ck.ApplyModel(m); err != nil {
				return err
			}
			m.SetTraining(false)
			captioner := m.(*model.Captioning)

			db := cfg.Data.ValDB
			if db == "" {
				db = cfg.Data.TrainDB
			}
			store, err := data.OpenStore(db)
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := store.IDs()
			if err != nil {
				return err
			}
			if count < len(ids) {
				ids = ids[:count]
			}
			if len(ids) == 0 {
				return fmt.Errorf("no examples in %s", db)
			}

			images := tensor.New(tensor.NewShape(len(ids),
				cfg.Data.ImageCropSize, cfg.Data.ImageCropSize, cfg.Data.ImageChannels))
			per := images.Numel() / len(ids)
			references := make([]string, len(ids))
			for i, id := range ids {
				ex, err := store.Get(id)
				if err != nil {
					return err
				}
				if ex.Image.Numel() != per {
					return fmt.Errorf("example %d: image has %d values, want %d", id, ex.Image.Numel(), per)
				}
				copy(images.DataPtr()[i*per:], ex.Image.DataPtr())
				if len(ex.Captions) > 0 {
					references[i] = ex.Captions[0]
				}
			}

			decoded := captioner.Generate(images, vocab.ClsID(), vocab.SepID(), cfg.Data.MaxCaptionLength)

			out := cmd.OutOrStdout()
			for i, id := range ids {
				fmt.Fprintf(out, "#%d\n  reference: %s\n  generated: %s\n",
					id, references[i], vocab.Decode(decoded[i]))
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Pretrained captioning checkpoint")
	cmd.Flags().IntVar(&count, "count", 8, "Number of examples to caption")
	return cmd
}
