// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package main

import (
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/glimpse-ml/glimpse/config"
	"github.com/glimpse-ml/glimpse/data"
	"github.com/glimpse-ml/glimpse/eval"
	"github.com/glimpse-ml/glimpse/model"
	"github.com/glimpse-ml/glimpse/tensor"
	"github.com/glimpse-ml/glimpse/train"
)

func newEvaluateCmd() *cobra.Command {
	var flags configFlags
	var checkpoint string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Linear-probe frozen features on VOC07 classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if checkpoint == "" {
				return fmt.Errorf("evaluate requires --checkpoint")
			}

			// The vocabulary sizes the rebuilt model's embedding so it
			// matches the checkpointed shapes.
			vocab, err := data.LoadVocabulary(cfg.Data.VocabularyPath)
			if err != nil {
				return err
			}

			// Features come from the contrastive model's visual stream.
			cfg.Model.Name = "moco"
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
			moco := m.(*model.MoCo)

			logger := newLogger()
			logger.Info("evaluating", "checkpoint", checkpoint, "step", ck.Step)

			trainSet, err := loadProbeSplit(moco, cfg, "trainval")
			if err != nil {
				return err
			}
			testSet, err := loadProbeSplit(moco, cfg, "test")
			if err != nil {
				return err
			}

			probeCfg := eval.DefaultProbeConfig()
			if len(cfg.Downstream.VOC07.L2Costs) > 0 {
				probeCfg.L2Costs = cfg.Downstream.VOC07.L2Costs
			}
			res, err := eval.LinearProbe(trainSet, testSet, len(data.VOC07Classes), probeCfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, class := range data.VOC07Classes {
				if !res.Defined[i] {
					fmt.Fprintf(out, "%-14s      (no positives)\n", class)
					continue
				}
				fmt.Fprintf(out, "%-14s AP %.4f  (C=%g)\n", class, res.PerClassAP[i], res.ChosenCost[i])
			}
			fmt.Fprintf(out, "mAP %.4f\n", res.MeanAP)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Pretrained checkpoint to evaluate")
	return cmd
}

// loadProbeSplit reads one VOC07 split: annotations from ImageSets/Main and
// images from voc07_<split>.db under the data root, whose row order matches
// the sorted annotation image IDs.
func loadProbeSplit(m *model.MoCo, cfg *config.Config, split string) (*eval.ProbeSet, error) {
	root := cfg.Downstream.VOC07.DataRoot
	examples, err := data.LoadVOC07Split(root, split)
	if err != nil {
		return nil, err
	}

	store, err := data.OpenStore(filepath.Join(root, fmt.Sprintf("voc07_%s.db", split)))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	ids, err := store.IDs()
	if err != nil {
		return nil, err
	}
	if len(ids) != len(examples) {
		return nil, fmt.Errorf("voc07 %s: %d stored images but %d annotated", split, len(ids), len(examples))
	}

	images := make([]*tensor.Tensor, len(ids))
	labels := make([][]int, len(examples))
	for i, id := range ids {
		ex, err := store.Get(id)
		if err != nil {
			return nil, err
		}
		images[i] = ex.Image
		labels[i] = examples[i].Labels
	}

	batchSize := cfg.Downstream.VOC07.BatchSize
	features, err := eval.ExtractFeatures(m, images, batchSize)
	if err != nil {
		return nil, err
	}
	return &eval.ProbeSet{Features: features, Labels: labels}, nil
}
