// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/glimpse-ml/glimpse/config"
	"github.com/glimpse-ml/glimpse/data"
	"github.com/glimpse-ml/glimpse/model"
	"github.com/glimpse-ml/glimpse/optim"
	"github.com/glimpse-ml/glimpse/train"
)

// configFlags are shared by every subcommand: a YAML file plus repeatable
// dotted-key overrides like -o optim.lr=1e-3.
type configFlags struct {
	path      string
	overrides []string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "Path to the YAML config file")
	cmd.Flags().StringArrayVarP(&f.overrides, "override", "o", nil,
		"Config override as dotted.key=value (repeatable)")
}

func (f *configFlags) load() (*config.Config, error) {
	pairs := make([]string, 0, 2*len(f.overrides))
	for _, ov := range f.overrides {
		key, value, ok := strings.Cut(ov, "=")
		if !ok {
			return nil, fmt.Errorf("override %q must be key=value", ov)
		}
		pairs = append(pairs, key, value)
	}
	return config.Load(f.path, pairs)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func NewCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "glimpse",
		Short:         "Visual-linguistic pretraining and evaluation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}
	root.AddCommand(
		newPretrainCmd(),
		newEvaluateCmd(),
		newCaptionCmd(),
		newConfigCmd(),
	)
	return root
}

func newPretrainCmd() *cobra.Command {
	var flags configFlags
	var resume string

	cmd := &cobra.Command{
		Use:   "pretrain",
		Short: "Run the pretraining loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := newLogger()

			vocab, err := data.LoadVocabulary(cfg.Data.VocabularyPath)
			if err != nil {
				return err
			}
			trainStore, err := data.OpenStore(cfg.Data.TrainDB)
			if err != nil {
				return err
			}
			defer trainStore.Close()

			batcherCfg := data.BatcherConfig{
				BatchSize:     cfg.Optim.BatchSize,
				MaxCaptionLen: cfg.Data.MaxCaptionLength,
				Workers:       cfg.Data.PrefetchWorkers,
				Masking: data.WordMasking{
					MaskProportion:     cfg.Pretext.WordMasking.MaskProportion,
					MaskProbability:    cfg.Pretext.WordMasking.MaskProbability,
					ReplaceProbability: cfg.Pretext.WordMasking.ReplaceProbability,
				},
				Seed: cfg.RandomSeed,
			}
			batches, err := data.NewBatcher(cmd.Context(), trainStore, batcherCfg, vocab, 0)
			if err != nil {
				return err
			}
			defer batches.Close()

			var val *data.Batcher
			if cfg.Data.ValDB != "" {
				valStore, err := data.OpenStore(cfg.Data.ValDB)
				if err != nil {
					return err
				}
				defer valStore.Close()
				val, err = data.NewBatcher(cmd.Context(), valStore, batcherCfg, vocab, 0)
				if err != nil {
					return err
				}
				defer val.Close()
			}

			rng := rand.New(rand.NewSource(cfg.RandomSeed))
			m, err := model.New(cfg, vocab.Size(), rng)
			if err != nil {
				return err
			}
			groups := optim.BuildGroups(m.NamedParameters(), cfg.Optim.WeightDecay, cfg.Optim.NoDecay)
			opt, err := optim.New(optim.Options{
				Name:           cfg.Optim.OptimizerName,
				SGDMomentum:    cfg.Optim.SGDMomentum,
				SGDNesterov:    cfg.Optim.SGDNesterov,
				AdamBeta1:      cfg.Optim.AdamBeta1,
				AdamBeta2:      cfg.Optim.AdamBeta2,
				UseLookahead:   cfg.Optim.UseLookahead,
				LookaheadSteps: cfg.Optim.LookaheadSteps,
				LookaheadAlpha: cfg.Optim.LookaheadAlpha,
			}, groups)
			if err != nil {
				return err
			}
			sched, err := optim.NewSchedule(cfg.Optim.LRDecayName, cfg.Optim.LR,
				cfg.Optim.WarmupSteps, cfg.Optim.NumIterations)
			if err != nil {
				return err
			}

			p := train.NewPretrainer(cfg, m, opt, sched, batches, val, logger)
			if resume != "" {
				if err := p.Resume(resume); err != nil {
					return err
				}
			}
			logger.Info("pretraining", "run_id", p.RunID(), "model", cfg.Model.Name,
				"iterations", cfg.Optim.NumIterations)
			return p.Run(cmd.Context())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&resume, "resume", "", "Checkpoint to resume from")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var flags configFlags

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
