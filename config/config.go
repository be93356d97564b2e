// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package config carries every knob of a pretraining run in one nested
// struct. A run's config resolves in four stages: defaults, YAML file merge,
// dotted command-line overrides, derived parameters. Validate is the last
// gate; anything it rejects is a fatal configuration error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RandomSeed int64 `yaml:"random_seed"`

	Data       Data       `yaml:"data"`
	Pretext    Pretext    `yaml:"pretext"`
	Model      Model      `yaml:"model"`
	Optim      Optim      `yaml:"optim"`
	Train      Train      `yaml:"train"`
	Downstream Downstream `yaml:"downstream"`
}

type Data struct {
	VocabularyPath   string `yaml:"vocabulary_path"`
	TrainDB          string `yaml:"train_db"`
	ValDB            string `yaml:"val_db"`
	MaxCaptionLength int    `yaml:"max_caption_length"`
	ImageCropSize    int    `yaml:"image_crop_size"`
	ImageChannels    int    `yaml:"image_channels"`
	PrefetchWorkers  int    `yaml:"prefetch_workers"`
}

type Pretext struct {
	WordMasking WordMasking `yaml:"word_masking"`
	MoCo        MoCo        `yaml:"moco"`
}

type WordMasking struct {
	MaskProportion     float32 `yaml:"mask_proportion"`
	MaskProbability    float32 `yaml:"mask_probability"`
	ReplaceProbability float32 `yaml:"replace_probability"`
}

type MoCo struct {
	FeatureSize int     `yaml:"feature_size"`
	Momentum    float32 `yaml:"momentum"`
	QueueSize   int     `yaml:"queue_size"`
	Temperature float32 `yaml:"temperature"`
}

type Model struct {
	Name    string  `yaml:"name"`
	Visual  Visual  `yaml:"visual"`
	Textual Textual `yaml:"textual"`
	Fusion  Fusion  `yaml:"fusion"`
}

type Visual struct {
	Name        string `yaml:"name"`
	FeatureSize int    `yaml:"feature_size"`
	PatchSize   int    `yaml:"patch_size"`
}

type Textual struct {
	Name            string  `yaml:"name"`
	HiddenSize      int     `yaml:"hidden_size"`
	FeedforwardSize int     `yaml:"feedforward_size"`
	AttentionHeads  int     `yaml:"attention_heads"`
	NumLayers       int     `yaml:"num_layers"`
	Dropout         float32 `yaml:"dropout"`
}

type Fusion struct {
	Name           string  `yaml:"name"`
	ProjectionSize int     `yaml:"projection_size"`
	AttentionHeads int     `yaml:"attention_heads"`
	Dropout        float32 `yaml:"dropout"`
}

type Optim struct {
	OptimizerName       string   `yaml:"optimizer_name"`
	LR                  float32  `yaml:"lr"`
	WarmupSteps         int      `yaml:"warmup_steps"`
	NumIterations       int      `yaml:"num_iterations"`
	WeightDecay         float32  `yaml:"weight_decay"`
	NoDecay             []string `yaml:"no_decay"`
	ClipGradNorm        float32  `yaml:"clip_grad_norm"`
	AdamBeta1           float32  `yaml:"adam_beta1"`
	AdamBeta2           float32  `yaml:"adam_beta2"`
	SGDMomentum         float32  `yaml:"sgd_momentum"`
	SGDNesterov         bool     `yaml:"sgd_nesterov"`
	UseLookahead        bool     `yaml:"use_lookahead"`
	LookaheadSteps      int      `yaml:"lookahead_steps"`
	LookaheadAlpha      float32  `yaml:"lookahead_alpha"`
	BatchSize           int      `yaml:"batch_size"`
	BatchSizeMultiplier int      `yaml:"batch_size_multiplier"`
	LRDecayName         string   `yaml:"lr_decay_name"`
}

type Train struct {
	SerializationDir string `yaml:"serialization_dir"`
	LogEvery         int    `yaml:"log_every"`
	CheckpointEvery  int    `yaml:"checkpoint_every"`
	ValEvery         int    `yaml:"val_every"`
}

type Downstream struct {
	VOC07 VOC07 `yaml:"voc07"`
}

type VOC07 struct {
	DataRoot  string    `yaml:"data_root"`
	BatchSize int       `yaml:"batch_size"`
	L2Costs   []float32 `yaml:"l2_costs"`
}

// Default returns the baseline configuration. Every field a run can override
// has a sensible value here.
func Default() *Config {
	return &Config{
		RandomSeed: 0,
		Data: Data{
			VocabularyPath:   "data/vocabulary.txt",
			TrainDB:          "data/serialized_train.db",
			ValDB:            "data/serialized_val.db",
			MaxCaptionLength: 30,
			ImageCropSize:    224,
			ImageChannels:    3,
			PrefetchWorkers:  4,
		},
		Pretext: Pretext{
			WordMasking: WordMasking{
				MaskProportion:     0.15,
				MaskProbability:    0.85,
				ReplaceProbability: 0.10,
			},
			MoCo: MoCo{
				FeatureSize: 128,
				Momentum:    0.999,
				QueueSize:   4096,
				Temperature: 0.07,
			},
		},
		Model: Model{
			Name: "word_masking",
			Visual: Visual{
				Name:        "patch",
				FeatureSize: 512,
				PatchSize:   32,
			},
			Textual: Textual{
				Name:            "postnorm_gelu",
				HiddenSize:      512,
				FeedforwardSize: 2048,
				AttentionHeads:  8,
				NumLayers:       6,
				Dropout:         0.1,
			},
			Fusion: Fusion{
				Name:           "multihead",
				ProjectionSize: 512,
				AttentionHeads: 8,
				Dropout:        0.1,
			},
		},
		Optim: Optim{
			OptimizerName:       "adamw",
			LR:                  1e-4,
			WarmupSteps:         10000,
			NumIterations:       500000,
			WeightDecay:         1e-2,
			NoDecay:             []string{".norm", ".bias"},
			ClipGradNorm:        10,
			AdamBeta1:           0.9,
			AdamBeta2:           0.999,
			SGDMomentum:         0.9,
			SGDNesterov:         true,
			UseLookahead:        false,
			LookaheadSteps:      5,
			LookaheadAlpha:      0.5,
			BatchSize:           256,
			BatchSizeMultiplier: 1,
			LRDecayName:         "cosine",
		},
		Train: Train{
			SerializationDir: "checkpoints",
			LogEvery:         20,
			CheckpointEvery:  2000,
			ValEvery:         2000,
		},
		Downstream: Downstream{
			VOC07: VOC07{
				DataRoot:  "data/VOC2007",
				BatchSize: 128,
				L2Costs:   []float32{0.01, 0.1, 1, 10},
			},
		},
	}
}

// Load resolves a config: defaults, then the YAML file (if path is
// non-empty), then dotted key/value override pairs, then derived parameters,
// then validation.
func Load(path string, overrides []string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyOverrides(overrides); err != nil {
		return nil, err
	}
	if err := cfg.Derive(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides consumes alternating dotted-key/value pairs, e.g.
// ["optim.lr", "1e-3", "model.name", "moco"]. Keys are case-insensitive and
// must name existing fields; values parse as YAML scalars.
func (c *Config) ApplyOverrides(pairs []string) error {
	if len(pairs)%2 != 0 {
		return fmt.Errorf("overrides must come in key/value pairs, got %d entries", len(pairs))
	}
	for i := 0; i < len(pairs); i += 2 {
		key := strings.ToLower(pairs[i])
		if err := c.applyOverride(key, pairs[i+1]); err != nil {
			return fmt.Errorf("override %q: %w", pairs[i], err)
		}
	}
	return nil
}

// applyOverride rebuilds the dotted key as a nested YAML document and merges
// it into the config. Unmarshal only touches fields present in the document,
// so everything else keeps its current value.
func (c *Config) applyOverride(key, value string) error {
	segments := strings.Split(key, ".")
	var doc strings.Builder
	for depth, seg := range segments {
		if seg == "" {
			return fmt.Errorf("empty key segment")
		}
		doc.WriteString(strings.Repeat("  ", depth))
		doc.WriteString(seg)
		doc.WriteString(":")
		if depth == len(segments)-1 {
			doc.WriteString(" ")
			doc.WriteString(value)
		}
		doc.WriteString("\n")
	}

	dec := yaml.NewDecoder(strings.NewReader(doc.String()))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("apply value %q: %w", value, err)
	}
	return nil
}

// Derive expands shorthand parameters:
//   - A textual name of the form "<variant>::L<num>_H<num>_A<num>_F<num>"
//     (e.g. "prenorm_gelu::L6_H512_A8_F2048") expands into NumLayers,
//     HiddenSize, AttentionHeads, FeedforwardSize, and the name shrinks to
//     the variant prefix.
//   - The fusion projection size is forced equal to the textual hidden size
//     so fused features and textual features always agree.
func (c *Config) Derive() error {
	name := c.Model.Textual.Name
	if idx := strings.Index(name, "::"); idx >= 0 {
		spec := name[idx+2:]
		c.Model.Textual.Name = name[:idx]
		for _, part := range strings.Split(spec, "_") {
			if len(part) < 2 {
				return fmt.Errorf("textual size spec %q: bad component %q", spec, part)
			}
			n, err := strconv.Atoi(part[1:])
			if err != nil {
				return fmt.Errorf("textual size spec %q: bad component %q", spec, part)
			}
			switch part[0] {
			case 'L':
				c.Model.Textual.NumLayers = n
			case 'H':
				c.Model.Textual.HiddenSize = n
			case 'A':
				c.Model.Textual.AttentionHeads = n
			case 'F':
				c.Model.Textual.FeedforwardSize = n
			default:
				return fmt.Errorf("textual size spec %q: unknown component %q", spec, part)
			}
		}
	}
	c.Model.Fusion.ProjectionSize = c.Model.Textual.HiddenSize
	return nil
}

// Validate rejects configurations that would fail later in confusing ways.
func (c *Config) Validate() error {
	p := c.Pretext
	switch {
	case p.MoCo.Temperature <= 0:
		return fmt.Errorf("pretext.moco.temperature %v must be > 0", p.MoCo.Temperature)
	case p.MoCo.Momentum < 0 || p.MoCo.Momentum >= 1:
		return fmt.Errorf("pretext.moco.momentum %v must be in [0, 1)", p.MoCo.Momentum)
	case p.MoCo.QueueSize <= 0 || c.Optim.BatchSize <= 0 || p.MoCo.QueueSize%c.Optim.BatchSize != 0:
		return fmt.Errorf("pretext.moco.queue_size %d must be a positive multiple of optim.batch_size %d",
			p.MoCo.QueueSize, c.Optim.BatchSize)
	case p.WordMasking.MaskProportion <= 0 || p.WordMasking.MaskProportion >= 1:
		return fmt.Errorf("pretext.word_masking.mask_proportion %v must be in (0, 1)", p.WordMasking.MaskProportion)
	case p.WordMasking.MaskProbability+p.WordMasking.ReplaceProbability > 1:
		return fmt.Errorf("mask_probability + replace_probability exceeds 1")
	}

	switch {
	case c.Optim.LR <= 0:
		return fmt.Errorf("optim.lr %v must be > 0", c.Optim.LR)
	case c.Optim.WarmupSteps <= 0 || c.Optim.NumIterations <= c.Optim.WarmupSteps:
		return fmt.Errorf("need 0 < optim.warmup_steps (%d) < optim.num_iterations (%d)",
			c.Optim.WarmupSteps, c.Optim.NumIterations)
	case c.Optim.BatchSizeMultiplier < 1:
		return fmt.Errorf("optim.batch_size_multiplier %d must be >= 1", c.Optim.BatchSizeMultiplier)
	case c.Model.Textual.HiddenSize%c.Model.Textual.AttentionHeads != 0:
		return fmt.Errorf("model.textual.hidden_size %d not divisible by attention_heads %d",
			c.Model.Textual.HiddenSize, c.Model.Textual.AttentionHeads)
	case c.Data.ImageCropSize%c.Model.Visual.PatchSize != 0:
		return fmt.Errorf("data.image_crop_size %d not divisible by model.visual.patch_size %d",
			c.Data.ImageCropSize, c.Model.Visual.PatchSize)
	}
	return nil
}

// Dump renders the resolved config as YAML for run reproducibility.
func (c *Config) Dump() (string, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
