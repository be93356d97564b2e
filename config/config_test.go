// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Derive())
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  name: moco
optim:
  lr: 2e-4
  batch_size: 64
`), 0o644))

	// The override beats the file, the file beats the default.
	cfg, err := Load(path, []string{"optim.lr", "5e-4"})
	require.NoError(t, err)

	assert.Equal(t, "moco", cfg.Model.Name)
	assert.InDelta(t, 5e-4, cfg.Optim.LR, 1e-9)
	assert.Equal(t, 64, cfg.Optim.BatchSize)
	// Untouched defaults survive.
	assert.Equal(t, 4096, cfg.Pretext.MoCo.QueueSize)
}

func TestApplyOverridesRejectsBadInput(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ApplyOverrides([]string{"optim.lr"}))
	assert.Error(t, cfg.ApplyOverrides([]string{"optim.does_not_exist", "3"}))
	assert.Error(t, cfg.ApplyOverrides([]string{"optim.lr", "not-a-number"}))
	assert.Error(t, cfg.ApplyOverrides([]string{"optim..lr", "3"}))
}

func TestApplyOverridesIsCaseInsensitive(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyOverrides([]string{"OPTIM.LR", "1e-3"}))
	assert.InDelta(t, 1e-3, cfg.Optim.LR, 1e-9)
}

func TestDeriveExpandsTextualName(t *testing.T) {
	cfg := Default()
	cfg.Model.Textual.Name = "prenorm_gelu::L4_H256_A4_F1024"
	require.NoError(t, cfg.Derive())

	assert.Equal(t, "prenorm_gelu", cfg.Model.Textual.Name)
	assert.Equal(t, 4, cfg.Model.Textual.NumLayers)
	assert.Equal(t, 256, cfg.Model.Textual.HiddenSize)
	assert.Equal(t, 4, cfg.Model.Textual.AttentionHeads)
	assert.Equal(t, 1024, cfg.Model.Textual.FeedforwardSize)
	// Fusion size follows the textual hidden size.
	assert.Equal(t, 256, cfg.Model.Fusion.ProjectionSize)
}

func TestDeriveRejectsMalformedSpec(t *testing.T) {
	cfg := Default()
	cfg.Model.Textual.Name = "prenorm_gelu::L4_X256"
	assert.Error(t, cfg.Derive())

	cfg.Model.Textual.Name = "prenorm_gelu::Labc"
	assert.Error(t, cfg.Derive())
}

func TestValidateCatchesNonsense(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Pretext.MoCo.Temperature = 0 },
		func(c *Config) { c.Pretext.MoCo.Temperature = -0.07 },
		func(c *Config) { c.Pretext.MoCo.Momentum = 1 },
		func(c *Config) { c.Pretext.MoCo.QueueSize = 100 }, // not a multiple of 256
		func(c *Config) { c.Pretext.WordMasking.MaskProportion = 0 },
		func(c *Config) { c.Optim.LR = 0 },
		func(c *Config) { c.Optim.WarmupSteps = 0 },
		func(c *Config) { c.Optim.NumIterations = 10; c.Optim.WarmupSteps = 100 },
		func(c *Config) { c.Model.Textual.HiddenSize = 510 }, // not divisible by 8 heads
		func(c *Config) { c.Model.Visual.PatchSize = 13 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestDumpRoundTrips(t *testing.T) {
	cfg := Default()
	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, out, "queue_size: 4096")
	assert.Contains(t, out, "optimizer_name: adamw")

	dir := t.TempDir()
	path := filepath.Join(dir, "dump.yaml")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))

	loaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Optim, loaded.Optim)
	assert.Equal(t, cfg.Pretext, loaded.Pretext)
}
