// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateReportsMissingVocabulary(t *testing.T) {
	cli := NewCLI()
	cli.SetOut(&bytes.Buffer{})
	cli.SetErr(&bytes.Buffer{})
	cli.SetArgs([]string{"evaluate",
		"--checkpoint", filepath.Join(t.TempDir(), "model.ckpt.gz"),
		"-o", "data.vocabulary_path=" + filepath.Join(t.TempDir(), "missing.txt"),
	})

	err := cli.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vocabulary")
}

func TestEvaluateRequiresCheckpoint(t *testing.T) {
	cli := NewCLI()
	cli.SetOut(&bytes.Buffer{})
	cli.SetErr(&bytes.Buffer{})
	cli.SetArgs([]string{"evaluate"})

	err := cli.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--checkpoint")
}

func TestConfigDumpsResolvedYAML(t *testing.T) {
	var out bytes.Buffer
	cli := NewCLI()
	cli.SetOut(&out)
	cli.SetErr(&bytes.Buffer{})
	cli.SetArgs([]string{"config", "-o", "optim.lr=0.5"})

	require.NoError(t, cli.Execute())
	assert.Contains(t, out.String(), "lr: 0.5")
}
