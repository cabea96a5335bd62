// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrained

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	contents := `{
		"model_type": "gpt2",
		"vocab_size": 50257,
		"n_embd": 768,
		"n_layer": 6,
		"n_head": 12,
		"n_positions": 1024,
		"layer_norm_epsilon": 1e-05
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(contents), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 50257, cfg.VocabSize)
	assert.Equal(t, 768, cfg.HiddenSize)
	assert.Equal(t, 6, cfg.NumLayers)
	assert.Equal(t, 64, cfg.HeadDim())
	assert.Equal(t, 3072, cfg.FFNDim())
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	badType := filepath.Join(dir, "llama.json")
	require.NoError(t, os.WriteFile(badType, []byte(
		`{"model_type": "llama", "vocab_size": 10, "n_embd": 4, "n_layer": 1, "n_head": 2, "n_positions": 8, "layer_norm_epsilon": 1e-5}`), 0644))
	_, err = LoadConfig(badType)
	assert.Error(t, err)

	badHeads := filepath.Join(dir, "heads.json")
	require.NoError(t, os.WriteFile(badHeads, []byte(
		`{"model_type": "gpt2", "vocab_size": 10, "n_embd": 5, "n_layer": 1, "n_head": 2, "n_positions": 8, "layer_norm_epsilon": 1e-5}`), 0644))
	_, err = LoadConfig(badHeads)
	assert.Error(t, err)
}
