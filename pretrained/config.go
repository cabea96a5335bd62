// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pretrained downloads GPT-2 family models from HuggingFace and loads
// their weights into a GoMLX context.
package pretrained

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config is the architecture configuration of a GPT-2 family model, parsed
// from the HuggingFace config.json.
type Config struct {
	ModelType        string  `json:"model_type"`
	VocabSize        int     `json:"vocab_size"`
	HiddenSize       int     `json:"n_embd"`
	NumLayers        int     `json:"n_layer"`
	NumHeads         int     `json:"n_head"`
	MaxPositions     int     `json:"n_positions"`
	LayerNormEpsilon float64 `json:"layer_norm_epsilon"`
}

// HeadDim returns the per-head dimension of the attention projections.
func (c *Config) HeadDim() int {
	return c.HiddenSize / c.NumHeads
}

// FFNDim returns the inner dimension of the MLP blocks. GPT-2 uses a 4x
// expansion.
func (c *Config) FFNDim() int {
	return 4 * c.HiddenSize
}

// Validate checks the configuration describes a loadable model.
func (c *Config) Validate() error {
	if c.ModelType != "" && c.ModelType != "gpt2" {
		return errors.Errorf("model type %q is not supported, only \"gpt2\" family models", c.ModelType)
	}
	if c.VocabSize <= 0 || c.HiddenSize <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.MaxPositions <= 0 {
		return errors.Errorf("config has non-positive dimensions: %+v", c)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return errors.Errorf("hidden size %d is not divisible by %d heads", c.HiddenSize, c.NumHeads)
	}
	if c.LayerNormEpsilon <= 0 {
		return errors.Errorf("layer norm epsilon must be > 0, got %g", c.LayerNormEpsilon)
	}
	return nil
}

// LoadConfig parses a HuggingFace config.json file.
func LoadConfig(filePath string) (*Config, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model config from %q", filePath)
	}
	cfg := &Config{}
	if err := json.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model config in %q", filePath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid model config in %q", filePath)
	}
	return cfg, nil
}
