// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrained

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultModelRepo is the HuggingFace repository loaded when none is given.
// DistilGPT-2 is small enough to fine-tune on a CPU backend.
const DefaultModelRepo = "distilgpt2"

// Model bundles what was loaded from a HuggingFace model repository. The
// weights themselves live in the context passed to Load.
type Model struct {
	RepoID    string
	Config    *Config
	Tokenizer api.Tokenizer
}

// Load downloads (with local caching) the configuration, tokenizer and
// safetensors weights of a GPT-2 family model from the HuggingFace repository
// repoID, and loads the weights into ctx converted to dtype.
//
// With quantize set the projection weights are NF4-packed, see
// LoadSafetensors.
func Load(ctx *context.Context, repoID string, dtype dtypes.DType, quantize bool) (*Model, error) {
	repo := hub.New(repoID).WithProgressBar(true)
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.WithMessagef(err, "failed to fetch info for HuggingFace repo %q", repoID)
	}

	configPath, err := repo.DownloadFile("config.json")
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download config.json from %q", repoID)
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("model %q: %d layers, %d heads, hidden size %d, vocab %d",
		repoID, cfg.NumLayers, cfg.NumHeads, cfg.HiddenSize, cfg.VocabSize)

	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load tokenizer from %q", repoID)
	}

	weightsPath, err := repo.DownloadFile("model.safetensors")
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download model.safetensors from %q", repoID)
	}
	if info := repo.Info(); info != nil && info.SafeTensors.Total > 0 {
		fmt.Printf("Model %q: %s parameters\n", repoID, humanize.Comma(int64(info.SafeTensors.Total)))
	}
	if err := LoadSafetensors(ctx, weightsPath, cfg, dtype, quantize); err != nil {
		return nil, err
	}

	return &Model{RepoID: repoID, Config: cfg, Tokenizer: tok}, nil
}
