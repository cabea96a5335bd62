// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model builds the GPT-2 forward pass used for LoRA fine-tuning:
// token plus positional embeddings, pre-norm transformer blocks whose
// projections go through lora.Dense, and a weight-tied output head.
package model

import (
	"fmt"

	"github.com/gomlx/finetune/lora"
	"github.com/gomlx/finetune/pretrained"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// Forward returns the train.ModelFn of the causal language model.
//
// It expects inputs[0] to be the token ids shaped [batch, seqLen] and
// inputs[1] a boolean mask of the valid (non-padding) positions, as produced
// by alpaca.BuildDataset. The single output is the next-token logits shaped
// [batch, seqLen, vocabSize].
func Forward(cfg *pretrained.Config, loraCfg *lora.Config, dtype dtypes.DType) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{Logits(ctx, cfg, loraCfg, dtype, inputs[0], inputs[1])}
	}
}

// Logits computes the next-token logits for the given token ids and validity
// mask. The context must hold (or will create, randomly initialized) the
// variables laid out as documented in pretrained.LoadSafetensors.
func Logits(ctx *context.Context, cfg *pretrained.Config, loraCfg *lora.Config, dtype dtypes.DType, tokens, mask *Node) *Node {
	g := tokens.Graph()
	seqLen := tokens.Shape().Dimensions[1]

	// Scope checking is disabled because the variables are a mix of reused
	// (the loaded base model, and the embedding table again for the tied
	// head) and newly created (the adapters).
	ctx = ctx.Checked(false)

	embedded := layers.Embedding(ctx.In("wte"), tokens, dtype, cfg.VocabSize, cfg.HiddenSize)
	posTable := ctx.In("wpe").
		VariableWithShape("embeddings", shapes.Make(dtype, cfg.MaxPositions, cfg.HiddenSize)).
		ValueGraph(g)
	posEmbed := Slice(posTable, AxisRangeFromStart(seqLen), AxisRange())
	x := Add(embedded, ExpandDims(posEmbed, 0))

	attnMask := attentionMask(mask)
	for layer := 0; layer < cfg.NumLayers; layer++ {
		x = block(ctx.In(fmt.Sprintf("block_%d", layer)), cfg, loraCfg, x, attnMask)
	}
	x = layerNorm(ctx.In("ln_f"), x, cfg.LayerNormEpsilon)

	// Weight tying: the output head reuses the token embedding table.
	wte := ctx.In("wte").
		VariableWithShape("embeddings", shapes.Make(dtype, cfg.VocabSize, cfg.HiddenSize)).
		ValueGraph(g)
	return Einsum("bsh,vh->bsv", x, wte)
}

// block is one pre-norm transformer block: attention and MLP, each behind a
// layer norm, with residual connections.
func block(ctx *context.Context, cfg *pretrained.Config, loraCfg *lora.Config, x, attnMask *Node) *Node {
	attnInput := layerNorm(ctx.In("ln_1"), x, cfg.LayerNormEpsilon)
	x = Add(x, selfAttention(ctx.In("attn"), cfg, loraCfg, attnInput, attnMask))

	mlpInput := layerNorm(ctx.In("ln_2"), x, cfg.LayerNormEpsilon)
	return Add(x, mlp(ctx.In("mlp"), cfg, loraCfg, mlpInput))
}

// layerNorm applies a layer normalization over the feature axis and keeps its
// parameters frozen: layers.LayerNormalization re-marks them trainable on
// every graph build, and they belong to the base model.
func layerNorm(ctx *context.Context, x *Node, epsilon float64) *Node {
	x = layers.LayerNormalization(ctx, x, -1).Epsilon(epsilon).Done()
	lnCtx := ctx.In("layer_normalization")
	for _, name := range []string{"gain", "offset"} {
		if v := lnCtx.InspectVariableInScope(name); v != nil {
			v.SetTrainable(false)
		}
	}
	return x
}

func selfAttention(ctx *context.Context, cfg *pretrained.Config, loraCfg *lora.Config, x, attnMask *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	hidden, numHeads, headDim := cfg.HiddenSize, cfg.NumHeads, cfg.HeadDim()

	query := lora.Dense(ctx.In("query"), loraCfg, "query", x, hidden, true)
	key := lora.Dense(ctx.In("key"), loraCfg, "key", x, hidden, true)
	value := lora.Dense(ctx.In("value"), loraCfg, "value", x, hidden, true)

	query = Reshape(query, batchSize, seqLen, numHeads, headDim)
	key = Reshape(key, batchSize, seqLen, numHeads, headDim)
	value = Reshape(value, batchSize, seqLen, numHeads, headDim)

	attended := attention.ScaledDotProductAttention(query, key, value).
		WithLayout(attention.LayoutBSHD).
		WithBooleanMask(attnMask).
		Done()
	attended = Reshape(attended, batchSize, seqLen, hidden)
	return lora.Dense(ctx.In("output"), loraCfg, "output", attended, hidden, true)
}

func mlp(ctx *context.Context, cfg *pretrained.Config, loraCfg *lora.Config, x *Node) *Node {
	h := lora.Dense(ctx.In("fc"), loraCfg, "fc", x, cfg.FFNDim(), true)
	h = activations.Gelu(h)
	return lora.Dense(ctx.In("proj"), loraCfg, "proj", h, cfg.HiddenSize, true)
}

// attentionMask combines the causal mask with the padding validity mask.
// mask is [batch, seqLen] bool; the result is [batch, seqLen, 1, seqLen],
// broadcastable to the [batch, q, heads, k] score shape of LayoutBSHD.
func attentionMask(mask *Node) *Node {
	g := mask.Graph()
	seqLen := mask.Shape().Dimensions[1]
	causal := ExpandDims(LowerTriangular(g, seqLen), 0) // [1, q, k]
	validKeys := ExpandDims(mask, 1)                    // [batch, 1, k]
	return ExpandDims(LogicalAnd(causal, validKeys), 2)
}
