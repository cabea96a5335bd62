// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package alpaca

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// Tokenizer is the subset of a HuggingFace tokenizer needed to build the
// dataset. It is satisfied by go-huggingface's tokenizers/api.Tokenizer.
type Tokenizer interface {
	Encode(text string) []int
}

// TokenIDs holds the special token ids used while encoding examples.
// BOS < 0 means no beginning-of-sentence token is prepended.
type TokenIDs struct {
	BOS, EOS, Pad int
}

// BuildDataset tokenizes the formatted examples and assembles an in-memory
// dataset for next-token prediction.
//
// Each example becomes a row of maxSeqLen positions. The model inputs are the
// token ids and a boolean mask of the valid (non-padding) positions. The
// labels are the same sequence shifted left by one, with a boolean mask
// selecting the positions that hold a real next token, so padded positions
// do not contribute to the loss.
//
// The returned dataset yields the full data in one batch. Use its BatchSize,
// Shuffle and Infinite methods to configure training epochs.
func BuildDataset(backend backends.Backend, tok Tokenizer, examples []Example, maxSeqLen int, ids TokenIDs) (*datasets.InMemoryDataset, error) {
	if len(examples) == 0 {
		return nil, errors.New("cannot build a dataset from 0 examples")
	}
	if maxSeqLen < 2 {
		return nil, errors.Errorf("maxSeqLen=%d, must be at least 2 to hold an input and a target token", maxSeqLen)
	}

	numRows := len(examples)
	flatTokens := make([]int32, numRows*maxSeqLen)
	flatInputMask := make([]bool, numRows*maxSeqLen)
	flatTargets := make([]int32, numRows*maxSeqLen)
	flatTargetMask := make([]bool, numRows*maxSeqLen)

	prompts := FormatPrompts(examples)
	for row, prompt := range prompts {
		encoded := tok.Encode(prompt)
		tokens := make([]int32, 0, len(encoded)+2)
		if ids.BOS >= 0 {
			tokens = append(tokens, int32(ids.BOS))
		}
		for _, t := range encoded {
			tokens = append(tokens, int32(t))
		}
		tokens = append(tokens, int32(ids.EOS))

		// One extra token is kept for the shifted targets.
		if len(tokens) > maxSeqLen+1 {
			tokens = tokens[:maxSeqLen+1]
		}

		offset := row * maxSeqLen
		for pos := 0; pos < maxSeqLen; pos++ {
			if pos < len(tokens)-1 {
				flatTokens[offset+pos] = tokens[pos]
				flatInputMask[offset+pos] = true
				flatTargets[offset+pos] = tokens[pos+1]
				flatTargetMask[offset+pos] = true
			} else {
				flatTokens[offset+pos] = int32(ids.Pad)
				flatTargets[offset+pos] = int32(ids.Pad)
			}
		}
	}

	tokensT := tensors.FromFlatDataAndDimensions(flatTokens, numRows, maxSeqLen)
	inputMaskT := tensors.FromFlatDataAndDimensions(flatInputMask, numRows, maxSeqLen)
	targetsT := tensors.FromFlatDataAndDimensions(flatTargets, numRows, maxSeqLen, 1)
	targetMaskT := tensors.FromFlatDataAndDimensions(flatTargetMask, numRows, maxSeqLen)

	mds, err := datasets.InMemoryFromData(backend, "alpaca",
		[]any{tokensT, inputMaskT},
		[]any{targetsT, targetMaskT})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build in-memory Alpaca dataset")
	}
	return mds, nil
}
