// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package alpaca

import (
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// wordTokenizer maps each whitespace-separated word to a fixed id. Enough to
// exercise encoding, truncation and padding without a real vocabulary.
type wordTokenizer struct {
	vocab map[string]int
}

func (tok *wordTokenizer) Encode(text string) []int {
	words := strings.Fields(text)
	ids := make([]int, 0, len(words))
	for _, word := range words {
		id, found := tok.vocab[word]
		if !found {
			id = len(tok.vocab)
			tok.vocab[word] = id
		}
		ids = append(ids, id)
	}
	return ids
}

func TestBuildDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tok := &wordTokenizer{vocab: make(map[string]int)}
	examples := []Example{
		{Instruction: "Say hi", Output: "Hi!"},
		{Instruction: "Count", Output: "1 2 3"},
	}
	const maxSeqLen = 64
	ids := TokenIDs{BOS: -1, EOS: 50256, Pad: 50256}

	mds, err := BuildDataset(backend, tok, examples, maxSeqLen, ids)
	require.NoError(t, err)
	assert.Equal(t, len(examples), mds.NumExamples())

	mds = mds.BatchSize(len(examples), true)
	_, inputs, labels, err := mds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 2)

	tokens, inputMask := inputs[0], inputs[1]
	targets, targetMask := labels[0], labels[1]
	assert.Equal(t, []int{2, maxSeqLen}, tokens.Shape().Dimensions)
	assert.Equal(t, []int{2, maxSeqLen}, inputMask.Shape().Dimensions)
	assert.Equal(t, []int{2, maxSeqLen, 1}, targets.Shape().Dimensions)
	assert.Equal(t, []int{2, maxSeqLen}, targetMask.Shape().Dimensions)

	tokensData := tensors.MustCopyFlatData[int32](tokens)
	targetsData := tensors.MustCopyFlatData[int32](targets)
	maskData := tensors.MustCopyFlatData[bool](targetMask)

	// Targets are the tokens shifted left by one on every valid position.
	for row := range 2 {
		numValid := 0
		for pos := 0; pos < maxSeqLen; pos++ {
			idx := row*maxSeqLen + pos
			if !maskData[idx] {
				// Padding positions hold the pad id.
				assert.Equal(t, int32(ids.Pad), tokensData[idx])
				continue
			}
			numValid++
			if pos+1 < maxSeqLen && maskData[idx+1] {
				assert.Equal(t, tokensData[idx+1], targetsData[idx])
			} else {
				// Last valid position predicts the EOS token.
				assert.Equal(t, int32(ids.EOS), targetsData[idx])
			}
		}
		assert.Greater(t, numValid, 0, "row %d has no valid positions", row)
	}
}

func TestBuildDatasetTruncation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tok := &wordTokenizer{vocab: make(map[string]int)}
	long := strings.Repeat("word ", 100)
	examples := []Example{{Instruction: long, Output: long}}
	const maxSeqLen = 8

	mds, err := BuildDataset(backend, tok, examples, maxSeqLen, TokenIDs{BOS: -1, EOS: 1, Pad: 0})
	require.NoError(t, err)
	_, inputs, labels, err := mds.BatchSize(1, true).Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{1, maxSeqLen}, inputs[0].Shape().Dimensions)

	// Every position of an over-long example is valid after truncation.
	maskData := tensors.MustCopyFlatData[bool](labels[1])
	for pos, valid := range maskData {
		assert.True(t, valid, "position %d", pos)
	}
}

func TestBuildDatasetErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tok := &wordTokenizer{vocab: make(map[string]int)}
	_, err := BuildDataset(backend, tok, nil, 64, TokenIDs{})
	assert.Error(t, err)
	_, err = BuildDataset(backend, tok, []Example{{Instruction: "hi"}}, 1, TokenIDs{})
	assert.Error(t, err)
}
