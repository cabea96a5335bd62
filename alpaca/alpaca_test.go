// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package alpaca

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	filePath := path.Join(t.TempDir(), LocalFileName)
	contents := `[
		{"instruction": "Say hi", "input": "", "output": "Hi!"},
		{"instruction": "Add", "input": "1 2", "output": "3"}
	]`
	require.NoError(t, os.WriteFile(filePath, []byte(contents), 0644))

	examples, err := Load(filePath)
	require.NoError(t, err)
	require.Len(t, examples, 2)
	assert.Equal(t, Example{Instruction: "Say hi", Output: "Hi!"}, examples[0])
	assert.Equal(t, Example{Instruction: "Add", Input: "1 2", Output: "3"}, examples[1])
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(path.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	filePath := path.Join(t.TempDir(), LocalFileName)
	require.NoError(t, os.WriteFile(filePath, []byte("not json"), 0644))
	_, err = Load(filePath)
	assert.Error(t, err)
}
