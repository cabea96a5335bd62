// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package precision

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForCapability(t *testing.T) {
	// Exactly one mode per capability value, and the pairing is fixed.
	assert.Equal(t, BFloat16, ForCapability(true))
	assert.Equal(t, Float16, ForCapability(false))
	for _, capability := range []bool{true, false} {
		p := ForCapability(capability)
		assert.True(t, p == BFloat16 || p == Float16)
		assert.NotEqual(t, Float32, p)
	}
}

func TestDType(t *testing.T) {
	assert.Equal(t, dtypes.BFloat16, BFloat16.DType())
	assert.Equal(t, dtypes.Float16, Float16.DType())
	assert.Equal(t, dtypes.Float32, Float32.DType())
}

func TestParse(t *testing.T) {
	for name, want := range map[string]Precision{
		"bf16": BFloat16, "bfloat16": BFloat16,
		"fp16": Float16, "float16": Float16,
		"fp32": Float32, "float32": Float32,
	} {
		got, ok := Parse(name)
		require.True(t, ok, "Parse(%q)", name)
		assert.Equal(t, want, got)
	}
	for _, name := range []string{"", "auto", "int8"} {
		_, ok := Parse(name)
		assert.False(t, ok, "Parse(%q)", name)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "bfloat16", BFloat16.String())
	assert.Equal(t, "float16", Float16.String())
	assert.Equal(t, "float32", Float32.String())
}
