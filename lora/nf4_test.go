// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lora

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dequantizeNF4 is the reference inverse of QuantizeNF4, unpacking the codes
// back to the row-major [inFeatures, outFeatures] float32 matrix. The
// production dequantization happens in-graph, inside nn.QuantizedDense.
func dequantizeNF4(packed []uint8, scales []float32, inFeatures, outFeatures, groupSize int) []float32 {
	numGroups := (outFeatures + groupSize - 1) / groupSize
	weights := make([]float32, inFeatures*outFeatures)
	for k := 0; k < inFeatures; k++ {
		for j := 0; j < outFeatures; j += 2 {
			b := packed[(k*outFeatures+j)/2]
			weights[k*outFeatures+j] = nf4Values[b&0x0F] * scales[k*numGroups+j/groupSize]
			weights[k*outFeatures+j+1] = nf4Values[b>>4] * scales[k*numGroups+(j+1)/groupSize]
		}
	}
	return weights
}

func TestQuantizeNF4ExactLevels(t *testing.T) {
	// Values that sit exactly on NF4 levels survive the round-trip when the
	// group absmax is 1.
	const in, out, groupSize = 1, 16, 16
	weights := make([]float32, out)
	copy(weights, nf4Values[:])
	packed, scales, err := QuantizeNF4(weights, in, out, groupSize)
	require.NoError(t, err)
	require.Len(t, packed, in*out/2)
	require.Len(t, scales, in)
	assert.Equal(t, float32(1), scales[0])

	got := dequantizeNF4(packed, scales, in, out, groupSize)
	assert.Equal(t, weights, got)
}

func TestQuantizeNF4RoundTripError(t *testing.T) {
	// Arbitrary weights reconstruct within the worst-case NF4 step times
	// the group scale.
	const in, out, groupSize = 4, 8, 4
	weights := make([]float32, in*out)
	for i := range weights {
		weights[i] = float32(math.Sin(float64(i))) * 0.8
	}
	packed, scales, err := QuantizeNF4(weights, in, out, groupSize)
	require.NoError(t, err)

	got := dequantizeNF4(packed, scales, in, out, groupSize)
	numGroups := out / groupSize
	for i := range weights {
		k, j := i/out, i%out
		scale := scales[k*numGroups+j/groupSize]
		// Largest gap between adjacent NF4 levels is ~0.304, so rounding to
		// the nearest level errs at most half of that.
		assert.InDelta(t, weights[i], got[i], float64(scale)*0.16+1e-6, "element %d", i)
	}
}

func TestQuantizeNF4ZeroGroup(t *testing.T) {
	const in, out, groupSize = 1, 4, 2
	weights := []float32{0, 0, 0.5, -0.5}
	packed, scales, err := QuantizeNF4(weights, in, out, groupSize)
	require.NoError(t, err)
	got := dequantizeNF4(packed, scales, in, out, groupSize)
	assert.Equal(t, []float32{0, 0, 0.5, -0.5}, got)
}

func TestQuantizeNF4Errors(t *testing.T) {
	_, _, err := QuantizeNF4([]float32{1, 2, 3}, 2, 2, 2)
	assert.Error(t, err)
	_, _, err = QuantizeNF4([]float32{1, 2, 3}, 1, 3, 2)
	assert.Error(t, err)
	_, _, err = QuantizeNF4([]float32{1, 2}, 1, 2, 0)
	assert.Error(t, err)
}
