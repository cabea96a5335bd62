// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lora

import (
	"math"

	"github.com/pkg/errors"
)

// nf4Values are the 16 fixed QLoRA NF4 quantization levels. They match the
// dequantization table used by nn.QuantizedDense with backends.QuantNF4.
var nf4Values = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// QuantizeNF4 packs a row-major [inFeatures, outFeatures] float32 weight
// matrix into the NF4 format consumed by nn.QuantizedDense: two 4-bit codes
// per byte (low nibble is the even column) and one absmax scale per group of
// groupSize output columns.
//
// Returns packed of shape [inFeatures, outFeatures/2] and scales of shape
// [inFeatures, ceil(outFeatures/groupSize)].
func QuantizeNF4(weights []float32, inFeatures, outFeatures, groupSize int) (packed []uint8, scales []float32, err error) {
	if len(weights) != inFeatures*outFeatures {
		return nil, nil, errors.Errorf("lora: weights have %d elements, want %d (=%dx%d)",
			len(weights), inFeatures*outFeatures, inFeatures, outFeatures)
	}
	if outFeatures%2 != 0 {
		return nil, nil, errors.Errorf("lora: outFeatures=%d must be even for NF4 packing", outFeatures)
	}
	if groupSize <= 0 {
		return nil, nil, errors.Errorf("lora: groupSize must be > 0, got %d", groupSize)
	}

	numGroups := (outFeatures + groupSize - 1) / groupSize
	packed = make([]uint8, inFeatures*outFeatures/2)
	scales = make([]float32, inFeatures*numGroups)

	for k := 0; k < inFeatures; k++ {
		row := weights[k*outFeatures : (k+1)*outFeatures]

		// Absmax scale per group of output columns.
		for g := 0; g < numGroups; g++ {
			start := g * groupSize
			end := min(start+groupSize, outFeatures)
			var absMax float32
			for _, w := range row[start:end] {
				if a := float32(math.Abs(float64(w))); a > absMax {
					absMax = a
				}
			}
			if absMax == 0 {
				// Zero group, any scale maps code 7 (zero) back to 0.
				absMax = 1
			}
			scales[k*numGroups+g] = absMax
		}

		for j := 0; j < outFeatures; j += 2 {
			low := nearestNF4(row[j] / scales[k*numGroups+j/groupSize])
			high := nearestNF4(row[j+1] / scales[k*numGroups+(j+1)/groupSize])
			packed[(k*outFeatures+j)/2] = low | high<<4
		}
	}
	return packed, scales, nil
}

// nearestNF4 returns the code of the NF4 level closest to v, with v expected
// in [-1, 1].
func nearestNF4(v float32) uint8 {
	best := uint8(0)
	bestDist := float32(math.Inf(1))
	for code, level := range nf4Values {
		dist := float32(math.Abs(float64(v - level)))
		if dist < bestDist {
			bestDist = dist
			best = uint8(code)
		}
	}
	return best
}
