// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package precision selects the 16-bit floating point format used for training.
//
// Backends with accelerators that handle the wide-exponent bfloat16 format
// train with it; everything else falls back to the narrow-exponent IEEE
// float16. The choice is made once at startup and modeled as a single
// enumerated value, so the two modes are mutually exclusive by construction.
package precision

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// Precision is the 16-bit floating point format used for model weights and
// activations during training.
type Precision int

const (
	// BFloat16 is the wide-exponent format (8 exponent bits). Preferred when
	// the backend supports it: it keeps float32's dynamic range and avoids
	// loss scaling.
	BFloat16 Precision = iota

	// Float16 is the narrow-exponent IEEE format (5 exponent bits), used when
	// bfloat16 is not available.
	Float16

	// Float32 disables mixed precision. Not selected automatically; it can be
	// requested explicitly, e.g. for debugging on CPU backends.
	Float32
)

// String implements fmt.Stringer.
func (p Precision) String() string {
	switch p {
	case BFloat16:
		return "bfloat16"
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	}
	return "invalid"
}

// DType returns the gomlx dtype the precision trains with.
func (p Precision) DType() dtypes.DType {
	switch p {
	case BFloat16:
		return dtypes.BFloat16
	case Float16:
		return dtypes.Float16
	case Float32:
		return dtypes.Float32
	}
	exceptions.Panicf("invalid Precision(%d)", p)
	return dtypes.InvalidDType
}

// ForCapability returns the training precision for a backend whose support
// for the wide-exponent 16-bit format is given by hasWideExponent: BFloat16
// when true, Float16 when false. Never anything else.
func ForCapability(hasWideExponent bool) Precision {
	if hasWideExponent {
		return BFloat16
	}
	return Float16
}

// Parse converts a hyperparameter string to a Precision. The empty string and
// "auto" mean the caller should use Detect instead.
func Parse(name string) (Precision, bool) {
	switch name {
	case "bf16", "bfloat16":
		return BFloat16, true
	case "fp16", "float16":
		return Float16, true
	case "fp32", "float32":
		return Float32, true
	}
	return Precision(-1), false
}

// Detect probes the backend by compiling and running a trivial bfloat16
// computation, and selects the precision accordingly. Backends without
// bfloat16 support raise an exception during compilation, which is caught
// here and taken as "not supported".
func Detect(backend backends.Backend) Precision {
	err := exceptions.TryCatch[error](func() {
		one := shapes.Make(dtypes.BFloat16, 2)
		t, err := ExecOnce(backend, func(g *Graph) *Node {
			return ReduceAllSum(Ones(g, one))
		})
		if err != nil {
			panic(err)
		}
		t.FinalizeAll()
	})
	return ForCapability(err == nil)
}
