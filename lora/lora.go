// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lora implements Low-Rank Adaptation (LoRA) dense layers: a frozen
// base projection plus a small trainable low-rank delta, so fine-tuning only
// updates the adapter weights.
package lora

import (
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
)

// Variable names used by Dense. The base weights are created (or loaded)
// under these names in the layer's scope, and the adapter matrices under
// AName and BName.
const (
	WeightsName       = "weights"
	BiasesName        = "biases"
	PackedWeightsName = "weights_q4"
	ScalesName        = "weights_scales"
	AName             = "lora_a"
	BName             = "lora_b"
)

// Config holds the adapter hyperparameters shared by all Dense layers of a
// model.
type Config struct {
	// Rank of the adapter matrices. The delta path is [in, Rank] x [Rank, out].
	Rank int

	// Alpha scales the adapter contribution: the delta is multiplied by
	// Alpha/Rank before being added to the base projection.
	Alpha float64

	// DropoutRate is applied to the adapter input during training.
	// Zero disables dropout.
	DropoutRate float64

	// TargetModules lists the module names that receive an adapter.
	// Dense layers whose module name is not listed keep only the frozen
	// base projection.
	TargetModules []string

	// Seed for the adapter initialization.
	Seed int64
}

// Scale returns the multiplier applied to the adapter delta, Alpha/Rank.
func (c *Config) Scale() float64 {
	return c.Alpha / float64(c.Rank)
}

// Matches reports whether the module should receive an adapter.
func (c *Config) Matches(module string) bool {
	return slices.Contains(c.TargetModules, module)
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Rank <= 0 {
		return errors.Errorf("lora: rank must be > 0, got %d", c.Rank)
	}
	if c.Alpha <= 0 {
		return errors.Errorf("lora: alpha must be > 0, got %g", c.Alpha)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Errorf("lora: dropout rate must be in [0, 1), got %g", c.DropoutRate)
	}
	return nil
}

// Dense computes y = x @ W + b plus, when module is listed in
// cfg.TargetModules, the adapter delta scale * dropout(x) @ A @ B.
//
// The base weights must already exist in ctx's scope under WeightsName (and
// BiasesName if useBias), shaped [in, outputDim], typically loaded from a
// pretrained checkpoint. If instead PackedWeightsName exists, the base
// projection is computed from the NF4-packed weights via nn.QuantizedDense.
//
// The adapter matrices are created on first use: A with a normal
// initialization of stddev 1/Rank and B with zeros, so the adapter starts as
// an identity (zero delta). They are kept in float32 and cast to x's dtype
// in-graph.
func Dense(ctx *context.Context, cfg *Config, module string, x *Node, outputDim int, useBias bool) *Node {
	// The layer mixes reused variables (the loaded base weights) with newly
	// created ones (the adapters), so scope checking is disabled.
	ctx = ctx.Checked(false)
	g := x.Graph()
	dtype := x.DType()
	xShape := x.Shape()
	inputDim := xShape.Dimensions[xShape.Rank()-1]

	// Flatten leading axes so both paths are plain 2D matmuls.
	batchRows := xShape.Size() / inputDim
	x2D := x
	if xShape.Rank() != 2 {
		x2D = Reshape(x, batchRows, inputDim)
	}

	var output *Node
	if packedVar := ctx.InspectVariableInScope(PackedWeightsName); packedVar != nil {
		output = quantizedBase(ctx, packedVar, x2D, outputDim)
	} else {
		weights := ctx.VariableWithShape(WeightsName, shapes.Make(dtype, inputDim, outputDim)).ValueGraph(g)
		output = Dot(x2D, weights).Product()
	}
	if useBias {
		bias := ctx.VariableWithShape(BiasesName, shapes.Make(dtype, outputDim)).ValueGraph(g)
		output = Add(output, ExpandLeftToRank(bias, output.Rank()))
	}

	if cfg != nil && cfg.Matches(module) {
		a := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0/float64(cfg.Rank))).
			VariableWithShape(AName, shapes.Make(dtypes.Float32, inputDim, cfg.Rank))
		b := ctx.WithInitializer(initializers.Zero).
			VariableWithShape(BName, shapes.Make(dtypes.Float32, cfg.Rank, outputDim))
		h := x2D
		if cfg.DropoutRate > 0 {
			h = layers.DropoutStatic(ctx, h, cfg.DropoutRate)
		}
		delta := Dot(h, ConvertDType(a.ValueGraph(g), dtype)).Product()
		delta = Dot(delta, ConvertDType(b.ValueGraph(g), dtype)).Product()
		delta = MulScalar(delta, cfg.Scale())
		output = Add(output, delta)
	}

	if xShape.Rank() != 2 {
		outputDims := make([]int, xShape.Rank())
		copy(outputDims, xShape.Dimensions[:xShape.Rank()-1])
		outputDims[xShape.Rank()-1] = outputDim
		output = Reshape(output, outputDims...)
	}
	return output
}

// quantizedBase computes the frozen base projection from NF4-packed weights.
// nn.QuantizedDense works on float32 activations, so x is cast in and the
// result cast back.
func quantizedBase(ctx *context.Context, packedVar *context.Variable, x2D *Node, outputDim int) *Node {
	g := x2D.Graph()
	dtype := x2D.DType()
	scalesVar := ctx.InspectVariableInScope(ScalesName)
	if scalesVar == nil {
		Panicf("lora: scope %q has %q but no %q", ctx.Scope(), PackedWeightsName, ScalesName)
	}
	numGroups := scalesVar.Shape().Dimensions[1]
	groupSize := (outputDim + numGroups - 1) / numGroups

	x32 := ConvertDType(x2D, dtypes.Float32)
	packed := packedVar.ValueGraph(g)
	weights := Bitcast(packed, dtypes.Uint4)
	weights = Reshape(weights, packed.Shape().Dimensions[0], outputDim)
	y := nn.QuantizedDense(x32, weights,
		&Quantization{
			Scheme:    backends.QuantNF4,
			Scale:     scalesVar.ValueGraph(g),
			BlockAxis: 1,
			BlockSize: groupSize,
		}, nil)
	return ConvertDType(y, dtype)
}

// FreezeBaseModel marks every variable in ctx as non-trainable, except the
// adapter matrices. Call it after loading the pretrained weights and before
// training, so gradients are only computed for the adapters.
//
// Returns the number of variables frozen.
func FreezeBaseModel(ctx *context.Context) (numFrozen int) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == AName || v.Name() == BName {
			return
		}
		v.SetTrainable(false)
		numFrozen++
	})
	return
}
