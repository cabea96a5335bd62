// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lora

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// AdapterCheckpoint builds a checkpoint handler on dir that persists only the
// adapter matrices and the global step, not the frozen base model: the saved
// artifact stays small and is meant to be loaded on top of the original
// pretrained weights.
//
// Call it after the base model is loaded into ctx. If dir already holds a
// checkpoint, the adapter weights in it are loaded into ctx, which resumes a
// previous fine-tuning run.
//
// Variables created after this call (the adapters themselves, on the first
// training step, and the optimizer moments for them) are saved as well.
func AdapterCheckpoint(ctx *context.Context, dir string, keep int) (*checkpoints.Handler, error) {
	var excluded []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		switch v.Name() {
		case AName, BName, optimizers.GlobalStepVariableName:
		default:
			excluded = append(excluded, v)
		}
	})
	handler, err := checkpoints.Build(ctx).
		Dir(dir).
		Keep(keep).
		ExcludeAllParams().
		ExcludeVars(excluded...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to set up adapter checkpoint in %q", dir)
	}
	return handler, nil
}

// LoadAdapter loads previously saved adapter weights from dir on top of the
// base model already present in ctx, for inference or to warm-start a new
// fine-tuning run. Unlike AdapterCheckpoint it feeds only the adapter
// weights: the step counter saved with the artifact is discarded, so a run
// warm-started from it begins at step 0.
func LoadAdapter(ctx *context.Context, dir string) error {
	handler, err := AdapterCheckpoint(ctx, dir, -1)
	if err != nil {
		return err
	}
	hasCheckpoints, err := handler.HasCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "failed listing checkpoints in %q", dir)
	}
	if !hasCheckpoints {
		return errors.Errorf("no adapter checkpoint found in %q", dir)
	}
	// Consume the pending global step value, so it is not fed to ctx when the
	// counter is created later.
	for parameterName := range handler.LoadedVariables() {
		scope, name := context.VariableScopeAndNameFromParameterName(parameterName)
		if name == optimizers.GlobalStepVariableName {
			handler.LoadVariable(ctx, scope, name)
		}
	}
	return nil
}
