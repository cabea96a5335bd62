// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// finetune trains LoRA adapters for a GPT-2 family model on the Alpaca
// instruction dataset.
//
// The adapter checkpoints are saved to --checkpoint, by default
// ~/tmp/finetune/adapter. Hyperparameters are given with --set, e.g.:
//
//	finetune --set="train_steps=120;lora_rank=8"
//
// Run with --help to see the flags, and see sft.CreateDefaultContext for the
// available hyperparameters.
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/finetune/sft"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/tmp/finetune", "Directory to cache the downloaded dataset files.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the held-out examples in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "~/tmp/finetune/adapter",
		"Directory to save and load adapter checkpoints from. Set to empty to train without saving anything.")
)

func main() {
	ctx := sft.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		sft.Train(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
