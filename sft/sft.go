// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sft runs supervised fine-tuning of a pretrained GPT-2 model on the
// Alpaca instruction dataset, training only low-rank adapters while the base
// model stays frozen.
package sft

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gomlx/finetune/alpaca"
	"github.com/gomlx/finetune/lora"
	"github.com/gomlx/finetune/model"
	"github.com/gomlx/finetune/precision"
	"github.com/gomlx/finetune/pretrained"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"

	. "github.com/gomlx/exceptions"
)

// gpt2EndOfTextID is the id of GPT-2's "<|endoftext|>" token, used as a
// fallback when the tokenizer config doesn't declare its special tokens.
const gpt2EndOfTextID = 50256

// Backend is created once and reused if Train is called multiple times.
var Backend backends.Backend

// CreateDefaultContext sets the context with the default hyperparameters to
// use with Train.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Base model: a HuggingFace repo id of a GPT-2 family model.
		"base_model": pretrained.DefaultModelRepo,

		// quantize packs the frozen attention and MLP weights to 4-bit NF4.
		"quantize": false,

		// precision is "auto", "bf16", "fp16" or "fp32". With "auto" the
		// backend is probed for bfloat16 support.
		"precision": "auto",

		"train_steps":     60,
		"num_checkpoints": 3,

		// batch_size for training; the effective batch size is
		// batch_size * accumulate_gradients.
		"batch_size":           2,
		"eval_batch_size":      8,
		"accumulate_gradients": 4,

		// Dataset parameters: dataset_file points to a local Alpaca-format
		// JSON file (if empty the public dataset is downloaded), sequences
		// are truncated to max_seq_len tokens, max_examples limits the
		// dataset size (0 means use all examples) and eval_examples are held
		// out for evaluation.
		"dataset_file":  "",
		"max_seq_len":   512,
		"max_examples":  0,
		"eval_examples": 64,

		// load_adapter optionally points to a previously saved adapter
		// artifact to warm-start the new run from.
		"load_adapter": "",

		// Adapter parameters. The delta of each adapted layer is scaled by
		// lora_alpha/lora_rank.
		"lora_rank":           16,
		"lora_alpha":          16.0,
		"lora_dropout":        0.0,
		"lora_target_modules": "query,key,value,output,fc,proj",

		context.ParamInitialSeed: int64(3407),

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    2e-4,
		optimizers.ParamAdamEpsilon:     1e-8,
		optimizers.ParamAdamWeightDecay: 0.01,
		cosineschedule.ParamPeriodSteps: 60,
		cosineschedule.ParamWarmUpSteps: 5,
	})
	return ctx
}

// LoraConfigFromContext builds the adapter configuration from the "lora_*"
// hyperparameters in ctx.
func LoraConfigFromContext(ctx *context.Context) *lora.Config {
	var targets []string
	for _, name := range strings.Split(
		context.GetParamOr(ctx, "lora_target_modules", ""), ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			targets = append(targets, name)
		}
	}
	return &lora.Config{
		Rank:          context.GetParamOr(ctx, "lora_rank", 16),
		Alpha:         context.GetParamOr(ctx, "lora_alpha", 16.0),
		DropoutRate:   context.GetParamOr(ctx, "lora_dropout", 0.0),
		TargetModules: targets,
		Seed:          context.GetParamOr(ctx, context.ParamInitialSeed, int64(0)),
	}
}

// trainPrecision resolves the "precision" hyperparameter, probing the backend
// when it is "auto" or empty.
func trainPrecision(ctx *context.Context, backend backends.Backend) precision.Precision {
	name := context.GetParamOr(ctx, "precision", "auto")
	if name == "" || name == "auto" {
		return precision.Detect(backend)
	}
	p, ok := precision.Parse(name)
	if !ok {
		Panicf("invalid value %q for hyperparameter \"precision\", valid values are "+
			"\"auto\", \"bf16\", \"fp16\" and \"fp32\"", name)
	}
	return p
}

// tokenIDsFor extracts the special token ids the dataset builder needs. GPT-2
// has no BOS or padding token, so "<|endoftext|>" doubles as both EOS and
// padding.
func tokenIDsFor(tok api.Tokenizer) alpaca.TokenIDs {
	ids := alpaca.TokenIDs{BOS: -1}
	if eos, err := tok.SpecialTokenID(api.TokEndOfSentence); err == nil {
		ids.EOS = eos
	} else {
		ids.EOS = gpt2EndOfTextID
	}
	if pad, err := tok.SpecialTokenID(api.TokPad); err == nil {
		ids.Pad = pad
	} else {
		ids.Pad = ids.EOS
	}
	if bos, err := tok.SpecialTokenID(api.TokBeginningOfSentence); err == nil {
		ids.BOS = bos
	}
	return ids
}

// Train fine-tunes the base model with the hyperparameters given in ctx.
//
// dataDir is where the dataset and base model files are downloaded to, and
// checkpointPath (if not empty) is where the adapter weights are periodically
// saved. An existing checkpoint in checkpointPath is loaded and training
// resumes from its global step.
func Train(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	checkpointPath = fsutil.MustReplaceTildeInDir(checkpointPath)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	prec := trainPrecision(ctx, Backend)
	if verbosity >= 1 {
		fmt.Printf("Training precision: %s\n", prec)
	}

	// Load the frozen base model into the "model" scope, the same scope the
	// trainer builds the graph in.
	quantize := context.GetParamOr(ctx, "quantize", false)
	baseModel := must.M1(pretrained.Load(
		ctx.In("model"),
		context.GetParamOr(ctx, "base_model", pretrained.DefaultModelRepo),
		prec.DType(), quantize))
	frozen := lora.FreezeBaseModel(ctx)
	if verbosity >= 1 {
		fmt.Printf("Froze %d base model variables.\n", frozen)
	}

	loraCfg := LoraConfigFromContext(ctx)
	must.M(loraCfg.Validate())

	trainDS, trainEvalDS, holdoutEvalDS := createDatasets(ctx, dataDir, baseModel)

	// Checkpoints hold only the adapters and the optimizer state, not the
	// base model. An existing checkpoint is loaded here, for resuming.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(lora.AdapterCheckpoint(ctx, checkpointPath, numCheckpointsToKeep))
		fmt.Printf("Checkpointing adapters to %q\n", checkpoint.Dir())
	}

	// Warm start from a donor adapter artifact. A checkpoint already in
	// checkpointPath was loaded above and takes precedence.
	if adapterDir := context.GetParamOr(ctx, "load_adapter", ""); adapterDir != "" {
		must.M(lora.LoadAdapter(ctx, fsutil.MustReplaceTildeInDir(adapterDir)))
		if verbosity >= 1 {
			fmt.Printf("Warm-starting adapters from %q\n", adapterDir)
		}
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	} else if verbosity >= 1 && len(paramsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	dtype := prec.DType()
	modelFn := model.Forward(baseModel.Config, loraCfg, dtype)
	trainModelFn := func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
		cosineschedule.New(ctx, inputs[0].Graph(), dtypes.Float32).FromContext().Done()
		return modelFn(ctx, spec, inputs)
	}

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	ctx = ctx.In("model")
	trainer := train.NewTrainer(Backend, ctx, trainModelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric},
		[]metrics.Interface{meanAccuracyMetric})
	if accumulate := context.GetParamOr(ctx, "accumulate_gradients", 1); accumulate > 1 {
		must.M(trainer.AccumulateGradients(accumulate))
	}

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to the current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, holdoutEvalDS, trainEvalDS))
	}
}

// createDatasets downloads (if needed) and tokenizes the Alpaca dataset,
// returning the infinite shuffled training dataset and the two one-shot
// evaluation datasets.
func createDatasets(ctx *context.Context, dataDir string, baseModel *pretrained.Model) (trainDS, trainEvalDS, holdoutEvalDS train.Dataset) {
	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		Panicf("batch_size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	maxSeqLen := context.GetParamOr(ctx, "max_seq_len", 512)
	maxExamples := context.GetParamOr(ctx, "max_examples", 0)

	var examples []alpaca.Example
	if datasetFile := context.GetParamOr(ctx, "dataset_file", ""); datasetFile != "" {
		examples = must.M1(alpaca.Load(fsutil.MustReplaceTildeInDir(datasetFile)))
		if maxExamples > 0 && len(examples) > maxExamples {
			examples = examples[:maxExamples]
		}
	} else {
		examples = must.M1(alpaca.LoadOrDownload(dataDir, maxExamples))
	}

	// Hold out the tail of the dataset for evaluation.
	numHoldout := context.GetParamOr(ctx, "eval_examples", 0)
	if numHoldout >= len(examples) {
		numHoldout = 0
	}
	holdout := examples[len(examples)-numHoldout:]
	examples = examples[:len(examples)-numHoldout]

	ids := tokenIDsFor(baseModel.Tokenizer)
	baseTrain := must.M1(alpaca.BuildDataset(Backend, baseModel.Tokenizer, examples, maxSeqLen, ids))
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	if numHoldout > 0 {
		baseHoldout := must.M1(alpaca.BuildDataset(Backend, baseModel.Tokenizer, holdout, maxSeqLen, ids))
		holdoutEvalDS = baseHoldout.BatchSize(evalBatchSize, false)
	} else {
		holdoutEvalDS = trainEvalDS
	}
	return
}
