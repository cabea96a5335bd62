// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrained

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/gomlx/finetune/lora"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	. "github.com/gomlx/exceptions"
)

// NF4GroupSize is the number of output columns sharing one scale when the
// base weights are quantized at load time.
const NF4GroupSize = 64

// tensorInfo describes one tensor in a safetensors header.
type tensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors checkpoint and populates ctx with the
// model variables, converted to dtype and laid out for model.Forward:
//
//	wte/embeddings, wpe/embeddings,
//	block_<n>/{ln_1,ln_2}/layer_normalization/{gain,offset},
//	block_<n>/attn/{query,key,value,output}/{weights,biases},
//	block_<n>/mlp/{fc,proj}/{weights,biases},
//	ln_f/layer_normalization/{gain,offset}.
//
// GPT-2 stores the attention input projection as one fused [hidden, 3*hidden]
// matrix; it is split into separate query, key and value weights here. The
// token embedding doubles as the output head (weight tying), so no separate
// head variable is created.
//
// With quantize set, the 2D projection weights are NF4-packed instead of
// stored in dtype, cutting their memory to 4 bits per weight.
func LoadSafetensors(ctx *context.Context, filePath string, cfg *Config, dtype dtypes.DType, quantize bool) error {
	fileData, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read safetensors file %q", filePath)
	}
	if len(fileData) < 8 {
		return errors.Errorf("safetensors file %q too small (%d bytes)", filePath, len(fileData))
	}
	headerSize := int64(binary.LittleEndian.Uint64(fileData[:8]))
	if int64(len(fileData)) < 8+headerSize {
		return errors.Errorf("safetensors file %q truncated: header claims %d bytes", filePath, headerSize)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(fileData[8:8+headerSize], &rawHeader); err != nil {
		return errors.Wrapf(err, "failed to parse safetensors header of %q", filePath)
	}
	dataSection := fileData[8+headerSize:]

	// Sorted iteration keeps variable creation order deterministic.
	names := make([]string, 0, len(rawHeader))
	for name := range rawHeader {
		if name == "__metadata__" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	loader := &weightsLoader{
		ctx:      ctx,
		cfg:      cfg,
		dtype:    dtype,
		quantize: quantize,
	}
	numLoaded, numSkipped := 0, 0
	for _, name := range names {
		var info tensorInfo
		if err := json.Unmarshal(rawHeader[name], &info); err != nil {
			return errors.Wrapf(err, "failed to parse safetensors entry %q in %q", name, filePath)
		}
		if info.Offsets[0] < 0 || info.Offsets[1] < info.Offsets[0] || info.Offsets[1] > int64(len(dataSection)) {
			return errors.Errorf("safetensors entry %q in %q has out-of-range offsets %v", name, filePath, info.Offsets)
		}
		raw := dataSection[info.Offsets[0]:info.Offsets[1]]
		loaded, err := loader.place(name, info, raw)
		if err != nil {
			return errors.WithMessagef(err, "failed to load tensor %q from %q", name, filePath)
		}
		if loaded {
			numLoaded++
		} else {
			klog.V(1).Infof("skipping tensor %q (%s %v)", name, info.DType, info.Shape)
			numSkipped++
		}
	}
	if numLoaded == 0 {
		return errors.Errorf("no tensors loaded from %q (%d skipped): not a GPT-2 checkpoint?", filePath, numSkipped)
	}
	klog.V(1).Infof("loaded %d tensors from %q (%d skipped)", numLoaded, filePath, numSkipped)
	return nil
}

// weightsLoader places decoded tensors into their context variables.
type weightsLoader struct {
	ctx      *context.Context
	cfg      *Config
	dtype    dtypes.DType
	quantize bool
}

// place decodes one named tensor and sets the corresponding variable(s).
// Returns false for tensors that have no place in the model.
func (l *weightsLoader) place(name string, info tensorInfo, raw []byte) (bool, error) {
	// Some exports carry the "transformer." prefix, some don't.
	name = strings.TrimPrefix(name, "transformer.")

	values, err := decodeToFloat32(raw, info.DType)
	if err != nil {
		return false, err
	}
	if size := numElements(info.Shape); len(values) != size {
		return false, errors.Errorf("shape %v wants %d elements, data has %d", info.Shape, size, len(values))
	}

	hidden := l.cfg.HiddenSize
	switch name {
	case "wte.weight":
		if err := l.checkShape(info.Shape, l.cfg.VocabSize, hidden); err != nil {
			return false, err
		}
		l.setTensor(l.ctx.In("wte"), "embeddings", values, info.Shape...)
		return true, nil
	case "wpe.weight":
		if err := l.checkShape(info.Shape, l.cfg.MaxPositions, hidden); err != nil {
			return false, err
		}
		l.setTensor(l.ctx.In("wpe"), "embeddings", values, info.Shape...)
		return true, nil
	case "ln_f.weight":
		l.setTensor(l.ctx.In("ln_f").In("layer_normalization"), "gain", values, info.Shape...)
		return true, nil
	case "ln_f.bias":
		l.setTensor(l.ctx.In("ln_f").In("layer_normalization"), "offset", values, info.Shape...)
		return true, nil
	case "lm_head.weight":
		// Tied to wte, the model reuses the embedding table.
		return false, nil
	}

	var layer int
	var component string
	if n, err := fmt.Sscanf(name, "h.%d.%s", &layer, &component); n != 2 || err != nil {
		return false, nil
	}
	if layer < 0 || layer >= l.cfg.NumLayers {
		return false, errors.Errorf("layer %d out of range, model has %d layers", layer, l.cfg.NumLayers)
	}
	blockCtx := l.ctx.In(fmt.Sprintf("block_%d", layer))

	switch component {
	case "ln_1.weight":
		l.setTensor(blockCtx.In("ln_1").In("layer_normalization"), "gain", values, info.Shape...)
	case "ln_1.bias":
		l.setTensor(blockCtx.In("ln_1").In("layer_normalization"), "offset", values, info.Shape...)
	case "ln_2.weight":
		l.setTensor(blockCtx.In("ln_2").In("layer_normalization"), "gain", values, info.Shape...)
	case "ln_2.bias":
		l.setTensor(blockCtx.In("ln_2").In("layer_normalization"), "offset", values, info.Shape...)
	case "attn.c_attn.weight":
		if err := l.checkShape(info.Shape, hidden, 3*hidden); err != nil {
			return false, err
		}
		for i, module := range []string{"query", "key", "value"} {
			split := splitColumns(values, hidden, 3*hidden, i*hidden, hidden)
			if err := l.setDense(blockCtx.In("attn").In(module), split, hidden, hidden); err != nil {
				return false, err
			}
		}
	case "attn.c_attn.bias":
		if err := l.checkShape(info.Shape, 3*hidden); err != nil {
			return false, err
		}
		for i, module := range []string{"query", "key", "value"} {
			l.setTensor(blockCtx.In("attn").In(module), lora.BiasesName, values[i*hidden:(i+1)*hidden], hidden)
		}
	case "attn.c_proj.weight":
		if err := l.checkShape(info.Shape, hidden, hidden); err != nil {
			return false, err
		}
		return true, l.setDense(blockCtx.In("attn").In("output"), values, hidden, hidden)
	case "attn.c_proj.bias":
		l.setTensor(blockCtx.In("attn").In("output"), lora.BiasesName, values, hidden)
	case "mlp.c_fc.weight":
		if err := l.checkShape(info.Shape, hidden, l.cfg.FFNDim()); err != nil {
			return false, err
		}
		return true, l.setDense(blockCtx.In("mlp").In("fc"), values, hidden, l.cfg.FFNDim())
	case "mlp.c_fc.bias":
		l.setTensor(blockCtx.In("mlp").In("fc"), lora.BiasesName, values, l.cfg.FFNDim())
	case "mlp.c_proj.weight":
		if err := l.checkShape(info.Shape, l.cfg.FFNDim(), hidden); err != nil {
			return false, err
		}
		return true, l.setDense(blockCtx.In("mlp").In("proj"), values, l.cfg.FFNDim(), hidden)
	case "mlp.c_proj.bias":
		l.setTensor(blockCtx.In("mlp").In("proj"), lora.BiasesName, values, hidden)
	case "attn.bias", "attn.masked_bias":
		// Causal mask buffers, rebuilt in-graph.
		return false, nil
	default:
		return false, nil
	}
	return true, nil
}

// setDense stores a [in, out] projection weight, NF4-packed when quantization
// is enabled.
func (l *weightsLoader) setDense(ctx *context.Context, values []float32, inFeatures, outFeatures int) error {
	if l.quantize {
		packed, scales, err := lora.QuantizeNF4(values, inFeatures, outFeatures, NF4GroupSize)
		if err != nil {
			return err
		}
		numGroups := (outFeatures + NF4GroupSize - 1) / NF4GroupSize
		ctx.VariableWithValue(lora.PackedWeightsName,
			tensors.FromFlatDataAndDimensions(packed, inFeatures, outFeatures/2)).SetTrainable(false)
		ctx.VariableWithValue(lora.ScalesName,
			tensors.FromFlatDataAndDimensions(scales, inFeatures, numGroups)).SetTrainable(false)
		return nil
	}
	l.setTensor(ctx, lora.WeightsName, values, inFeatures, outFeatures)
	return nil
}

// setTensor stores values converted to the target dtype.
func (l *weightsLoader) setTensor(ctx *context.Context, name string, values []float32, dims ...int) {
	ctx.VariableWithValue(name, tensorFromFloat32(values, l.dtype, dims...)).SetTrainable(false)
}

func (l *weightsLoader) checkShape(shape []int, want ...int) error {
	if len(shape) != len(want) {
		return errors.Errorf("tensor has shape %v, want %v", shape, want)
	}
	for i, dim := range want {
		if shape[i] != dim {
			return errors.Errorf("tensor has shape %v, want %v", shape, want)
		}
	}
	return nil
}

// splitColumns extracts numCols columns starting at startCol from a row-major
// [rows, cols] matrix.
func splitColumns(values []float32, rows, cols, startCol, numCols int) []float32 {
	out := make([]float32, rows*numCols)
	for r := 0; r < rows; r++ {
		copy(out[r*numCols:(r+1)*numCols], values[r*cols+startCol:r*cols+startCol+numCols])
	}
	return out
}

// decodeToFloat32 converts raw little-endian tensor bytes to float32 values.
func decodeToFloat32(raw []byte, dtype string) ([]float32, error) {
	switch dtype {
	case "F32":
		values := make([]float32, len(raw)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return values, nil
	case "F16":
		values := make([]float32, len(raw)/2)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return values, nil
	case "BF16":
		values := make([]float32, len(raw)/2)
		for i := range values {
			values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return values, nil
	default:
		return nil, errors.Errorf("unsupported safetensors dtype %q", dtype)
	}
}

// tensorFromFloat32 builds a tensor of the requested dtype from float32
// values.
func tensorFromFloat32(values []float32, dtype dtypes.DType, dims ...int) *tensors.Tensor {
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(values, dims...)
	case dtypes.Float16:
		converted := make([]float16.Float16, len(values))
		for i, v := range values {
			converted[i] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...)
	case dtypes.BFloat16:
		converted := make([]bfloat16.BFloat16, len(values))
		for i, v := range values {
			converted[i] = bfloat16.FromFloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...)
	default:
		Panicf("cannot convert weights to dtype %s", dtype)
		return nil
	}
}

func numElements(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}
