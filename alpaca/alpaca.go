// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package alpaca

import (
	"encoding/json"
	"os"
	"path"

	"github.com/gomlx/finetune/internal/downloader"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	// DownloadURL points to the raw JSON file of the yahma/alpaca-cleaned
	// dataset on HuggingFace.
	DownloadURL = "https://huggingface.co/datasets/yahma/alpaca-cleaned/resolve/main/alpaca_data_cleaned.json"

	// LocalFileName is the name the dataset file is saved under in the
	// download directory.
	LocalFileName = "alpaca_data_cleaned.json"
)

// Example is one instruction-tuning record of the Alpaca dataset.
// Input is optional and often empty.
type Example struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// Download fetches the dataset JSON file into baseDir, if it is not there
// already, and returns the local file path.
func Download(baseDir string) (filePath string, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	filePath = path.Join(baseDir, LocalFileName)
	err = downloader.DownloadIfMissing(DownloadURL, filePath, "")
	if err != nil {
		return "", errors.WithMessagef(err, "failed to download Alpaca dataset to %q", baseDir)
	}
	return filePath, nil
}

// Load parses the dataset JSON file at filePath.
func Load(filePath string) ([]Example, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read Alpaca dataset from %q", filePath)
	}
	var examples []Example
	err = json.Unmarshal(contents, &examples)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse Alpaca dataset in %q", filePath)
	}
	return examples, nil
}

// LoadOrDownload downloads the dataset into baseDir if needed and parses it.
// If maxExamples > 0 only the first maxExamples records are returned.
func LoadOrDownload(baseDir string, maxExamples int) ([]Example, error) {
	filePath, err := Download(baseDir)
	if err != nil {
		return nil, err
	}
	examples, err := Load(filePath)
	if err != nil {
		return nil, err
	}
	if maxExamples > 0 && len(examples) > maxExamples {
		examples = examples[:maxExamples]
	}
	return examples, nil
}
