// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package alpaca provides the Alpaca-cleaned instruction-tuning dataset:
// downloading, prompt formatting and conversion to a batched train.Dataset.
package alpaca

import "fmt"

// promptTemplate is the Alpaca instruction template, with slots for the
// instruction and the response.
const promptTemplate = `Below is an instruction that describes a task. Write a response that appropriately completes the request.

### Instruction:
%s

### Response:
%s`

// promptTemplateWithInput additionally carries an "### Input:" section, used
// when the example provides extra context for the instruction.
const promptTemplateWithInput = `Below is an instruction that describes a task. Write a response that appropriately completes the request.

### Instruction:
%s

### Input:
%s

### Response:
%s`

// FormatPrompt renders one example into the Alpaca prompt format.
// When input is empty the "### Input:" section is omitted entirely.
// The response is left empty for inference-time prompts.
func FormatPrompt(instruction, input, response string) string {
	if input == "" {
		return fmt.Sprintf(promptTemplate, instruction, response)
	}
	return fmt.Sprintf(promptTemplateWithInput, instruction, input, response)
}

// FormatPrompts renders all examples with FormatPrompt, in order.
func FormatPrompts(examples []Example) []string {
	prompts := make([]string, len(examples))
	for ii, example := range examples {
		prompts[ii] = FormatPrompt(example.Instruction, example.Input, example.Output)
	}
	return prompts
}
