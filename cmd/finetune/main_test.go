// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A plain run must persist the trained adapter, so the checkpoint directory
// defaults to a location under the data directory instead of empty.
func TestCheckpointFlagDefault(t *testing.T) {
	checkpoint := flag.Lookup("checkpoint")
	require.NotNil(t, checkpoint)
	assert.NotEmpty(t, checkpoint.DefValue)

	data := flag.Lookup("data")
	require.NotNil(t, data)
	assert.True(t, strings.HasPrefix(checkpoint.DefValue, data.DefValue+"/"),
		"default checkpoint dir %q should live under the default data dir %q",
		checkpoint.DefValue, data.DefValue)
}
