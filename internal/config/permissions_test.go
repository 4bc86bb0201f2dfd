// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build !windows

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/config"
)

func TestCheckPermissions(t *testing.T) {
	tests := []struct {
		name string
		mode os.FileMode
		want bool
	}{
		{"owner only", 0o600, true},
		{"owner read only", 0o400, true},
		{"group readable", 0o640, false},
		{"world readable", 0o604, false},
		{"world writable but not readable", 0o602, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "agentexec.yaml")
			require.NoError(t, os.WriteFile(path, []byte("server: {}\n"), 0o600))
			require.NoError(t, os.Chmod(path, tt.mode))
			assert.Equal(t, tt.want, config.CheckPermissions(path))
		})
	}
}

func TestCheckPermissions_MissingOrEmpty(t *testing.T) {
	assert.True(t, config.CheckPermissions(""))
	assert.True(t, config.CheckPermissions(filepath.Join(t.TempDir(), "absent.yaml")))
}
