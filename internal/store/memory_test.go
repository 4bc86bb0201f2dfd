// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/store"
	"github.com/sigil-dev/agentexec/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestNew_MemoryBackend(t *testing.T) {
	s, err := store.New(store.StorageConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, s.Approvals())
	assert.NoError(t, s.Close())
	assert.Contains(t, store.Backends(), "memory")
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := store.New(store.StorageConfig{Backend: "unknown"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	assert.Contains(t, err.Error(), "unknown")
}
