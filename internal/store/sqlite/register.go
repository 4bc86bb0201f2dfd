// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"fmt"

	"github.com/sigil-dev/agentexec/internal/store"
)

func init() {
	store.RegisterBackend("sqlite", newStore)
}

func newStore(cfg store.StorageConfig) (store.Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite backend requires a database path: %w", store.ErrInvalidInput)
	}
	s, err := Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}
