// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

// StorageConfig controls which backend the store factory uses.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "sqlite" (default) or "memory"
	Path    string `mapstructure:"path"`    // database file for sqlite
}
