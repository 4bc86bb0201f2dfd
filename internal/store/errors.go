// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import "errors"

// Backends wrap these so callers can classify failures with errors.Is
// regardless of which backend is configured.
var (
	// ErrNotFound: no approval, session or audit entry with that id.
	ErrNotFound = errors.New("not found")

	// ErrConflict: an approval with the same id was already saved.
	ErrConflict = errors.New("conflict")

	ErrInvalidInput = errors.New("invalid input")
)
