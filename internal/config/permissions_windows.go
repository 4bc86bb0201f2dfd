// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build windows

package config

// CheckPermissions always succeeds on Windows, which uses ACLs rather
// than mode bits.
func CheckPermissions(string) bool { return true }
