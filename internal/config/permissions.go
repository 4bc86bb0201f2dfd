// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// CheckPermissions warns when the config file at path is readable by group
// or others. It reports whether the permissions are acceptable. A missing
// path counts as acceptable.
func CheckPermissions(path string) bool {
	if path == "" {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		slog.Debug("config permission check skipped", "path", path, "error", err)
		return true
	}

	const groupOrOtherRead fs.FileMode = 0o044
	if info.Mode().Perm()&groupOrOtherRead == 0 {
		return true
	}
	slog.Warn("config file is readable by other users; api keys and the approval token may leak",
		"path", path,
		"mode", info.Mode().Perm(),
		"recommended", "0600",
	)
	return false
}
