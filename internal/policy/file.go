// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package policy

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// FileSource serves a policy read from a YAML file and reloads it when the
// file changes. A failed reload keeps the last good snapshot.
type FileSource struct {
	path    string
	current atomic.Pointer[Snapshot]
	modTime atomic.Int64
	logger  *slog.Logger
}

// LoadFile reads path once. The file must exist and parse.
func LoadFile(path string) (*FileSource, error) {
	fs := &FileSource{path: path, logger: slog.Default()}
	if _, err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Snapshot returns the most recently loaded policy.
func (f *FileSource) Snapshot() *Snapshot {
	return f.current.Load()
}

// Path returns the watched file.
func (f *FileSource) Path() string { return f.path }

// Reload re-reads the file if its modification time changed. It reports
// whether a new snapshot was published.
func (f *FileSource) Reload() (bool, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return false, sigilerr.Wrapf(err, sigilerr.CodePolicyLoadFailure, "stat policy file %s", f.path)
	}
	mod := info.ModTime().UnixNano()
	if f.current.Load() != nil && mod == f.modTime.Load() {
		return false, nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, sigilerr.Wrapf(err, sigilerr.CodePolicyLoadFailure, "reading policy file %s", f.path)
	}
	snap, err := Parse(data)
	if err != nil {
		return false, err
	}

	f.current.Store(snap)
	f.modTime.Store(mod)
	return true, nil
}

// Watch reloads the file every interval until ctx is done.
func (f *FileSource) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := f.Reload()
			if err != nil {
				f.logger.Warn("policy reload failed, keeping previous snapshot",
					"path", f.path,
					"error", err,
				)
				continue
			}
			if changed {
				f.logger.Info("policy reloaded", "path", f.path)
			}
		}
	}
}
