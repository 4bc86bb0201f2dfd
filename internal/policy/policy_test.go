// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/policy"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

const samplePolicy = `
approvals:
  shell:
    required: true
    timeout: 2m
  "*":
    required: false
tools:
  shell:
    timeout: 10s
    fatal_on_error: true
channels:
  - channel: public-discord
    reason: channel disabled
  - channel: slack
    users: [mallory]
    reason: user banned
guard:
  max_prompt_length: 4000
  blocked_terms: [Forbidden Project]
breakers:
  "tool:*":
    failure_threshold: 2
    reset_timeout: 5s
`

func TestParse(t *testing.T) {
	snap, err := policy.Parse([]byte(samplePolicy))
	require.NoError(t, err)

	shell, ok := snap.Approval("shell")
	require.True(t, ok)
	assert.True(t, shell.Required)
	assert.Equal(t, 2*time.Minute, shell.Timeout)

	other, ok := snap.Approval("search")
	require.True(t, ok, "wildcard rule applies")
	assert.False(t, other.Required)

	assert.True(t, snap.Tool("shell").FatalOnError)
	assert.Equal(t, 10*time.Second, snap.Tool("shell").Timeout)
	assert.False(t, snap.Tool("search").FatalOnError)

	assert.Equal(t, 4000, snap.Guard.MaxPromptLength)
	assert.Equal(t, 2, snap.Breakers["tool:*"].FailureThreshold)
	assert.False(t, snap.LoadedAt.IsZero())
}

func TestSnapshot_ChannelDenial(t *testing.T) {
	snap, err := policy.Parse([]byte(samplePolicy))
	require.NoError(t, err)

	tests := []struct {
		name    string
		channel string
		user    string
		denied  bool
		reason  string
	}{
		{"channel-wide deny", "public-discord", "alice", true, "channel disabled"},
		{"user deny", "slack", "mallory", true, "user banned"},
		{"other user allowed", "slack", "alice", false, ""},
		{"unlisted channel", "web", "mallory", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, denied := snap.ChannelDenial(tt.channel, tt.user)
			assert.Equal(t, tt.denied, denied)
			assert.Equal(t, tt.reason, rule.Reason)
		})
	}
}

func TestSnapshot_BlockedTerm(t *testing.T) {
	snap, err := policy.Parse([]byte(samplePolicy))
	require.NoError(t, err)

	term, ok := snap.BlockedTerm("tell me about the forbidden project please")
	assert.True(t, ok)
	assert.Equal(t, "Forbidden Project", term)

	_, ok = snap.BlockedTerm("harmless")
	assert.False(t, ok)
}

func TestNilSnapshotIsPermissive(t *testing.T) {
	var snap *policy.Snapshot
	_, ok := snap.Approval("shell")
	assert.False(t, ok)
	_, ok = snap.ChannelDenial("x", "y")
	assert.False(t, ok)
	assert.Equal(t, policy.ToolRule{}, snap.Tool("shell"))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "approvalz: {}"},
		{"bad duration", "approvals:\n  shell:\n    timeout: soon"},
		{"negative timeout", "tools:\n  shell:\n    timeout: -1s"},
		{"channel missing", "channels:\n  - users: [a]"},
		{"bad breaker", "breakers:\n  llm:\n    failure_threshold: -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := policy.Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, sigilerr.HasCode(err, sigilerr.CodePolicyParseInvalid), "got %v", err)
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	snap, err := policy.Parse(nil)
	require.NoError(t, err)
	_, ok := snap.Approval("shell")
	assert.False(t, ok)
}

func TestFileSource_ReloadKeepsLastGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	src, err := policy.LoadFile(path)
	require.NoError(t, err)
	first := src.Snapshot()
	require.NotNil(t, first)

	changed, err := src.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged file is not reparsed")

	require.NoError(t, os.WriteFile(path, []byte("approvals: [broken"), 0o600))
	bump(t, path, time.Second)
	_, err = src.Reload()
	require.Error(t, err)
	assert.Same(t, first, src.Snapshot())

	require.NoError(t, os.WriteFile(path, []byte("guard:\n  max_prompt_length: 10\n"), 0o600))
	bump(t, path, 2*time.Second)
	changed, err = src.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 10, src.Snapshot().Guard.MaxPromptLength)
}

func TestFileSource_WatchStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))
	src, err := policy.LoadFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		src.Watch(ctx, 5*time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := policy.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodePolicyLoadFailure))
}

func TestStaticSource(t *testing.T) {
	assert.NotNil(t, policy.NewStatic(nil).Snapshot())
	snap := &policy.Snapshot{}
	assert.Same(t, snap, policy.NewStatic(snap).Snapshot())
}

// bump moves the file's mtime forward so Reload sees a change even on
// filesystems with coarse timestamps.
func bump(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	require.NoError(t, os.Chtimes(path, ts, ts))
}
