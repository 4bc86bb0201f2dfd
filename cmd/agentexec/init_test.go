// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/config"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

func useConfigPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentexec", "agentexec.yaml")
	old := configPathForWrite
	configPathForWrite = func() (string, error) { return path, nil }
	t.Cleanup(func() { configPathForWrite = old })
	return path
}

func TestGenerateConfigYAML(t *testing.T) {
	yaml := GenerateConfigYAML(initResult{Provider: "openai", APIKey: "sk-secret"})

	assert.Contains(t, yaml, "keyring://agentexec/openai-api-key")
	assert.NotContains(t, yaml, "sk-secret")
	assert.Contains(t, yaml, `model: "openai/gpt-4o"`)
	assert.Contains(t, yaml, "backend: memory")
	assert.NotContains(t, yaml, "backend: sqlite")
}

func TestGenerateConfigYAML_SQLiteApprovals(t *testing.T) {
	yaml := GenerateConfigYAML(initResult{Provider: "anthropic", ApprovalBackend: config.ApprovalSQLite})

	assert.Contains(t, yaml, "approval:\n  backend: sqlite")
	assert.Contains(t, yaml, "storage:\n  backend: sqlite\n  path: agentexec.db")
}

func TestGenerateConfigYAML_LoadsAndValidates(t *testing.T) {
	for _, backend := range supportedApprovalBackends {
		t.Run(backend, func(t *testing.T) {
			store := newMockSecretStore()
			require.NoError(t, store.Set(serviceName, apiKeyName("anthropic"), "sk-ant"))

			v := viper.New()
			config.SetDefaults(v)
			v.SetConfigType("yaml")
			require.NoError(t, v.ReadConfig(strings.NewReader(GenerateConfigYAML(initResult{
				Provider:        "anthropic",
				ApprovalBackend: backend,
			}))))

			cfg, err := config.FromViper(v, config.WithSecretStore(store))
			require.NoError(t, err)
			assert.Equal(t, "sk-ant", cfg.Providers["anthropic"].APIKey)
			assert.Equal(t, backend, cfg.Approval.Backend)
		})
	}
}

func TestDefaultModelForProvider(t *testing.T) {
	tests := map[string]string{
		"anthropic": "anthropic/claude-sonnet-4-5",
		"openai":    "openai/gpt-4o",
		"google":    "google/gemini-2.0-flash",
		"local":     "local/default",
	}
	for p, want := range tests {
		t.Run(p, func(t *testing.T) {
			assert.Equal(t, want, defaultModelForProvider(p))
		})
	}
}

func TestInitModel_ProviderNavigation(t *testing.T) {
	m := newInitModel(newMockSecretStore())

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(initModel)
	assert.Equal(t, 1, m.providerIdx)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = next.(initModel)
	assert.Equal(t, 0, m.providerIdx)

	// Up at the top stays put.
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = next.(initModel)
	assert.Equal(t, 0, m.providerIdx)

	for range wizardProviders {
		next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
		m = next.(initModel)
	}
	assert.Equal(t, len(wizardProviders)-1, m.providerIdx)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(initModel)
	assert.Equal(t, stepAPIKey, m.step)
	assert.Equal(t, wizardProviders[len(wizardProviders)-1], m.result.Provider)
}

func TestInitModel_EmptyAPIKeyRejected(t *testing.T) {
	m := newInitModel(newMockSecretStore())
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(initModel)
	require.Equal(t, stepAPIKey, m.step)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(initModel)
	assert.Equal(t, stepAPIKey, m.step)
	assert.Equal(t, "API key must not be empty", m.validationErr)
	assert.Contains(t, m.View(), "API key must not be empty")
}

func TestInitModel_FullFlow(t *testing.T) {
	path := useConfigPath(t)
	store := newMockSecretStore()
	m := newInitModel(store)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(initModel)
	m.apiKeyInput.SetValue("  sk-ant  ")
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(initModel)
	require.Equal(t, stepApproval, m.step)
	assert.Equal(t, "sk-ant", m.result.APIKey)
	assert.Contains(t, m.View(), "Where should pending approvals live?")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(initModel)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(initModel)
	require.NotNil(t, cmd)
	assert.Equal(t, stepSaving, m.step)
	assert.Equal(t, config.ApprovalSQLite, m.result.ApprovalBackend)
	assert.Contains(t, m.View(), "Saving API key")

	// Run the write directly; the batched command also carries a spinner tick.
	msg := writeConfigCmd(m.result, store, false)()
	written, ok := msg.(configWrittenMsg)
	require.True(t, ok, "got %T: %v", msg, msg)
	assert.Equal(t, path, written.path)

	next, _ = m.Update(written)
	m = next.(initModel)
	assert.Equal(t, stepDone, m.step)
	assert.Contains(t, m.View(), "Setup complete!")
	assert.Contains(t, m.View(), path)

	got, err := store.Get(serviceName, "anthropic-api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "backend: sqlite")
}

func TestInitModel_ErrorStep(t *testing.T) {
	m := newInitModel(nil)
	next, cmd := m.Update(sigilerr.New(sigilerr.CodeCLISetupFailure, "disk full"))
	m = next.(initModel)
	require.NotNil(t, cmd)
	assert.Equal(t, stepError, m.step)
	assert.Contains(t, m.View(), "Setup failed")
	assert.Contains(t, m.View(), "disk full")
}

func TestInitModel_ProviderView(t *testing.T) {
	view := newInitModel(nil).View()
	assert.Contains(t, view, "agentexec setup")
	assert.Contains(t, view, "Choose the primary model provider")
	for _, p := range wizardProviders {
		assert.Contains(t, view, p)
	}
	assert.NotContains(t, view, "ollama")
}

func TestStoreSecretAndWriteConfig(t *testing.T) {
	path := useConfigPath(t)
	store := newMockSecretStore()
	result := initResult{Provider: "google", APIKey: "g-key", ApprovalBackend: config.ApprovalMemory}

	got, err := storeSecretAndWriteConfig(result, store, false)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = storeSecretAndWriteConfig(result, store, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = storeSecretAndWriteConfig(result, store, true)
	require.NoError(t, err)
}

func TestStoreSecretAndWriteConfig_NilStore(t *testing.T) {
	useConfigPath(t)
	_, err := storeSecretAndWriteConfig(initResult{Provider: "openai", APIKey: "k"}, nil, false)
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeCLISetupFailure))
}

func TestInitCommand_Defaults(t *testing.T) {
	path := useConfigPath(t)

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"init", "--defaults"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "Config written to "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfigYAML, data)

	root = NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"init", "--defaults"})
	err = root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use --force")

	root = NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetArgs([]string{"init", "--defaults", "--force"})
	require.NoError(t, root.Execute())
}

func TestInitCommand_RequiresTerminal(t *testing.T) {
	useMockSecrets(t)
	useConfigPath(t)

	root := NewRootCmd()
	errBuf := new(bytes.Buffer)
	root.SetOut(new(bytes.Buffer))
	root.SetErr(errBuf)
	root.SetIn(strings.NewReader(""))
	root.SetArgs([]string{"init"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, errBuf.String(), "init --defaults")
}
