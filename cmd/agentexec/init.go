// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sigil-dev/agentexec/internal/config"
	"github.com/sigil-dev/agentexec/internal/secrets"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// initWizardStep tracks which step of the wizard is active.
type initWizardStep int

const (
	stepProvider initWizardStep = iota // select provider
	stepAPIKey                         // enter API key
	stepApproval                       // select approval backend
	stepSaving                         // storing secret and config (spinner)
	stepDone                           // wizard complete
	stepError                          // terminal error
)

// initResult holds the collected wizard configuration.
type initResult struct {
	Provider        string
	APIKey          string
	ApprovalBackend string
}

type configWrittenMsg struct{ path string }

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

// wizardProviders are the providers the wizard can store a key for.
var wizardProviders = func() []string {
	var out []string
	for _, p := range config.KnownProviders {
		if config.NeedsAPIKey(p) {
			out = append(out, p)
		}
	}
	return out
}()

var supportedApprovalBackends = []string{
	config.ApprovalMemory,
	config.ApprovalSQLite,
}

// initModel is the bubbletea model for the init wizard.
type initModel struct {
	step           initWizardStep
	providerIdx    int
	approvalIdx    int
	apiKeyInput    textinput.Model
	spinner        spinner.Model
	result         initResult
	validationErr  string
	configPath     string
	secretStore    secrets.Store
	errFinal       error
	forceOverwrite bool
}

func newInitModel(store secrets.Store) initModel {
	apiKey := textinput.New()
	apiKey.Placeholder = "paste API key here"
	apiKey.EchoMode = textinput.EchoPassword
	apiKey.EchoCharacter = '•'

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return initModel{
		step:        stepProvider,
		apiKeyInput: apiKey,
		spinner:     sp,
		secretStore: store,
	}
}

func (m initModel) Init() tea.Cmd {
	return nil
}

func (m initModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case configWrittenMsg:
		m.step = stepDone
		m.configPath = msg.path
		return m, tea.Quit

	case error:
		m.step = stepError
		m.errFinal = msg
		return m, tea.Quit
	}

	if m.step == stepAPIKey {
		var cmd tea.Cmd
		m.apiKeyInput, cmd = m.apiKeyInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m initModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.step {
	case stepProvider:
		return m.handleProviderKey(msg)
	case stepAPIKey:
		return m.handleAPIKeyInput(msg)
	case stepApproval:
		return m.handleApprovalKey(msg)
	}
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) handleProviderKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.providerIdx > 0 {
			m.providerIdx--
		}
	case "down", "j":
		if m.providerIdx < len(wizardProviders)-1 {
			m.providerIdx++
		}
	case "enter":
		m.result.Provider = wizardProviders[m.providerIdx]
		m.step = stepAPIKey
		m.validationErr = ""
		m.apiKeyInput.SetValue("")
		m.apiKeyInput.Focus()
		return m, textinput.Blink
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) handleAPIKeyInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		key := strings.TrimSpace(m.apiKeyInput.Value())
		if key == "" {
			m.validationErr = "API key must not be empty"
			return m, nil
		}
		m.result.APIKey = key
		m.validationErr = ""
		m.apiKeyInput.Blur()
		m.step = stepApproval
		return m, nil
	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.apiKeyInput, cmd = m.apiKeyInput.Update(msg)
	return m, cmd
}

func (m initModel) handleApprovalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.approvalIdx > 0 {
			m.approvalIdx--
		}
	case "down", "j":
		if m.approvalIdx < len(supportedApprovalBackends)-1 {
			m.approvalIdx++
		}
	case "enter":
		m.result.ApprovalBackend = supportedApprovalBackends[m.approvalIdx]
		m.step = stepSaving
		return m, tea.Batch(m.spinner.Tick, writeConfigCmd(m.result, m.secretStore, m.forceOverwrite))
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("  agentexec setup  ") + "\n\n")

	switch m.step {
	case stepProvider:
		b.WriteString(promptStyle.Render("Step 1/2: Choose the primary model provider") + "\n\n")
		renderChoices(&b, wizardProviders, m.providerIdx)
		b.WriteString("\n" + dimStyle.Render("↑/↓ to navigate  enter to select  q to quit"))

	case stepAPIKey:
		b.WriteString(promptStyle.Render("Step 1/2: "+m.result.Provider+" API key") + "\n\n")
		b.WriteString(m.apiKeyInput.View() + "\n")
		if m.validationErr != "" {
			b.WriteString("\n" + errorStyle.Render("  "+m.validationErr) + "\n")
		}
		b.WriteString("\n" + dimStyle.Render("enter to continue  ctrl+c to quit"))

	case stepApproval:
		b.WriteString(promptStyle.Render("Step 2/2: Where should pending approvals live?") + "\n\n")
		renderChoices(&b, supportedApprovalBackends, m.approvalIdx)
		b.WriteString("\n" + dimStyle.Render("sqlite survives restarts; memory is lost on exit"))
		b.WriteString("\n" + dimStyle.Render("↑/↓ to navigate  enter to select  q to quit"))

	case stepSaving:
		b.WriteString(m.spinner.View() + " Saving API key to the OS keyring…\n")

	case stepDone:
		b.WriteString(successStyle.Render("  Setup complete!  ") + "\n\n")
		if m.configPath != "" {
			b.WriteString(dimStyle.Render("Config written to: "+m.configPath) + "\n\n")
		}
		b.WriteString("Run " + promptStyle.Render("agentexec start") + " to serve the API, or ")
		b.WriteString(promptStyle.Render("agentexec run \"hello\"") + " for a one-off run.\n")

	case stepError:
		b.WriteString(errorStyle.Render("Setup failed: "+m.errFinal.Error()) + "\n")
	}

	return boxStyle.Render(b.String())
}

func renderChoices(b *strings.Builder, choices []string, selected int) {
	for i, c := range choices {
		if i == selected {
			b.WriteString(selectedStyle.Render("  > "+c) + "\n")
		} else {
			b.WriteString(dimStyle.Render("    "+c) + "\n")
		}
	}
}

func writeConfigCmd(result initResult, store secrets.Store, forceOverwrite bool) tea.Cmd {
	return func() tea.Msg {
		path, err := storeSecretAndWriteConfig(result, store, forceOverwrite)
		if err != nil {
			return err
		}
		return configWrittenMsg{path: path}
	}
}

// GenerateConfigYAML produces a minimal agentexec.yaml from the wizard
// result. The API key is referenced through a keyring:// URI.
func GenerateConfigYAML(result initResult) string {
	backend := result.ApprovalBackend
	if backend == "" {
		backend = config.ApprovalMemory
	}

	var sb strings.Builder
	sb.WriteString("# agentexec configuration, generated by agentexec init\n\n")

	sb.WriteString("server:\n")
	sb.WriteString("  listen: \"127.0.0.1:8088\"\n\n")

	sb.WriteString("providers:\n")
	fmt.Fprintf(&sb, "  %s:\n", result.Provider)
	fmt.Fprintf(&sb, "    api_key: \"keyring://%s/%s\"\n\n", serviceName, apiKeyName(result.Provider))

	sb.WriteString("agent:\n")
	fmt.Fprintf(&sb, "  model: \"%s\"\n\n", defaultModelForProvider(result.Provider))

	sb.WriteString("approval:\n")
	fmt.Fprintf(&sb, "  backend: %s\n\n", backend)

	sb.WriteString("storage:\n")
	if backend == config.ApprovalSQLite {
		sb.WriteString("  backend: sqlite\n")
		sb.WriteString("  path: agentexec.db\n")
	} else {
		sb.WriteString("  backend: memory\n")
	}

	return sb.String()
}

func apiKeyName(provider string) string {
	return provider + "-api-key"
}

// defaultModelForProvider returns a sensible default model reference for a provider.
func defaultModelForProvider(p string) string {
	switch p {
	case "anthropic":
		return "anthropic/claude-sonnet-4-5"
	case "openai":
		return "openai/gpt-4o"
	case "google":
		return "google/gemini-2.0-flash"
	default:
		return p + "/default"
	}
}

// storeSecretAndWriteConfig saves the API key to the keyring and writes the
// config YAML to configPathForWrite.
func storeSecretAndWriteConfig(result initResult, store secrets.Store, forceOverwrite bool) (string, error) {
	if store == nil {
		return "", sigilerr.New(sigilerr.CodeCLISetupFailure, "no secret store available")
	}
	if err := store.Set(serviceName, apiKeyName(result.Provider), result.APIKey); err != nil {
		return "", sigilerr.Errorf(sigilerr.CodeSecretStoreFailure, "storing %s API key: %w", result.Provider, err)
	}

	cfgPath, err := configPathForWrite()
	if err != nil {
		return "", err
	}

	if !forceOverwrite {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return "", sigilerr.Errorf(sigilerr.CodeCLISetupFailure,
				"config file already exists at %s; use --force to overwrite", cfgPath)
		}
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "creating config directory %s: %w", dir, err)
	}

	if err := os.WriteFile(cfgPath, []byte(GenerateConfigYAML(result)), 0o600); err != nil {
		return "", sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "writing config to %s: %w", cfgPath, err)
	}

	return cfgPath, nil
}

// configPathForWrite returns the path init writes to. Tests override it.
var configPathForWrite = config.DefaultConfigPath

func newInitCmd(_ *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an agentexec config file",
		Long: `Run an interactive wizard that picks the primary model provider, stores
its API key in the OS keyring and chooses the approval backend.

With --defaults the fully commented default config is written instead and
no questions are asked.`,
		RunE: runInit,
	}

	cmd.Flags().Bool("defaults", false, "write the commented default config non-interactively")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	useDefaults, _ := cmd.Flags().GetBool("defaults")
	forceOverwrite, _ := cmd.Flags().GetBool("force")

	if useDefaults {
		return writeDefaultConfig(cmd, forceOverwrite)
	}

	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !isTerminal(f) {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(),
			"agentexec init requires an interactive terminal.\n"+
				"Run 'agentexec init --defaults' to write the default config instead.")
		return sigilerr.New(sigilerr.CodeCLISetupFailure, "agentexec init: not an interactive terminal")
	}

	m := newInitModel(secretStoreFactory())
	m.forceOverwrite = forceOverwrite

	finalModel, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "init wizard error: %w", err)
	}

	fm, ok := finalModel.(initModel)
	if !ok {
		return sigilerr.New(sigilerr.CodeCLISetupFailure, "unexpected model type after wizard")
	}
	if fm.errFinal != nil {
		return sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "init failed: %w", fm.errFinal)
	}
	if fm.step == stepDone {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", fm.configPath)
	}
	return nil
}

func writeDefaultConfig(cmd *cobra.Command, force bool) error {
	path, err := configPathForWrite()
	if err != nil {
		return err
	}
	if force {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "removing existing config %s: %w", path, err)
		}
	}
	wrote, err := config.WriteDefault(path)
	if err != nil {
		return err
	}
	if !wrote {
		return sigilerr.Errorf(sigilerr.CodeCLISetupFailure,
			"config file already exists at %s; use --force to overwrite", path)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
	return nil
}

// isTerminal reports whether f is a terminal file descriptor.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
