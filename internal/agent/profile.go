// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agent

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

// profileExt is the file extension LoadProfiles picks up.
const profileExt = ".md"

type profileFrontmatter struct {
	Name           string            `yaml:"name"`
	Mode           string            `yaml:"mode"`
	Temperature    *float64          `yaml:"temperature"`
	MaxToolCalls   int               `yaml:"max_tool_calls"`
	ResponseFormat string            `yaml:"response_format"`
	Metadata       map[string]string `yaml:"metadata"`
}

// ParseProfileFile reads a profile file. The file starts with YAML
// frontmatter between "---" lines; the markdown body becomes the system
// prompt. A missing name defaults to the file name without extension.
func ParseProfileFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeConfigLoadReadFailure, "reading profile %s", path)
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigParseInvalidFormat, "profile %s: missing opening frontmatter delimiter", path)
	}
	rest := content[4:]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigParseInvalidFormat, "profile %s: missing closing frontmatter delimiter", path)
	}

	var fm profileFrontmatter
	if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeConfigParseInvalidFormat, "profile %s: parsing frontmatter", path)
	}

	mode := types.ExecutionMode(strings.ToUpper(fm.Mode))
	if mode != "" && !mode.Valid() {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue, "profile %s: unknown mode %q", path, fm.Mode)
	}
	if fm.MaxToolCalls < 0 {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue, "profile %s: max_tool_calls must be >= 0", path)
	}

	name := fm.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &Profile{
		Name:           name,
		SystemPrompt:   strings.TrimSpace(rest[idx+5:]),
		Mode:           mode,
		Temperature:    fm.Temperature,
		MaxToolCalls:   fm.MaxToolCalls,
		ResponseFormat: fm.ResponseFormat,
		Metadata:       fm.Metadata,
	}, nil
}

// LoadProfiles parses every *.md file directly under dir, keyed by
// profile name.
func LoadProfiles(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeConfigLoadReadFailure, "reading profile dir %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != profileExt {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	profiles := make(map[string]*Profile, len(names))
	for _, n := range names {
		p, err := ParseProfileFile(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		if _, dup := profiles[p.Name]; dup {
			return nil, sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue, "duplicate profile name %q in %s", p.Name, dir)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}
