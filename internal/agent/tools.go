// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/sigil-dev/agentexec/internal/provider"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// ToolDispatcher runs tools on behalf of the model. Invoke must honour
// ctx cancellation; the executor sets a per-call deadline on it.
type ToolDispatcher interface {
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
	Definitions() []provider.ToolDefinition
}

// ToolFunc implements a single tool.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

type toolEntry struct {
	definition provider.ToolDefinition
	fn         ToolFunc
}

// ToolRegistry is a concurrency-safe, in-memory ToolDispatcher.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*toolEntry
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*toolEntry)}
}

// Register adds or replaces the tool named def.Name.
func (r *ToolRegistry) Register(def provider.ToolDefinition, fn ToolFunc) error {
	if def.Name == "" {
		return sigilerr.New(sigilerr.CodeAgentLoopInvalidInput, "tool definition requires a name")
	}
	if fn == nil {
		return sigilerr.New(sigilerr.CodeAgentLoopInvalidInput, "tool requires an implementation", sigilerr.FieldTool(def.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = &toolEntry{definition: def, fn: fn}
	return nil
}

// Invoke runs the named tool.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", sigilerr.New(sigilerr.CodeAgentToolNotFound, "unknown tool "+name, sigilerr.FieldTool(name))
	}
	return entry.fn(ctx, args)
}

// Definitions returns every registered tool sorted by name.
func (r *ToolRegistry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.ToolDefinition, 0, len(r.tools))
	for _, entry := range r.tools {
		defs = append(defs, entry.definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// decodeArguments parses the model's JSON argument string. Empty input
// yields an empty map.
func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeAgentToolFailure, "tool arguments are not a JSON object: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
