// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// Registry maps provider names to Models and resolves "provider/model"
// references.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]Model
	defaultRef string // "provider/model" format
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Model),
	}
}

// Register adds a model provider under name.
func (r *Registry) Register(name string, m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = m
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.providers[name]
	if !ok {
		return nil, sigilerr.New(
			sigilerr.CodeProviderNotFound,
			"provider not found: "+name,
			sigilerr.FieldProvider(name),
		)
	}
	return m, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetDefault sets the "provider/model" reference used for empty model
// names. The provider portion must be registered.
func (r *Registry) SetDefault(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	provName, _ := ParseRef(ref)
	if _, ok := r.providers[provName]; !ok {
		return sigilerr.New(
			sigilerr.CodeProviderNotFound,
			"SetDefault: provider not registered: "+provName,
			sigilerr.FieldProvider(provName),
		)
	}
	r.defaultRef = ref
	return nil
}

// DefaultRef returns the configured default reference.
func (r *Registry) DefaultRef() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultRef
}

// Resolve returns the provider and model id for ref. An empty ref or
// "default" resolves to the default reference.
func (r *Registry) Resolve(ref string) (Model, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref == "" || ref == "default" {
		ref = r.defaultRef
	}
	if !strings.Contains(ref, "/") {
		return nil, "", sigilerr.Errorf(
			sigilerr.CodeProviderInvalidModelRef,
			"model name %q must use provider/model format", ref,
		)
	}

	providerName, model := ParseRef(ref)
	m, ok := r.providers[providerName]
	if !ok {
		return nil, "", sigilerr.New(
			sigilerr.CodeProviderNotFound,
			"provider not found: "+providerName,
			sigilerr.FieldProvider(providerName),
		)
	}
	return m, model, nil
}

// Bind returns a Model that always calls ref's provider with ref's model id.
func (r *Registry) Bind(ref string) (Model, error) {
	m, model, err := r.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return Bound(m, model), nil
}

// Close closes every registered provider that implements io.Closer.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, m := range r.providers {
		if c, ok := m.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, sigilerr.Wrapf(err, sigilerr.CodeProviderUpstreamFailure, "closing provider %s", name))
			}
		}
	}
	return errors.Join(errs...)
}

// ParseRef splits a "provider/model" reference on the first "/".
func ParseRef(ref string) (providerName, model string) {
	idx := strings.Index(ref, "/")
	if idx < 0 {
		return ref, ""
	}
	return ref[:idx], ref[idx+1:]
}

type boundModel struct {
	Model
	model string
}

// Bound pins a Model to a model id. Requests with an empty Model field get
// the pinned id; explicit ids are replaced.
func Bound(m Model, model string) Model {
	return &boundModel{Model: m, model: model}
}

func (b *boundModel) Name() string {
	return b.Model.Name() + "/" + b.model
}

func (b *boundModel) Call(ctx context.Context, req Request) (*Response, error) {
	req.Model = b.model
	return b.Model.Call(ctx, req)
}
