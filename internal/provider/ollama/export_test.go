// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package ollama

import (
	"github.com/ollama/ollama/api"

	"github.com/sigil-dev/agentexec/internal/provider"
)

// BuildRequest exposes buildRequest for white-box testing.
var BuildRequest = func(req provider.Request) (*api.ChatRequest, error) {
	return buildRequest(req)
}
