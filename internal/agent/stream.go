// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agent

import (
	"strings"
	"sync"
)

// deltaGate forwards streamed text to a StreamFunc across retried model
// attempts. Each attempt replays from the start, so only text past what an
// earlier attempt already delivered is forwarded. If a later attempt
// diverges from the delivered prefix, the caller still sees only the tail
// beyond that prefix; delivered chunks cannot be retracted.
type deltaGate struct {
	sink StreamFunc

	mu      sync.Mutex
	sent    int
	attempt strings.Builder
}

// begin starts a new attempt.
func (g *deltaGate) begin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempt.Reset()
}

func (g *deltaGate) write(chunk string) {
	if chunk == "" {
		return
	}
	g.mu.Lock()
	g.attempt.WriteString(chunk)
	total := g.attempt.Len()
	if total <= g.sent {
		g.mu.Unlock()
		return
	}
	out := g.attempt.String()[max(g.sent, total-len(chunk)):]
	g.sent = total
	g.mu.Unlock()

	g.sink(out)
}
