// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// requireToken rejects requests that do not carry the configured bearer
// token. With no token configured every request passes.
func (s *Server) requireToken(ctx huma.Context, next func(huma.Context)) {
	if s.cfg.ApprovalToken == "" {
		next(ctx)
		return
	}

	token, ok := bearerToken(ctx.Header("Authorization"))
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ApprovalToken)) != 1 {
		s.logger.Warn("rejected unauthenticated request",
			"method", ctx.Method(),
			"path", ctx.URL().Path,
		)
		ctx.SetHeader("WWW-Authenticate", `Bearer realm="agentexec"`)
		_ = huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	next(ctx)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
