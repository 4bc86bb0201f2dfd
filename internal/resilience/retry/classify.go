// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// IsTransient is the default classifier. Rate limiting, timeouts,
// connection failures and 5xx responses are transient. Cancellation and
// open-breaker rejections never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || sigilerr.HasCode(err, sigilerr.CodeBreakerOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch {
	case sigilerr.IsRateLimited(err), sigilerr.IsTimeout(err), sigilerr.IsUpstreamFailure(err):
		return true
	case sigilerr.IsInvalidInput(err), sigilerr.IsUnauthorized(err), sigilerr.IsNotFound(err):
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return transientStatus(sc.StatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"rate limit",
	"too many requests",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
