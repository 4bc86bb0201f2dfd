// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
	"errors"
	"net/http"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// CodeForStatus maps an upstream HTTP status to a provider error code.
func CodeForStatus(status int) sigilerr.Code {
	switch {
	case status == http.StatusTooManyRequests:
		return sigilerr.CodeProviderRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return sigilerr.CodeProviderTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return sigilerr.CodeProviderUnauthorized
	case status >= 500:
		return sigilerr.CodeProviderUpstreamFailure
	case status >= 400:
		return sigilerr.CodeProviderRequestInvalid
	default:
		return sigilerr.CodeProviderUpstreamFailure
	}
}

// WrapCallError classifies an SDK error. status is 0 when the SDK error
// carried no HTTP response.
func WrapCallError(err error, status int, providerName, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	code := sigilerr.CodeProviderUpstreamFailure
	switch {
	case status > 0:
		code = CodeForStatus(status)
	case errors.Is(err, context.DeadlineExceeded):
		code = sigilerr.CodeProviderTimeout
	}
	return sigilerr.Wrap(err, code, providerName+": model call failed",
		sigilerr.FieldProvider(providerName),
		sigilerr.FieldModel(model),
		sigilerr.Field("status", status),
	)
}
