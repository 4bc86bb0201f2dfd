// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

const defaultAddress = "127.0.0.1:8088"

// tokenEnv supplies the bearer token when --token is not given.
const tokenEnv = "AGENTEXEC_SERVER_APPROVAL_TOKEN"

// defaultHTTPClient is the package-level HTTP client used by API commands.
// Overridden in tests via httptest.
var defaultHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// apiClient provides HTTP access to a running agentexec server.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAPIClient creates a client targeting the given host:port address.
func newAPIClient(addr, token string) *apiClient {
	return &apiClient{
		baseURL: "http://" + addr,
		token:   token,
		http:    defaultHTTPClient,
	}
}

// clientFromFlags builds an apiClient from the --address and --token flags.
func clientFromFlags(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("address")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	return newAPIClient(addr, token)
}

// addClientFlags registers --address and --token on cmd.
func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("address", defaultAddress, "agentexec server address")
	cmd.PersistentFlags().String("token", "", "bearer token for protected routes (default $"+tokenEnv+")")
}

// getJSON performs a GET request and decodes the JSON response into dest.
func (c *apiClient) getJSON(path string, dest any) error {
	return c.do(http.MethodGet, path, nil, dest)
}

// postJSON sends body as JSON and decodes the response into dest. A nil
// body sends no payload; a nil dest discards the response.
func (c *apiClient) postJSON(path string, body, dest any) error {
	return c.do(http.MethodPost, path, body, dest)
}

func (c *apiClient) do(method, path string, body, dest any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "encoding request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return sigilerr.Errorf(sigilerr.CodeCLIRequestFailure, "building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return sigilerr.Errorf(sigilerr.CodeCLIServerNotRunning, "agentexec server is not running at %s", strings.TrimPrefix(c.baseURL, "http://"))
		}
		return sigilerr.Errorf(sigilerr.CodeCLIRequestFailure, "request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return responseError(resp)
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return sigilerr.Errorf(sigilerr.CodeCLIResponseInvalid, "invalid response: %w", err)
	}
	return nil
}

// responseError turns a non-2xx response into an error carrying the
// server's detail message when it sent one.
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))

	var problem struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(data, &problem) == nil {
		switch {
		case problem.Detail != "":
			msg = problem.Detail
		case problem.Error != "":
			msg = problem.Error
		}
	}

	code := sigilerr.CodeCLIRequestFailure
	switch resp.StatusCode {
	case http.StatusNotFound:
		code = sigilerr.CodeServerEntityNotFound
	case http.StatusUnauthorized:
		code = sigilerr.CodeServerAuthUnauthorized
	}
	return sigilerr.Errorf(code, "server returned status %d: %s", resp.StatusCode, msg)
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return sigilerr.Errorf(sigilerr.CodeCLIResponseInvalid, "encoding output: %w", err)
	}
	return nil
}
