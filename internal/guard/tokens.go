// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard

import (
	"github.com/tiktoken-go/tokenizer"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// TokenCounter counts model tokens in text.
type TokenCounter interface {
	CountTokens(text string) int
}

// TiktokenCounter counts with the cl100k_base encoding. Other vendors'
// tokenizers differ, so counts are an approximation outside OpenAI models.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter loads the cl100k_base codec.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeGuardConfigInvalid, "loading tokenizer")
	}
	return &TiktokenCounter{codec: codec}, nil
}

// CountTokens falls back to four characters per token when encoding fails.
func (c *TiktokenCounter) CountTokens(text string) int {
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}
