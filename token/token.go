// Package token provides deterministic token accounting for context budgeting
// and embedding-input truncation. The primary codec wraps tiktoken's
// model-specific BPE vocabularies; an approximate codec with identical
// semantics exists for offline use and tests.
package token

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/mnemobot/mnemo/core"
)

// Codec counts and truncates text in tokens. Implementations must be
// deterministic: the same input always yields the same count and cut.
type Codec interface {
	Count(text string) int
	// Truncate cuts text to at most maxTokens tokens on a token boundary.
	Truncate(text string, maxTokens int) string
}

// Tiktoken is a Codec backed by a model-specific BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken resolves the encoding for the given model name, falling back to
// cl100k_base for unknown models the way the embedding tier expects.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return &Tiktoken{enc: enc}, nil
}

// Count returns the number of tokens in text.
func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate cuts text to maxTokens tokens.
func (t *Tiktoken) Truncate(text string, maxTokens int) string {
	toks := t.enc.Encode(text, nil, nil)
	if len(toks) <= maxTokens {
		return text
	}
	return t.enc.Decode(toks[:maxTokens])
}

// Approx is an offline Codec that treats every whitespace-delimited word as
// one token. It trades accuracy for zero dependencies and is the codec used
// throughout the test suites.
type Approx struct{}

// NewApprox returns the approximate codec.
func NewApprox() Approx { return Approx{} }

// Count returns the word count of text.
func (Approx) Count(text string) int { return len(strings.Fields(text)) }

// Truncate keeps the first maxTokens words of text.
func (Approx) Truncate(text string, maxTokens int) string {
	fields := strings.Fields(text)
	if len(fields) <= maxTokens {
		return text
	}
	return strings.Join(fields[:maxTokens], " ")
}

// CountContent sums the token counts of every text part in content. String
// content and multimodal part lists are both handled; data parts count zero.
func CountContent(c Codec, content core.Content) int {
	total := 0
	for _, p := range content.Parts {
		if tp, ok := p.(core.TextPart); ok {
			total += c.Count(tp.Text)
		}
	}
	return total
}
