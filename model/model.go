package model

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mnemobot/mnemo/core"
)

// Request captures the normalized model input produced by agents.
type Request struct {
	// Instructions is the system prompt prepended to the conversation.
	Instructions string `json:"instructions"`
	// Contents is the ordered conversation converted to provider messages.
	Contents []core.Content `json:"contents"`
	// Temperature overrides the adapter default when non-negative.
	Temperature float64 `json:"temperature,omitempty"`
	// MaxTokens caps the completion length; zero means the adapter default.
	MaxTokens int64 `json:"max_tokens,omitempty"`
	Stream    bool  `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model. The
// stream is lazy, finite and consumed exactly once.
type Response struct {
	Partial      bool         `json:"partial"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock"
}

// Model is the minimal interface agents use to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in-memory Model for tests. It matches the last
// user text against registered responses, streams word chunks, and can be
// scripted to fail.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	failWith  error
	lastReq   *Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock"},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	m.responses[prompt] = response
	m.mu.Unlock()
}

// FailWith makes the next Generate calls emit err instead of a response.
func (m *MockModel) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

// LastRequest returns the most recent request, for assertions.
func (m *MockModel) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

// Generate implements Model; emits optional streaming word chunks then the
// final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	r := req
	m.lastReq = &r
	failWith := m.failWith
	var input string
	if len(req.Contents) > 0 {
		input = req.Contents[len(req.Contents)-1].Text()
	}
	full, ok := m.responses[input]
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)
		if failWith != nil {
			errCh <- failWith
			return
		}
		if len(req.Contents) == 0 {
			errCh <- &core.LLMError{Kind: core.LLMPermanent, Provider: "mock", Model: m.info.Name, Err: fmt.Errorf("no contents provided")}
			return
		}
		if !ok {
			full = fmt.Sprintf("Mock response to: %s", input)
		}
		if req.Stream {
			for _, word := range strings.SplitAfter(full, " ") {
				select {
				case <-ctx.Done():
					errCh <- &core.LLMError{Kind: core.LLMCancelled, Provider: "mock", Model: m.info.Name, Err: ctx.Err()}
					return
				case respCh <- Response{
					Partial: true,
					Content: core.NewTextContent("assistant", word),
				}:
				}
			}
		}
		respCh <- Response{
			Partial:      false,
			Content:      core.NewTextContent("assistant", full),
			FinishReason: "stop",
		}
	}()
	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
