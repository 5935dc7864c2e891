// Package anthropic implements model.Model over the Anthropic Messages API
// with streaming.
package anthropic

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/model"
)

// Options configure the Anthropic model adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind the generic model.Model
// interface.
type Model struct {
	client anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	return &Model{client: anthropic.NewClient(clientOpts...), opts: opts}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req)
		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- m.wrap(err)
			return
		}
		var text string
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.AsText().Text
			}
		}
		finish := "stop"
		if resp.StopReason != "" {
			finish = string(resp.StopReason)
		}
		out <- model.Response{
			Partial:      false,
			Content:      core.NewTextContent("assistant", text),
			FinishReason: finish,
			Usage: &model.TokenUsage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
				TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			},
		}
	}()

	return out, errCh
}

// buildParams converts the normalized request into Messages API parameters,
// folding Instructions and system-role contents into system blocks.
func (m *Model) buildParams(req model.Request) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam
	var systemBlocks []anthropic.TextBlockParam

	if req.Instructions != "" {
		systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: req.Instructions})
	}
	for _, c := range req.Contents {
		text := c.Text()
		if text == "" {
			continue
		}
		switch c.Role {
		case "system":
			systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: text})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}

	temperature := m.opts.Temperature
	if req.Temperature >= 0 && req.Temperature != 0 {
		temperature = req.Temperature
	}
	maxTokens := m.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	return params
}

// handleStreaming forwards text deltas and a final accumulated chunk.
func (m *Model) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			errCh <- m.wrap(err)
			return
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				select {
				case <-ctx.Done():
					errCh <- m.wrap(ctx.Err())
					return
				case out <- model.Response{
					Partial: true,
					Content: core.NewTextContent("assistant", delta.Text),
				}:
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- m.wrap(err)
		return
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	finish := "stop"
	if message.StopReason != "" {
		finish = string(message.StopReason)
	}
	out <- model.Response{
		Partial:      false,
		Content:      core.NewTextContent("assistant", text),
		FinishReason: finish,
		Usage: &model.TokenUsage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}
}

// wrap maps SDK failures onto the LLM taxonomy.
func (m *Model) wrap(err error) error {
	kind := core.LLMPermanent
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = core.LLMCancelled
	} else {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == 429 || apiErr.StatusCode >= 500) {
			kind = core.LLMTransient
		}
	}
	return &core.LLMError{Kind: kind, Provider: "anthropic", Model: string(m.opts.Model), Err: err}
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{Name: string(m.opts.Model), Provider: "anthropic"}
}
