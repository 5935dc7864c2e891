// Package agent implements the LLM-backed agent variants. All variants share
// one contract: Process turns a message plus conversation context and memory
// hints into a stream of response chunks. Variants differ in instructions,
// temperature and post-processing; the study variant additionally validates
// citations against the retrieved sources.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/model"
)

// Source is one retrieved grounding span handed to an agent.
type Source struct {
	ID      string
	Content string
}

// Hints carry the memory retrieved for one message.
type Hints struct {
	// Facts are core-memory key/value pairs relevant to the message.
	Facts map[string]string
	// Recall holds the contents of matching episodic memories.
	Recall []string
	// Sources are citable grounding spans, used by the study variant.
	Sources []Source
	// Graph is a textual summary of relevant graph context.
	Graph string
}

// Count returns the number of distinct hint items, for metrics.
func (h Hints) Count() int {
	n := len(h.Facts) + len(h.Recall) + len(h.Sources)
	if h.Graph != "" {
		n++
	}
	return n
}

// Agent is the shared contract. Process streams chunks; the stream is
// consumed exactly once by the caller.
type Agent interface {
	ID() string
	Process(ctx context.Context, message core.Content, history []core.Content, hints Hints) (<-chan model.Response, <-chan error)
	Start(ctx context.Context) error
	Stop() error
}

// BaseAgent bundles identity, lifecycle and request assembly shared by every
// variant. Embed it and override Process when post-processing is needed.
type BaseAgent struct {
	id           string
	instructions string
	temperature  float64
	maxTokens    int64
	llm          model.Model
	logger       logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// Options configure an agent variant.
type Options struct {
	// Instructions replace the variant's default system prompt.
	Instructions string
	// Temperature overrides the variant default.
	Temperature float64
	// MaxTokens caps the completion length.
	MaxTokens int64
	Logger    logging.Logger
}

func newBase(id, instructions string, temperature float64, llm model.Model, opts Options) BaseAgent {
	if opts.Instructions != "" {
		instructions = opts.Instructions
	}
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return BaseAgent{
		id:           id,
		instructions: instructions,
		temperature:  temperature,
		maxTokens:    maxTokens,
		llm:          llm,
		logger:       logger,
	}
}

// ID returns the agent identifier used by the routing registry.
func (b *BaseAgent) ID() string { return b.id }

// Start marks the agent running. Only the first call changes state; starting
// a running agent is an error.
func (b *BaseAgent) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("agent %s is already running", b.id)
	}
	_, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	return nil
}

// Stop cancels the agent's derived context and marks it stopped.
func (b *BaseAgent) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return fmt.Errorf("agent %s is not running", b.id)
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.running = false
	return nil
}

// Process assembles the request and streams the model's chunks.
func (b *BaseAgent) Process(ctx context.Context, message core.Content, history []core.Content, hints Hints) (<-chan model.Response, <-chan error) {
	req := b.buildRequest(message, history, hints)
	return b.llm.Generate(ctx, req)
}

// buildRequest folds hints into the system prompt and appends the
// conversation plus the current message.
func (b *BaseAgent) buildRequest(message core.Content, history []core.Content, hints Hints) model.Request {
	var sb strings.Builder
	sb.WriteString(b.instructions)
	if len(hints.Facts) > 0 {
		sb.WriteString("\n\nKnown facts about the user:\n")
		for k, v := range hints.Facts {
			fmt.Fprintf(&sb, "- %s: %s\n", k, v)
		}
	}
	if len(hints.Recall) > 0 {
		sb.WriteString("\nRelevant memories:\n")
		for _, r := range hints.Recall {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	if len(hints.Sources) > 0 {
		sb.WriteString("\nSources (cite as [n]):\n")
		for i, s := range hints.Sources {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, s.Content)
		}
	}
	if hints.Graph != "" {
		sb.WriteString("\nKnowledge graph context:\n")
		sb.WriteString(hints.Graph)
		sb.WriteString("\n")
	}

	contents := make([]core.Content, 0, len(history)+1)
	contents = append(contents, history...)
	contents = append(contents, message)
	return model.Request{
		Instructions: sb.String(),
		Contents:     contents,
		Temperature:  b.temperature,
		MaxTokens:    b.maxTokens,
		Stream:       true,
	}
}

// NewConversational builds the general small-talk variant.
func NewConversational(llm model.Model, optFns ...func(o *Options)) *BaseAgent {
	return newAgent("conversational",
		"You are a friendly Discord assistant. Keep replies short and conversational.",
		0.7, llm, optFns...)
}

// NewKnowledge builds the factual-answer variant.
func NewKnowledge(llm model.Model, optFns ...func(o *Options)) *BaseAgent {
	return newAgent("knowledge",
		"You answer factual questions precisely and concisely. Say so when you are unsure.",
		0.3, llm, optFns...)
}

// NewMemory builds the variant that answers from stored user memory.
func NewMemory(llm model.Model, optFns ...func(o *Options)) *BaseAgent {
	return newAgent("memory",
		"You answer questions about what the user has told you before, using only the provided facts and memories. Never invent personal details.",
		0.2, llm, optFns...)
}

// NewGraph builds the relationship-reasoning variant.
func NewGraph(llm model.Model, optFns ...func(o *Options)) *BaseAgent {
	return newAgent("graph",
		"You explain relationships between entities using the provided knowledge graph context.",
		0.4, llm, optFns...)
}

func newAgent(id, instructions string, temperature float64, llm model.Model, optFns ...func(o *Options)) *BaseAgent {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	b := newBase(id, instructions, temperature, llm, opts)
	return &b
}

// aggregate drains a response stream into the full text, returning the first
// error if the stream failed.
func aggregate(respCh <-chan model.Response, errCh <-chan error) (string, error) {
	var full string
	for r := range respCh {
		if !r.Partial {
			full = r.Content.Text()
		}
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	return full, nil
}
