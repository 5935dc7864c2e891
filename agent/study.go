package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/model"
)

// citationPattern matches bracketed numeric citation markers like [1].
var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// refusalText is emitted when the model cites a source it was not given.
const refusalText = "I could not verify the sources for that answer, so I won't guess. Try rephrasing or providing more material."

// Study answers from provided sources only, at temperature zero, and
// validates every citation marker in the output against the source list.
// Because the full answer must be checked before it can be trusted, the
// study variant buffers the model's stream and emits a single final chunk.
type Study struct {
	BaseAgent
}

// NewStudy builds the citation-validated study variant.
func NewStudy(llm model.Model, optFns ...func(o *Options)) *Study {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Study{BaseAgent: newBase("study",
		"You answer strictly from the numbered sources provided. Cite every claim with its source marker, like [1]. If the sources do not cover the question, say so instead of answering.",
		0, llm, opts)}
}

// Process buffers the model output, validates citations against the hinted
// sources and emits either the validated answer or a refusal.
func (s *Study) Process(ctx context.Context, message core.Content, history []core.Content, hints Hints) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		respCh, modelErrCh := s.llm.Generate(ctx, s.buildRequest(message, history, hints))
		full, err := aggregate(respCh, modelErrCh)
		if err != nil {
			errCh <- err
			return
		}

		text := full
		if bad := invalidCitations(full, len(hints.Sources)); len(bad) > 0 {
			s.logger.Warn("refusing answer with unverifiable citations", "agent", s.id, "citations", bad)
			text = refusalText
		}
		select {
		case <-ctx.Done():
			errCh <- &core.LLMError{Kind: core.LLMCancelled, Provider: "study", Err: ctx.Err()}
		case out <- model.Response{
			Partial:      false,
			Content:      core.NewTextContent("assistant", text),
			FinishReason: "stop",
		}:
		}
	}()

	return out, errCh
}

// invalidCitations returns the citation markers in text that fall outside
// 1..sources.
func invalidCitations(text string, sources int) []string {
	var bad []string
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > sources {
			bad = append(bad, fmt.Sprintf("[%s]", m[1]))
		}
	}
	return bad
}
