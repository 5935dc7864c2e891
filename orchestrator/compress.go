package orchestrator

import (
	"context"
	"strings"

	"github.com/mnemobot/mnemo/agent"
	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/intent"
)

const summarizePrompt = "Summarize the conversation so far in at most three sentences. Reply with the summary only."

// CompressSession folds a session's archival items into one summary item.
// When no summary is supplied, the conversational agent is asked to produce
// one from the stored messages; if that fails, the summary degrades to the
// first sentence of each message.
func (o *Orchestrator) CompressSession(ctx context.Context, userID, sessionID, summary string) (string, int, error) {
	um := o.memory.ForUser(userID)
	if summary == "" {
		summary = o.summarize(ctx, userID, sessionID)
	}
	um.LockWrites()
	defer um.UnlockWrites()
	return um.Archival.Compress(ctx, sessionID, summary)
}

func (o *Orchestrator) summarize(ctx context.Context, userID, sessionID string) string {
	msgs, err := o.store.SessionMessages(ctx, sessionID, 20)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	texts := make([]string, 0, len(msgs))
	history := make([]core.Content, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Content)
		history = append(history, core.NewTextContent(m.Role, m.Content))
	}

	a, ok := o.registry.Get(o.routes[intent.Unknown])
	if !ok {
		return fallbackSummary(texts)
	}
	respCh, errCh := a.Process(ctx, core.NewTextContent("user", summarizePrompt), history, agent.Hints{})
	var final string
	for r := range respCh {
		if !r.Partial {
			final = r.Content.Text()
		}
	}
	if err := <-errCh; err != nil || final == "" {
		o.logger.Warn("summary generation failed, using fallback", "session", sessionID, "error", err)
		return fallbackSummary(texts)
	}
	return final
}

// fallbackSummary concatenates the first sentence of each message.
func fallbackSummary(texts []string) string {
	var parts []string
	for _, t := range texts {
		s := strings.TrimSpace(t)
		if s == "" {
			continue
		}
		if i := strings.IndexAny(s, ".!?"); i >= 0 {
			s = s[:i+1]
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}
