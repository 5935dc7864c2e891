package session

import (
	"regexp"
	"strings"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/token"
)

// ReduceMode selects the trimming algorithm applied when a session exceeds
// its token budget.
type ReduceMode string

const (
	// ReduceFull keeps the most recent messages that fit, preserving order.
	ReduceFull ReduceMode = "full"
	// ReduceCompact keeps every message but collapses whitespace in text.
	ReduceCompact ReduceMode = "compact"
	// ReduceSummary preserves system messages plus the latest turns that fit.
	ReduceSummary ReduceMode = "summary"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// reduceFull walks the log newest-first, appending into a reversed buffer
// while the budget holds, then reverses once. Dropped messages are returned
// for offloading, oldest first.
func reduceFull(msgs []Message, budget int) (kept, dropped []Message) {
	var used int
	for i := len(msgs) - 1; i >= 0; i-- {
		if used+msgs[i].Tokens <= budget {
			kept = append(kept, msgs[i])
			used += msgs[i].Tokens
		} else {
			dropped = append(dropped, msgs[i])
		}
	}
	reverse(kept)
	reverse(dropped)
	return kept, dropped
}

// reduceCompact collapses whitespace runs inside every text part, including
// each text part of multimodal content. No message is dropped.
func reduceCompact(msgs []Message, codec token.Codec) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		parts := make([]core.Part, len(m.Content.Parts))
		for j, p := range m.Content.Parts {
			if tp, ok := p.(core.TextPart); ok {
				tp.Text = strings.TrimSpace(whitespaceRun.ReplaceAllString(tp.Text, " "))
				parts[j] = tp
			} else {
				parts[j] = p
			}
		}
		m.Content = core.Content{Role: m.Content.Role, Parts: parts}
		m.Tokens = token.CountContent(codec, m.Content)
		out[i] = m
	}
	return out
}

// reduceSummary keeps the system messages, truncating them when their
// combined tokens exceed half the budget, then fills the remainder with the
// latest conversational messages that fit.
func reduceSummary(msgs []Message, codec token.Codec, budget int) (kept, dropped []Message) {
	var system, conversational []Message
	for _, m := range msgs {
		if m.Content.Role == "system" {
			system = append(system, m)
		} else {
			conversational = append(conversational, m)
		}
	}

	systemBudget := budget / 2
	var systemTokens int
	for _, m := range system {
		systemTokens += m.Tokens
	}
	if systemTokens > systemBudget && len(system) > 0 {
		per := systemBudget / len(system)
		if per < 1 {
			per = 1
		}
		for i, m := range system {
			text := codec.Truncate(m.Content.Text(), per)
			system[i].Content = core.NewTextContent("system", text)
			system[i].Tokens = codec.Count(text)
		}
		systemTokens = 0
		for _, m := range system {
			systemTokens += m.Tokens
		}
	}

	remaining := budget - systemTokens
	var recent []Message
	for i := len(conversational) - 1; i >= 0; i-- {
		if remaining-conversational[i].Tokens >= 0 {
			recent = append(recent, conversational[i])
			remaining -= conversational[i].Tokens
		} else {
			dropped = append(dropped, conversational[i])
		}
	}
	reverse(recent)
	reverse(dropped)

	kept = append(kept, system...)
	kept = append(kept, recent...)
	return kept, dropped
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
