// Package pipeline is the boundary-facing coordinator: it receives inbound
// chat events, applies rate limiting and command parsing, hands conversation
// to the orchestrator and emits structured metrics. User content is never
// logged verbatim; correlation uses a salted HMAC of the user id.
package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/orchestrator"
	"github.com/mnemobot/mnemo/ratelimit"
	"github.com/mnemobot/mnemo/session"
	"github.com/mnemobot/mnemo/store"
)

// Canned boundary replies.
const (
	helpReply     = "Hi! Ask me anything, or say \"remember that my <thing> is <value>\" and I'll keep track of it."
	overflowReply = "That conversation has grown past what I can hold. Try a fresh question."
	failureReply  = "Something went wrong on my side. Please try again."
)

// ReplyFunc streams chunks back to the chat platform. done marks the end of
// the reply; the final call carries an empty chunk.
type ReplyFunc func(chunk string, done bool) error

// CommandHandler serves one prefixed command, short-circuiting the pipeline.
type CommandHandler func(ctx context.Context, ev core.InboundEvent, args []string, reply ReplyFunc) error

// Pipeline wires the rate limiter and orchestrator behind a single Handle
// entry point plus a small admin surface.
type Pipeline struct {
	limiter  *ratelimit.Limiter
	orch     *orchestrator.Orchestrator
	store    *store.Store
	sessions *session.Engine
	logger   logging.Logger

	prefix   string
	timeout  time.Duration
	salt     []byte
	commands map[string]CommandHandler
}

// Options configure the pipeline.
type Options struct {
	// CommandPrefix marks messages dispatched to command handlers.
	CommandPrefix string
	// RequestTimeout bounds each invocation end to end.
	RequestTimeout time.Duration
	// MetricsSalt keys the user-id hash in metrics.
	MetricsSalt string
	// Commands maps command names (without prefix) to handlers.
	Commands map[string]CommandHandler
	Logger   logging.Logger
}

// New builds the pipeline.
func New(
	limiter *ratelimit.Limiter,
	orch *orchestrator.Orchestrator,
	s *store.Store,
	sessions *session.Engine,
	optFns ...func(o *Options),
) *Pipeline {
	opts := Options{
		CommandPrefix:  "!",
		RequestTimeout: 60 * time.Second,
		MetricsSalt:    "mnemo",
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Pipeline{
		limiter:  limiter,
		orch:     orch,
		store:    s,
		sessions: sessions,
		logger:   opts.Logger,
		prefix:   opts.CommandPrefix,
		timeout:  opts.RequestTimeout,
		salt:     []byte(opts.MetricsSalt),
		commands: opts.Commands,
	}
}

// Handle processes one inbound event end to end. Rate limiting blocks rather
// than drops; the returned error is reserved for reply-transport failures.
func (p *Pipeline) Handle(ctx context.Context, ev core.InboundEvent, reply ReplyFunc) error {
	if ev.IsBot {
		return nil
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return reply(helpReply, true)
	}

	if err := p.limiter.Acquire(ctx, ev.ChannelID); err != nil {
		return err
	}

	if strings.HasPrefix(text, p.prefix) {
		return p.dispatchCommand(ctx, ev, text, reply)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	out, err := p.orch.Handle(ctx, ev, func(chunk string) error {
		return reply(chunk, false)
	})
	p.emitMetrics(ev, out, time.Since(start))

	if err != nil {
		return p.replyForError(ev, out, err, reply)
	}
	return reply("", true)
}

// dispatchCommand strips the prefix and routes to a registered handler.
func (p *Pipeline) dispatchCommand(ctx context.Context, ev core.InboundEvent, text string, reply ReplyFunc) error {
	fields := strings.Fields(strings.TrimPrefix(text, p.prefix))
	if len(fields) == 0 {
		return reply(helpReply, true)
	}
	name := strings.ToLower(fields[0])
	handler, ok := p.commands[name]
	if !ok {
		return reply("Unknown command: "+name, true)
	}
	return handler(ctx, ev, fields[1:], reply)
}

// replyForError maps failures onto short, non-revealing replies. Cooperative
// cancellation is not logged as a failure.
func (p *Pipeline) replyForError(ev core.InboundEvent, out *orchestrator.Outcome, err error, reply ReplyFunc) error {
	requestID := ""
	if out != nil {
		requestID = out.RequestID
	}
	var ce *core.ContextError
	switch {
	case errors.As(err, &ce):
		return reply(overflowReply, true)
	case core.IsCancelled(err):
		p.logger.Debug("request cancelled", "request_id", requestID, "user_id_hash", p.hashUser(ev.AuthorID))
		return nil
	default:
		p.logger.Error("request failed", "request_id", requestID, "user_id_hash", p.hashUser(ev.AuthorID), "error", err)
		return reply(failureReply, true)
	}
}

// emitMetrics logs the per-message metric record.
func (p *Pipeline) emitMetrics(ev core.InboundEvent, out *orchestrator.Outcome, elapsed time.Duration) {
	if out == nil {
		return
	}
	p.logger.Info("message handled",
		"request_id", out.RequestID,
		"user_id_hash", p.hashUser(ev.AuthorID),
		"intent", string(out.Intent.Category),
		"confidence", out.Intent.Confidence,
		"latency_ms", elapsed.Milliseconds(),
		"tokens_in", out.TokensIn,
		"tokens_out", out.TokensOut,
		"sources_count", out.Sources,
		"state", string(out.State),
	)
}

// hashUser returns a short salted HMAC of the user id for log correlation.
func (p *Pipeline) hashUser(userID string) string {
	mac := hmac.New(sha256.New, p.salt)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))[:12]
}
