// Package session is the context engine: it tracks each session's ordered
// message log and running token count, reduces the log when it outgrows the
// budget, offloads displaced messages into a priority cache, and expires idle
// sessions. All state is in-process; durable message history lives in the
// store and is written by the orchestrator.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/token"
)

// Message is one tracked turn with its token cost.
type Message struct {
	Seq     int
	Content core.Content
	Tokens  int
}

type state struct {
	mu         sync.Mutex
	userID     string
	channelID  string
	msgs       []Message
	tokens     int
	nextSeq    int
	lastActive time.Time
	reductions int
}

// Stats is the per-session diagnostic snapshot.
type Stats struct {
	SessionID  string
	UserID     string
	Messages   int
	Tokens     int
	Reductions int
	CacheHits  int
	CacheMiss  int
	Offloaded  int
}

// Engine owns every live session. Session locks guard only in-process state;
// they are never held across store, LLM or embedding calls.
type Engine struct {
	codec      token.Codec
	maxTokens  int
	hardCap    int
	mode       ReduceMode
	autoReduce bool
	offload    *Offloader
	idleTTL    time.Duration
	logger     logging.Logger

	mu       sync.Mutex
	sessions map[string]*state

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Options configure the engine.
type Options struct {
	// MaxTokens triggers reduction when exceeded.
	MaxTokens int
	// HardCap is the absolute ceiling; exceeding it even after full
	// reduction is a ContextError. Defaults to four times MaxTokens.
	HardCap int
	// Mode selects the reduction algorithm.
	Mode ReduceMode
	// AutoReduce enables reduction on add; disabled only in tests.
	AutoReduce bool
	// OffloadCapacity bounds the offload cache.
	OffloadCapacity int
	// IdleTTL expires sessions untouched for this long; zero disables the
	// sweeper.
	IdleTTL time.Duration
	// SweepInterval is how often the idle sweeper runs.
	SweepInterval time.Duration
	Logger        logging.Logger
}

// NewEngine builds the engine and starts the idle sweeper when configured.
func NewEngine(codec token.Codec, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxTokens:       8000,
		Mode:            ReduceFull,
		AutoReduce:      true,
		OffloadCapacity: 256,
		SweepInterval:   time.Minute,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HardCap <= 0 {
		opts.HardCap = opts.MaxTokens * 4
	}
	e := &Engine{
		codec:      codec,
		maxTokens:  opts.MaxTokens,
		hardCap:    opts.HardCap,
		mode:       opts.Mode,
		autoReduce: opts.AutoReduce,
		offload:    NewOffloader(opts.OffloadCapacity),
		idleTTL:    opts.IdleTTL,
		logger:     opts.Logger,
		sessions:   make(map[string]*state),
		done:       make(chan struct{}),
	}
	if opts.IdleTTL > 0 {
		e.wg.Add(1)
		go e.sweepLoop(opts.SweepInterval)
	}
	return e
}

// Close stops the sweeper. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
	})
}

func (e *Engine) session(sessionID, userID, channelID string) *state {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = &state{userID: userID, channelID: channelID, nextSeq: 1, lastActive: time.Now()}
		e.sessions[sessionID] = s
	}
	return s
}

// AddMessage appends content to the session, updating the token count and
// reducing when over budget. If even a full reduction cannot bring the log
// under the hard cap the message is rejected with ContextError and the
// session stays usable.
func (e *Engine) AddMessage(sessionID, userID, channelID string, content core.Content) error {
	tokens := token.CountContent(e.codec, content)
	if tokens > e.hardCap {
		return &core.ContextError{SessionID: sessionID, Reason: fmt.Sprintf("message of %d tokens exceeds hard cap %d", tokens, e.hardCap)}
	}
	s := e.session(sessionID, userID, channelID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	msg := Message{Seq: s.nextSeq, Content: content, Tokens: tokens}
	s.nextSeq++
	s.msgs = append(s.msgs, msg)
	s.tokens += tokens

	if e.autoReduce && s.tokens > e.maxTokens {
		e.reduceLocked(sessionID, s)
		if s.tokens > e.hardCap {
			// roll the append back; everything already reduced stays reduced
			last := s.msgs[len(s.msgs)-1]
			s.msgs = s.msgs[:len(s.msgs)-1]
			s.tokens -= last.Tokens
			return &core.ContextError{SessionID: sessionID, Reason: "token count exceeds hard cap after reduction"}
		}
	}
	return nil
}

// reduceLocked applies the configured mode and offloads dropped messages.
// Caller holds the session lock; reduction is pure compute.
func (e *Engine) reduceLocked(sessionID string, s *state) {
	var dropped []Message
	switch e.mode {
	case ReduceCompact:
		s.msgs = reduceCompact(s.msgs, e.codec)
	case ReduceSummary:
		s.msgs, dropped = reduceSummary(s.msgs, e.codec, e.maxTokens)
	default:
		s.msgs, dropped = reduceFull(s.msgs, e.maxTokens)
	}
	for _, m := range dropped {
		e.offload.Put(offloadKey{SessionID: sessionID, Seq: m.Seq}, m, priorityFor(m))
	}
	s.tokens = 0
	for _, m := range s.msgs {
		s.tokens += m.Tokens
	}
	s.reductions++
	e.logger.Debug("session reduced", "session_id", sessionID, "mode", string(e.mode), "dropped", len(dropped), "tokens", s.tokens)
}

// Context returns the session's retained messages in order.
func (e *Engine) Context(sessionID string) []core.Content {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	out := make([]core.Content, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Content
	}
	return out
}

// Restore loads an offloaded message back into the session log, re-inserting
// it in sequence order. It reports whether the key was found.
func (e *Engine) Restore(sessionID string, seq int) bool {
	msg, ok := e.offload.Get(offloadKey{SessionID: sessionID, Seq: seq})
	if !ok {
		return false
	}
	e.mu.Lock()
	s, live := e.sessions[sessionID]
	e.mu.Unlock()
	if !live {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := len(s.msgs)
	for i, m := range s.msgs {
		if m.Seq > msg.Seq {
			pos = i
			break
		}
	}
	s.msgs = append(s.msgs[:pos], append([]Message{msg}, s.msgs[pos:]...)...)
	s.tokens += msg.Tokens
	return true
}

// TokenCount returns the session's running token count.
func (e *Engine) TokenCount(sessionID string) int {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// SessionStats returns the diagnostic snapshot for one session.
func (e *Engine) SessionStats(sessionID string) (Stats, bool) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	hits, misses := e.offload.Counters()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SessionID:  sessionID,
		UserID:     s.userID,
		Messages:   len(s.msgs),
		Tokens:     s.tokens,
		Reductions: s.reductions,
		CacheHits:  hits,
		CacheMiss:  misses,
		Offloaded:  e.offload.Len(),
	}, true
}

// ActiveSessions returns the number of live sessions.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Expire drops the session and its offloaded messages.
func (e *Engine) Expire(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	e.offload.DropSession(sessionID)
}

func (e *Engine) sweepLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.sweepIdle(time.Now())
		}
	}
}

// sweepIdle expires sessions whose last activity predates the TTL.
func (e *Engine) sweepIdle(now time.Time) {
	cutoff := now.Add(-e.idleTTL)
	e.mu.Lock()
	var expired []string
	for id, s := range e.sessions {
		s.mu.Lock()
		idle := s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if idle {
			expired = append(expired, id)
			delete(e.sessions, id)
		}
	}
	e.mu.Unlock()
	for _, id := range expired {
		e.offload.DropSession(id)
	}
	if len(expired) > 0 {
		e.logger.Info("expired idle sessions", "count", len(expired))
	}
}
