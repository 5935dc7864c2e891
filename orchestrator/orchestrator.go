// Package orchestrator drives one inbound message through the routing state
// machine: classify, route to an agent, enrich with memory, stream the
// response, persist the exchange. Failures at any stage move the request to
// FAILED; enrichment failures degrade to empty hints instead.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mnemobot/mnemo/agent"
	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/graph"
	"github.com/mnemobot/mnemo/intent"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/memory"
	"github.com/mnemobot/mnemo/session"
	"github.com/mnemobot/mnemo/store"
	"github.com/mnemobot/mnemo/token"
)

// State is the request's position in the orchestration state machine.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateClassified      State = "CLASSIFIED"
	StateRouted          State = "ROUTED"
	StatePendingApproval State = "PENDING_APPROVAL"
	StateEnriched        State = "ENRICHED"
	StateGenerating      State = "GENERATING"
	StatePersisted       State = "PERSISTED"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// Canned replies for paths that never reach a model.
const (
	outOfScopeReply = "That's outside what I can help with here. Ask me about your notes, memories or anything conversational."
	deniedReply     = "That action was not approved, so I left everything as it was."
	timeoutReply    = "The approval window expired, so I left everything as it was."
)

// Outcome summarizes one handled message for metrics and tests.
type Outcome struct {
	RequestID string
	SessionID string
	State     State
	Intent    intent.Result
	AgentID   string
	Reply     string
	Partial   bool
	TokensIn  int
	TokensOut int
	Sources   int
}

// Sink receives streamed reply chunks. Returning an error aborts the stream.
type Sink func(chunk string) error

// Orchestrator is process-wide shared state with an explicit lifecycle,
// constructed once by the composition root.
type Orchestrator struct {
	registry   *agent.Registry
	routes     map[intent.Category]string
	classifier *intent.Classifier
	memory     *memory.Manager
	sessions   *session.Engine
	graph      *graph.Service
	store      *store.Store
	codec      token.Codec
	approvals  *Approvals
	logger     logging.Logger

	persistOutOfScope bool
	approvalTimeout   time.Duration
	destructive       map[intent.Category]bool
	recallThreshold   float64
}

// Options configure the orchestrator.
type Options struct {
	// PersistOutOfScope also writes out_of_scope exchanges to the session log.
	PersistOutOfScope bool
	// ApprovalTimeout bounds the PENDING_APPROVAL wait.
	ApprovalTimeout time.Duration
	// Destructive lists categories that require human approval before they
	// run. Empty means nothing is gated.
	Destructive []intent.Category
	// RecallThreshold is the minimum similarity for recall enrichment.
	RecallThreshold float64
	// Routes overrides the default category to agent mapping.
	Routes map[intent.Category]string
	Logger logging.Logger
}

// defaultRoutes maps every classifier category onto an agent. out_of_scope is
// absent on purpose: it takes the canned path before routing.
func defaultRoutes() map[intent.Category]string {
	return map[intent.Category]string{
		intent.Greeting:       "conversational",
		intent.Farewell:       "conversational",
		intent.Thanks:         "conversational",
		intent.Help:           "conversational",
		intent.Status:         "conversational",
		intent.Chitchat:       "conversational",
		intent.Unknown:        "conversational",
		intent.KnowledgeQuery: "knowledge",
		intent.MemoryStore:    "memory",
		intent.MemoryRetrieve: "memory",
		intent.GraphQuery:     "graph",
	}
}

// New validates the routing table against the registry and builds the
// orchestrator. An unknown agent id is a fatal configuration error.
func New(
	registry *agent.Registry,
	classifier *intent.Classifier,
	mem *memory.Manager,
	sessions *session.Engine,
	g *graph.Service,
	s *store.Store,
	codec token.Codec,
	optFns ...func(o *Options),
) (*Orchestrator, error) {
	opts := Options{
		ApprovalTimeout: 2 * time.Minute,
		RecallThreshold: 0.3,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	routes := opts.Routes
	if routes == nil {
		routes = defaultRoutes()
	}
	for cat, id := range routes {
		if _, ok := registry.Get(id); !ok {
			return nil, &core.ConfigError{
				Option: "routes",
				Reason: fmt.Sprintf("category %q maps to unknown agent %q", cat, id),
			}
		}
	}
	destructive := make(map[intent.Category]bool, len(opts.Destructive))
	for _, c := range opts.Destructive {
		destructive[c] = true
	}
	return &Orchestrator{
		registry:          registry,
		routes:            routes,
		classifier:        classifier,
		memory:            mem,
		sessions:          sessions,
		graph:             g,
		store:             s,
		codec:             codec,
		approvals:         NewApprovals(),
		logger:            opts.Logger,
		persistOutOfScope: opts.PersistOutOfScope,
		approvalTimeout:   opts.ApprovalTimeout,
		destructive:       destructive,
		recallThreshold:   opts.RecallThreshold,
	}, nil
}

// Approvals exposes the pending-approval surface for the admin API.
func (o *Orchestrator) Approvals() *Approvals { return o.approvals }

// SessionID derives the stable session key for a user in a channel.
func SessionID(userID, channelID string) string {
	return userID + ":" + channelID
}

// Handle runs the state machine for one inbound message, streaming reply
// chunks to sink. The returned outcome reflects the terminal state; the error
// is non-nil only when the request failed.
func (o *Orchestrator) Handle(ctx context.Context, ev core.InboundEvent, sink Sink) (*Outcome, error) {
	out := &Outcome{
		RequestID: core.NewID(),
		SessionID: SessionID(ev.AuthorID, ev.ChannelID),
		State:     StateReceived,
		TokensIn:  o.codec.Count(ev.Text),
	}

	res, err := o.classifier.Classify(ctx, ev.Text)
	if err != nil {
		o.logger.Warn("classification failed, defaulting to unknown", "request_id", out.RequestID, "error", err)
		res = intent.Result{Category: intent.Unknown}
	}
	out.Intent = res
	out.State = StateClassified

	if res.Category == intent.OutOfScope {
		return o.cannedPath(ctx, ev, out, outOfScopeReply, o.persistOutOfScope, sink)
	}

	agentID, ok := o.routes[res.Category]
	if !ok {
		agentID = o.routes[intent.Unknown]
	}
	a, ok := o.registry.Get(agentID)
	if !ok {
		out.State = StateFailed
		return out, &core.ConfigError{Option: "routes", Reason: fmt.Sprintf("agent %q disappeared", agentID)}
	}
	out.AgentID = a.ID()
	out.State = StateRouted

	if o.destructive[res.Category] {
		decision := o.awaitApproval(ctx, out.RequestID)
		switch decision {
		case ApprovalDenied:
			return o.cannedPath(ctx, ev, out, deniedReply, false, sink)
		case ApprovalTimeout:
			return o.cannedPath(ctx, ev, out, timeoutReply, false, sink)
		}
	}

	um := o.memory.ForUser(ev.AuthorID)

	if res.Category == intent.MemoryStore && res.Entities.Key != "" {
		return o.storeFact(ctx, ev, um, out, sink)
	}

	hints := o.enrich(ctx, ev.AuthorID, ev.Text, res, um)
	out.Sources = hints.Count()
	out.State = StateEnriched

	out.State = StateGenerating
	reply, partial, genErr := o.generate(ctx, a, ev, hints, sink)
	out.Reply = reply
	out.Partial = partial
	out.TokensOut = o.codec.Count(reply)
	if genErr != nil && reply == "" {
		out.State = StateFailed
		return out, genErr
	}

	status := "complete"
	if partial {
		status = "partial"
	}
	if err := o.persist(ctx, ev, out, reply, status); err != nil {
		out.State = StateFailed
		return out, err
	}
	out.State = StatePersisted

	if genErr != nil && !core.IsCancelled(genErr) {
		o.logger.Warn("stream interrupted, partial persisted", "request_id", out.RequestID, "error", genErr)
	}
	out.State = StateDone
	return out, nil
}

// storeFact is the direct memory_store path: the extracted key/value pair is
// written under the user's memory write lock and confirmed with a canned
// reply. The raw message is also captured as an episodic memory.
func (o *Orchestrator) storeFact(ctx context.Context, ev core.InboundEvent, um *memory.UserMemory, out *Outcome, sink Sink) (*Outcome, error) {
	ents := out.Intent.Entities

	um.LockWrites()
	_, err := um.Core.Add(ctx, ents.Key, ents.Value, 0.7, map[string]any{"origin": "chat"})
	um.UnlockWrites()
	if err != nil {
		out.State = StateFailed
		return out, err
	}
	if _, err := um.Recall.Add(ctx, ev.Text, 0.5); err != nil {
		o.logger.Warn("recall capture failed", "request_id", out.RequestID, "error", err)
	}

	reply := fmt.Sprintf("Got it. I'll remember your %s.", strings.ReplaceAll(ents.Key, "_", " "))
	out.Reply = reply
	out.TokensOut = o.codec.Count(reply)
	out.State = StateGenerating
	if err := sink(reply); err != nil {
		out.State = StateFailed
		return out, err
	}
	if err := o.persist(ctx, ev, out, reply, "complete"); err != nil {
		out.State = StateFailed
		return out, err
	}
	out.State = StateDone
	return out, nil
}

// cannedPath streams a fixed reply and optionally persists the exchange.
func (o *Orchestrator) cannedPath(ctx context.Context, ev core.InboundEvent, out *Outcome, reply string, persist bool, sink Sink) (*Outcome, error) {
	out.Reply = reply
	out.TokensOut = o.codec.Count(reply)
	if err := sink(reply); err != nil {
		out.State = StateFailed
		return out, err
	}
	if persist {
		if err := o.persist(ctx, ev, out, reply, "complete"); err != nil {
			out.State = StateFailed
			return out, err
		}
		out.State = StatePersisted
	}
	out.State = StateDone
	return out, nil
}

// enrich gathers memory hints for the message. Recall search and core lookups
// run concurrently; either failing degrades to empty hints for that tier.
func (o *Orchestrator) enrich(ctx context.Context, userID, text string, res intent.Result, um *memory.UserMemory) agent.Hints {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		hints  agent.Hints
		recall []string
	)
	hints.Facts = map[string]string{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		items, err := um.Recall.Search(ctx, text, 5, o.recallThreshold, 0)
		if err != nil {
			o.logger.Warn("recall enrichment failed", "user", userID, "error", err)
			return
		}
		mu.Lock()
		for _, it := range items {
			recall = append(recall, it.Content)
		}
		mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		facts := o.coreFacts(ctx, text, res.Entities, um)
		mu.Lock()
		for k, v := range facts {
			hints.Facts[k] = v
		}
		mu.Unlock()
	}()

	wg.Wait()
	hints.Recall = recall

	if res.Category == intent.GraphQuery && o.graph != nil {
		hints.Graph = o.graphContext(ctx, userID, text, res.Entities)
	}
	return hints
}

// coreFacts resolves core-memory hints: the extracted key first, then a
// substring sweep over the message.
func (o *Orchestrator) coreFacts(ctx context.Context, text string, ents intent.Entities, um *memory.UserMemory) map[string]string {
	facts := map[string]string{}
	if ents.Key != "" {
		if v, ok, err := um.Core.Get(ctx, ents.Key); err != nil {
			o.logger.Warn("core lookup failed", "key", ents.Key, "error", err)
		} else if ok {
			facts[ents.Key] = v
		}
	}
	keys, err := um.Core.SearchSubstring(ctx, text, 5)
	if err != nil {
		o.logger.Warn("core substring search failed", "error", err)
		return facts
	}
	for _, k := range keys {
		if _, seen := facts[k]; seen {
			continue
		}
		if v, ok, err := um.Core.Get(ctx, k); err == nil && ok {
			facts[k] = v
		}
	}
	return facts
}

// graphContext summarizes nodes and edges relevant to a graph query.
func (o *Orchestrator) graphContext(ctx context.Context, userID, text string, ents intent.Entities) string {
	query := text
	if ents.Topic != "" {
		query = ents.Topic
	}
	nodes, err := o.graph.SearchNodes(ctx, userID, query, "", 5, 0)
	if err != nil {
		o.logger.Warn("graph enrichment failed", "user", userID, "error", err)
		return ""
	}
	var sb strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&sb, "- %s (%s)", n.Label, n.NodeType)
		edges, err := o.graph.GetEdges(ctx, userID, n.ID)
		if err == nil {
			for _, e := range edges {
				fmt.Fprintf(&sb, "; %s -> %s [%s]", e.SourceID, e.TargetID, e.EdgeType)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// generate streams the agent's response into sink and returns the final text.
// partial reports that the stream ended before a final chunk arrived; the
// accumulated text is still returned for persistence.
func (o *Orchestrator) generate(ctx context.Context, a agent.Agent, ev core.InboundEvent, hints agent.Hints, sink Sink) (text string, partial bool, err error) {
	history := o.sessions.Context(SessionID(ev.AuthorID, ev.ChannelID))
	respCh, errCh := a.Process(ctx, core.NewTextContent("user", ev.Text), history, hints)

	var sb strings.Builder
	var final string
	for r := range respCh {
		if r.Partial {
			chunk := r.Content.Text()
			sb.WriteString(chunk)
			if serr := sink(chunk); serr != nil {
				return sb.String(), true, serr
			}
			continue
		}
		final = r.Content.Text()
	}
	if streamErr := <-errCh; streamErr != nil {
		return sb.String(), true, streamErr
	}
	if final == "" {
		final = sb.String()
	} else if sb.Len() == 0 {
		// Non-streaming agents emit one final chunk; forward it whole.
		if serr := sink(final); serr != nil {
			return final, true, serr
		}
	}
	return final, false, nil
}

// persist writes the exchange to the durable session log in one transaction
// and mirrors it into the live context window.
func (o *Orchestrator) persist(ctx context.Context, ev core.InboundEvent, out *Outcome, reply, status string) error {
	if _, err := o.store.EnsureSession(ctx, out.SessionID, ev.AuthorID, ev.ChannelID); err != nil {
		return err
	}
	if _, _, err := o.store.AppendExchange(ctx, out.SessionID, ev.AuthorID, ev.Text, reply, status); err != nil {
		return err
	}
	if err := o.sessions.AddMessage(out.SessionID, ev.AuthorID, ev.ChannelID, core.NewTextContent("user", ev.Text)); err != nil {
		return err
	}
	if reply != "" {
		if err := o.sessions.AddMessage(out.SessionID, ev.AuthorID, ev.ChannelID, core.NewTextContent("assistant", reply)); err != nil {
			return err
		}
	}
	return nil
}

// awaitApproval parks the request until it is resolved, the window expires or
// the caller cancels.
func (o *Orchestrator) awaitApproval(ctx context.Context, requestID string) ApprovalDecision {
	ch := o.approvals.create(requestID)
	defer o.approvals.drop(requestID)

	timer := time.NewTimer(o.approvalTimeout)
	defer timer.Stop()
	select {
	case approved := <-ch:
		if approved {
			return ApprovalApproved
		}
		return ApprovalDenied
	case <-timer.C:
		return ApprovalTimeout
	case <-ctx.Done():
		return ApprovalTimeout
	}
}
