package pipeline

import (
	"context"

	"github.com/mnemobot/mnemo/ratelimit"
	"github.com/mnemobot/mnemo/store"
)

// AdminStats aggregates the observable state of the running bot core.
type AdminStats struct {
	Store            store.StoreStats   `json:"store"`
	RateLimit        ratelimit.Snapshot `json:"rate_limit"`
	ActiveSessions   int                `json:"active_sessions"`
	PendingApprovals []string           `json:"pending_approvals"`
}

// Stats gathers counts from the store, limiter, session engine and approval
// table.
func (p *Pipeline) Stats(ctx context.Context) (AdminStats, error) {
	ss, err := p.store.Stats(ctx)
	if err != nil {
		return AdminStats{}, err
	}
	return AdminStats{
		Store:            ss,
		RateLimit:        p.limiter.Stats(),
		ActiveSessions:   p.sessions.ActiveSessions(),
		PendingApprovals: p.orch.Approvals().Pending(),
	}, nil
}

// Approve resolves a request parked in PENDING_APPROVAL. It reports whether
// the request was still waiting.
func (p *Pipeline) Approve(requestID string, approved bool) bool {
	return p.orch.Approvals().Resolve(requestID, approved)
}

// Health pings the store; a healthy pipeline is one whose only stateful
// dependency answers.
func (p *Pipeline) Health(ctx context.Context) error {
	return p.store.Ping(ctx)
}
