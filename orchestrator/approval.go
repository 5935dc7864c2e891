package orchestrator

import (
	"sort"
	"sync"
)

// ApprovalDecision is the outcome of a PENDING_APPROVAL wait.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalDenied   ApprovalDecision = "denied"
	ApprovalTimeout  ApprovalDecision = "timeout"
)

// Approvals tracks requests parked in PENDING_APPROVAL. Resolving a request
// wakes exactly the goroutine waiting on it.
type Approvals struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

// NewApprovals builds an empty approval table.
func NewApprovals() *Approvals {
	return &Approvals{pending: make(map[string]chan bool)}
}

func (a *Approvals) create(requestID string) <-chan bool {
	ch := make(chan bool, 1)
	a.mu.Lock()
	a.pending[requestID] = ch
	a.mu.Unlock()
	return ch
}

func (a *Approvals) drop(requestID string) {
	a.mu.Lock()
	delete(a.pending, requestID)
	a.mu.Unlock()
}

// Resolve delivers a decision for a pending request. It reports whether the
// request was actually waiting.
func (a *Approvals) Resolve(requestID string, approved bool) bool {
	a.mu.Lock()
	ch, ok := a.pending[requestID]
	if ok {
		delete(a.pending, requestID)
	}
	a.mu.Unlock()
	if ok {
		ch <- approved
	}
	return ok
}

// Pending lists request ids currently awaiting approval, sorted.
func (a *Approvals) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
