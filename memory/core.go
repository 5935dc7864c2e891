// Package memory implements the three user-partitioned memory tiers over the
// store: Core (keyed, bounded, importance-ranked facts), Recall (append-only
// embedded episodic log) and Archival (long-form records with compression).
// A Manager hands out per-user bundles and runs the background curator.
package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/store"
)

// Core is one user's keyed fact cache backed by the store. Reads serve from
// an in-process snapshot; writes go through the store first and reconcile the
// snapshot afterwards. Access counts are batched, with at most one flush in
// flight per user.
type Core struct {
	store  *store.Store
	userID string
	max    int
	logger logging.Logger

	flushDelay time.Duration
	done       <-chan struct{}
	wg         *sync.WaitGroup

	loadMu sync.Mutex
	loaded bool

	mu       sync.RWMutex
	facts    map[string]store.CoreFact
	pending  map[string]struct{}
	flushing bool
}

func newCore(s *store.Store, userID string, max int, flushDelay time.Duration, done <-chan struct{}, wg *sync.WaitGroup, logger logging.Logger) *Core {
	return &Core{
		store:      s,
		userID:     userID,
		max:        max,
		logger:     logger,
		flushDelay: flushDelay,
		done:       done,
		wg:         wg,
		facts:      make(map[string]store.CoreFact),
		pending:    make(map[string]struct{}),
	}
}

// ensureLoaded warms the snapshot from the store exactly once. The load lock
// is separate from the read lock so two concurrent first callers cannot
// double-load, and readers are not blocked behind the warmup query.
func (c *Core) ensureLoaded(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return nil
	}
	facts, err := c.store.LoadCoreFacts(ctx, c.userID, c.max)
	if err != nil {
		return &core.MemoryError{Tier: "core", Err: err}
	}
	c.mu.Lock()
	for _, f := range facts {
		c.facts[f.Key] = f
	}
	c.mu.Unlock()
	c.loaded = true
	return nil
}

// Add stores or updates the fact. When the tier would exceed its bound the
// lowest-scoring entry is evicted silently.
func (c *Core) Add(ctx context.Context, key, value string, importance float64, metadata map[string]any) (string, error) {
	if key == "" || value == "" {
		return "", &core.MemoryError{Tier: "core", Key: key, Err: errors.New("key and value must be non-empty")}
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return "", err
	}
	importance = clamp01(importance)

	id, err := c.store.UpsertCoreFact(ctx, store.CoreFact{
		UserID: c.userID, Key: key, Value: value,
		Importance: importance, Metadata: metadata,
	})
	if err != nil {
		return "", &core.MemoryError{Tier: "core", Key: key, Err: err}
	}

	now := time.Now()
	c.mu.Lock()
	existing, had := c.facts[key]
	f := store.CoreFact{
		ID: id, UserID: c.userID, Key: key, Value: value,
		Importance: importance, Metadata: metadata,
		CreatedAt: now, UpdatedAt: now,
	}
	if had {
		f.CreatedAt = existing.CreatedAt
		f.AccessCount = existing.AccessCount
		f.LastAccessed = existing.LastAccessed
	}
	c.facts[key] = f
	var evict string
	if !had && len(c.facts) > c.max {
		evict = c.lowestScoringLocked(now, key)
		if evict != "" {
			delete(c.facts, evict)
		}
	}
	c.mu.Unlock()

	if evict != "" {
		c.logger.Debug("evicting core fact", "user_id", c.userID, "key", evict)
		if _, err := c.store.DeleteCoreFact(ctx, c.userID, evict); err != nil {
			return "", &core.MemoryError{Tier: "core", Key: evict, Err: err}
		}
	}
	return id, nil
}

// lowestScoringLocked returns the key minimizing the composite retention
// score, never the one just written.
func (c *Core) lowestScoringLocked(now time.Time, skip string) string {
	best := ""
	bestScore := math.Inf(1)
	for k, f := range c.facts {
		if k == skip {
			continue
		}
		if s := retentionScore(f, now); s < bestScore {
			best, bestScore = k, s
		}
	}
	return best
}

// retentionScore is importance weighted by recency plus a log-damped access
// bonus. Recency decays with age so stale low-traffic facts evict first.
func retentionScore(f store.CoreFact, now time.Time) float64 {
	ref := f.UpdatedAt
	if f.LastAccessed != nil && f.LastAccessed.After(ref) {
		ref = *f.LastAccessed
	}
	ageHours := now.Sub(ref).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	recency := 1 / (1 + ageHours)
	return f.Importance*recency + math.Log1p(float64(f.AccessCount))
}

// Get returns the value for key and records the access in the pending batch.
func (c *Core) Get(ctx context.Context, key string) (string, bool, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return "", false, err
	}
	c.mu.RLock()
	f, ok := c.facts[key]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	c.noteAccess(key)
	return f.Value, true, nil
}

// List returns a snapshot of the user's facts, optionally filtered, ordered
// by retention score descending.
func (c *Core) List(ctx context.Context, filter func(store.CoreFact) bool) ([]store.CoreFact, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	now := time.Now()
	c.mu.RLock()
	out := make([]store.CoreFact, 0, len(c.facts))
	for _, f := range c.facts {
		if filter == nil || filter(f) {
			out = append(out, f)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		si, sj := retentionScore(out[i], now), retentionScore(out[j], now)
		if si != sj {
			return si > sj
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Delete removes the fact from the store and the snapshot.
func (c *Core) Delete(ctx context.Context, key string) (bool, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return false, err
	}
	ok, err := c.store.DeleteCoreFact(ctx, c.userID, key)
	if err != nil {
		return false, &core.MemoryError{Tier: "core", Key: key, Err: err}
	}
	c.mu.Lock()
	delete(c.facts, key)
	delete(c.pending, key)
	c.mu.Unlock()
	return ok, nil
}

// SearchSubstring matches query case-insensitively against keys and values
// and returns up to limit matching keys, best retention score first.
func (c *Core) SearchSubstring(ctx context.Context, query string, limit int) ([]string, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	now := time.Now()
	c.mu.RLock()
	var matched []store.CoreFact
	for _, f := range c.facts {
		if strings.Contains(strings.ToLower(f.Key), q) || strings.Contains(strings.ToLower(f.Value), q) {
			matched = append(matched, f)
		}
	}
	c.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		si, sj := retentionScore(matched[i], now), retentionScore(matched[j], now)
		if si != sj {
			return si > sj
		}
		return matched[i].Key < matched[j].Key
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	keys := make([]string, len(matched))
	for i, f := range matched {
		keys[i] = f.Key
	}
	return keys, nil
}

// Count returns the number of cached facts.
func (c *Core) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.facts)
}

// noteAccess records the read in memory and in the pending batch, starting a
// delayed flush when none is in flight.
func (c *Core) noteAccess(key string) {
	now := time.Now()
	c.mu.Lock()
	if f, ok := c.facts[key]; ok {
		f.AccessCount++
		f.LastAccessed = &now
		c.facts[key] = f
	}
	c.pending[key] = struct{}{}
	start := !c.flushing
	if start {
		c.flushing = true
	}
	c.mu.Unlock()

	if start {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			select {
			case <-c.done:
			case <-time.After(c.flushDelay):
			}
			if err := c.Flush(context.Background()); err != nil {
				c.logger.Warn("core access flush failed", "user_id", c.userID, "error", err)
			}
		}()
	}
}

// Flush writes the pending access batch in one statement. Safe to call at any
// time; the manager calls it on shutdown.
func (c *Core) Flush(ctx context.Context) error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	c.pending = make(map[string]struct{})
	c.flushing = false
	c.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	if err := c.store.BumpCoreAccess(ctx, c.userID, keys); err != nil {
		return &core.MemoryError{Tier: "core", Err: err}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
