package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mnemobot/mnemo/embedding"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/store"
)

// UserMemory bundles one user's three tiers. The write mutex linearizes
// memory writes per user; it is separate from any session lock and is never
// held across calls into this bundle.
type UserMemory struct {
	Core     *Core
	Recall   *Recall
	Archival *Archival

	writeMu sync.Mutex
}

// LockWrites acquires the user's memory write lock.
func (u *UserMemory) LockWrites() { u.writeMu.Lock() }

// UnlockWrites releases it.
func (u *UserMemory) UnlockWrites() { u.writeMu.Unlock() }

// Manager hands out per-user memory bundles and owns their shared lifecycle:
// the access-count flushers and the optional background curator all stop when
// the manager closes.
type Manager struct {
	store    *store.Store
	embedder embedding.Embedder
	opts     Options
	logger   logging.Logger

	mu    sync.Mutex
	users map[string]*UserMemory

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Options configure the manager.
type Options struct {
	// CoreMax bounds the core tier per user.
	CoreMax int
	// FlushDelay is how long access batches accumulate before flushing.
	FlushDelay time.Duration
	// CuratorEnabled turns on the background promotion task.
	CuratorEnabled bool
	// CuratorMinImportance and CuratorMinAccess gate promotion of recall
	// items into the core tier.
	CuratorMinImportance float64
	CuratorMinAccess     int
	// CuratorInterval is the sweep period.
	CuratorInterval time.Duration
	Logger          logging.Logger
}

// NewManager builds the manager and starts the curator when enabled.
func NewManager(s *store.Store, e embedding.Embedder, optFns ...func(o *Options)) *Manager {
	opts := Options{
		CoreMax:              100,
		FlushDelay:           2 * time.Second,
		CuratorMinImportance: 0.8,
		CuratorMinAccess:     3,
		CuratorInterval:      10 * time.Minute,
		Logger:               logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	m := &Manager{
		store:    s,
		embedder: e,
		opts:     opts,
		logger:   opts.Logger,
		users:    make(map[string]*UserMemory),
		done:     make(chan struct{}),
	}
	if opts.CuratorEnabled {
		m.wg.Add(1)
		go m.curatorLoop()
	}
	return m
}

// ForUser returns the user's bundle, creating it on first use.
func (m *Manager) ForUser(userID string) *UserMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u
	}
	u := &UserMemory{
		Core:     newCore(m.store, userID, m.opts.CoreMax, m.opts.FlushDelay, m.done, &m.wg, m.logger),
		Recall:   &Recall{store: m.store, embedder: m.embedder, userID: userID, logger: m.logger, wg: &m.wg},
		Archival: &Archival{store: m.store, userID: userID},
	}
	m.users[userID] = u
	return u
}

// Close stops background tasks and flushes every pending access batch.
// Idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.mu.Lock()
		users := make([]*UserMemory, 0, len(m.users))
		for _, u := range m.users {
			users = append(users, u)
		}
		m.mu.Unlock()
		for _, u := range users {
			if ferr := u.Core.Flush(ctx); ferr != nil && err == nil {
				err = ferr
			}
		}
	})
	return err
}

// curatorLoop periodically promotes heavily used, important recall items into
// the core tier under a derived key.
func (m *Manager) curatorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.CuratorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.curateOnce(context.Background())
		}
	}
}

// curateOnce sweeps the bundles created so far. Promotion is idempotent: the
// derived key upserts, so an already promoted item just refreshes.
func (m *Manager) curateOnce(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, userID := range ids {
		items, err := m.store.CuratorCandidates(ctx, userID, m.opts.CuratorMinImportance, m.opts.CuratorMinAccess, 10)
		if err != nil {
			m.logger.Warn("curator sweep failed", "user_id", userID, "error", err)
			continue
		}
		if len(items) == 0 {
			continue
		}
		u := m.ForUser(userID)
		u.LockWrites()
		for _, it := range items {
			key := curatedKey(it.ID)
			if _, err := u.Core.Add(ctx, key, it.Content, it.Importance, map[string]any{
				"promoted_from": "recall",
				"recall_id":     it.ID,
			}); err != nil {
				m.logger.Warn("curator promotion failed", "user_id", userID, "recall_id", it.ID, "error", err)
			}
		}
		u.UnlockWrites()
		m.logger.Info("curator promoted recall items", "user_id", userID, "count", len(items))
	}
}

func curatedKey(recallID string) string {
	if len(recallID) > 8 {
		recallID = recallID[:8]
	}
	return fmt.Sprintf("recall_%s", recallID)
}
