// Package ratelimit enforces the process-wide and per-channel message rates.
// Both limits are token buckets on the monotonic clock; the per-channel
// buckets live in a TTL-bounded map so idle channels age out. Waiting happens
// inside rate.Limiter, which sleeps without holding any lock of this package.
package ratelimit

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/mnemobot/mnemo/logging"
)

// Limiter combines the global bucket with one bucket per channel. Acquire
// consumes a token from both.
type Limiter struct {
	global     *rate.Limiter
	globalRate rate.Limit
	perChannel rate.Limit

	mu       sync.Mutex
	channels *gocache.Cache

	logger logging.Logger
}

// Options configure the limiter.
type Options struct {
	// Global is the process-wide rate in events per second; burst equals it.
	Global float64
	// PerChannel is the per-channel rate in events per second; burst equals it.
	PerChannel float64
	// ChannelTTL evicts idle channel buckets.
	ChannelTTL time.Duration
	Logger     logging.Logger
}

// New builds the limiter.
func New(optFns ...func(o *Options)) *Limiter {
	opts := Options{
		Global:     50,
		PerChannel: 5,
		ChannelTTL: 10 * time.Minute,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Limiter{
		global:     rate.NewLimiter(rate.Limit(opts.Global), burst(opts.Global)),
		globalRate: rate.Limit(opts.Global),
		perChannel: rate.Limit(opts.PerChannel),
		channels:   gocache.New(opts.ChannelTTL, opts.ChannelTTL),
		logger:     opts.Logger,
	}
}

func burst(r float64) int {
	b := int(r)
	if b < 1 {
		b = 1
	}
	return b
}

// channel returns the bucket for id, creating it on first use. The map lock
// covers only the lookup, never a wait.
func (l *Limiter) channel(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.channels.Get(id); ok {
		lim := v.(*rate.Limiter)
		l.channels.SetDefault(id, lim) // refresh TTL
		return lim
	}
	lim := rate.NewLimiter(l.perChannel, burst(float64(l.perChannel)))
	l.channels.SetDefault(id, lim)
	return lim
}

// Acquire consumes one token from the global and the channel bucket, blocking
// until both are available or ctx is done. Waits are sequential: the channel
// bucket (the tighter limit) first, then the global one.
func (l *Limiter) Acquire(ctx context.Context, channelID string) error {
	ch := l.channel(channelID)
	if err := ch.Wait(ctx); err != nil {
		return err
	}
	return l.global.Wait(ctx)
}

// Allow reports whether one event may proceed right now without waiting,
// consuming tokens when it may. Reservations are cancelled on refusal so a
// half-granted token is returned to its bucket.
func (l *Limiter) Allow(channelID string) bool {
	now := time.Now()
	ch := l.channel(channelID)
	rc := ch.ReserveN(now, 1)
	if !rc.OK() || rc.DelayFrom(now) > 0 {
		rc.CancelAt(now)
		return false
	}
	rg := l.global.ReserveN(now, 1)
	if !rg.OK() || rg.DelayFrom(now) > 0 {
		rg.CancelAt(now)
		rc.CancelAt(now)
		return false
	}
	return true
}

// Snapshot is an approximate view of the limiter for diagnostics. Token
// counts are read without synchronizing with in-flight waits.
type Snapshot struct {
	GlobalTokens float64
	Channels     int
}

// Stats returns the approximate diagnostic snapshot.
func (l *Limiter) Stats() Snapshot {
	l.mu.Lock()
	n := l.channels.ItemCount()
	l.mu.Unlock()
	return Snapshot{
		GlobalTokens: l.global.Tokens(),
		Channels:     n,
	}
}

// Reset discards every channel bucket and refills the global one.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels.Flush()
	l.global = rate.NewLimiter(l.globalRate, burst(float64(l.globalRate)))
}
