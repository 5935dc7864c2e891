package session

import (
	"sync"
)

// offloadKey identifies one offloaded message.
type offloadKey struct {
	SessionID string
	Seq       int
}

type offloadEntry struct {
	msg      Message
	priority int
}

// Offloader is a bounded in-process cache for messages pushed out of live
// sessions. Entries live in priority buckets with LRU order inside each
// bucket; eviction always drains the lowest non-empty priority first. A
// priority update removes the key from its old bucket before re-adding, so a
// key is never present in two buckets.
type Offloader struct {
	mu       sync.Mutex
	capacity int
	buckets  map[int][]offloadKey
	entries  map[offloadKey]offloadEntry
	hits     int
	misses   int
}

// NewOffloader builds the cache with the given capacity.
func NewOffloader(capacity int) *Offloader {
	if capacity <= 0 {
		capacity = 256
	}
	return &Offloader{
		capacity: capacity,
		buckets:  make(map[int][]offloadKey),
		entries:  make(map[offloadKey]offloadEntry),
	}
}

// Put stores or re-prioritizes the message, evicting when over capacity.
func (o *Offloader) Put(key offloadKey, msg Message, priority int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if old, ok := o.entries[key]; ok {
		o.removeFromBucketLocked(old.priority, key)
	}
	o.entries[key] = offloadEntry{msg: msg, priority: priority}
	o.buckets[priority] = append(o.buckets[priority], key)

	for len(o.entries) > o.capacity {
		o.evictLocked()
	}
}

// Get removes and returns the message, counting a hit or miss.
func (o *Offloader) Get(key offloadKey) (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[key]
	if !ok {
		o.misses++
		return Message{}, false
	}
	o.hits++
	o.removeFromBucketLocked(e.priority, key)
	delete(o.entries, key)
	return e.msg, true
}

// DropSession discards every entry belonging to the session.
func (o *Offloader) DropSession(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, e := range o.entries {
		if key.SessionID == sessionID {
			o.removeFromBucketLocked(e.priority, key)
			delete(o.entries, key)
		}
	}
}

// Len returns the number of cached entries.
func (o *Offloader) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Counters returns the hit and miss counts.
func (o *Offloader) Counters() (hits, misses int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits, o.misses
}

// evictLocked removes the oldest entry of the lowest non-empty bucket.
func (o *Offloader) evictLocked() {
	lowest := 0
	found := false
	for p, keys := range o.buckets {
		if len(keys) == 0 {
			continue
		}
		if !found || p < lowest {
			lowest, found = p, true
		}
	}
	if !found {
		return
	}
	key := o.buckets[lowest][0]
	o.buckets[lowest] = o.buckets[lowest][1:]
	delete(o.entries, key)
}

func (o *Offloader) removeFromBucketLocked(priority int, key offloadKey) {
	keys := o.buckets[priority]
	for i, k := range keys {
		if k == key {
			o.buckets[priority] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}

// priorityFor ranks a message for offloading: system prompts outrank user
// turns, which outrank assistant output.
func priorityFor(m Message) int {
	switch m.Content.Role {
	case "system":
		return 2
	case "user":
		return 1
	default:
		return 0
	}
}
