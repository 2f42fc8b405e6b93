package wecom

import (
	"sync"
	"time"
)

// DedupTTL is how long a delivered message id suppresses retried deliveries.
const DedupTTL = 60 * time.Second

// Deduplicator is a time-bounded seen-set over message ids, shared by every
// concurrent request of one gateway instance.
type Deduplicator struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduplicator builds a deduplicator with the platform retry-window TTL.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		ttl:  DedupTTL,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// MarkIfNew records messageID and returns true unless an unexpired record for
// it already exists. An id reappearing after the TTL counts as new again.
func (d *Deduplicator) MarkIfNew(messageID string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Sweep inline instead of running a timer per entry; the set stays tiny
	// because records live for one retry window.
	for id, expiresAt := range d.seen {
		if !expiresAt.After(now) {
			delete(d.seen, id)
		}
	}

	if expiresAt, ok := d.seen[messageID]; ok && expiresAt.After(now) {
		return false
	}

	d.seen[messageID] = now.Add(d.ttl)
	return true
}

// Len reports the number of unexpired records, for status reporting.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	count := 0
	now := d.now()
	for _, expiresAt := range d.seen {
		if expiresAt.After(now) {
			count++
		}
	}

	return count
}
