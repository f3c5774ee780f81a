// Copyright 2024-2026 Aiku AI

package gateway

import (
	"sync"
	"time"
)

const (
	dedupCapacity = 2048
	dedupTTL      = 30 * time.Minute
)

// DedupGuard remembers processed event IDs so an inbound message is
// forwarded at most once. Presence alone decides duplicate status; the TTL
// only drives the lazy eviction sweep that bounds memory, triggered when
// the record set grows past its capacity.
type DedupGuard struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

func NewDedupGuard() *DedupGuard {
	return &DedupGuard{
		seen:     make(map[string]time.Time),
		capacity: dedupCapacity,
		ttl:      dedupTTL,
		now:      time.Now,
	}
}

// IsDuplicate reports whether the event ID has already been marked
// processed.
func (d *DedupGuard) IsDuplicate(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepLocked()
	_, ok := d.seen[eventID]
	return ok
}

// MarkProcessed records the event ID. Called before the delivery attempt so
// a retry mid-delivery cannot cause a duplicate forward; the trade-off is
// that a failed delivery is dropped rather than re-forwarded.
func (d *DedupGuard) MarkProcessed(eventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepLocked()
	d.seen[eventID] = d.now()
}

func (d *DedupGuard) sweepLocked() {
	if len(d.seen) <= d.capacity {
		return
	}
	cutoff := d.now().Add(-d.ttl)
	for id, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, id)
		}
	}
}
