package dedup

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// Deduplicator is a bounded idempotency guard shared by the webhook delivery
// and poll delivery paths of one adapter instance. Capacity pressure evicts
// the oldest-admitted identifiers first, so the at-most-once window is
// bounded and predictable even under bursty load.
type Deduplicator struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration

	seen  map[string]time.Time
	queue []entry

	journalPath string
	now         func() time.Time
}

type entry struct {
	ID         string    `json:"id"`
	AdmittedAt time.Time `json:"admitted_at"`
}

type journal struct {
	Entries []entry `json:"entries"`
}

// New creates a deduplicator with the given capacity and entry TTL.
// journalPath is optional; when set, admitted identifiers survive restarts.
func New(capacity int, ttl time.Duration, journalPath string) (*Deduplicator, error) {
	d := &Deduplicator{
		capacity:    capacity,
		ttl:         ttl,
		seen:        make(map[string]time.Time),
		journalPath: journalPath,
		now:         time.Now,
	}
	if journalPath != "" {
		if err := d.load(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Admit reports whether eventID is novel. The first call for an identifier
// returns true and records it; every later call returns false until the
// identifier is evicted by capacity pressure or TTL expiry.
func (d *Deduplicator) Admit(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.seen[eventID]; exists {
		return false
	}

	now := d.now()
	d.seen[eventID] = now
	d.queue = append(d.queue, entry{ID: eventID, AdmittedAt: now})

	for d.capacity > 0 && len(d.seen) > d.capacity {
		d.evictOldestLocked()
	}

	return true
}

// evictOldestLocked pops the queue head, skipping stale queue entries whose
// identifier was already trimmed and re-admitted.
func (d *Deduplicator) evictOldestLocked() {
	for len(d.queue) > 0 {
		head := d.queue[0]
		d.queue = d.queue[1:]
		if at, ok := d.seen[head.ID]; ok && at.Equal(head.AdmittedAt) {
			delete(d.seen, head.ID)
			return
		}
	}
}

// Trim drops entries older than the TTL. Returns the number removed.
func (d *Deduplicator) Trim() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ttl <= 0 {
		return 0
	}

	cutoff := d.now().Add(-d.ttl)
	removed := 0
	for len(d.queue) > 0 {
		head := d.queue[0]
		if head.AdmittedAt.After(cutoff) {
			break
		}
		d.queue = d.queue[1:]
		if at, ok := d.seen[head.ID]; ok && at.Equal(head.AdmittedAt) {
			delete(d.seen, head.ID)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Save persists the admitted set to the journal, oldest first.
func (d *Deduplicator) Save() error {
	if d.journalPath == "" {
		return nil
	}

	d.mu.Lock()
	entries := make([]entry, 0, len(d.seen))
	for _, e := range d.queue {
		if at, ok := d.seen[e.ID]; ok && at.Equal(e.AdmittedAt) {
			entries = append(entries, e)
		}
	}
	d.mu.Unlock()

	data, err := json.MarshalIndent(journal{Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(d.journalPath, bytes.NewReader(data))
}

func (d *Deduplicator) load() error {
	data, err := os.ReadFile(d.journalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var j journal
	if err := json.Unmarshal(data, &j); err != nil {
		slog.Warn("Dedup journal corrupt, starting empty", "path", d.journalPath, "error", err)
		return nil
	}

	sort.Slice(j.Entries, func(a, b int) bool {
		return j.Entries[a].AdmittedAt.Before(j.Entries[b].AdmittedAt)
	})

	for _, e := range j.Entries {
		if _, exists := d.seen[e.ID]; exists {
			continue
		}
		d.seen[e.ID] = e.AdmittedAt
		d.queue = append(d.queue, e)
	}

	for d.capacity > 0 && len(d.seen) > d.capacity {
		d.evictOldestLocked()
	}
	return nil
}
