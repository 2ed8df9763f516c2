// Package storage holds the in-memory decision journal: a bounded,
// thread-safe record of recent route decisions kept for operator inspection.
// The journal is a diagnostic surface, not a system of record; decisions are
// evicted oldest-first once capacity is reached.
package storage

import (
	"sync"
	"time"

	"github.com/routisai/routis-oss/pkg/domain"
)

// JournalEntry is one recorded decision with its arrival metadata.
type JournalEntry struct {
	Sequence   uint64               `json:"sequence"`
	RecordedAt time.Time            `json:"recorded_at"`
	Decision   domain.RouteDecision `json:"decision"`
}

// DecisionJournal is a fixed-capacity circular buffer of route decisions.
// Writes never block and never fail; the oldest entry is evicted when full.
type DecisionJournal struct {
	mu       sync.RWMutex
	entries  []*JournalEntry
	head     int
	tail     int
	size     int
	capacity int
	sequence uint64
	now      func() time.Time
}

// NewDecisionJournal creates a journal holding up to capacity decisions.
func NewDecisionJournal(capacity int) *DecisionJournal {
	if capacity <= 0 {
		capacity = 256
	}
	return &DecisionJournal{
		entries:  make([]*JournalEntry, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Record appends a decision, evicting the oldest entry when the journal is
// full. It reports whether an eviction occurred.
func (j *DecisionJournal) Record(decision domain.RouteDecision) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.sequence++
	j.entries[j.tail] = &JournalEntry{
		Sequence:   j.sequence,
		RecordedAt: j.now(),
		Decision:   decision,
	}
	j.tail = (j.tail + 1) % j.capacity

	if j.size < j.capacity {
		j.size++
		return false
	}
	j.head = (j.head + 1) % j.capacity
	return true
}

// Recent returns up to n decisions, newest first. n <= 0 returns everything.
func (j *DecisionJournal) Recent(n int) []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n <= 0 || n > j.size {
		n = j.size
	}

	out := make([]JournalEntry, 0, n)
	for i := 0; i < n; i++ {
		idx := (j.tail - 1 - i + j.capacity) % j.capacity
		out = append(out, *j.entries[idx])
	}
	return out
}

// ByID returns the journal entry for a decision ID.
func (j *DecisionJournal) ByID(id string) (JournalEntry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for i := 0; i < j.size; i++ {
		idx := (j.head + i) % j.capacity
		if j.entries[idx].Decision.ID == id {
			return *j.entries[idx], true
		}
	}
	return JournalEntry{}, false
}

// Len returns the number of recorded decisions currently held.
func (j *DecisionJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.size
}

// Cap returns the journal's capacity.
func (j *DecisionJournal) Cap() int {
	return j.capacity
}

// Clear drops all recorded decisions. Sequence numbers keep advancing so
// readers can detect the gap.
func (j *DecisionJournal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range j.entries {
		j.entries[i] = nil
	}
	j.head, j.tail, j.size = 0, 0, 0
}
