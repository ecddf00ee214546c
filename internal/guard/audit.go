package guard

import (
	"sync"
	"time"
)

// DefaultAuditCapacity bounds the audit ring when config does not say.
const DefaultAuditCapacity = 500

// AuditEntry records one command validation attempt, allowed or not.
type AuditEntry struct {
	Time     time.Time `json:"time"`
	Command  string    `json:"command"`
	Args     []string  `json:"args,omitempty"`
	CWD      string    `json:"cwd,omitempty"`
	Origin   string    `json:"origin"`
	Allowed  bool      `json:"allowed"`
	Reason   string    `json:"reason,omitempty"`
	CacheHit bool      `json:"cache_hit,omitempty"`
	Context  string    `json:"context,omitempty"`
}

// AuditLog is a fixed-capacity ring of recent validation attempts. Once
// full, each append drops the oldest entry. It is process-local state; the
// durable record of what ran lives with the jobs, not here.
type AuditLog struct {
	mu   sync.Mutex
	buf  []AuditEntry
	next int
	full bool
}

// NewAuditLog creates a ring with the given capacity, or
// DefaultAuditCapacity when capacity is not positive.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditLog{buf: make([]AuditEntry, capacity)}
}

// Append records an entry, evicting the oldest once the ring is full.
func (l *AuditLog) Append(e AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = e
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// Entries returns a copy of the log, oldest first.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]AuditEntry, l.next)
		copy(out, l.buf[:l.next])
		return out
	}
	out := make([]AuditEntry, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}

// Len returns the number of entries currently retained.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Reset discards all entries.
func (l *AuditLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next = 0
	l.full = false
}
