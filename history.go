package relay

import (
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

const (
	// DefaultHistoryLimit caps per-channel retained messages.
	DefaultHistoryLimit = 1000
	// DefaultHistoryTTL drops entries older than this at write time.
	DefaultHistoryTTL = 24 * time.Hour
)

// historyStore keeps a bounded, TTL'd recent-message buffer per channel so a
// late subscriber can backfill without the publisher replaying anything.
// Both bounds are enforced at write time, not read time.
type historyStore struct {
	mu    sync.Mutex
	clock xclock.Clock
	limit int
	ttl   time.Duration

	// oldest-first per channel; reads reverse into newest-first
	channels map[string][]*Message
}

func newHistoryStore(clock xclock.Clock, limit int, ttl time.Duration) *historyStore {
	if limit < 1 {
		limit = DefaultHistoryLimit
	}
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	return &historyStore{
		clock:    clock,
		limit:    limit,
		ttl:      ttl,
		channels: make(map[string][]*Message),
	}
}

func (s *historyStore) append(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.channels[msg.Channel], msg)

	// TTL prune: entries are oldest-first, so stop at the first fresh one.
	cutoff := s.clock.Now().Add(-s.ttl)
	expired := 0
	for expired < len(entries) && entries[expired].Timestamp.Before(cutoff) {
		expired++
	}
	if expired > 0 {
		entries = entries[expired:]
	}
	if len(entries) > s.limit {
		entries = entries[len(entries)-s.limit:]
	}
	s.channels[msg.Channel] = entries
}

// recent returns up to limit messages, newest first. Unknown channels yield
// an empty slice, never an error.
func (s *historyStore) recent(channel string, limit int) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.channels[channel]
	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Message, 0, n)
	for i := len(entries) - 1; i >= len(entries)-n; i-- {
		out = append(out, entries[i])
	}
	return out
}
