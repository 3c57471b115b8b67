package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentplane/agentplane/errors"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a map-backed Store for tests and deployments that do
// not need the audit trail to survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Record writes one entry.
func (s *MemoryStore) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "record audit entry")
	}
	if e.MessageID == "" {
		return errors.New(errors.ErrCodeInvalidMessage, "audit entry requires a message id")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.ErrCodeClosed, "audit store closed")
	}
	s.entries[e.MessageID] = e
	return nil
}

// Get returns the entry for a message id.
func (s *MemoryStore) Get(ctx context.Context, messageID string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, errors.Wrap(err, "get audit entry")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[messageID]
	return e, ok, nil
}

// Search matches the query text against reason and sender, substring
// and case-insensitive. An empty query matches everything.
func (s *MemoryStore) Search(ctx context.Context, queryText string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "search audit entries")
	}
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(queryText)

	s.mu.RLock()
	var out []Entry
	for _, e := range s.entries {
		if q == "" ||
			strings.Contains(strings.ToLower(e.Reason), q) ||
			strings.Contains(strings.ToLower(e.SenderID), q) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeBefore removes entries older than the cutoff.
func (s *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(err, "purge audit entries")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.RecordedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
