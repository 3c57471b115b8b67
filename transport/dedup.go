package transport

import (
	"sync"
	"time"
)

// seenTTL bounds the dedup window. Retries arrive within the router's
// backoff horizon, which is far shorter than this.
const seenTTL = 10 * time.Minute

// completedSet remembers the completion published for each finished
// message id. Redelivery of a finished id must republish the original
// report instead of re-running the handler; an id whose last report was
// a failure is deliberately NOT remembered, so the router's retry of it
// reaches the handler again.
type completedSet struct {
	mu   sync.Mutex
	done map[string]completedEntry
}

type completedEntry struct {
	comp *Completion
	at   time.Time
}

func newCompletedSet() *completedSet {
	return &completedSet{done: make(map[string]completedEntry)}
}

// lookup returns the stored completion for a finished message id, or
// nil if the id is unknown or its entry expired.
func (s *completedSet) lookup(messageID string) *Completion {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.done[messageID]
	if !ok || time.Since(e.at) >= seenTTL {
		return nil
	}
	return e.comp
}

// record stores a terminal successful completion.
func (s *completedSet) record(comp *Completion) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done[comp.MessageID] = completedEntry{comp: comp, at: now}

	// Occasional sweep of expired entries.
	if len(s.done) > 4096 {
		for id, e := range s.done {
			if now.Sub(e.at) >= seenTTL {
				delete(s.done, id)
			}
		}
	}
}
