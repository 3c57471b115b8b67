// Package audit records terminal message outcomes. Dead-lettered
// messages land here with the error that exhausted them, so operators
// can search for what went wrong after the fact.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentplane/agentplane/registry"
)

// Entry is one terminal outcome: a message that completed or was
// dead-lettered, with enough context to reconstruct what happened.
type Entry struct {
	// MessageID is the recorded message's id.
	MessageID string `json:"message_id"`

	// SenderID is the originating agent.
	SenderID string `json:"sender_id"`

	// AgentID is the destination agent of the final attempt, if any.
	AgentID string `json:"agent_id,omitempty"`

	// Status is the terminal status (completed or dead_lettered).
	Status registry.MessageStatus `json:"status"`

	// Reason describes why the message ended up here. For dead letters
	// this is the final delivery error.
	Reason string `json:"reason,omitempty"`

	// Attempts is how many deliveries were tried.
	Attempts int `json:"attempts"`

	// CorrelationID links the entry to its conversation.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload preserves the message content.
	Payload json.RawMessage `json:"payload,omitempty"`

	// RecordedAt is when the entry was written.
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists audit entries.
type Store interface {
	// Record writes one entry. Re-recording a message id overwrites.
	Record(ctx context.Context, e Entry) error

	// Get returns the entry for a message id, or false.
	Get(ctx context.Context, messageID string) (Entry, bool, error)

	// Search returns entries whose reason or sender matches the query
	// text, newest first, at most limit.
	Search(ctx context.Context, queryText string, limit int) ([]Entry, error)

	// PurgeBefore removes entries recorded before the cutoff and
	// returns how many were removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases store resources.
	Close() error
}
