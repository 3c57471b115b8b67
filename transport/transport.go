// Package transport moves routed messages to their destination node
// and carries completion reports back. The router only sees the
// Deliverer and CompletionSource interfaces; an in-memory
// implementation serves single-process deployments and tests, and a
// bus-backed one serves real clusters.
package transport

import (
	"encoding/json"
	"time"

	"github.com/agentplane/agentplane/errors"
	"github.com/agentplane/agentplane/registry"
)

// Bus subjects used by the bus transport.
const (
	// NodeSubjectPrefix + nodeID carries envelopes to one node.
	NodeSubjectPrefix = "agentplane.node."

	// CompletionSubject carries completion reports back to the router.
	CompletionSubject = "agentplane.completion"
)

// NodeSubject returns the delivery subject for a node.
func NodeSubject(nodeID string) string {
	return NodeSubjectPrefix + nodeID
}

// Outcome is the result an agent reports for a message. Processing is
// a progress report; completed and failed are terminal.
type Outcome string

const (
	OutcomeProcessing Outcome = "processing"
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
)

// Completion is an agent's report about a message it received: that
// work has begun, or how it ended. Failed completions carry the
// structured error so the router can decide whether to retry.
type Completion struct {
	MessageID string          `json:"message_id"`
	AgentID   string          `json:"agent_id"`
	Outcome   Outcome         `json:"outcome"`
	Error     *errors.Error   `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate checks the report is well formed.
func (c *Completion) Validate() error {
	if c.MessageID == "" || c.AgentID == "" {
		return errors.New(errors.ErrCodeInvalidMessage, "completion requires message and agent ids")
	}
	switch c.Outcome {
	case OutcomeProcessing, OutcomeCompleted, OutcomeFailed:
		return nil
	default:
		return errors.New(errors.ErrCodeInvalidMessage, "unknown completion outcome")
	}
}

// Marshal serializes a completion for the bus.
func (c *Completion) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCompletion deserializes a completion.
func UnmarshalCompletion(data []byte) (*Completion, error) {
	var c Completion
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Envelope is what travels on a node subject: the message plus the
// agent it was routed to.
type Envelope struct {
	AgentID string            `json:"agent_id"`
	Message *registry.Message `json:"message"`
}

// Marshal serializes an envelope for the bus.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope deserializes an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Message == nil {
		return nil, errors.New(errors.ErrCodeInvalidMessage, "envelope has no message")
	}
	return &e, nil
}
