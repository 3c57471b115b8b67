package registry

import (
	"encoding/json"
	"errors"
	"time"
)

// Message validation errors.
var (
	ErrMissingID          = errors.New("message has no id")
	ErrMissingSender      = errors.New("message has no sender")
	ErrInvalidMessageType = errors.New("unknown message type")
	ErrMissingCorrelation = errors.New("response requires a correlation id")
)

// MessageType classifies a message.
type MessageType string

const (
	// TypeRequest expects a correlated response.
	TypeRequest MessageType = "request"

	// TypeResponse answers a prior request; carries its correlation id.
	TypeResponse MessageType = "response"

	// TypeNotification is one-way. Correlated when it follows up on a
	// request, unsolicited otherwise.
	TypeNotification MessageType = "notification"

	// TypeBroadcast fans out to every agent matching the selector,
	// best-effort, each recipient with its own delivery state machine.
	TypeBroadcast MessageType = "broadcast"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotification, TypeBroadcast:
		return true
	default:
		return false
	}
}

// MessageStatus tracks a message through the routing state machine.
type MessageStatus string

const (
	MessageCreated      MessageStatus = "created"
	MessageRouted       MessageStatus = "routed"
	MessageDelivered    MessageStatus = "delivered"
	MessageProcessing   MessageStatus = "processing"
	MessageCompleted    MessageStatus = "completed"
	MessageFailed       MessageStatus = "failed"
	MessageDeadLettered MessageStatus = "dead_lettered"
)

// IsTerminal returns true once no further transitions are possible.
// Failed is not terminal: the retry path may pick it up again; a
// message that exhausts its retry budget becomes dead_lettered.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageCompleted || s == MessageDeadLettered
}

// Message is the unit of routing. The payload is an opaque blob; the
// control plane never interprets it.
type Message struct {
	// ID uniquely identifies the message and is the deduplication key
	// at the destination.
	ID string `json:"id"`

	// SenderID is the originating agent. Must resolve to a known (not
	// necessarily live) agent.
	SenderID string `json:"sender_id"`

	// Target is the routing selector.
	Target Selector `json:"target"`

	// Type classifies the message.
	Type MessageType `json:"type"`

	// Status is the current routing state. Written only by MessageRouter.
	Status MessageStatus `json:"status"`

	// CorrelationID links a response back to its request.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload is the opaque content.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Attempt counts delivery attempts. Never exceeds the configured
	// retry ceiling; beyond it the message is dead-lettered.
	Attempt int `json:"attempt"`

	// CreatedAt is when the sender submitted the message.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks structural well-formedness. Sender existence is
// checked by the router against the registry.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.SenderID == "" {
		return ErrMissingSender
	}
	if !m.Type.Valid() {
		return ErrInvalidMessageType
	}
	if m.Type == TypeResponse && m.CorrelationID == "" {
		return ErrMissingCorrelation
	}
	return m.Target.Validate()
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	if m.Payload != nil {
		out.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.Target.Capabilities != nil {
		out.Target.Capabilities = append([]string(nil), m.Target.Capabilities...)
	}
	return &out
}

// Marshal serializes the message to JSON for the wire.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage deserializes a message from JSON.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
