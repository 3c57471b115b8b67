package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// ControlError is the interface for all structured errors in the
// control plane. It extends the standard error interface with the
// context the router needs for retry decisions.
type ControlError interface {
	error

	// Code returns the specific error code identifying the failure kind.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of ControlError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	retryable *bool // nil means use the category default
	timestamp time.Time
	nodeID    string
	agentID   string
	messageID string
}

// Ensure Error implements ControlError and json.Marshaler/Unmarshaler.
var (
	_ ControlError     = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// NodeID returns the related node id, if set.
func (e *Error) NodeID() string {
	return e.nodeID
}

// AgentID returns the related agent id, if set.
func (e *Error) AgentID() string {
	return e.agentID
}

// MessageID returns the related message id, if set.
func (e *Error) MessageID() string {
	return e.messageID
}

// errorJSON is the JSON representation of an Error, used when an error
// travels over the bus in a completion report.
type errorJSON struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Cause     string        `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Timestamp string        `json:"timestamp,omitempty"`
	NodeID    string        `json:"node_id,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Retryable: e.Retryable(),
		NodeID:    e.nodeID,
		AgentID:   e.agentID,
		MessageID: e.messageID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.nodeID = j.NodeID
	e.agentID = j.AgentID
	e.messageID = j.MessageID
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithNodeID sets the related node id.
func WithNodeID(id string) Option {
	return func(e *Error) {
		e.nodeID = id
	}
}

// WithAgentID sets the related agent id.
func WithAgentID(id string) Option {
	return func(e *Error) {
		e.agentID = id
	}
}

// WithMessageID sets the related message id.
func WithMessageID(id string) Option {
	return func(e *Error) {
		e.messageID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}
