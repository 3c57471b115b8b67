package errors

// ErrorCategory classifies errors by their retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates failures where a retry may succeed.
	// Examples: delivery timeouts, a momentarily empty candidate set.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed messages, unknown nodes, illegal transitions.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates bugs or corrupted control-plane state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies a specific failure kind within the control plane.
type ErrorCode string

const (
	// Transient errors. The router retries these up to the attempt ceiling.

	// ErrCodeTimeout means a deadline expired before the call finished.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeDeliveryFailed means the transport could not hand the
	// message to the destination node.
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"
	// ErrCodeNoCandidate means no live agent matched the selector.
	// Candidates may reappear, so this is retryable.
	ErrCodeNoCandidate ErrorCode = "NO_CANDIDATE"

	// Structural errors. Never retried, surfaced to the caller immediately.

	// ErrCodeUnknownNode means the referenced node is not currently alive.
	ErrCodeUnknownNode ErrorCode = "UNKNOWN_NODE"
	// ErrCodeNotFound means the node, agent, or message does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeInvalidTransition means the requested status change is not
	// permitted by the agent state machine.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	// ErrCodeInvalidMessage means the message failed validation before
	// any routing state was created.
	ErrCodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	// ErrCodeDeadLettered means the message exhausted its retry budget
	// and is terminal.
	ErrCodeDeadLettered ErrorCode = "DEAD_LETTERED"
	// ErrCodeCanceled means the caller canceled the operation.
	ErrCodeCanceled ErrorCode = "CANCELED"
	// ErrCodeClosed means the component has been shut down.
	ErrCodeClosed ErrorCode = "CLOSED"

	// ErrCodeInternal is an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeDeliveryFailed, ErrCodeNoCandidate:
		return CategoryTransient
	case ErrCodeUnknownNode, ErrCodeNotFound, ErrCodeInvalidTransition,
		ErrCodeInvalidMessage, ErrCodeDeadLettered, ErrCodeCanceled, ErrCodeClosed:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is retryable by default.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:           "operation timed out",
	ErrCodeDeliveryFailed:    "message delivery failed",
	ErrCodeNoCandidate:       "no routable agent matched the selector",
	ErrCodeUnknownNode:       "node is not registered or not alive",
	ErrCodeNotFound:          "resource not found",
	ErrCodeInvalidTransition: "status transition not permitted",
	ErrCodeInvalidMessage:    "message failed validation",
	ErrCodeDeadLettered:      "message exhausted retries",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeClosed:            "component closed",
	ErrCodeInternal:          "internal error",
}

// Description returns a human-readable description of the code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
