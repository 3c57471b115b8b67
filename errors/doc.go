// Package errors provides the structured error taxonomy for the
// agentplane control plane. Every failure a caller can observe carries
// a code and a category, so the message router can decide between
// retrying and surfacing without string matching.
//
// # Error Categories
//
// Errors are classified into three categories:
//
//   - Transient: retry may succeed (delivery failures, empty candidate sets, timeouts)
//   - Permanent: retry will not help (invalid messages, unknown nodes, illegal transitions)
//   - Internal: unexpected errors indicating bugs
//
// # Error Codes
//
// The codes correspond to the control plane's failure kinds:
//
//   - TIMEOUT: deadline expired
//   - DELIVERY_FAILED: transport could not reach the destination node
//   - NO_CANDIDATE: no live agent matched the selector
//   - UNKNOWN_NODE: node not registered or not alive
//   - NOT_FOUND: node/agent/message does not exist
//   - INVALID_TRANSITION: status change rejected by the state machine
//   - INVALID_MESSAGE: message failed validation
//   - DEAD_LETTERED: message exhausted its retry budget
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.ErrCodeNoCandidate, "no agent for capability",
//	    errors.WithMessageID(msg.ID))
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "routing message")
//
// Decide whether to retry:
//
//	if errors.IsRetryable(err) {
//	    // schedule another attempt
//	}
//
// # JSON Serialization
//
// Errors serialize to JSON so completion reports can carry them across
// the bus and reconstruct them on the control-plane side.
package errors
