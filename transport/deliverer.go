package transport

import (
	"context"

	"github.com/agentplane/agentplane/registry"
)

// Deliverer hands a routed message to its destination node. Delivery
// is acknowledgment of receipt, not of processing; processing results
// arrive later as Completions.
type Deliverer interface {
	// Deliver sends one message to the agent's hosting node. A nil
	// error means the node accepted the message.
	Deliver(ctx context.Context, agent registry.Agent, msg *registry.Message) error

	// Close releases transport resources.
	Close() error
}

// CompletionSource streams completion reports from agents back to the
// router.
type CompletionSource interface {
	// Completions returns the report channel. Closed when the source
	// shuts down.
	Completions() <-chan *Completion

	// Close stops the stream.
	Close() error
}

// Handler processes one delivered message on the node side. The
// returned completion is reported back to the router; a nil error with
// a nil completion reports plain success.
type Handler func(ctx context.Context, agentID string, msg *registry.Message) (*Completion, error)
