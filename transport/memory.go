package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentplane/agentplane/errors"
	"github.com/agentplane/agentplane/registry"
)

// MemoryTransport is an in-process Deliverer and CompletionSource for
// single-binary deployments and tests. Node handlers run synchronously
// inside Deliver; their completions surface on the Completions channel.
type MemoryTransport struct {
	mu       sync.RWMutex
	handlers map[string]Handler // node id -> handler

	done        *completedSet
	completions chan *Completion
	closed      atomic.Bool
}

// NewMemoryTransport creates an in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		handlers:    make(map[string]Handler),
		done:        newCompletedSet(),
		completions: make(chan *Completion, 256),
	}
}

// RegisterNode installs the handler that receives deliveries for a
// node. Replacing an existing handler is allowed (a node restart).
func (t *MemoryTransport) RegisterNode(nodeID string, h Handler) {
	t.mu.Lock()
	t.handlers[nodeID] = h
	t.mu.Unlock()
}

// UnregisterNode removes a node's handler. Subsequent deliveries to it
// fail as DELIVERY_FAILED.
func (t *MemoryTransport) UnregisterNode(nodeID string) {
	t.mu.Lock()
	delete(t.handlers, nodeID)
	t.mu.Unlock()
}

// Deliver invokes the destination node's handler.
func (t *MemoryTransport) Deliver(ctx context.Context, agent registry.Agent, msg *registry.Message) error {
	if t.closed.Load() {
		return errors.New(errors.ErrCodeClosed, "transport closed")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "deliver", errors.WithMessageID(msg.ID))
	}

	t.mu.RLock()
	h, ok := t.handlers[agent.NodeID]
	t.mu.RUnlock()
	if !ok {
		return errors.New(errors.ErrCodeDeliveryFailed, "no handler for node",
			errors.WithNodeID(agent.NodeID), errors.WithMessageID(msg.ID))
	}

	// Same dedup rule as the bus listener: a finished id republishes
	// its original report instead of re-running the handler.
	if prior := t.done.lookup(msg.ID); prior != nil {
		t.report(prior)
		return nil
	}

	t.report(&Completion{
		MessageID: msg.ID,
		AgentID:   agent.ID,
		Outcome:   OutcomeProcessing,
	})

	comp, err := h(ctx, agent.ID, msg.Clone())
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeDeliveryFailed, "handler rejected message",
			errors.WithNodeID(agent.NodeID), errors.WithMessageID(msg.ID))
	}
	if comp != nil {
		t.report(comp)
	}
	return nil
}

// Report queues a completion as if an agent had sent one. Used by node
// handlers that finish work asynchronously.
func (t *MemoryTransport) Report(comp *Completion) error {
	if err := comp.Validate(); err != nil {
		return err
	}
	if t.closed.Load() {
		return errors.New(errors.ErrCodeClosed, "transport closed")
	}
	t.report(comp)
	return nil
}

func (t *MemoryTransport) report(comp *Completion) {
	if comp.Timestamp.IsZero() {
		comp.Timestamp = time.Now()
	}
	if comp.Outcome == OutcomeCompleted {
		t.done.record(comp)
	}
	select {
	case t.completions <- comp:
	default:
		// Channel full. The router's retry path covers the loss.
	}
}

// Completions returns the completion stream.
func (t *MemoryTransport) Completions() <-chan *Completion {
	return t.completions
}

// Close shuts the transport down.
func (t *MemoryTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.completions)
	return nil
}
