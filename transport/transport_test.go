package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentplane/agentplane/bus"
	"github.com/agentplane/agentplane/errors"
	"github.com/agentplane/agentplane/registry"
)

func testMessage(id string) *registry.Message {
	return &registry.Message{
		ID:       id,
		SenderID: "sender",
		Target:   registry.Selector{AgentID: "a1"},
		Type:     registry.TypeNotification,
		Status:   registry.MessageRouted,
	}
}

func testAgent() registry.Agent {
	return registry.Agent{ID: "a1", NodeID: "n1", Status: registry.StatusIdle}
}

// nextTerminal drains progress reports and returns the first completed
// or failed report.
func nextTerminal(t *testing.T, ch <-chan *Completion) *Completion {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case comp := <-ch:
			if comp.Outcome != OutcomeProcessing {
				return comp
			}
		case <-deadline:
			t.Fatal("no terminal completion arrived")
		}
	}
}

// --- Unit Tests ---

func TestCompletionValidate(t *testing.T) {
	tests := []struct {
		name string
		comp Completion
		ok   bool
	}{
		{"completed", Completion{MessageID: "m1", AgentID: "a1", Outcome: OutcomeCompleted}, true},
		{"failed", Completion{MessageID: "m1", AgentID: "a1", Outcome: OutcomeFailed}, true},
		{"processing", Completion{MessageID: "m1", AgentID: "a1", Outcome: OutcomeProcessing}, true},
		{"no message id", Completion{AgentID: "a1", Outcome: OutcomeCompleted}, false},
		{"no agent id", Completion{MessageID: "m1", Outcome: OutcomeCompleted}, false},
		{"bad outcome", Completion{MessageID: "m1", AgentID: "a1", Outcome: "done"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.comp.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestMemoryDeliverToHandler(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	var got atomic.Value
	tr.RegisterNode("n1", func(ctx context.Context, agentID string, msg *registry.Message) (*Completion, error) {
		got.Store(msg.ID)
		return &Completion{MessageID: msg.ID, AgentID: agentID, Outcome: OutcomeCompleted}, nil
	})

	if err := tr.Deliver(context.Background(), testAgent(), testMessage("m1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Load() != "m1" {
		t.Errorf("handler saw %v, want m1", got.Load())
	}

	// A processing report precedes the terminal one.
	select {
	case comp := <-tr.Completions():
		if comp.Outcome != OutcomeProcessing {
			t.Errorf("first report = %v, want processing", comp.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("no processing report surfaced")
	}
	comp := nextTerminal(t, tr.Completions())
	if comp.MessageID != "m1" || comp.Outcome != OutcomeCompleted {
		t.Errorf("completion = %+v", comp)
	}
}

func TestMemoryDeliverNoHandler(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	err := tr.Deliver(context.Background(), testAgent(), testMessage("m1"))
	if !errors.Is(err, errors.ErrCodeDeliveryFailed) {
		t.Fatalf("Deliver = %v, want DELIVERY_FAILED", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("DELIVERY_FAILED should be retryable")
	}
}

func TestMemoryDeliverAfterUnregister(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	tr.RegisterNode("n1", func(context.Context, string, *registry.Message) (*Completion, error) {
		return nil, nil
	})
	tr.UnregisterNode("n1")

	err := tr.Deliver(context.Background(), testAgent(), testMessage("m1"))
	if !errors.Is(err, errors.ErrCodeDeliveryFailed) {
		t.Errorf("Deliver = %v, want DELIVERY_FAILED", err)
	}
}

func TestMemoryDeliverClosed(t *testing.T) {
	tr := NewMemoryTransport()
	tr.Close()

	err := tr.Deliver(context.Background(), testAgent(), testMessage("m1"))
	if !errors.Is(err, errors.ErrCodeClosed) {
		t.Errorf("Deliver = %v, want CLOSED", err)
	}
}

func TestMemoryDeliverDeduplicatesCompleted(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	var handled atomic.Int32
	tr.RegisterNode("n1", func(ctx context.Context, agentID string, msg *registry.Message) (*Completion, error) {
		handled.Add(1)
		return &Completion{MessageID: msg.ID, AgentID: agentID, Outcome: OutcomeCompleted}, nil
	})

	msg := testMessage("dup-1")
	if err := tr.Deliver(context.Background(), testAgent(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := tr.Deliver(context.Background(), testAgent(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	// The handler ran once; the redelivery republished the stored
	// report, so both deliveries produced a terminal completion.
	for i := 0; i < 2; i++ {
		comp := nextTerminal(t, tr.Completions())
		if comp.MessageID != "dup-1" || comp.Outcome != OutcomeCompleted {
			t.Errorf("completion %d = %+v", i, comp)
		}
	}
	if handled.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", handled.Load())
	}
}

// --- Integration Tests ---

func TestBusTransportRoundTrip(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	tr, err := NewBusTransport(b, nil)
	if err != nil {
		t.Fatalf("NewBusTransport: %v", err)
	}
	defer tr.Close()

	var handled atomic.Int32
	listener := NewListener(b, "n1", func(ctx context.Context, agentID string, msg *registry.Message) (*Completion, error) {
		handled.Add(1)
		return &Completion{MessageID: msg.ID, AgentID: agentID, Outcome: OutcomeCompleted}, nil
	}, nil)
	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("Listener.Start: %v", err)
	}
	defer listener.Stop()

	if err := tr.Deliver(context.Background(), testAgent(), testMessage("m1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	comp := nextTerminal(t, tr.Completions())
	if comp.MessageID != "m1" || comp.AgentID != "a1" || comp.Outcome != OutcomeCompleted {
		t.Errorf("completion = %+v", comp)
	}
	if handled.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", handled.Load())
	}
}

func TestListenerReportsProcessingFirst(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	tr, err := NewBusTransport(b, nil)
	if err != nil {
		t.Fatalf("NewBusTransport: %v", err)
	}
	defer tr.Close()

	listener := NewListener(b, "n1", func(ctx context.Context, agentID string, msg *registry.Message) (*Completion, error) {
		return &Completion{MessageID: msg.ID, AgentID: agentID, Outcome: OutcomeCompleted}, nil
	}, nil)
	listener.Start(context.Background())
	defer listener.Stop()

	tr.Deliver(context.Background(), testAgent(), testMessage("m1"))

	select {
	case comp := <-tr.Completions():
		if comp.Outcome != OutcomeProcessing || comp.MessageID != "m1" {
			t.Errorf("first report = %+v, want processing for m1", comp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no processing report arrived")
	}
	if comp := nextTerminal(t, tr.Completions()); comp.Outcome != OutcomeCompleted {
		t.Errorf("terminal report = %+v", comp)
	}
}

func TestListenerDeduplicatesCompletedRedelivery(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	tr, err := NewBusTransport(b, nil)
	if err != nil {
		t.Fatalf("NewBusTransport: %v", err)
	}
	defer tr.Close()

	var handled atomic.Int32
	listener := NewListener(b, "n1", func(ctx context.Context, agentID string, msg *registry.Message) (*Completion, error) {
		handled.Add(1)
		return &Completion{MessageID: msg.ID, AgentID: agentID, Outcome: OutcomeCompleted}, nil
	}, nil)
	listener.Start(context.Background())
	defer listener.Stop()

	// The same finished id delivered twice reaches the handler once,
	// but each delivery is answered with a completion.
	msg := testMessage("dup-1")
	tr.Deliver(context.Background(), testAgent(), msg)
	tr.Deliver(context.Background(), testAgent(), msg)

	for i := 0; i < 2; i++ {
		comp := nextTerminal(t, tr.Completions())
		if comp.Outcome != OutcomeCompleted {
			t.Errorf("completion %d = %+v", i, comp)
		}
	}
	if handled.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", handled.Load())
	}
}

func TestListenerRedeliveryAfterFailureRunsHandlerAgain(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	tr, err := NewBusTransport(b, nil)
	if err != nil {
		t.Fatalf("NewBusTransport: %v", err)
	}
	defer tr.Close()

	var handled atomic.Int32
	listener := NewListener(b, "n1", func(ctx context.Context, agentID string, msg *registry.Message) (*Completion, error) {
		if handled.Add(1) == 1 {
			return nil, errors.New(errors.ErrCodeTimeout, "model call timed out")
		}
		return &Completion{MessageID: msg.ID, AgentID: agentID, Outcome: OutcomeCompleted}, nil
	}, nil)
	listener.Start(context.Background())
	defer listener.Stop()

	// First delivery fails; only completed ids are remembered, so the
	// retry delivery must reach the handler and succeed.
	msg := testMessage("retry-1")
	tr.Deliver(context.Background(), testAgent(), msg)
	if comp := nextTerminal(t, tr.Completions()); comp.Outcome != OutcomeFailed {
		t.Fatalf("first outcome = %v, want failed", comp.Outcome)
	}

	tr.Deliver(context.Background(), testAgent(), msg)
	if comp := nextTerminal(t, tr.Completions()); comp.Outcome != OutcomeCompleted {
		t.Fatalf("retry outcome = %v, want completed", comp.Outcome)
	}
	if handled.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", handled.Load())
	}
}

func TestListenerReportsHandlerError(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	tr, err := NewBusTransport(b, nil)
	if err != nil {
		t.Fatalf("NewBusTransport: %v", err)
	}
	defer tr.Close()

	listener := NewListener(b, "n1", func(ctx context.Context, agentID string, msg *registry.Message) (*Completion, error) {
		return nil, errors.New(errors.ErrCodeTimeout, "model call timed out")
	}, nil)
	listener.Start(context.Background())
	defer listener.Stop()

	tr.Deliver(context.Background(), testAgent(), testMessage("m1"))

	comp := nextTerminal(t, tr.Completions())
	if comp.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", comp.Outcome)
	}
	if comp.Error == nil || comp.Error.Code() != errors.ErrCodeTimeout {
		t.Errorf("error = %v, want TIMEOUT carried across the bus", comp.Error)
	}
}
