package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentplane/agentplane/errors"
)

// --- Unit Tests ---

func TestPhasesRunInOrder(t *testing.T) {
	c := New(Config{})

	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered out of order on purpose.
	c.Register("bus", PhaseBus, record("bus"))
	c.Register("router", PhaseIngress, record("router"))
	c.Register("transport", PhaseTransport, record("transport"))
	c.Register("discovery", PhaseDetection, record("discovery"))

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"router", "discovery", "transport", "bus"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	c := New(Config{})

	var active, peak atomic.Int32
	slow := func(context.Context) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	c.Register("a", PhaseTransport, slow)
	c.Register("b", PhaseTransport, slow)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want 2 within one phase", peak.Load())
	}
}

func TestHandlerFailureDoesNotStopLaterPhases(t *testing.T) {
	c := New(Config{})

	var busStopped atomic.Bool
	c.Register("router", PhaseIngress, func(context.Context) error {
		return errors.New(errors.ErrCodeInternal, "drain failed")
	})
	c.Register("bus", PhaseBus, func(context.Context) error {
		busStopped.Store(true)
		return nil
	})

	err := c.Shutdown(context.Background())
	if !errors.Is(err, errors.ErrCodeInternal) {
		t.Errorf("Shutdown = %v, want handler failure surfaced", err)
	}
	if !busStopped.Load() {
		t.Error("later phase skipped after a failure")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	c := New(Config{})

	var calls atomic.Int32
	c.Register("once", PhaseIngress, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	c.Shutdown(context.Background())
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v, want first result (nil)", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

func TestShutdownTimeout(t *testing.T) {
	c := New(Config{})
	c.Register("stuck", PhaseIngress, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.Register("after", PhaseBus, func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Shutdown(ctx)
	if err == nil {
		t.Fatal("Shutdown = nil, want timeout surfaced")
	}
}

func TestTriggerAndDone(t *testing.T) {
	c := New(Config{Timeout: time.Second})

	var stopped atomic.Bool
	c.Register("router", PhaseIngress, func(context.Context) error {
		stopped.Store(true)
		return nil
	})

	c.HandleSignals()
	c.Trigger()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed after Trigger")
	}
	if !stopped.Load() {
		t.Error("handler never ran")
	}
	if c.Err() != nil {
		t.Errorf("Err = %v, want nil", c.Err())
	}
}
