package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/agentplane/agentplane/bus"
	"github.com/agentplane/agentplane/errors"
	"github.com/agentplane/agentplane/registry"
)

func newTestBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })
	return b
}

// newTestService returns a service with a controllable clock. The
// returned advance function moves time forward.
func newTestService(t *testing.T, cfg Config) (*Service, *registry.Store, func(time.Duration)) {
	t.Helper()
	store := registry.NewStore()
	svc := New(store, cfg)

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return svc, store, advance
}

func addAgent(t *testing.T, store *registry.Store, id, nodeID string, caps ...string) {
	t.Helper()
	if len(caps) == 0 {
		caps = []string{"research"}
	}
	err := store.PutAgent(registry.Agent{
		ID:           id,
		Name:         id,
		Type:         registry.TypeResearch,
		Status:       registry.StatusIdle,
		Capabilities: caps,
		NodeID:       nodeID,
	})
	if err != nil {
		t.Fatalf("PutAgent(%s): %v", id, err)
	}
}

// --- Unit Tests ---

func TestRegisterNodeIdempotent(t *testing.T) {
	svc, _, advance := newTestService(t, Config{})
	ctx := context.Background()

	if err := svc.RegisterNode(ctx, "n1", "10.0.0.1:7000"); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	advance(time.Second)
	// Re-registering refreshes the heartbeat instead of erroring.
	if err := svc.RegisterNode(ctx, "n1", "10.0.0.1:7000"); err != nil {
		t.Fatalf("second RegisterNode: %v", err)
	}

	nodes := svc.ListLiveNodes()
	if len(nodes) != 1 {
		t.Fatalf("ListLiveNodes() = %d, want 1", len(nodes))
	}
}

func TestHeartbeatUnknownNode(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	err := svc.Heartbeat(context.Background(), "ghost", 0, 1)
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("Heartbeat error = %v, want NOT_FOUND", err)
	}
}

func TestHeartbeatUpdatesLoad(t *testing.T) {
	svc, store, _ := newTestService(t, Config{})
	ctx := context.Background()
	svc.RegisterNode(ctx, "n1", "addr")

	if err := svc.Heartbeat(ctx, "n1", 3, 4); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	n, _ := store.GetNode("n1")
	if n.Load != 3 || n.Capacity != 4 {
		t.Errorf("load/capacity = %v/%v, want 3/4", n.Load, n.Capacity)
	}
}

func TestHeartbeatDeadlineExpired(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := svc.Heartbeat(ctx, "n1", 0, 1)
	if !errors.Is(err, errors.ErrCodeCanceled) {
		t.Errorf("Heartbeat error = %v, want CANCELED", err)
	}
}

func TestSweepLadder(t *testing.T) {
	cfg := Config{Timeout: 5 * time.Second, Grace: 10 * time.Second}
	svc, store, advance := newTestService(t, cfg)
	ctx := context.Background()

	svc.RegisterNode(ctx, "n1", "addr")
	addAgent(t, store, "a1", "n1")

	// Within timeout: still alive.
	advance(4 * time.Second)
	svc.Sweep()
	n, _ := store.GetNode("n1")
	if n.State != registry.NodeAlive {
		t.Fatalf("state = %v, want alive at age 4s", n.State)
	}

	// Past timeout: suspect, but still live and routable.
	advance(2 * time.Second)
	svc.Sweep()
	n, _ = store.GetNode("n1")
	if n.State != registry.NodeSuspect {
		t.Fatalf("state = %v, want suspect at age 6s", n.State)
	}
	if len(svc.FindAgents(registry.Selector{Type: registry.TypeResearch})) != 1 {
		t.Error("suspect node's agents should remain routable")
	}

	// A heartbeat revives a suspect node.
	if err := svc.Heartbeat(ctx, "n1", 0, 1); err != nil {
		t.Fatalf("Heartbeat while suspect: %v", err)
	}
	n, _ = store.GetNode("n1")
	if n.State != registry.NodeAlive {
		t.Fatalf("state = %v, want alive after heartbeat", n.State)
	}

	// Silence past timeout+grace: dead, agents offline, evicted.
	advance(16 * time.Second)
	svc.Sweep()
	n, _ = store.GetNode("n1")
	if n.State != registry.NodeDead {
		t.Fatalf("state = %v, want dead at age 16s", n.State)
	}
	if len(svc.ListLiveNodes()) != 0 {
		t.Error("dead node still listed as live")
	}
	a, _ := store.GetAgent("a1")
	if a.Status != registry.StatusOffline {
		t.Errorf("agent status = %v, want offline", a.Status)
	}
	if len(svc.FindAgents(registry.Selector{Type: registry.TypeResearch})) != 0 {
		t.Error("dead node's agents still routable")
	}
}

func TestSweepIdempotent(t *testing.T) {
	cfg := Config{Timeout: 5 * time.Second, Grace: 10 * time.Second}
	svc, store, advance := newTestService(t, cfg)
	ctx := context.Background()

	svc.RegisterNode(ctx, "n1", "addr")
	addAgent(t, store, "a1", "n1")

	var deaths int
	svc.OnDead(func(string) { deaths++ })

	advance(20 * time.Second)
	svc.Sweep()
	svc.Sweep()
	svc.Sweep()

	if deaths != 1 {
		t.Errorf("OnDead fired %d times, want 1", deaths)
	}
}

// A node so stale it is past timeout+grace on its first late sweep goes
// straight to dead, without a suspect detour in the same pass.
func TestSweepVeryStaleNodeDiesDirectly(t *testing.T) {
	cfg := Config{Timeout: 5 * time.Second, Grace: 10 * time.Second}
	svc, store, advance := newTestService(t, cfg)
	ctx := context.Background()

	svc.RegisterNode(ctx, "n1", "addr")

	var deaths int
	svc.OnDead(func(string) { deaths++ })

	advance(30 * time.Second)
	svc.Sweep()

	n, _ := store.GetNode("n1")
	if n.State != registry.NodeDead {
		t.Fatalf("state = %v, want dead", n.State)
	}
	if n.SuspectSince != (time.Time{}) {
		t.Error("node marked suspect on the way to dead")
	}
	if deaths != 1 {
		t.Errorf("OnDead fired %d times, want 1", deaths)
	}
}

// Scenario from the routing contract: a node misses three heartbeats
// (timeout 5s, grace 10s); 15s of silence later it is dead and both
// hosted agents report offline.
func TestNodeDeathScenario(t *testing.T) {
	cfg := Config{Timeout: 5 * time.Second, Grace: 10 * time.Second}
	svc, store, advance := newTestService(t, cfg)
	ctx := context.Background()

	svc.RegisterNode(ctx, "nodeB", "addr")
	addAgent(t, store, "b1", "nodeB")
	addAgent(t, store, "b2", "nodeB")

	advance(15*time.Second + time.Millisecond)
	svc.Sweep()

	n, _ := store.GetNode("nodeB")
	if n.State != registry.NodeDead {
		t.Fatalf("state = %v, want dead after 15s", n.State)
	}
	for _, id := range []string{"b1", "b2"} {
		a, _ := store.GetAgent(id)
		if a.Status != registry.StatusOffline {
			t.Errorf("agent %s = %v, want offline", id, a.Status)
		}
	}
}

func TestDeadNodeHeartbeatForcesReRegistration(t *testing.T) {
	cfg := Config{Timeout: 5 * time.Second, Grace: 10 * time.Second}
	svc, _, advance := newTestService(t, cfg)
	ctx := context.Background()

	svc.RegisterNode(ctx, "n1", "addr")
	advance(20 * time.Second)
	svc.Sweep()

	// Death is irreversible: the late heartbeat is rejected.
	err := svc.Heartbeat(ctx, "n1", 0, 1)
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Fatalf("Heartbeat after death = %v, want NOT_FOUND", err)
	}

	// Re-registration creates a fresh member.
	if err := svc.RegisterNode(ctx, "n1", "addr2"); err != nil {
		t.Fatalf("RegisterNode after death: %v", err)
	}
	nodes := svc.ListLiveNodes()
	if len(nodes) != 1 || nodes[0].Address != "addr2" {
		t.Fatalf("nodes = %+v, want fresh n1 at addr2", nodes)
	}
}

func TestReapRemovesDeadNodeAndAgents(t *testing.T) {
	cfg := Config{Timeout: 5 * time.Second, Grace: 5 * time.Second, ReapAfter: 5 * time.Second}
	svc, store, advance := newTestService(t, cfg)
	ctx := context.Background()

	svc.RegisterNode(ctx, "n1", "addr")
	addAgent(t, store, "a1", "n1")

	advance(11 * time.Second)
	svc.Sweep() // dead
	advance(6 * time.Second)
	svc.Sweep() // reaped

	if _, ok := store.GetNode("n1"); ok {
		t.Error("node record survived the reap window")
	}
	if _, ok := store.GetAgent("a1"); ok {
		t.Error("agent record survived the reap window")
	}
}

func TestFindAgentsFiltering(t *testing.T) {
	svc, store, _ := newTestService(t, Config{})
	ctx := context.Background()

	svc.RegisterNode(ctx, "n1", "addr1")
	addAgent(t, store, "a1", "n1", "research", "summarize")
	addAgent(t, store, "a2", "n1", "research")
	store.PutAgent(registry.Agent{
		ID: "a3", Type: registry.TypeAnalysis, Status: registry.StatusIdle,
		Capabilities: []string{"stats"}, NodeID: "n1",
	})

	// Offline and error agents are excluded immediately.
	store.SetAgentStatus("a2", registry.StatusError)

	got := svc.FindAgents(registry.Selector{Type: registry.TypeResearch, Capabilities: []string{"research"}})
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("FindAgents = %+v, want [a1]", got)
	}

	// Exact-id selector.
	got = svc.FindAgents(registry.Selector{AgentID: "a3"})
	if len(got) != 1 || got[0].ID != "a3" {
		t.Fatalf("FindAgents by id = %+v, want [a3]", got)
	}

	// Registered-then-found round trip; deregistered-then-gone.
	store.RemoveAgent("a1")
	if got := svc.FindAgents(registry.Selector{Capabilities: []string{"summarize"}}); len(got) != 0 {
		t.Errorf("FindAgents after removal = %+v, want empty", got)
	}
}

// --- Integration Tests ---

func TestBeaconFeedsServiceOverBus(t *testing.T) {
	svc, store, _ := newTestService(t, Config{})
	msgBus := newTestBus(t)

	src := NewSource(msgBus, svc, nil)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Source.Start: %v", err)
	}
	defer src.Stop()

	beacon, err := NewBeacon(BeaconConfig{
		Bus:      msgBus,
		NodeID:   "n1",
		Address:  "10.0.0.9:7000",
		Interval: 20 * time.Millisecond,
		Capacity: 4,
	})
	if err != nil {
		t.Fatalf("NewBeacon: %v", err)
	}
	beacon.SetLoad(2)
	if err := beacon.Start(context.Background()); err != nil {
		t.Fatalf("Beacon.Start: %v", err)
	}
	defer beacon.Stop()

	// The source self-heals: the first pulse registers the unknown node.
	deadline := time.After(2 * time.Second)
	for {
		if n, ok := store.GetNode("n1"); ok && n.State == registry.NodeAlive && n.Load == 2 {
			if n.Address != "10.0.0.9:7000" {
				t.Errorf("Address = %q, want from pulse", n.Address)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("node never appeared from beacon pulses")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
