package discovery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/errors"
	"github.com/agentplane/agentplane/internal/telemetry"
	"github.com/agentplane/agentplane/registry"
)

// Common lifecycle errors.
var (
	ErrAlreadyStarted = errors.New(errors.ErrCodeInternal, "discovery already started")
	ErrNotStarted     = errors.New(errors.ErrCodeInternal, "discovery not started")
)

// Config configures the discovery service.
type Config struct {
	// HeartbeatInterval is how often nodes are expected to report.
	// Default: 5 seconds.
	HeartbeatInterval time.Duration

	// Timeout is the heartbeat age at which a node becomes suspect.
	// Should be 2-3x the heartbeat interval. Default: 15 seconds.
	Timeout time.Duration

	// Grace is how long a node may stay suspect before it is declared
	// dead. Default: 10 seconds.
	Grace time.Duration

	// ReapAfter is how long a dead node lingers before the record and
	// its (already offline) agents are removed. Default: Grace.
	ReapAfter time.Duration

	// SweepInterval overrides the failure-sweep cadence.
	// Default: HeartbeatInterval / 2.
	SweepInterval time.Duration

	// Logger for sweep events. Default: zap.NewNop().
	Logger *zap.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		Timeout:           15 * time.Second,
		Grace:             10 * time.Second,
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	def := DefaultConfig()
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = def.HeartbeatInterval
	}
	if out.Timeout <= 0 {
		out.Timeout = def.Timeout
	}
	if out.Grace <= 0 {
		out.Grace = def.Grace
	}
	if out.ReapAfter <= 0 {
		out.ReapAfter = out.Grace
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = out.HeartbeatInterval / 2
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Service tracks node membership and detects failures.
type Service struct {
	store *registry.Store
	cfg   Config
	log   *zap.Logger

	mu      sync.Mutex
	deadCBs []func(nodeID string)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// now is a test hook.
	now func() time.Time
}

// New creates a discovery service over the shared registry store.
func New(store *registry.Store, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		store: store,
		cfg:   cfg,
		log:   cfg.Logger.Named("discovery"),
		now:   time.Now,
	}
}

// RegisterNode adds a node to the cluster. Idempotent: re-registering
// a live node refreshes its heartbeat; re-registering a dead or reaped
// id creates a fresh member.
func (s *Service) RegisterNode(ctx context.Context, nodeID, address string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "register node", errors.WithNodeID(nodeID))
	}
	if nodeID == "" {
		return errors.New(errors.ErrCodeInvalidMessage, "node id required")
	}

	// A dead incarnation keeps nothing: reap it first so the id comes
	// back as a fresh member.
	if prev, ok := s.store.GetNode(nodeID); ok && prev.State == registry.NodeDead {
		s.reap(prev)
	}

	now := s.now()
	refreshed := s.store.UpdateNode(nodeID, func(n *registry.Node) {
		n.Address = address
		n.State = registry.NodeAlive
		n.LastHeartbeat = now
		n.SuspectSince = time.Time{}
	})
	if !refreshed {
		s.store.PutNode(registry.Node{
			ID:            nodeID,
			Address:       address,
			State:         registry.NodeAlive,
			LastHeartbeat: now,
			Capacity:      1,
		})
		s.log.Info("node registered", zap.String("node", nodeID), zap.String("address", address))
	}
	telemetry.SetLiveNodes(len(s.store.LiveNodes()))
	return nil
}

// Heartbeat records a node's liveness and load snapshot. Returns
// NOT_FOUND if the node was already declared dead or reaped, forcing
// the caller to re-register.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, load, capacity float64) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "heartbeat", errors.WithNodeID(nodeID))
	}

	now := s.now()
	var dead bool
	ok := s.store.UpdateNode(nodeID, func(n *registry.Node) {
		if n.State == registry.NodeDead {
			dead = true
			return
		}
		n.State = registry.NodeAlive
		n.LastHeartbeat = now
		n.SuspectSince = time.Time{}
		n.Load = load
		if capacity > 0 {
			n.Capacity = capacity
		}
	})
	if !ok || dead {
		return errors.New(errors.ErrCodeNotFound, "node not registered or reaped",
			errors.WithNodeID(nodeID))
	}
	return nil
}

// ListLiveNodes returns nodes that may receive traffic (alive or
// suspect; dead nodes are evicted).
func (s *Service) ListLiveNodes() []registry.Node {
	nodes := s.store.LiveNodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// FindAgents returns routing candidates for a selector: agents that
// match, whose status is routable, and whose node is live. Results are
// sorted by agent id so selection policies see a stable order.
func (s *Service) FindAgents(sel registry.Selector) []registry.Agent {
	live := make(map[string]bool)
	for _, n := range s.store.LiveNodes() {
		live[n.ID] = true
	}

	var out []registry.Agent
	for _, a := range s.store.Agents() {
		if !a.Status.Routable() {
			continue
		}
		if !live[a.NodeID] {
			continue
		}
		if sel.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnDead registers a callback invoked (outside any lock) when a node
// is declared dead. Callbacks must be idempotent.
func (s *Service) OnDead(fn func(nodeID string)) {
	s.mu.Lock()
	s.deadCBs = append(s.deadCBs, fn)
	s.mu.Unlock()
}

// Start launches the background failure sweep.
func (s *Service) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop halts the sweep.
func (s *Service) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass of the failure detector. Exported so tests and
// operators can force a pass; repeated sweeps are idempotent.
func (s *Service) Sweep() {
	now := s.now()
	var died []string

	for _, n := range s.store.Nodes() {
		age := now.Sub(n.LastHeartbeat)

		switch n.State {
		case registry.NodeAlive:
			// A very stale node skips straight past suspect.
			if age > s.cfg.Timeout+s.cfg.Grace {
				died = append(died, s.kill(n.ID, now)...)
			} else if age > s.cfg.Timeout {
				s.store.UpdateNode(n.ID, func(n *registry.Node) {
					if n.State == registry.NodeAlive {
						n.State = registry.NodeSuspect
						n.SuspectSince = now
					}
				})
				s.log.Warn("node suspect",
					zap.String("node", n.ID),
					zap.Duration("heartbeat_age", age))
			}
		case registry.NodeSuspect:
			if age > s.cfg.Timeout+s.cfg.Grace {
				died = append(died, s.kill(n.ID, now)...)
			}
		case registry.NodeDead:
			if !n.DeadSince.IsZero() && now.Sub(n.DeadSince) > s.cfg.ReapAfter {
				s.reap(n)
			}
		}
	}

	telemetry.SetLiveNodes(len(s.store.LiveNodes()))
	telemetry.SetRoutableAgents(s.countRoutable())

	// Callbacks run after all registry writes, outside any lock.
	for _, nodeID := range died {
		s.notifyDead(nodeID)
	}
}

// kill declares one node dead and cascades its agents offline. Returns
// the node id if this sweep performed the transition (for callbacks).
func (s *Service) kill(nodeID string, now time.Time) []string {
	// The sweep is the only killer, so this pre-check cannot race.
	if prev, ok := s.store.GetNode(nodeID); !ok || prev.State == registry.NodeDead {
		return nil
	}
	affected, ok := s.store.MarkNodeDead(nodeID)
	if !ok {
		return nil
	}
	s.store.UpdateNode(nodeID, func(n *registry.Node) {
		if n.DeadSince.IsZero() {
			n.DeadSince = now
		}
	})
	telemetry.NodesDeclaredDead.Inc()
	s.log.Warn("node dead",
		zap.String("node", nodeID),
		zap.Int("agents_offlined", len(affected)))
	return []string{nodeID}
}

// reap removes a long-dead node record and its offline agents.
func (s *Service) reap(n registry.Node) {
	for _, id := range n.AgentIDs {
		s.store.RemoveAgent(id)
	}
	s.store.RemoveNode(n.ID)
	s.log.Info("node reaped", zap.String("node", n.ID))
}

func (s *Service) notifyDead(nodeID string) {
	s.mu.Lock()
	cbs := append([]func(string){}, s.deadCBs...)
	s.mu.Unlock()
	for _, fn := range cbs {
		fn(nodeID)
	}
}

func (s *Service) countRoutable() int {
	live := make(map[string]bool)
	for _, n := range s.store.LiveNodes() {
		live[n.ID] = true
	}
	count := 0
	for _, a := range s.store.Agents() {
		if a.Status.Routable() && live[a.NodeID] {
			count++
		}
	}
	return count
}
