// Package balancer chooses one destination agent from the routing
// candidates a selector produces. Three policies ship: least_load,
// round_robin, and sticky_correlation.
package balancer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/errors"
	"github.com/agentplane/agentplane/registry"
)

// Policy names a selection strategy.
type Policy string

const (
	// PolicyLeastLoad picks the agent on the node with the lowest
	// load/capacity ratio. Ties break to the lowest agent id, so the
	// same registry state always yields the same choice.
	PolicyLeastLoad Policy = "least_load"

	// PolicyRoundRobin rotates through candidates. The rotation cursor
	// is keyed by the selector, so distinct selectors rotate
	// independently.
	PolicyRoundRobin Policy = "round_robin"

	// PolicyStickyCorrelation pins a correlation id to the agent that
	// served it first. Messages without a correlation id, and bindings
	// whose agent is no longer a valid candidate, fall back to
	// least_load (and re-pin on the new choice).
	PolicyStickyCorrelation Policy = "sticky_correlation"
)

// Valid returns true for a known policy name.
func (p Policy) Valid() bool {
	switch p {
	case PolicyLeastLoad, PolicyRoundRobin, PolicyStickyCorrelation:
		return true
	default:
		return false
	}
}

// Finder produces routing candidates for a selector. Satisfied by
// discovery.Service.
type Finder interface {
	FindAgents(sel registry.Selector) []registry.Agent
}

// NodeLoader resolves a node id to its current record, for load
// comparison. Satisfied by registry.Store.
type NodeLoader interface {
	GetNode(id string) (registry.Node, bool)
}

// Config configures a balancer.
type Config struct {
	// Policy selects the strategy. Default: least_load.
	Policy Policy

	// ExcludeBusy removes busy agents from the candidate set. If that
	// empties the set the selection fails with NO_CANDIDATE, which is
	// transient: the router retries once an agent goes idle again.
	ExcludeBusy bool

	// Logger for selection decisions. Default: zap.NewNop().
	Logger *zap.Logger
}

// Balancer selects a destination agent per its configured policy.
type Balancer struct {
	finder Finder
	nodes  NodeLoader
	cfg    Config
	log    *zap.Logger

	mu      sync.Mutex
	cursors map[string]int    // selector key -> round-robin position
	sticky  map[string]string // correlation id -> agent id
}

// New creates a balancer over a candidate source.
func New(finder Finder, nodes NodeLoader, cfg Config) (*Balancer, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyLeastLoad
	}
	if !cfg.Policy.Valid() {
		return nil, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("unknown balancer policy %q", cfg.Policy))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Balancer{
		finder:  finder,
		nodes:   nodes,
		cfg:     cfg,
		log:     cfg.Logger.Named("balancer"),
		cursors: make(map[string]int),
		sticky:  make(map[string]string),
	}, nil
}

// Policy returns the active selection policy.
func (b *Balancer) Policy() Policy {
	return b.cfg.Policy
}

// Select resolves a selector to one destination agent. The correlation
// id only matters under sticky_correlation. Returns NO_CANDIDATE (a
// transient error) when nothing matches.
func (b *Balancer) Select(ctx context.Context, sel registry.Selector, correlationID string) (registry.Agent, error) {
	if err := ctx.Err(); err != nil {
		return registry.Agent{}, errors.Wrap(err, "select agent")
	}
	if err := sel.Validate(); err != nil {
		return registry.Agent{}, errors.WrapWithCode(err, errors.ErrCodeInvalidMessage, "select agent")
	}

	candidates := b.finder.FindAgents(sel)
	if b.cfg.ExcludeBusy {
		candidates = filterIdle(candidates)
	}
	if len(candidates) == 0 {
		return registry.Agent{}, errors.New(errors.ErrCodeNoCandidate,
			"no routable agent matches selector")
	}

	var chosen registry.Agent
	switch b.cfg.Policy {
	case PolicyRoundRobin:
		chosen = b.roundRobin(sel.Key(), candidates)
	case PolicyStickyCorrelation:
		chosen = b.stickyPick(correlationID, candidates)
	default:
		chosen = b.leastLoad(candidates)
	}

	b.log.Debug("agent selected",
		zap.String("agent", chosen.ID),
		zap.String("node", chosen.NodeID),
		zap.String("policy", string(b.cfg.Policy)),
		zap.Int("candidates", len(candidates)))
	return chosen, nil
}

// leastLoad assumes candidates is non-empty and sorted by agent id, as
// FindAgents guarantees.
func (b *Balancer) leastLoad(candidates []registry.Agent) registry.Agent {
	best := candidates[0]
	bestRatio := b.loadRatio(best.NodeID)
	for _, a := range candidates[1:] {
		if r := b.loadRatio(a.NodeID); r < bestRatio {
			best, bestRatio = a, r
		}
	}
	return best
}

func (b *Balancer) loadRatio(nodeID string) float64 {
	n, ok := b.nodes.GetNode(nodeID)
	if !ok {
		// Node vanished between FindAgents and here. Rank it last.
		return 1e9
	}
	return n.LoadRatio()
}

func (b *Balancer) roundRobin(key string, candidates []registry.Agent) registry.Agent {
	b.mu.Lock()
	idx := b.cursors[key] % len(candidates)
	b.cursors[key] = idx + 1
	b.mu.Unlock()
	return candidates[idx]
}

func (b *Balancer) stickyPick(correlationID string, candidates []registry.Agent) registry.Agent {
	if correlationID == "" {
		return b.leastLoad(candidates)
	}

	b.mu.Lock()
	bound, ok := b.sticky[correlationID]
	b.mu.Unlock()
	if ok {
		for _, a := range candidates {
			if a.ID == bound {
				return a
			}
		}
		// The bound agent is gone or no longer matches. Re-pin below.
	}

	chosen := b.leastLoad(candidates)
	b.mu.Lock()
	b.sticky[correlationID] = chosen.ID
	b.mu.Unlock()
	return chosen
}

// Forget drops any sticky binding for a correlation id. Call when a
// conversation completes so the map does not grow unbounded.
func (b *Balancer) Forget(correlationID string) {
	b.mu.Lock()
	delete(b.sticky, correlationID)
	b.mu.Unlock()
}

// DropAgent removes all sticky bindings to one agent, typically after
// it deregisters or its node dies.
func (b *Balancer) DropAgent(agentID string) {
	b.mu.Lock()
	for corr, id := range b.sticky {
		if id == agentID {
			delete(b.sticky, corr)
		}
	}
	b.mu.Unlock()
}

func filterIdle(candidates []registry.Agent) []registry.Agent {
	var out []registry.Agent
	for _, a := range candidates {
		if a.Status == registry.StatusIdle {
			out = append(out, a)
		}
	}
	return out
}
