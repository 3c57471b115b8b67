// Package registry holds the shared data model of the control plane:
// agents, nodes, messages, and the Store both services mutate through.
//
// Ownership is split: AgentManager writes agent fields, DiscoveryService
// writes node fields, and the one cross-entity step (node death
// cascading to hosted agents) is a single atomic Store operation.
package registry

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Common errors.
var (
	ErrInvalidID       = errors.New("invalid id")
	ErrUnknownNode     = errors.New("node not registered")
	ErrEmptySelector   = errors.New("selector matches nothing")
	ErrInvalidSelector = errors.New("selector has both id and predicate")
)

// AgentStatus represents an agent's operational state.
type AgentStatus string

const (
	StatusIdle    AgentStatus = "idle"
	StatusBusy    AgentStatus = "busy"
	StatusOffline AgentStatus = "offline"
	StatusError   AgentStatus = "error"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusBusy, StatusOffline, StatusError:
		return true
	default:
		return false
	}
}

// Routable returns true if an agent in this status may receive traffic.
// Offline and error agents are excluded from routing immediately, even
// before their node is declared dead.
func (s AgentStatus) Routable() bool {
	return s == StatusIdle || s == StatusBusy
}

// AgentType is an agent's role. The set is open; these are the
// conventional roles shipped with the platform.
type AgentType string

const (
	TypeResearch     AgentType = "research"
	TypeAnalysis     AgentType = "analysis"
	TypeCoordination AgentType = "coordination"
)

// Agent is a logical worker instance hosted on exactly one node.
type Agent struct {
	// ID uniquely identifies the agent. Immutable.
	ID string

	// Name is a human-readable name.
	Name string

	// Type is the agent's role.
	Type AgentType

	// Status is the agent's current operational state.
	// Written only by AgentManager (and by the node-death cascade).
	Status AgentStatus

	// Capabilities lists what the agent can do (e.g., "research", "summarize").
	Capabilities []string

	// NodeID references the hosting node. Never an ownership edge; the
	// node must be known to DiscoveryService.
	NodeID string

	// Metadata contains additional key-value pairs, not interpreted here.
	Metadata map[string]string

	// RegisteredAt is when the agent was registered.
	RegisteredAt time.Time
}

// HasCapability checks if the agent has a specific capability.
func (a Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasCapabilities checks if the agent has every listed capability.
func (a Agent) HasCapabilities(capabilities []string) bool {
	for _, c := range capabilities {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy, so copy-out reads never alias Store state.
func (a Agent) Clone() Agent {
	out := a
	if a.Capabilities != nil {
		out.Capabilities = append([]string(nil), a.Capabilities...)
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// NodeState is a node's position in the failure-detection ladder.
type NodeState string

const (
	// NodeAlive means heartbeats are current.
	NodeAlive NodeState = "alive"

	// NodeSuspect means the heartbeat is overdue but the grace period
	// has not expired. Suspect nodes remain routable.
	NodeSuspect NodeState = "suspect"

	// NodeDead means the grace period expired. Irreversible; a later
	// heartbeat from the same id is treated as a fresh registration.
	NodeDead NodeState = "dead"
)

// Node is a process/host that hosts zero or more agents.
type Node struct {
	// ID uniquely identifies the node.
	ID string

	// Address is the routable endpoint for the transport.
	Address string

	// State is the failure-detection state.
	State NodeState

	// LastHeartbeat is when the node last reported in.
	LastHeartbeat time.Time

	// SuspectSince is when the node entered NodeSuspect. Zero otherwise.
	SuspectSince time.Time

	// DeadSince is when the node was declared dead. Dead nodes linger
	// for a reap window so operators can observe the eviction.
	DeadSince time.Time

	// Load is the node-reported load metric. The numeric meaning is a
	// node-side configuration point; the balancer only compares ratios.
	Load float64

	// Capacity is the node's declared capacity. Defaults to 1.
	Capacity float64

	// AgentIDs is the set of agents hosted here. Kept consistent with
	// Agent.NodeID by the Store.
	AgentIDs []string
}

// Live returns true if the node should still receive traffic.
func (n Node) Live() bool {
	return n.State == NodeAlive || n.State == NodeSuspect
}

// LoadRatio returns load normalized by declared capacity.
func (n Node) LoadRatio() float64 {
	if n.Capacity <= 0 {
		return n.Load
	}
	return n.Load / n.Capacity
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := n
	if n.AgentIDs != nil {
		out.AgentIDs = append([]string(nil), n.AgentIDs...)
	}
	return out
}

// Selector is a routing target: either a concrete agent id, or a
// (type, required capabilities) predicate.
type Selector struct {
	// AgentID targets one concrete agent. Mutually exclusive with the
	// predicate fields.
	AgentID string `json:"agent_id,omitempty"`

	// Type matches agents of this role. Empty matches any role when
	// Capabilities is non-empty.
	Type AgentType `json:"type,omitempty"`

	// Capabilities must all be present on a matching agent.
	Capabilities []string `json:"capabilities,omitempty"`
}

// Validate checks that the selector targets something.
func (s Selector) Validate() error {
	if s.AgentID != "" {
		if s.Type != "" || len(s.Capabilities) > 0 {
			return ErrInvalidSelector
		}
		return nil
	}
	if s.Type == "" && len(s.Capabilities) == 0 {
		return ErrEmptySelector
	}
	return nil
}

// Matches checks if an agent satisfies the selector. Status and node
// liveness are the caller's concern.
func (s Selector) Matches(a Agent) bool {
	if s.AgentID != "" {
		return a.ID == s.AgentID
	}
	if s.Type != "" && a.Type != s.Type {
		return false
	}
	return a.HasCapabilities(s.Capabilities)
}

// Key returns a canonical string for this selector, used for
// round-robin cursors. Capability order does not affect the key.
func (s Selector) Key() string {
	if s.AgentID != "" {
		return "id:" + s.AgentID
	}
	caps := append([]string(nil), s.Capabilities...)
	sort.Strings(caps)
	return "type:" + string(s.Type) + "|caps:" + strings.Join(caps, ",")
}
