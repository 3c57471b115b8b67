package registry

import (
	"sync"
)

// Store is the shared registry handle passed to every control-plane
// component. The agent and node tables have independent locks so agent
// status updates never serialize behind node sweeps; the lone
// cross-entity step (node death) takes both.
//
// All reads copy out. No Store method performs I/O, so no caller ever
// holds a registry lock across a transport call.
//
// Lock order when both are needed: nodes before agents.
type Store struct {
	nodesMu sync.RWMutex
	nodes   map[string]*Node

	agentsMu sync.RWMutex
	agents   map[string]*Agent
}

// NewStore creates an empty registry store.
func NewStore() *Store {
	return &Store{
		nodes:  make(map[string]*Node),
		agents: make(map[string]*Agent),
	}
}

// --- Node table (DiscoveryService is the writer) ---

// PutNode inserts or replaces a node record.
func (s *Store) PutNode(n Node) {
	cp := n.Clone()
	s.nodesMu.Lock()
	s.nodes[n.ID] = &cp
	s.nodesMu.Unlock()
}

// GetNode returns a copy of a node.
func (s *Store) GetNode(id string) (Node, bool) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// UpdateNode applies fn to a node entry inside the lock. Returns false
// if the node does not exist. fn must not block.
func (s *Store) UpdateNode(id string, fn func(*Node)) bool {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return false
	}
	fn(n)
	return true
}

// RemoveNode deletes a node entry and returns its last state.
func (s *Store) RemoveNode(id string) (Node, bool) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	delete(s.nodes, id)
	return n.Clone(), true
}

// Nodes returns copies of all node records.
func (s *Store) Nodes() []Node {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// LiveNodes returns copies of nodes that may still receive traffic.
func (s *Store) LiveNodes() []Node {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Live() {
			out = append(out, n.Clone())
		}
	}
	return out
}

// --- Agent table (AgentManager is the writer) ---

// PutAgent inserts an agent and attaches it to its hosting node's
// agent set in one step. Returns ErrUnknownNode if the node is absent.
func (s *Store) PutAgent(a Agent) error {
	if a.ID == "" {
		return ErrInvalidID
	}

	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	n, ok := s.nodes[a.NodeID]
	if !ok {
		return ErrUnknownNode
	}

	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()

	if prev, ok := s.agents[a.ID]; ok && prev.NodeID != a.NodeID {
		// Re-registration on a different node: detach from the old one.
		if old, ok := s.nodes[prev.NodeID]; ok {
			old.AgentIDs = removeString(old.AgentIDs, a.ID)
		}
	}

	cp := a.Clone()
	s.agents[a.ID] = &cp
	if !containsString(n.AgentIDs, a.ID) {
		n.AgentIDs = append(n.AgentIDs, a.ID)
	}
	return nil
}

// GetAgent returns a copy of an agent.
func (s *Store) GetAgent(id string) (Agent, bool) {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.Clone(), true
}

// SetAgentStatus writes an agent's status as a single linearizable
// step. Returns false if the agent does not exist.
func (s *Store) SetAgentStatus(id string, status AgentStatus) bool {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return false
	}
	a.Status = status
	return true
}

// RemoveAgent deletes an agent and detaches it from its node's set.
func (s *Store) RemoveAgent(id string) (Agent, bool) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	delete(s.agents, id)
	if n, ok := s.nodes[a.NodeID]; ok {
		n.AgentIDs = removeString(n.AgentIDs, id)
	}
	return a.Clone(), true
}

// Agents returns copies of all agent records.
func (s *Store) Agents() []Agent {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	return out
}

// AgentsOnNode returns copies of the agents hosted on one node.
func (s *Store) AgentsOnNode(nodeID string) []Agent {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	var out []Agent
	for _, a := range s.agents {
		if a.NodeID == nodeID {
			out = append(out, a.Clone())
		}
	}
	return out
}

// --- Cross-entity ---

// MarkNodeDead transitions a node to NodeDead and flips every hosted
// agent to offline, atomically from an observer's perspective. Returns
// the affected agent ids. Idempotent: a second call reports ok with no
// further changes.
func (s *Store) MarkNodeDead(nodeID string) (affected []string, ok bool) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	n, exists := s.nodes[nodeID]
	if !exists {
		return nil, false
	}
	if n.State == NodeDead {
		return nil, true
	}
	n.State = NodeDead

	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	for _, id := range n.AgentIDs {
		if a, ok := s.agents[id]; ok && a.Status != StatusOffline {
			a.Status = StatusOffline
			affected = append(affected, id)
		}
	}
	return affected, true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
