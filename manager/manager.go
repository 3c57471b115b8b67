// Package manager owns the agent side of the registry: registration,
// the status state machine, and deregistration. Node membership is the
// discovery service's concern; the manager only checks that an agent's
// hosting node is known at registration time.
package manager

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/errors"
	"github.com/agentplane/agentplane/registry"
)

// Manager registers agents and drives their status transitions.
type Manager struct {
	store *registry.Store
	log   *zap.Logger

	// now is a test hook.
	now func() time.Time
}

// New creates an agent manager over the shared registry store.
func New(store *registry.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store: store,
		log:   logger.Named("manager"),
		now:   time.Now,
	}
}

// RegisterAgent adds an agent to the platform. The hosting node must
// already be registered with discovery. An empty ID is assigned a
// fresh UUID; the assigned agent is returned either way. Registering
// an existing id overwrites the record (an agent restart).
func (m *Manager) RegisterAgent(ctx context.Context, a registry.Agent) (registry.Agent, error) {
	if err := ctx.Err(); err != nil {
		return registry.Agent{}, errors.Wrap(err, "register agent")
	}
	if a.NodeID == "" {
		return registry.Agent{}, errors.New(errors.ErrCodeUnknownNode,
			"agent requires a hosting node")
	}
	if n, ok := m.store.GetNode(a.NodeID); !ok || !n.Live() {
		return registry.Agent{}, errors.New(errors.ErrCodeUnknownNode,
			"hosting node not live", errors.WithNodeID(a.NodeID))
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = registry.StatusIdle
	}
	if !a.Status.Valid() {
		return registry.Agent{}, errors.Newf(errors.ErrCodeInvalidTransition,
			"unknown status %q", a.Status)
	}
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = m.now()
	}

	if err := m.store.PutAgent(a); err != nil {
		return registry.Agent{}, errors.WrapWithCode(err, errors.ErrCodeUnknownNode,
			"register agent", errors.WithAgentID(a.ID), errors.WithNodeID(a.NodeID))
	}

	m.log.Info("agent registered",
		zap.String("agent", a.ID),
		zap.String("node", a.NodeID),
		zap.String("type", string(a.Type)),
		zap.Strings("capabilities", a.Capabilities))
	return a.Clone(), nil
}

// UpdateStatus moves an agent through the status machine:
//
//	idle <-> busy
//	idle|busy -> error
//	any       -> offline
//
// Offline is terminal. Error exits only to offline (the agent must
// deregister and re-register to recover). Invalid moves return
// INVALID_TRANSITION; unknown agents return NOT_FOUND.
func (m *Manager) UpdateStatus(ctx context.Context, agentID string, next registry.AgentStatus) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "update status", errors.WithAgentID(agentID))
	}
	if !next.Valid() {
		return errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("unknown status %q", next), errors.WithAgentID(agentID))
	}

	a, ok := m.store.GetAgent(agentID)
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "agent not registered",
			errors.WithAgentID(agentID))
	}
	if a.Status == next {
		return nil
	}
	if !validTransition(a.Status, next) {
		return errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot move agent from %s to %s", a.Status, next),
			errors.WithAgentID(agentID))
	}

	if !m.store.SetAgentStatus(agentID, next) {
		return errors.New(errors.ErrCodeNotFound, "agent not registered",
			errors.WithAgentID(agentID))
	}
	m.log.Debug("agent status",
		zap.String("agent", agentID),
		zap.String("from", string(a.Status)),
		zap.String("to", string(next)))
	return nil
}

func validTransition(from, to registry.AgentStatus) bool {
	if to == registry.StatusOffline {
		return true
	}
	switch from {
	case registry.StatusIdle:
		return to == registry.StatusBusy || to == registry.StatusError
	case registry.StatusBusy:
		return to == registry.StatusIdle || to == registry.StatusError
	default:
		// error and offline admit nothing but offline, handled above.
		return false
	}
}

// DeregisterAgent removes an agent and its membership in the node's
// hosted set.
func (m *Manager) DeregisterAgent(ctx context.Context, agentID string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "deregister agent", errors.WithAgentID(agentID))
	}
	if _, ok := m.store.RemoveAgent(agentID); !ok {
		return errors.New(errors.ErrCodeNotFound, "agent not registered",
			errors.WithAgentID(agentID))
	}
	m.log.Info("agent deregistered", zap.String("agent", agentID))
	return nil
}

// Get returns one agent by id.
func (m *Manager) Get(agentID string) (registry.Agent, error) {
	a, ok := m.store.GetAgent(agentID)
	if !ok {
		return registry.Agent{}, errors.New(errors.ErrCodeNotFound, "agent not registered",
			errors.WithAgentID(agentID))
	}
	return a, nil
}

// List returns all agents sorted by id.
func (m *Manager) List() []registry.Agent {
	agents := m.store.Agents()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}
