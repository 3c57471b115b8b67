package manager

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/bus"
	"github.com/agentplane/agentplane/errors"
	"github.com/agentplane/agentplane/registry"
)

// Bus subjects for the agent lifecycle API. Agents on remote nodes
// drive their registration over request/reply on these.
const (
	SubjectRegister   = "agentplane.agent.register"
	SubjectStatus     = "agentplane.agent.status"
	SubjectDeregister = "agentplane.agent.deregister"
)

// RegisterRequest asks the manager to register an agent.
type RegisterRequest struct {
	ID           string             `json:"id,omitempty"`
	Name         string             `json:"name"`
	Type         registry.AgentType `json:"type"`
	Capabilities []string           `json:"capabilities,omitempty"`
	NodeID       string             `json:"node_id"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

// StatusRequest asks for a status transition.
type StatusRequest struct {
	AgentID string               `json:"agent_id"`
	Status  registry.AgentStatus `json:"status"`
}

// DeregisterRequest removes an agent.
type DeregisterRequest struct {
	AgentID string `json:"agent_id"`
}

// Reply is the manager's answer on any lifecycle subject.
type Reply struct {
	OK    bool            `json:"ok"`
	Agent *registry.Agent `json:"agent,omitempty"`
	Error *errors.Error   `json:"error,omitempty"`
}

// API serves the agent lifecycle over the bus. It is the remote face
// of a Manager; in-process callers use the Manager directly.
type API struct {
	bus bus.MessageBus
	mgr *Manager
	log *zap.Logger

	running atomic.Bool
	subs    []bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewAPI creates the bus-facing lifecycle API.
func NewAPI(b bus.MessageBus, mgr *Manager, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		bus: b,
		mgr: mgr,
		log: logger.Named("manager-api"),
	}
}

// Start subscribes to the lifecycle subjects. Queue subscriptions, so
// standby control planes can share the load.
func (a *API) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return errors.New(errors.ErrCodeInternal, "manager api already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for _, subject := range []string{SubjectRegister, SubjectStatus, SubjectDeregister} {
		sub, err := a.bus.QueueSubscribe(subject, "manager")
		if err != nil {
			a.stopSubs()
			a.running.Store(false)
			return errors.Wrap(err, "subscribe lifecycle subject")
		}
		a.subs = append(a.subs, sub)
	}

	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.run(ctx)
	return nil
}

func (a *API) run(ctx context.Context) {
	defer close(a.doneCh)

	// One goroutine per subject; doneCh closes after all drain.
	done := make(chan struct{}, len(a.subs))
	for _, sub := range a.subs {
		go func(sub bus.Subscription) {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case <-a.stopCh:
					return
				case msg, ok := <-sub.Messages():
					if !ok {
						return
					}
					a.handle(ctx, msg)
				}
			}
		}(sub)
	}
	for range a.subs {
		<-done
	}
}

func (a *API) handle(ctx context.Context, msg *bus.Message) {
	var reply Reply

	switch msg.Subject {
	case SubjectRegister:
		var req RegisterRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = errors.WrapWithCode(err, errors.ErrCodeInvalidMessage, "malformed register request")
			break
		}
		agent, err := a.mgr.RegisterAgent(ctx, registry.Agent{
			ID:           req.ID,
			Name:         req.Name,
			Type:         req.Type,
			Capabilities: req.Capabilities,
			NodeID:       req.NodeID,
			Metadata:     req.Metadata,
		})
		if err != nil {
			reply.Error = errors.Wrap(err, "register")
			break
		}
		reply.OK = true
		reply.Agent = &agent

	case SubjectStatus:
		var req StatusRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = errors.WrapWithCode(err, errors.ErrCodeInvalidMessage, "malformed status request")
			break
		}
		if err := a.mgr.UpdateStatus(ctx, req.AgentID, req.Status); err != nil {
			reply.Error = errors.Wrap(err, "update status")
			break
		}
		reply.OK = true

	case SubjectDeregister:
		var req DeregisterRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = errors.WrapWithCode(err, errors.ErrCodeInvalidMessage, "malformed deregister request")
			break
		}
		if err := a.mgr.DeregisterAgent(ctx, req.AgentID); err != nil {
			reply.Error = errors.Wrap(err, "deregister")
			break
		}
		reply.OK = true
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		a.log.Error("marshal reply", zap.Error(err))
		return
	}
	if err := a.bus.Publish(msg.Reply, data); err != nil {
		a.log.Warn("publish reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (a *API) stopSubs() {
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	a.subs = nil
}

// Stop unsubscribes and halts the API.
func (a *API) Stop() error {
	if !a.running.Swap(false) {
		return errors.New(errors.ErrCodeInternal, "manager api not started")
	}
	close(a.stopCh)
	a.stopSubs()
	<-a.doneCh
	return nil
}
