package transport

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/bus"
	"github.com/agentplane/agentplane/errors"
	"github.com/agentplane/agentplane/registry"
)

// BusTransport delivers messages over the message bus: envelopes go
// out on per-node subjects, completion reports come back on a shared
// completion subject.
type BusTransport struct {
	bus bus.MessageBus
	log *zap.Logger

	compSub     bus.Subscription
	completions chan *Completion
	closed      atomic.Bool
	done        chan struct{}
}

// NewBusTransport creates a bus-backed transport and starts consuming
// completion reports.
func NewBusTransport(b bus.MessageBus, logger *zap.Logger) (*BusTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &BusTransport{
		bus:         b,
		log:         logger.Named("transport"),
		completions: make(chan *Completion, 256),
		done:        make(chan struct{}),
	}

	sub, err := b.Subscribe(CompletionSubject)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe completions")
	}
	t.compSub = sub
	go t.consumeCompletions()
	return t, nil
}

func (t *BusTransport) consumeCompletions() {
	defer close(t.done)
	for msg := range t.compSub.Messages() {
		comp, err := UnmarshalCompletion(msg.Data)
		if err != nil {
			t.log.Warn("malformed completion", zap.Error(err))
			continue
		}
		if err := comp.Validate(); err != nil {
			t.log.Warn("invalid completion", zap.Error(err))
			continue
		}
		select {
		case t.completions <- comp:
		default:
			t.log.Warn("completion channel full, dropping report",
				zap.String("message", comp.MessageID))
		}
	}
}

// Deliver publishes the message to the destination node's subject.
func (t *BusTransport) Deliver(ctx context.Context, agent registry.Agent, msg *registry.Message) error {
	if t.closed.Load() {
		return errors.New(errors.ErrCodeClosed, "transport closed")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "deliver", errors.WithMessageID(msg.ID))
	}

	env := &Envelope{AgentID: agent.ID, Message: msg}
	data, err := env.Marshal()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidMessage, "marshal envelope",
			errors.WithMessageID(msg.ID))
	}
	if err := t.bus.Publish(NodeSubject(agent.NodeID), data); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeDeliveryFailed, "publish envelope",
			errors.WithNodeID(agent.NodeID), errors.WithMessageID(msg.ID))
	}
	return nil
}

// Completions returns the completion stream.
func (t *BusTransport) Completions() <-chan *Completion {
	return t.completions
}

// Close stops consuming and closes the stream.
func (t *BusTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.compSub.Unsubscribe()
	<-t.done
	close(t.completions)
	return nil
}

// Listener is the node-side counterpart of BusTransport: it consumes
// envelopes for one node, runs the node's handler, and publishes the
// completion reports. Redelivery of a message the node already
// completed republishes the original report instead of re-running the
// handler.
type Listener struct {
	bus     bus.MessageBus
	nodeID  string
	handler Handler
	log     *zap.Logger

	done *completedSet

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewListener creates a node-side envelope consumer.
func NewListener(b bus.MessageBus, nodeID string, h Handler, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		bus:     b,
		nodeID:  nodeID,
		handler: h,
		log:     logger.Named("listener").With(zap.String("node", nodeID)),
		done:    newCompletedSet(),
	}
}

// Start subscribes to this node's delivery subject.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Swap(true) {
		return errors.New(errors.ErrCodeInternal, "listener already started")
	}

	sub, err := l.bus.Subscribe(NodeSubject(l.nodeID))
	if err != nil {
		l.running.Store(false)
		return errors.Wrap(err, "subscribe node subject")
	}
	l.sub = sub

	if ctx == nil {
		ctx = context.Background()
	}
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.run(ctx)
	return nil
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.doneCh)

	for {
		select {
		case <-ctx.Done():
			l.running.Store(false)
			return
		case <-l.stopCh:
			return
		case msg, ok := <-l.sub.Messages():
			if !ok {
				return
			}
			l.handle(ctx, msg)
		}
	}
}

func (l *Listener) handle(ctx context.Context, busMsg *bus.Message) {
	env, err := UnmarshalEnvelope(busMsg.Data)
	if err != nil {
		l.log.Warn("malformed envelope", zap.Error(err))
		return
	}

	// At-least-once delivery: a finished id gets its original report
	// republished in case the first one was lost. Failed ids are not
	// remembered, so a retry of them reaches the handler again.
	if prior := l.done.lookup(env.Message.ID); prior != nil {
		l.log.Debug("duplicate delivery, republishing completion",
			zap.String("message", env.Message.ID))
		l.publish(prior)
		return
	}

	l.publish(&Completion{
		MessageID: env.Message.ID,
		AgentID:   env.AgentID,
		Outcome:   OutcomeProcessing,
		Timestamp: time.Now(),
	})

	comp, err := l.handler(ctx, env.AgentID, env.Message)
	if err != nil {
		comp = &Completion{
			MessageID: env.Message.ID,
			AgentID:   env.AgentID,
			Outcome:   OutcomeFailed,
			Error:     errors.Wrap(err, "handler failed", errors.WithMessageID(env.Message.ID)),
		}
	}
	if comp == nil {
		comp = &Completion{
			MessageID: env.Message.ID,
			AgentID:   env.AgentID,
			Outcome:   OutcomeCompleted,
		}
	}
	if comp.Timestamp.IsZero() {
		comp.Timestamp = time.Now()
	}

	if comp.Outcome == OutcomeCompleted {
		l.done.record(comp)
	}
	l.publish(comp)
}

func (l *Listener) publish(comp *Completion) {
	data, err := comp.Marshal()
	if err != nil {
		l.log.Error("marshal completion", zap.Error(err))
		return
	}
	if err := l.bus.Publish(CompletionSubject, data); err != nil {
		l.log.Warn("publish completion", zap.String("message", comp.MessageID), zap.Error(err))
	}
}

// Stop unsubscribes and halts the listener.
func (l *Listener) Stop() error {
	if !l.running.Swap(false) {
		return errors.New(errors.ErrCodeInternal, "listener not started")
	}
	close(l.stopCh)
	l.sub.Unsubscribe()
	<-l.doneCh
	return nil
}
