// Package router drives a message through its delivery lifecycle:
// validate, select a destination, deliver, watch the completion, retry
// with backoff on transient failure, and dead-letter what exhausts its
// attempt budget. Broadcasts fan out to every matching agent as child
// messages, best-effort.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentplane/agentplane/audit"
	"github.com/agentplane/agentplane/balancer"
	"github.com/agentplane/agentplane/errors"
	"github.com/agentplane/agentplane/internal/telemetry"
	"github.com/agentplane/agentplane/registry"
	"github.com/agentplane/agentplane/transport"
)

// Config configures the router.
type Config struct {
	// MaxAttempts is the delivery attempt ceiling per message (or per
	// broadcast recipient). Default: 3.
	MaxAttempts int

	// BackoffBase is the first retry delay; attempt n waits
	// base * 2^(n-1), capped at BackoffCap. Default: 100ms.
	BackoffBase time.Duration

	// BackoffCap bounds the retry delay. Default: 5s.
	BackoffCap time.Duration

	// BroadcastParallelism bounds concurrent broadcast deliveries.
	// Default: 8.
	BroadcastParallelism int

	// Logger for routing decisions. Default: zap.NewNop().
	Logger *zap.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 100 * time.Millisecond
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 5 * time.Second
	}
	if out.BroadcastParallelism <= 0 {
		out.BroadcastParallelism = 8
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Receipt acknowledges a Send. For broadcasts AgentID is empty and
// Recipients counts the fan-out.
type Receipt struct {
	MessageID  string
	AgentID    string
	NodeID     string
	Attempt    int
	Recipients int
}

// Finder produces broadcast recipients. Satisfied by discovery.Service.
type Finder interface {
	FindAgents(sel registry.Selector) []registry.Agent
}

// tracked is the router's record of one in-flight message.
type tracked struct {
	msg     *registry.Message
	agentID string
	timer   *time.Timer
	sentAt  time.Time
}

// Router owns the message state machine.
type Router struct {
	store     *registry.Store
	balancer  *balancer.Balancer
	finder    Finder
	deliverer transport.Deliverer
	comps     transport.CompletionSource
	auditor   audit.Store
	cfg       Config
	log       *zap.Logger

	mu       sync.Mutex
	inflight map[string]*tracked
	deadCBs  []func(audit.Entry)
	stopped  bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a router. The audit store may be nil; dead letters are
// then only logged.
func New(store *registry.Store, bal *balancer.Balancer, finder Finder,
	del transport.Deliverer, comps transport.CompletionSource,
	auditor audit.Store, cfg Config) *Router {

	cfg = cfg.withDefaults()
	return &Router{
		store:     store,
		balancer:  bal,
		finder:    finder,
		deliverer: del,
		comps:     comps,
		auditor:   auditor,
		cfg:       cfg,
		log:       cfg.Logger.Named("router"),
		inflight:  make(map[string]*tracked),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the completion consumer.
func (r *Router) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.wg.Add(1)
	go r.consumeCompletions(ctx)
	return nil
}

// Stop halts retries and the completion consumer. In-flight messages
// stay in their current state.
func (r *Router) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	for _, tr := range r.inflight {
		if tr.timer != nil {
			tr.timer.Stop()
		}
	}
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	return nil
}

// OnDeadLetter registers a callback invoked after a message is
// dead-lettered and recorded.
func (r *Router) OnDeadLetter(fn func(audit.Entry)) {
	r.mu.Lock()
	r.deadCBs = append(r.deadCBs, fn)
	r.mu.Unlock()
}

// Send routes one message. The message must validate and its sender
// must be a registered agent. An empty id is assigned a UUID. The
// returned receipt reflects the first delivery; retries continue in
// the background.
func (r *Router) Send(ctx context.Context, msg *registry.Message) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "send")
	}
	if msg == nil {
		return nil, errors.New(errors.ErrCodeInvalidMessage, "nil message")
	}

	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Status = registry.MessageCreated

	if err := msg.Validate(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidMessage, "invalid message",
			errors.WithMessageID(msg.ID))
	}
	if _, ok := r.store.GetAgent(msg.SenderID); !ok {
		return nil, errors.New(errors.ErrCodeNotFound, "sender not registered",
			errors.WithAgentID(msg.SenderID), errors.WithMessageID(msg.ID))
	}

	if msg.Type == registry.TypeBroadcast {
		return r.broadcast(ctx, msg)
	}
	return r.route(ctx, msg)
}

// route selects a destination and performs the first delivery attempt.
func (r *Router) route(ctx context.Context, msg *registry.Message) (*Receipt, error) {
	chosen, err := r.balancer.Select(ctx, msg.Target, msg.CorrelationID)
	if err != nil {
		// The failure still leaves a trace: Status and audit searches
		// must find it after the error is returned.
		msg.Status = registry.MessageFailed
		r.recordFailed(msg, err)
		r.log.Warn("no destination",
			zap.String("message", msg.ID), zap.Error(err))
		return nil, errors.Wrap(err, "route message", errors.WithMessageID(msg.ID))
	}

	msg.Status = registry.MessageRouted
	telemetry.MessagesRouted.WithLabelValues(string(r.balancer.Policy())).Inc()

	tr := &tracked{msg: msg, agentID: chosen.ID, sentAt: time.Now()}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, errors.New(errors.ErrCodeClosed, "router stopped")
	}
	r.inflight[msg.ID] = tr
	r.mu.Unlock()

	r.attempt(ctx, tr, chosen)

	r.mu.Lock()
	attempt := msg.Attempt
	r.mu.Unlock()
	return &Receipt{
		MessageID: msg.ID,
		AgentID:   chosen.ID,
		NodeID:    chosen.NodeID,
		Attempt:   attempt,
	}, nil
}

// attempt performs one delivery. On transient failure it schedules the
// next attempt; on exhaustion or a permanent error it dead-letters.
// Tracked state is only touched under r.mu: the completion consumer
// mutates it concurrently.
func (r *Router) attempt(ctx context.Context, tr *tracked, agent registry.Agent) {
	r.mu.Lock()
	if r.stopped || r.inflight[tr.msg.ID] != tr {
		r.mu.Unlock()
		return
	}
	tr.msg.Attempt++
	attempt := tr.msg.Attempt
	wire := tr.msg.Clone()
	r.mu.Unlock()

	err := r.deliverer.Deliver(ctx, agent, wire)
	if err == nil {
		r.mu.Lock()
		// A fast agent's completion report can outrun the Deliver
		// return; never move a message backwards from what the report
		// already recorded.
		if r.inflight[tr.msg.ID] == tr {
			switch tr.msg.Status {
			case registry.MessageRouted, registry.MessageFailed:
				tr.msg.Status = registry.MessageDelivered
			}
			tr.agentID = agent.ID
		}
		r.mu.Unlock()
		telemetry.MessagesDelivered.Inc()
		telemetry.RoutingDuration.Observe(time.Since(tr.sentAt).Seconds())
		r.log.Debug("message delivered",
			zap.String("message", tr.msg.ID),
			zap.String("agent", agent.ID),
			zap.Int("attempt", attempt))
		return
	}

	r.log.Warn("delivery failed",
		zap.String("message", tr.msg.ID),
		zap.String("agent", agent.ID),
		zap.Int("attempt", attempt),
		zap.Error(err))

	if !errors.IsRetryable(err) || attempt >= r.cfg.MaxAttempts {
		r.deadLetter(tr, err)
		return
	}
	r.mu.Lock()
	tr.msg.Status = registry.MessageFailed
	r.mu.Unlock()
	r.scheduleRetry(tr)
}

// scheduleRetry arms the backoff timer for the next attempt.
func (r *Router) scheduleRetry(tr *tracked) {
	telemetry.MessageRetries.Inc()

	r.mu.Lock()
	if r.stopped || r.inflight[tr.msg.ID] != tr {
		r.mu.Unlock()
		return
	}
	attempt := tr.msg.Attempt
	delay := r.backoff(attempt)
	tr.timer = time.AfterFunc(delay, func() { r.retry(tr) })
	r.mu.Unlock()

	r.log.Debug("retry scheduled",
		zap.String("message", tr.msg.ID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

// retry re-selects a destination; the candidate set may have changed
// since the failed attempt.
func (r *Router) retry(tr *tracked) {
	select {
	case <-r.stopCh:
		return
	default:
	}

	ctx := context.Background()
	chosen, err := r.balancer.Select(ctx, tr.msg.Target, tr.msg.CorrelationID)
	if err != nil {
		r.mu.Lock()
		again := errors.IsRetryable(err) && tr.msg.Attempt < r.cfg.MaxAttempts
		if again {
			tr.msg.Attempt++
		}
		r.mu.Unlock()
		if again {
			r.scheduleRetry(tr)
			return
		}
		r.deadLetter(tr, err)
		return
	}
	r.attempt(ctx, tr, chosen)
}

func (r *Router) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.BackoffCap {
			return r.cfg.BackoffCap
		}
	}
	if d > r.cfg.BackoffCap {
		d = r.cfg.BackoffCap
	}
	return d
}

// broadcast fans the message out to every matching agent. Each
// recipient gets a child message with its own id and delivery state;
// one recipient failing never affects the others.
func (r *Router) broadcast(ctx context.Context, msg *registry.Message) (*Receipt, error) {
	recipients := r.finder.FindAgents(msg.Target)
	if len(recipients) == 0 {
		err := errors.New(errors.ErrCodeNoCandidate,
			"no routable agent matches broadcast selector",
			errors.WithMessageID(msg.ID))
		msg.Status = registry.MessageFailed
		r.recordFailed(msg, err)
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.BroadcastParallelism)

	for _, agent := range recipients {
		agent := agent
		g.Go(func() error {
			child := msg.Clone()
			child.ID = msg.ID + "." + agent.ID
			child.Target = registry.Selector{AgentID: agent.ID}
			child.Status = registry.MessageRouted
			telemetry.MessagesRouted.WithLabelValues(string(r.balancer.Policy())).Inc()

			tr := &tracked{msg: child, agentID: agent.ID, sentAt: time.Now()}
			r.mu.Lock()
			if r.stopped {
				r.mu.Unlock()
				return nil
			}
			r.inflight[child.ID] = tr
			r.mu.Unlock()

			r.attempt(gctx, tr, agent)
			return nil
		})
	}
	g.Wait()

	r.log.Info("broadcast fanned out",
		zap.String("message", msg.ID),
		zap.Int("recipients", len(recipients)))
	return &Receipt{MessageID: msg.ID, Recipients: len(recipients)}, nil
}

// consumeCompletions applies agent completion reports to in-flight
// messages.
func (r *Router) consumeCompletions(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case comp, ok := <-r.comps.Completions():
			if !ok {
				return
			}
			r.handleCompletion(comp)
		}
	}
}

func (r *Router) handleCompletion(comp *transport.Completion) {
	r.mu.Lock()
	tr, ok := r.inflight[comp.MessageID]
	if !ok {
		r.mu.Unlock()
		// Late report for a message already resolved. Dedup at the
		// transport makes this rare but not impossible.
		r.log.Debug("completion for unknown message",
			zap.String("message", comp.MessageID))
		return
	}

	switch comp.Outcome {
	case transport.OutcomeProcessing:
		// Progress report: the agent has picked the message up. Never
		// moves a message backwards from failed or a terminal state.
		switch tr.msg.Status {
		case registry.MessageRouted, registry.MessageDelivered:
			tr.msg.Status = registry.MessageProcessing
		}
		r.mu.Unlock()

	case transport.OutcomeCompleted:
		tr.msg.Status = registry.MessageCompleted
		delete(r.inflight, comp.MessageID)
		entry := entryFor(tr, "")
		corr, typ := tr.msg.CorrelationID, tr.msg.Type
		r.mu.Unlock()

		telemetry.MessagesCompleted.WithLabelValues("completed").Inc()
		r.record(entry)
		if corr != "" && typ == registry.TypeResponse {
			// The conversation is answered; the sticky binding can go.
			r.balancer.Forget(corr)
		}

	case transport.OutcomeFailed:
		var cause error = comp.Error
		if comp.Error == nil {
			cause = errors.New(errors.ErrCodeInternal, "agent reported failure")
		}
		again := errors.IsRetryable(cause) && tr.msg.Attempt < r.cfg.MaxAttempts
		if again {
			tr.msg.Status = registry.MessageFailed
		}
		r.mu.Unlock()

		telemetry.MessagesCompleted.WithLabelValues("failed").Inc()
		if again {
			r.scheduleRetry(tr)
		} else {
			r.deadLetter(tr, cause)
		}

	default:
		r.mu.Unlock()
	}
}

// record writes one audit entry, logging rather than failing the
// routing path when the store rejects it.
func (r *Router) record(entry audit.Entry) {
	if r.auditor == nil {
		return
	}
	if err := r.auditor.Record(context.Background(), entry); err != nil {
		r.log.Warn("audit record failed",
			zap.String("message", entry.MessageID), zap.Error(err))
	}
}

// recordFailed leaves an audit trace for a message that failed before
// entering the in-flight table.
func (r *Router) recordFailed(msg *registry.Message, cause error) {
	r.record(audit.Entry{
		MessageID:     msg.ID,
		SenderID:      msg.SenderID,
		Status:        msg.Status,
		Reason:        cause.Error(),
		Attempts:      msg.Attempt,
		CorrelationID: msg.CorrelationID,
		Payload:       msg.Payload,
		RecordedAt:    time.Now(),
	})
}

// deadLetter parks a message that exhausted its budget (or hit a
// permanent error) and notifies subscribers.
func (r *Router) deadLetter(tr *tracked, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	r.mu.Lock()
	if r.inflight[tr.msg.ID] != tr {
		// Resolved by a completion while the failed attempt unwound.
		r.mu.Unlock()
		return
	}
	tr.msg.Status = registry.MessageDeadLettered
	delete(r.inflight, tr.msg.ID)
	entry := entryFor(tr, reason)
	cbs := append([]func(audit.Entry){}, r.deadCBs...)
	r.mu.Unlock()

	telemetry.MessagesDeadLettered.Inc()
	r.record(entry)
	r.log.Error("message dead-lettered",
		zap.String("message", entry.MessageID),
		zap.Int("attempts", entry.Attempts),
		zap.String("reason", reason))

	for _, fn := range cbs {
		fn(entry)
	}
}

// entryFor snapshots a tracked message. Caller holds r.mu.
func entryFor(tr *tracked, reason string) audit.Entry {
	return audit.Entry{
		MessageID:     tr.msg.ID,
		SenderID:      tr.msg.SenderID,
		AgentID:       tr.agentID,
		Status:        tr.msg.Status,
		Reason:        reason,
		Attempts:      tr.msg.Attempt,
		CorrelationID: tr.msg.CorrelationID,
		Payload:       tr.msg.Payload,
		RecordedAt:    time.Now(),
	}
}

// Status reports a message's current routing state. In-flight messages
// answer from memory; resolved ones from the audit store.
func (r *Router) Status(ctx context.Context, messageID string) (registry.MessageStatus, error) {
	r.mu.Lock()
	if tr, ok := r.inflight[messageID]; ok {
		st := tr.msg.Status
		r.mu.Unlock()
		return st, nil
	}
	r.mu.Unlock()

	if r.auditor != nil {
		entry, found, err := r.auditor.Get(ctx, messageID)
		if err != nil {
			return "", errors.Wrap(err, "audit lookup", errors.WithMessageID(messageID))
		}
		if found {
			return entry.Status, nil
		}
	}
	return "", errors.New(errors.ErrCodeNotFound, "message unknown",
		errors.WithMessageID(messageID))
}

// PurgeBefore drops resolved audit entries older than the cutoff.
func (r *Router) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if r.auditor == nil {
		return 0, nil
	}
	return r.auditor.PurgeBefore(ctx, cutoff)
}
