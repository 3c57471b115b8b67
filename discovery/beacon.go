package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/bus"
	"github.com/agentplane/agentplane/errors"
)

// SubjectPrefix is the bus subject prefix for node heartbeats.
const SubjectPrefix = "agentplane.heartbeat."

// Pulse is a single heartbeat on the wire.
type Pulse struct {
	// NodeID identifies the reporting node.
	NodeID string `json:"node_id"`

	// Address is the node's routable endpoint, carried so the control
	// plane can re-register a reaped node without a side channel.
	Address string `json:"address"`

	// Load is the node's current load metric.
	Load float64 `json:"load"`

	// Capacity is the node's declared capacity.
	Capacity float64 `json:"capacity"`

	// Timestamp is when the pulse was generated.
	Timestamp time.Time `json:"timestamp"`
}

// Marshal serializes a pulse to JSON.
func (p *Pulse) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPulse deserializes a pulse from JSON.
func UnmarshalPulse(data []byte) (*Pulse, error) {
	var p Pulse
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Subject returns the bus subject for this pulse.
func (p *Pulse) Subject() string {
	return SubjectPrefix + p.NodeID
}

// BeaconConfig configures a node-side heartbeat publisher.
type BeaconConfig struct {
	// Bus carries the heartbeats.
	Bus bus.MessageBus

	// NodeID is this node's identity.
	NodeID string

	// Address is this node's routable endpoint.
	Address string

	// Interval between heartbeats. Default: 5 seconds.
	Interval time.Duration

	// Capacity is the declared capacity reported in every pulse.
	// Default: 1.
	Capacity float64
}

// Validate checks the configuration.
func (c *BeaconConfig) Validate() error {
	if c.Bus == nil || c.NodeID == "" {
		return errors.New(errors.ErrCodeInvalidMessage, "beacon requires a bus and node id")
	}
	return nil
}

// Beacon publishes periodic heartbeats for one node. The hosting
// process updates the load figure as work starts and finishes.
type Beacon struct {
	bus      bus.MessageBus
	nodeID   string
	address  string
	interval time.Duration

	mu       sync.RWMutex
	load     float64
	capacity float64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBeacon creates a heartbeat publisher.
func NewBeacon(cfg BeaconConfig) (*Beacon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().HeartbeatInterval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	return &Beacon{
		bus:      cfg.Bus,
		nodeID:   cfg.NodeID,
		address:  cfg.Address,
		interval: cfg.Interval,
		capacity: cfg.Capacity,
	}, nil
}

// Start begins publishing at the configured interval. The first pulse
// goes out immediately.
func (b *Beacon) Start(ctx context.Context) error {
	if b.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.run(ctx)
	return nil
}

func (b *Beacon) run(ctx context.Context) {
	defer close(b.doneCh)

	b.publish()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.running.Store(false)
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.publish()
		}
	}
}

func (b *Beacon) publish() error {
	b.mu.RLock()
	pulse := &Pulse{
		NodeID:    b.nodeID,
		Address:   b.address,
		Load:      b.load,
		Capacity:  b.capacity,
		Timestamp: time.Now(),
	}
	b.mu.RUnlock()

	data, err := pulse.Marshal()
	if err != nil {
		return err
	}
	return b.bus.Publish(pulse.Subject(), data)
}

// SetLoad updates the load figure reported in subsequent pulses.
func (b *Beacon) SetLoad(load float64) {
	b.mu.Lock()
	if load < 0 {
		load = 0
	}
	b.load = load
	b.mu.Unlock()
}

// Stop stops publishing.
func (b *Beacon) Stop() error {
	if !b.running.Swap(false) {
		return ErrNotStarted
	}
	close(b.stopCh)
	<-b.doneCh
	return nil
}

// Source consumes heartbeats off the bus and feeds the discovery
// service. When a pulse arrives for a reaped node it re-registers it,
// which is the self-healing path after a long pause.
type Source struct {
	bus bus.MessageBus
	svc *Service
	log *zap.Logger

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSource creates a bus-fed heartbeat source for a service.
func NewSource(b bus.MessageBus, svc *Service, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		bus: b,
		svc: svc,
		log: logger.Named("heartbeat-source"),
	}
}

// Start subscribes to all heartbeat subjects.
func (s *Source) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	sub, err := s.bus.Subscribe(SubjectPrefix + ">")
	if err != nil {
		s.running.Store(false)
		return errors.Wrap(err, "subscribe heartbeats")
	}
	s.sub = sub

	if ctx == nil {
		ctx = context.Background()
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Source) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case msg, ok := <-s.sub.Messages():
			if !ok {
				return
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Source) handle(ctx context.Context, msg *bus.Message) {
	pulse, err := UnmarshalPulse(msg.Data)
	if err != nil {
		s.log.Warn("malformed pulse", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}

	err = s.svc.Heartbeat(ctx, pulse.NodeID, pulse.Load, pulse.Capacity)
	if errors.Is(err, errors.ErrCodeNotFound) {
		// Reaped while away. Register fresh and replay the pulse.
		if err := s.svc.RegisterNode(ctx, pulse.NodeID, pulse.Address); err != nil {
			s.log.Warn("re-register failed", zap.String("node", pulse.NodeID), zap.Error(err))
			return
		}
		err = s.svc.Heartbeat(ctx, pulse.NodeID, pulse.Load, pulse.Capacity)
	}
	if err != nil {
		s.log.Warn("heartbeat rejected", zap.String("node", pulse.NodeID), zap.Error(err))
	}
}

// Stop unsubscribes and halts the source.
func (s *Source) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	s.sub.Unsubscribe()
	<-s.doneCh
	return nil
}
