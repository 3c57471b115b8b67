package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus implements MessageBus using in-process channels. It
// supports the same subject wildcards as NATS, so code written against
// it behaves identically when pointed at a real cluster.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        []*memorySub
	queueGroups map[string]map[string][]*memorySub // pattern -> queue -> subs
	queueCursor map[string]int                     // pattern.queue -> rotation cursor
	closed      atomic.Bool

	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  uint64
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		queueGroups: make(map[string]map[string][]*memorySub),
		queueCursor: make(map[string]int),
		replySubs:   make(map[string]chan *Message),
	}
}

// Publish sends a message to all matching subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	b.deliverToSubscribers(subject, msg)
	b.deliverToQueueGroups(subject, msg)
	b.deliverToReply(subject, msg)

	return nil
}

// deliverToSubscribers fans out to every subscription whose pattern
// matches the subject.
func (b *MemoryBus) deliverToSubscribers(subject string, msg *Message) {
	b.mu.RLock()
	subs := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		if SubjectMatches(sub.pattern, subject) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.closed.Load() {
			select {
			case sub.ch <- msg:
			default:
				// Buffer full, drop message
			}
		}
	}
}

// deliverToQueueGroups sends to one subscriber per matching queue group,
// rotating through members for rough load balancing.
func (b *MemoryBus) deliverToQueueGroups(subject string, msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for pattern, queues := range b.queueGroups {
		if !SubjectMatches(pattern, subject) {
			continue
		}
		for queue, qsubs := range queues {
			if len(qsubs) == 0 {
				continue
			}
			key := pattern + " " + queue
			start := b.queueCursor[key] % len(qsubs)
			b.queueCursor[key] = start + 1
			for i := 0; i < len(qsubs); i++ {
				sub := qsubs[(start+i)%len(qsubs)]
				if sub.closed.Load() {
					continue
				}
				select {
				case sub.ch <- msg:
					i = len(qsubs) // delivered, stop
				default:
				}
			}
		}
	}
}

// deliverToReply handles reply subjects for request/reply.
func (b *MemoryBus) deliverToReply(subject string, msg *Message) {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subject]
	if ok {
		delete(b.replySubs, subject)
	}
	b.replyMu.Unlock()

	if ok {
		select {
		case ch <- msg:
		default:
		}
		close(ch)
	}
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string][]*memorySub)
	}
	b.queueGroups[subject][queue] = append(b.queueGroups[subject][queue], sub)
	b.mu.Unlock()

	return sub, nil
}

// Request sends a request and waits for a single reply.
func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := b.createReplySubject()
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	msg := &Message{
		Subject: subject,
		Data:    data,
		Reply:   replySubject,
	}

	b.deliverToSubscribers(subject, msg)
	b.deliverToQueueGroups(subject, msg)

	select {
	case reply, ok := <-replyCh:
		if !ok || reply == nil {
			return nil, ErrTimeout
		}
		return reply, nil
	case <-time.After(timeout):
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
		return nil, ErrTimeout
	}
}

// createReplySubject generates a unique inbox subject.
func (b *MemoryBus) createReplySubject() string {
	seq := atomic.AddUint64(&b.replySeq, 1)
	return fmt.Sprintf("_INBOX.%d", seq)
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}

	for _, queues := range b.queueGroups {
		for _, subs := range queues {
			for _, sub := range subs {
				if !sub.closed.Swap(true) {
					close(sub.ch)
				}
			}
		}
	}

	b.subs = nil
	b.queueGroups = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.queue == "" {
		s.bus.removeSub(s)
	} else {
		s.bus.removeQueueSub(s)
	}

	close(s.ch)
	return nil
}

// removeSub removes a regular subscription. Caller holds the bus lock.
func (b *MemoryBus) removeSub(target *memorySub) {
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// removeQueueSub removes a queue subscription. Caller holds the bus lock.
func (b *MemoryBus) removeQueueSub(target *memorySub) {
	queues := b.queueGroups[target.pattern]
	if queues == nil {
		return
	}
	subs := queues[target.queue]
	for i, sub := range subs {
		if sub == target {
			queues[target.queue] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
