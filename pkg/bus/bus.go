// Package bus is an in-process broker delivering events to independently
// registered consumers. Delivery is at-least-once: a failing handler is
// redelivered a bounded number of times at a fixed interval and then routed
// to a dead-letter channel. Publish order is preserved per consumer, so the
// per-aggregate order the publisher produces is the order handlers observe.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type Event struct {
	ID          string
	AggregateID string
	Type        string
	Payload     []byte
	OccurredAt  time.Time
}

type Handler func(ctx context.Context, e Event) error

// Policy bounds redelivery. MaxRetries counts redeliveries after the first
// attempt; Interval is the fixed backoff between them. Operator-configured.
type Policy struct {
	MaxRetries int
	Interval   time.Duration
}

type DeadLetter struct {
	Consumer string
	Event    Event
	Attempts int
	LastErr  error
}

var ErrClosed = errors.New("bus closed")

type subscription struct {
	name    string
	types   map[string]struct{}
	handler Handler
	ch      chan Event
}

func (s *subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

type Broker struct {
	log    *slog.Logger
	policy Policy
	dead   chan DeadLetter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

func New(log *slog.Logger, policy Policy) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		log:    log,
		policy: policy,
		dead:   make(chan DeadLetter, 64),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a named consumer for the given event types (all types
// when none are given) and starts its delivery loop. Each consumer has its
// own queue: a slow or failing handler never blocks the others.
func (b *Broker) Subscribe(name string, handler Handler, types ...string) {
	sub := &subscription{
		name:    name,
		types:   make(map[string]struct{}, len(types)),
		handler: handler,
		ch:      make(chan Event, 256),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(sub)
}

// Publish hands the event to every subscribed consumer's queue. It blocks
// when a queue is full rather than dropping or reordering.
func (b *Broker) Publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return ErrClosed
		}
	}
	return nil
}

// DeadLetters exposes undeliverable events for manual inspection.
func (b *Broker) DeadLetters() <-chan DeadLetter {
	return b.dead
}

// Close stops accepting publishes, drains consumer queues, and closes the
// dead-letter channel.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	b.wg.Wait()
	b.cancel()
	close(b.dead)
}

func (b *Broker) consume(sub *subscription) {
	defer b.wg.Done()

	for e := range sub.ch {
		b.deliver(sub, e)
	}
}

func (b *Broker) deliver(sub *subscription, e Event) {
	attempts := 0
	for {
		attempts++
		err := sub.handler(b.ctx, e)
		if err == nil {
			return
		}

		b.log.Warn("handler failed",
			"consumer", sub.name, "event_id", e.ID, "type", e.Type,
			"attempt", attempts, "err", err)

		if attempts > b.policy.MaxRetries {
			b.deadLetter(DeadLetter{Consumer: sub.name, Event: e, Attempts: attempts, LastErr: err})
			return
		}

		select {
		case <-time.After(b.policy.Interval):
		case <-b.ctx.Done():
			b.deadLetter(DeadLetter{Consumer: sub.name, Event: e, Attempts: attempts, LastErr: err})
			return
		}
	}
}

func (b *Broker) deadLetter(dl DeadLetter) {
	b.log.Error("event dead-lettered",
		"consumer", dl.Consumer, "event_id", dl.Event.ID, "type", dl.Event.Type,
		"attempts", dl.Attempts, "err", dl.LastErr)
	select {
	case b.dead <- dl:
	default:
		// Inspection channel full; the log line above is the fallback.
	}
}
