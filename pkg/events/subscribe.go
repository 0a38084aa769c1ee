package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/sqgraph/internal/backoff"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

// Sink receives events for a subscription. Delivery is best effort: the log
// retries failed deliveries with backoff and then drops the event.
type Sink interface {
	Deliver(ctx context.Context, ev *Event) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, ev *Event) error

// Deliver implements Sink
func (f SinkFunc) Deliver(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// ChannelSink forwards events to a channel, giving up when ctx is done
type ChannelSink chan<- *Event

// Deliver implements Sink
func (c ChannelSink) Deliver(ctx context.Context, ev *Event) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscription describes a registered subscription
type Subscription struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"created_at"`
	Delivered int64     `json:"delivered"`
	Dropped   int64     `json:"dropped"`
}

type subscription struct {
	info      Subscription
	sink      Sink
	queue     chan *Event
	done      chan struct{}
	delivered atomic.Int64
	dropped   atomic.Int64

	// mu is held for the whole of a delivery; unsubscribe takes it to make
	// sure no delivery starts after it returns.
	mu     sync.Mutex
	closed bool
}

// Subscribe registers sink for events whose name matches pattern
func (l *Log) Subscribe(pattern string, sink Sink) (string, error) {
	if pattern == "" {
		return "", core.ValidationError("subscribe", "pattern is required")
	}
	if sink == nil {
		return "", core.ValidationError("subscribe", "sink is required")
	}

	sub := &subscription{
		info: Subscription{
			ID:        uuid.NewString(),
			Pattern:   pattern,
			CreatedAt: core.Now(),
		},
		sink:  sink,
		queue: make(chan *Event, l.buffer),
		done:  make(chan struct{}),
	}

	l.mu.Lock()
	l.subs[sub.info.ID] = sub
	l.mu.Unlock()

	go l.run(sub)
	l.logger.Debug("subscription added", "id", sub.info.ID, "pattern", pattern)
	return sub.info.ID, nil
}

// Unsubscribe removes a subscription. Once it returns, the sink is never invoked
// again for this id. Unknown ids return ErrNotFound.
func (l *Log) Unsubscribe(id string) error {
	l.mu.Lock()
	sub, ok := l.subs[id]
	if ok {
		delete(l.subs, id)
	}
	l.mu.Unlock()
	if !ok {
		return core.NotFound("unsubscribe", "subscription "+id)
	}

	// abort any backoff sleep, then wait for an in-flight delivery
	close(sub.done)
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	close(sub.queue)
	l.logger.Debug("subscription removed", "id", id)
	return nil
}

// Subscriptions lists the active subscriptions
func (l *Log) Subscriptions() []Subscription {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Subscription, 0, len(l.subs))
	for _, sub := range l.subs {
		info := sub.info
		info.Delivered = sub.delivered.Load()
		info.Dropped = sub.dropped.Load()
		out = append(out, info)
	}
	return out
}

// Publish hands committed events to matching subscriptions without blocking.
// Events are dropped for a subscription whose queue is full.
func (l *Log) Publish(evs ...*Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ev := range evs {
		for _, sub := range l.subs {
			if !MatchPattern(sub.info.Pattern, ev.Event) {
				continue
			}
			select {
			case sub.queue <- ev:
			default:
				sub.dropped.Add(1)
				l.logger.Warn("subscription queue full, dropping event", "subscription", sub.info.ID, "event", ev.Event)
			}
		}
	}
}

func (l *Log) run(sub *subscription) {
	for ev := range sub.queue {
		l.deliver(sub, ev)
	}
}

func (l *Log) deliver(sub *subscription, ev *Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := backoff.DoNotify(ctx, l.retry, nil, func() error {
		return sub.sink.Deliver(ctx, ev)
	}, func(attempt int, sleep time.Duration, err error) {
		l.logger.Warn("sink delivery retry", "subscription", sub.info.ID, "attempt", attempt, "sleep_ms", sleep.Milliseconds(), "error", err)
	})
	if err != nil {
		sub.dropped.Add(1)
		l.logger.Error("sink delivery failed", "subscription", sub.info.ID, "event", ev.Event, "error", err)
		return
	}
	sub.delivered.Add(1)
}

// Close removes every subscription
func (l *Log) Close() error {
	l.mu.RLock()
	ids := make([]string, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	for _, id := range ids {
		if err := l.Unsubscribe(id); err != nil && !isNotFound(err) {
			return fmt.Errorf("close subscriptions: %w", err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return core.Kind(err) == core.ErrNotFound
}
