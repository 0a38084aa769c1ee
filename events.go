package sqgraph

import (
	"context"
	"time"

	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/events"
	"github.com/liliang-cn/sqgraph/pkg/replay"
)

type (
	// Event is one row of the event log
	Event = events.Event
	// EventFilter selects events for QueryEvents
	EventFilter = events.Filter
	// EventPage is one page of QueryEvents results
	EventPage = events.Page
	// Sink receives events of a subscription
	Sink = events.Sink
	// ReplayOptions selects the events Replay applies
	ReplayOptions = replay.Options
	// ReplayResult summarizes a Replay
	ReplayResult = replay.Result
)

func (n *Namespace) events(op string) (*events.Log, error) {
	if n.log == nil {
		return nil, unavailable(op, "events are disabled for namespace "+n.name)
	}
	return n.log, nil
}

// AppendEvent records a custom event. The actor defaults to the context actor.
func (n *Namespace) AppendEvent(ctx context.Context, ev *Event) (*Event, error) {
	if _, err := n.events("append_event"); err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, core.ValidationError("append_event", "event is required")
	}
	var out *Event
	err := n.mutate(ctx, func(q core.Querier) ([]*events.Event, error) {
		out = ev
		return []*events.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryEvents returns one page of events matching f
func (n *Namespace) QueryEvents(ctx context.Context, f EventFilter) (*EventPage, error) {
	l, err := n.events("query_events")
	if err != nil {
		return nil, err
	}
	return l.Query(ctx, f)
}

// Event returns one event by id or ErrNotFound
func (n *Namespace) Event(ctx context.Context, id string) (*Event, error) {
	l, err := n.events("get_event")
	if err != nil {
		return nil, err
	}
	return l.Get(ctx, id)
}

// EventStats counts events per event name
func (n *Namespace) EventStats(ctx context.Context) (map[string]int64, error) {
	l, err := n.events("event_stats")
	if err != nil {
		return nil, err
	}
	return l.Stats(ctx)
}

// Subscribe delivers committed events whose name matches pattern to sink and
// returns the subscription id
func (n *Namespace) Subscribe(pattern string, sink Sink) (string, error) {
	l, err := n.events("subscribe")
	if err != nil {
		return "", err
	}
	return l.Subscribe(pattern, sink)
}

// Unsubscribe stops a subscription; nothing is delivered to it after it returns
func (n *Namespace) Unsubscribe(id string) error {
	l, err := n.events("unsubscribe")
	if err != nil {
		return err
	}
	return l.Unsubscribe(id)
}

// CleanupEvents archives (when an archive dir is configured) and deletes
// events older than cutoff
func (n *Namespace) CleanupEvents(ctx context.Context, cutoff time.Time) (int, error) {
	l, err := n.events("cleanup_events")
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return l.Cleanup(ctx, cutoff)
}

// Replay re-applies logged (or archived) events to reconstruct state. The
// touched entities are re-embedded.
func (n *Namespace) Replay(ctx context.Context, opts ReplayOptions) (*ReplayResult, error) {
	if _, err := n.events("replay"); err != nil {
		return nil, err
	}
	var res *ReplayResult
	err := n.mutate(ctx, func(q core.Querier) ([]*events.Event, error) {
		var err error
		res, err = n.replay.Replay(ctx, q, opts)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	if n.embed != nil {
		for _, ref := range res.Touched {
			if typeName, id, ok := events.EntityRef(ref); ok {
				n.scheduleEmbedding(ctx, typeName, id)
			}
		}
	}
	return res, nil
}

// Rebuild restores object ("<Type>/<id>") to the state implied by its history,
// including an entity that was deleted, and records "<Type>.created" with
// result "rebuilt".
func (n *Namespace) Rebuild(ctx context.Context, object string) (*core.Entity, error) {
	if _, err := n.events("rebuild"); err != nil {
		return nil, err
	}
	var out *core.Entity
	err := n.mutate(ctx, func(q core.Querier) ([]*events.Event, error) {
		ent, evs, err := n.replay.Rebuild(ctx, q, object)
		out = ent
		return evs, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
