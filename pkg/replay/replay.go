// Package replay reconstructs entity and relationship state from the event log.
//
// Replay re-applies matching events in chronological order. Rebuild folds the
// whole history of one entity into its last known field values and writes them
// back, which is how a deleted entity is restored.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/entity"
	"github.com/liliang-cn/sqgraph/pkg/events"
	"github.com/liliang-cn/sqgraph/pkg/graph"
)

// Event sources
const (
	SourceLocal    = "local"
	SourceExternal = "external"
)

// ResultRebuilt marks the event recorded by Rebuild
const ResultRebuilt = "rebuilt"

// Source yields events in chronological order. *events.Log and
// *events.FileArchiver implement it.
type Source interface {
	ReadEvents(ctx context.Context, f events.Filter) ([]*events.Event, error)
}

// Options selects the events to replay
type Options struct {
	Source string    `json:"source,omitempty"` // "local" (default) or "external"
	Object string    `json:"object,omitempty"`
	Event  string    `json:"event,omitempty"` // exact name or glob
	Since  time.Time `json:"since,omitempty"`
	Until  time.Time `json:"until,omitempty"`
}

// Result summarizes a replay
type Result struct {
	Events   int               `json:"events"`
	Applied  int               `json:"applied"`
	Skipped  int               `json:"skipped"`
	Touched  []string          `json:"touched"` // entity refs written, in first-touch order
	Deleted  []string          `json:"deleted"`
	Failures map[string]string `json:"failures,omitempty"` // event id -> error
}

// Engine replays events into one namespace
type Engine struct {
	log      *events.Log
	external Source
	entities *entity.Store
	graph    *graph.GraphStore
	logger   core.Logger
}

// NewEngine creates a replay engine. external may be nil.
func NewEngine(store *core.Store, log *events.Log, entities *entity.Store, g *graph.GraphStore, external Source) *Engine {
	return &Engine{
		log:      log,
		external: external,
		entities: entities,
		graph:    g,
		logger:   store.Logger().With("component", "replay"),
	}
}

func (e *Engine) source(op, name string) (Source, error) {
	switch name {
	case "", SourceLocal:
		return e.log, nil
	case SourceExternal:
		if e.external == nil {
			return nil, core.ValidationError(op, "no external event source configured")
		}
		return e.external, nil
	}
	return nil, core.ValidationError(op, fmt.Sprintf("invalid source %q (use local or external)", name))
}

// Read returns the events Replay would apply, without applying them
func (e *Engine) Read(ctx context.Context, opts Options) ([]*events.Event, error) {
	src, err := e.source("replay", opts.Source)
	if err != nil {
		return nil, err
	}
	evs, err := src.ReadEvents(ctx, events.Filter{Event: opts.Event, Object: opts.Object, Since: opts.Since, Until: opts.Until})
	if err != nil {
		return nil, core.WrapError("replay", fmt.Errorf("failed to read events: %w", err))
	}
	return evs, nil
}

// Replay re-applies the selected events through q in order. Entity events
// upsert (created, updated) or remove (deleted) the entity; relationship
// events relate or unrelate. Events that cannot be applied are recorded in
// Failures and skipped. Replay records no new events.
func (e *Engine) Replay(ctx context.Context, q core.Querier, opts Options) (*Result, error) {
	evs, err := e.Read(ctx, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{Events: len(evs), Touched: []string{}, Deleted: []string{}, Failures: map[string]string{}}
	touched := map[string]bool{}
	state := map[string]map[string]any{}

	for _, ev := range evs {
		applied, err := e.apply(ctx, q, ev, state)
		switch {
		case err != nil:
			res.Failures[ev.ID] = err.Error()
			res.Skipped++
			e.logger.Warn("replay skipped event", "event", ev.Event, "object", ev.Object, "error", err)
			continue
		case !applied:
			res.Skipped++
			continue
		}
		res.Applied++
		if _, verb, ok := events.Verb(ev.Event); ok {
			ref := ev.Object
			if verb == events.VerbDeleted {
				res.Deleted = append(res.Deleted, ref)
			} else if !touched[ref] {
				touched[ref] = true
				res.Touched = append(res.Touched, ref)
			}
		}
	}
	e.logger.Info("replay finished", "events", res.Events, "applied", res.Applied, "skipped", res.Skipped)
	return res, nil
}

// apply writes one event; applied is false for events replay does not handle
func (e *Engine) apply(ctx context.Context, q core.Querier, ev *events.Event, state map[string]map[string]any) (bool, error) {
	switch ev.Event {
	case events.RelationshipCreated, events.RelationshipUpdated, events.RelationshipDeleted:
		return true, e.applyRelationship(ctx, q, ev)
	}

	typeName, verb, ok := events.Verb(ev.Event)
	if !ok {
		return false, nil
	}
	objType, id, ok := events.EntityRef(ev.Object)
	if !ok || objType != typeName {
		return false, fmt.Errorf("object %q does not match event %q", ev.Object, ev.Event)
	}

	ref := ev.Object
	if verb == events.VerbDeleted {
		delete(state, ref)
		_, _, err := e.entities.Delete(ctx, q, typeName, id, entity.DeleteOptions{})
		if errors.Is(err, core.ErrNotFound) {
			return true, nil
		}
		return true, err
	}

	if _, seen := state[ref]; !seen {
		cur, err := e.entities.GetTx(ctx, q, typeName, id)
		switch {
		case err == nil:
			state[ref] = cur.Data
		case errors.Is(err, core.ErrNotFound):
			state[ref] = nil
		default:
			return false, err
		}
	}
	next := fold(state[ref], verb, ev)
	if next == nil {
		return false, fmt.Errorf("event %s has no payload", ev.ID)
	}
	if _, _, err := e.entities.Upsert(ctx, q, typeName, id, next); err != nil {
		return false, err
	}
	state[ref] = next
	return true, nil
}

func (e *Engine) applyRelationship(ctx context.Context, q core.Querier, ev *events.Event) error {
	data := ev.DataMap()
	from, _ := data["from_id"].(string)
	rel, _ := data["relation"].(string)
	to, _ := data["to_id"].(string)
	if from == "" || rel == "" || to == "" {
		return fmt.Errorf("event %s has no relationship endpoints", ev.ID)
	}
	if ev.Event == events.RelationshipDeleted {
		_, _, err := e.graph.Unrelate(ctx, q, from, rel, to)
		return err
	}
	meta, _ := data["metadata"].(map[string]any)
	_, _, err := e.graph.Relate(ctx, q, from, rel, to, meta)
	return err
}

// fold applies one entity event to the state before it. Created replaces;
// updated merges field by field, the later value winning; deleted keeps the
// last known values so history can restore them.
func fold(before map[string]any, verb string, ev *events.Event) map[string]any {
	data := ev.DataMap()
	prev, _ := ev.PreviousData.(map[string]any)
	switch verb {
	case events.VerbCreated:
		if data == nil {
			return encoding.Clone(before)
		}
		return encoding.Clone(data)
	case events.VerbUpdated:
		out := encoding.Clone(before)
		if out == nil {
			out = encoding.Clone(prev)
		}
		if out == nil {
			out = map[string]any{}
		}
		for k, v := range data {
			out[k] = encoding.CloneValue(v)
		}
		return out
	case events.VerbDeleted:
		if before != nil {
			return encoding.Clone(before)
		}
		return encoding.Clone(prev)
	}
	return before
}

// Rebuild restores object ("<Type>/<id>") from its history, ignoring the
// current row: it folds every event of the object in order and writes the
// resulting field values back. The external source, when configured, is read
// as well so archived history counts. The returned events carry a single
// "<Type>.created" event with result "rebuilt" plus any relationship events
// caused by relation fields.
func (e *Engine) Rebuild(ctx context.Context, q core.Querier, object string) (*core.Entity, []*events.Event, error) {
	typeName, id, ok := events.EntityRef(object)
	if !ok {
		return nil, nil, core.ValidationError("rebuild", fmt.Sprintf("invalid object reference %q (want <Type>/<id>)", object))
	}

	history, err := e.history(ctx, object)
	if err != nil {
		return nil, nil, err
	}

	var state map[string]any
	n := 0
	for _, ev := range history {
		t, verb, ok := events.Verb(ev.Event)
		if !ok || t != typeName {
			continue
		}
		state = fold(state, verb, ev)
		n++
	}
	if n == 0 {
		return nil, nil, core.NotFound("rebuild", object)
	}
	if state == nil {
		state = map[string]any{}
	}

	ent, evs, err := e.entities.Upsert(ctx, q, typeName, id, state)
	if err != nil {
		return nil, nil, core.WrapError("rebuild", err)
	}
	out := make([]*events.Event, 0, len(evs))
	for _, ev := range evs {
		if ev.Object == object {
			ev = events.EntityEvent(typeName, id, events.VerbCreated, ent.Data, nil)
			ev.Result = ResultRebuilt
		}
		out = append(out, ev)
	}
	e.logger.Info("entity rebuilt", "object", object, "events", n)
	return ent, out, nil
}

// history merges the local and external events of object, deduplicated by
// event id, in (timestamp, seq) order
func (e *Engine) history(ctx context.Context, object string) ([]*events.Event, error) {
	f := events.Filter{Object: object}
	local, err := e.log.ReadEvents(ctx, f)
	if err != nil {
		return nil, core.WrapError("rebuild", err)
	}
	if e.external == nil {
		return local, nil
	}
	archived, err := e.external.ReadEvents(ctx, f)
	if err != nil {
		return nil, core.WrapError("rebuild", fmt.Errorf("failed to read external events: %w", err))
	}

	seen := make(map[string]bool, len(local))
	all := make([]*events.Event, 0, len(local)+len(archived))
	for _, ev := range append(archived, local...) {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		all = append(all, ev)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Seq < all[j].Seq
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}
