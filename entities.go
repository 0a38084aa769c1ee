package sqgraph

import (
	"context"

	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/entity"
	"github.com/liliang-cn/sqgraph/pkg/events"
	"github.com/liliang-cn/sqgraph/pkg/query"
)

type (
	// DeleteOptions controls Delete
	DeleteOptions = entity.DeleteOptions
	// DeleteResult lists what Delete removed
	DeleteResult = entity.DeleteResult
	// QueryOptions controls List and Find
	QueryOptions = query.Options
	// SearchOptions controls lexical Search
	SearchOptions = query.SearchOptions
)

// Create stores a new entity. An empty id is replaced by a generated UUID.
func (n *Namespace) Create(ctx context.Context, typeName, id string, data map[string]any) (*core.Entity, error) {
	var out *core.Entity
	err := n.mutate(ctx, func(q core.Querier) ([]*events.Event, error) {
		ent, evs, err := n.entities.Create(ctx, q, typeName, id, data)
		out = ent
		return evs, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one entity or ErrNotFound
func (n *Namespace) Get(ctx context.Context, typeName, id string) (*core.Entity, error) {
	return n.entities.Get(ctx, typeName, id)
}

// Update merges patch into an existing entity
func (n *Namespace) Update(ctx context.Context, typeName, id string, patch map[string]any) (*core.Entity, error) {
	var out *core.Entity
	err := n.mutate(ctx, func(q core.Querier) ([]*events.Event, error) {
		ent, evs, err := n.entities.Update(ctx, q, typeName, id, patch)
		out = ent
		return evs, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert replaces the data of an entity, creating it when missing
func (n *Namespace) Upsert(ctx context.Context, typeName, id string, data map[string]any) (*core.Entity, error) {
	var out *core.Entity
	err := n.mutate(ctx, func(q core.Querier) ([]*events.Event, error) {
		ent, evs, err := n.entities.Upsert(ctx, q, typeName, id, data)
		out = ent
		return evs, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes an entity, its edges and its embedding, plus owned entities with Cascade
func (n *Namespace) Delete(ctx context.Context, typeName, id string, opts DeleteOptions) (*DeleteResult, error) {
	var out *DeleteResult
	err := n.mutate(ctx, func(q core.Querier) ([]*events.Event, error) {
		res, evs, err := n.entities.Delete(ctx, q, typeName, id, opts)
		out = res
		return evs, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Exists reports whether any entity has id
func (n *Namespace) Exists(ctx context.Context, id string) (bool, error) {
	return n.entities.Exists(ctx, id)
}

// Types lists the entity types present in the namespace
func (n *Namespace) Types(ctx context.Context) ([]string, error) {
	return n.entities.Types(ctx)
}

// List returns entities of typeName matching opts
func (n *Namespace) List(ctx context.Context, typeName string, opts QueryOptions) ([]*core.Entity, error) {
	return n.query.List(ctx, typeName, opts)
}

// Find returns the first match of opts or ErrNotFound
func (n *Namespace) Find(ctx context.Context, typeName string, opts QueryOptions) (*core.Entity, error) {
	return n.query.Find(ctx, typeName, opts)
}

// Count returns the number of entities of typeName matching where
func (n *Namespace) Count(ctx context.Context, typeName string, where map[string]any) (int64, error) {
	return n.query.Count(ctx, typeName, where)
}

// Search ranks entities of typeName by lexical match against text
func (n *Namespace) Search(ctx context.Context, typeName, text string, opts SearchOptions) ([]*core.Entity, error) {
	return n.query.Search(ctx, typeName, text, opts)
}
