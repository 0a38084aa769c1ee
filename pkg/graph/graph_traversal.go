package graph

import (
	"context"
	"fmt"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/query"
)

// TraversalOptions controls Traverse
type TraversalOptions struct {
	Direction       Direction `json:"direction,omitempty"`       // default Out
	MaxDepth        int       `json:"maxDepth,omitempty"`        // caps hops walked; <= 0 means len(path)
	TypeFilter      string    `json:"typeFilter,omitempty"`      // restricts the final result set
	IncludeMetadata bool      `json:"includeMetadata,omitempty"` // attach last hop edge metadata
}

// NeighborOptions controls Neighbors
type NeighborOptions struct {
	Direction Direction `json:"direction,omitempty"` // default Both
	Relations []string  `json:"relations,omitempty"` // default any relation
	MaxDepth  int       `json:"maxDepth,omitempty"`  // default 1
	Limit     int       `json:"limit,omitempty"`     // default query.DefaultLimit
}

// Traverse walks path from start, one relation per hop, and returns the
// entities reached after the last hop walked. Work is bounded by
// min(len(path), MaxDepth) lookups whatever cycles the graph contains.
// A start id without edges or without an entity yields an empty slice.
func (g *GraphStore) Traverse(ctx context.Context, start string, path []string, opts TraversalOptions) ([]*core.Entity, error) {
	return g.TraverseFrom(ctx, []string{start}, path, opts)
}

// TraverseFrom is Traverse over several start ids at once
func (g *GraphStore) TraverseFrom(ctx context.Context, starts []string, path []string, opts TraversalOptions) ([]*core.Entity, error) {
	if len(path) == 0 {
		return nil, core.ValidationError("traverse", "relation path must not be empty")
	}
	for i, rel := range path {
		if rel == "" {
			return nil, core.ValidationError("traverse", fmt.Sprintf("relation %d of the path is empty", i))
		}
	}
	dir, err := ParseDirection(string(opts.Direction))
	if err != nil {
		return nil, err
	}
	hops := len(path)
	if opts.MaxDepth > 0 && opts.MaxDepth < hops {
		hops = opts.MaxDepth
	}

	q, err := g.store.Querier()
	if err != nil {
		return nil, core.WrapError("traverse", err)
	}

	frontier := dedupe(starts)
	var last []step
	for i := 0; i < hops && len(frontier) > 0; i++ {
		last, err = g.hop(ctx, q, hopRequest{ids: frontier, relations: path[i : i+1], direction: dir})
		if err != nil {
			return nil, core.WrapError("traverse", err)
		}
		frontier = frontier[:0:0]
		for _, s := range last {
			frontier = append(frontier, s.id)
		}
	}
	if len(frontier) == 0 {
		return []*core.Entity{}, nil
	}

	return g.resolve(ctx, q, "traverse", last, opts.TypeFilter, opts.IncludeMetadata)
}

// TraverseWithMetadataFilter follows relation one hop from start, keeping only
// edges whose metadata matches filter. The filter uses the same operators as
// entity queries ({"weight": {"$gte": 0.5}}).
func (g *GraphStore) TraverseWithMetadataFilter(ctx context.Context, start, relation string, filter map[string]any, opts TraversalOptions) ([]*core.Entity, error) {
	if relation == "" {
		return nil, core.ValidationError("traverse", "relation must not be empty")
	}
	dir, err := ParseDirection(string(opts.Direction))
	if err != nil {
		return nil, err
	}
	expr, err := query.CompileFilter(filter)
	if err != nil {
		return nil, err
	}
	clause, args := expr.SQL(query.MetadataTarget("r"))

	q, err := g.store.Querier()
	if err != nil {
		return nil, core.WrapError("traverse", err)
	}
	steps, err := g.hop(ctx, q, hopRequest{
		ids:       []string{start},
		relations: []string{relation},
		direction: dir,
		filter:    clause,
		args:      args,
	})
	if err != nil {
		return nil, core.WrapError("traverse", err)
	}
	if len(steps) == 0 {
		return []*core.Entity{}, nil
	}
	return g.resolve(ctx, q, "traverse", steps, opts.TypeFilter, opts.IncludeMetadata)
}

// Neighbors performs a breadth-first search around id, one batched lookup per
// level, never revisiting an id. The start entity itself is not returned.
func (g *GraphStore) Neighbors(ctx context.Context, id string, opts NeighborOptions) ([]*core.Entity, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 1
	}
	if opts.Direction == "" {
		opts.Direction = Both
	}
	dir, err := ParseDirection(string(opts.Direction))
	if err != nil {
		return nil, err
	}
	limit := query.ClampLimit(opts.Limit)

	q, err := g.store.Querier()
	if err != nil {
		return nil, core.WrapError("neighbors", err)
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var found []step
	for depth := 0; depth < opts.MaxDepth && len(frontier) > 0 && len(found) < limit; depth++ {
		steps, err := g.hop(ctx, q, hopRequest{ids: frontier, relations: opts.Relations, direction: dir})
		if err != nil {
			return nil, core.WrapError("neighbors", err)
		}
		frontier = nil
		for _, s := range steps {
			if visited[s.id] {
				continue
			}
			visited[s.id] = true
			frontier = append(frontier, s.id)
			found = append(found, s)
		}
	}
	if len(found) > limit {
		found = found[:limit]
	}
	return g.resolve(ctx, q, "neighbors", found, "", false)
}

// resolve loads the entities behind steps and optionally attaches the edge
// metadata that reached each of them.
func (g *GraphStore) resolve(ctx context.Context, q core.Querier, op string, steps []step, typeFilter string, withMeta bool) ([]*core.Entity, error) {
	ids := make([]string, 0, len(steps))
	meta := make(map[string]map[string]any, len(steps))
	for _, s := range steps {
		ids = append(ids, s.id)
		meta[s.id] = s.metadata
	}
	list, err := GetEntitiesBatch(ctx, q, ids, typeFilter)
	if err != nil {
		return nil, core.WrapError(op, err)
	}
	if withMeta {
		for _, ent := range list {
			m := encoding.Clone(meta[ent.ID])
			if m == nil {
				m = map[string]any{}
			}
			ent.EdgeMetadata = m
		}
	}
	return list, nil
}
