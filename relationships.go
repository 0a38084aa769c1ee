package sqgraph

import (
	"context"
	"io"

	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/events"
	"github.com/liliang-cn/sqgraph/pkg/graph"
)

type (
	// RelationshipFilter selects relationships for Relationships
	RelationshipFilter = graph.Filter
	// TraversalOptions controls Traverse
	TraversalOptions = graph.TraversalOptions
	// NeighborOptions controls Neighbors
	NeighborOptions = graph.NeighborOptions
	// Direction selects which edges a traversal follows
	Direction = graph.Direction
	// ExportFormat names a graph export encoding
	ExportFormat = graph.ExportFormat
	// PageRankOptions controls PageRank
	PageRankOptions = graph.PageRankOptions
	// RankResult is one PageRank score
	RankResult = graph.RankResult
	// GraphStatistics describes the shape of a namespace graph
	GraphStatistics = graph.Statistics
)

const (
	Out  = graph.Out
	In   = graph.In
	Both = graph.Both
)

// Relate creates the edge from -relation-> to. Relating an existing triple
// again is a no-op unless metadata differs, in which case the new metadata wins.
func (n *Namespace) Relate(ctx context.Context, fromID, relation, toID string, metadata map[string]any) (*core.Relationship, error) {
	var out *core.Relationship
	err := n.mutate(ctx, func(q core.Querier) ([]*events.Event, error) {
		rel, evs, err := n.graph.Relate(ctx, q, fromID, relation, toID, metadata)
		out = rel
		return evs, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unrelate removes one edge; removed is false when it did not exist
func (n *Namespace) Unrelate(ctx context.Context, fromID, relation, toID string) (bool, error) {
	var removed bool
	err := n.mutate(ctx, func(q core.Querier) ([]*events.Event, error) {
		ok, evs, err := n.graph.Unrelate(ctx, q, fromID, relation, toID)
		removed = ok
		return evs, err
	})
	return removed, err
}

// Relationship returns one edge or ErrNotFound
func (n *Namespace) Relationship(ctx context.Context, fromID, relation, toID string) (*core.Relationship, error) {
	return n.graph.Get(ctx, fromID, relation, toID)
}

// Relationships lists edges matching f
func (n *Namespace) Relationships(ctx context.Context, f RelationshipFilter) ([]*core.Relationship, error) {
	return n.graph.List(ctx, f)
}

// Traverse walks path from start and returns the entities reached
func (n *Namespace) Traverse(ctx context.Context, start string, path []string, opts TraversalOptions) ([]*core.Entity, error) {
	return n.graph.Traverse(ctx, start, path, opts)
}

// TraverseFrom is Traverse from several start ids at once
func (n *Namespace) TraverseFrom(ctx context.Context, starts []string, path []string, opts TraversalOptions) ([]*core.Entity, error) {
	return n.graph.TraverseFrom(ctx, starts, path, opts)
}

// TraverseWithMetadataFilter follows relation from start over edges whose metadata matches filter
func (n *Namespace) TraverseWithMetadataFilter(ctx context.Context, start, relation string, filter map[string]any, opts TraversalOptions) ([]*core.Entity, error) {
	return n.graph.TraverseWithMetadataFilter(ctx, start, relation, filter, opts)
}

// Neighbors returns the entities within opts.MaxDepth hops of id
func (n *Namespace) Neighbors(ctx context.Context, id string, opts NeighborOptions) ([]*core.Entity, error) {
	return n.graph.Neighbors(ctx, id, opts)
}

// PageRank ranks entity ids by their inbound edges
func (n *Namespace) PageRank(ctx context.Context, opts PageRankOptions) ([]RankResult, error) {
	return n.graph.PageRank(ctx, opts)
}

// GraphStatistics counts entities, edges per relation and connected components
func (n *Namespace) GraphStatistics(ctx context.Context) (*GraphStatistics, error) {
	return n.graph.Statistics(ctx)
}

// ExportGraph writes every entity and relationship as GraphML or JSON
func (n *Namespace) ExportGraph(ctx context.Context, w io.Writer, format ExportFormat) error {
	return n.graph.Export(ctx, w, format)
}
