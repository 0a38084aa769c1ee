package entity

import (
	"context"
	"fmt"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/events"
	"github.com/liliang-cn/sqgraph/pkg/graph"
)

// DeleteOptions controls Delete
type DeleteOptions struct {
	// Cascade also deletes entities reachable through outbound edges
	Cascade bool `json:"cascade,omitempty"`
	// CascadeDepth is the number of hops from the deleted entity to follow;
	// zero or negative means unlimited
	CascadeDepth int `json:"cascadeDepth,omitempty"`
	// Relations restricts which outbound relations count as ownership; empty means all
	Relations []string `json:"relations,omitempty"`
}

// DeleteResult lists what a Delete removed
type DeleteResult struct {
	Deleted      []string `json:"deleted"`  // "<Type>/<id>" of every removed entity, root first
	Cascaded     []string `json:"cascaded"` // ids removed because the root owned them
	EdgesRemoved int      `json:"edgesRemoved"`
}

// Delete removes (type, id) together with every edge touching it. With
// Cascade, entities owned through outbound edges are removed as well, walking
// level by level with a visited set so cycles end the walk.
func (s *Store) Delete(ctx context.Context, q core.Querier, typeName, id string, opts DeleteOptions) (*DeleteResult, []*events.Event, error) {
	root, err := s.get(ctx, q, typeName, id)
	if err != nil {
		return nil, nil, core.WrapError("delete", err)
	}
	if root == nil {
		return nil, nil, core.NotFound("delete", typeName+"/"+id)
	}

	doomed := []*core.Entity{root}
	result := &DeleteResult{Deleted: []string{}, Cascaded: []string{}}

	if opts.Cascade {
		visited := map[string]bool{id: true}
		frontier := []string{id}
		for depth := 0; len(frontier) > 0 && (opts.CascadeDepth <= 0 || depth < opts.CascadeDepth); depth++ {
			next, err := s.graph.Expand(ctx, q, frontier, opts.Relations, graph.Out)
			if err != nil {
				return nil, nil, err
			}
			var fresh []string
			for _, nid := range next {
				if !visited[nid] {
					visited[nid] = true
					fresh = append(fresh, nid)
				}
			}
			owned, err := graph.GetEntitiesBatch(ctx, q, fresh, "")
			if err != nil {
				return nil, nil, core.WrapError("delete", err)
			}
			frontier = frontier[:0:0]
			seen := map[string]bool{}
			for _, ent := range owned {
				doomed = append(doomed, ent)
				if !seen[ent.ID] {
					seen[ent.ID] = true
					frontier = append(frontier, ent.ID)
					result.Cascaded = append(result.Cascaded, ent.ID)
				}
			}
		}
	}

	var evs []*events.Event
	ids := make([]string, 0, len(doomed))
	for _, ent := range doomed {
		if _, err := q.ExecContext(ctx, "DELETE FROM _data WHERE type = ? AND id = ?", ent.Type, ent.ID); err != nil {
			return nil, nil, core.WrapError("delete", fmt.Errorf("failed to delete entity: %w", err))
		}
		if _, err := q.ExecContext(ctx,
			"DELETE FROM _embeddings WHERE entity_type = ? AND entity_id = ?", ent.Type, ent.ID); err != nil {
			return nil, nil, core.WrapError("delete", fmt.Errorf("failed to delete embedding: %w", err))
		}
		result.Deleted = append(result.Deleted, ent.Ref())
		ids = append(ids, ent.ID)
		evs = append(evs, events.EntityEvent(ent.Type, ent.ID, events.VerbDeleted, nil, ent.Data))
	}

	relEvents, err := s.graph.RemoveEdgesOf(ctx, q, ids)
	if err != nil {
		return nil, nil, err
	}
	result.EdgesRemoved = len(relEvents)
	evs = append(evs, relEvents...)

	s.logger.Debug("entity deleted", "type", typeName, "id", id, "cascaded", len(result.Cascaded), "edges", result.EdgesRemoved)
	return result, evs, nil
}

func jsonList(ids []string) string {
	text, _ := encoding.EncodeJSON(ids)
	return text
}
