package graph

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

// hopRequest describes one batched frontier expansion
type hopRequest struct {
	ids       []string
	relations []string // empty means any relation
	direction Direction
	filter    string // optional predicate over r.metadata
	args      []any
}

// step is one edge reached by a hop
type step struct {
	id       string
	metadata map[string]any
}

// hop resolves a whole frontier to its neighbors with a single statement.
// Results keep edge creation order and are deduplicated by id, keeping the
// first edge seen.
func (g *GraphStore) hop(ctx context.Context, q core.Querier, req hopRequest) ([]step, error) {
	if len(req.ids) == 0 {
		return nil, nil
	}
	idList, err := encoding.EncodeJSON(req.ids)
	if err != nil {
		return nil, err
	}
	var relList string
	if len(req.relations) > 0 {
		if relList, err = encoding.EncodeJSON(req.relations); err != nil {
			return nil, err
		}
	}

	side := func(near, far string) (string, []any) {
		query := "SELECT r." + far + " AS id, r.metadata, r.created_at FROM _rels r WHERE r." + near +
			" IN (SELECT value FROM json_each(?))"
		args := []any{idList}
		if relList != "" {
			query += " AND r.relation IN (SELECT value FROM json_each(?))"
			args = append(args, relList)
		}
		if req.filter != "" {
			query += " AND " + req.filter
			args = append(args, req.args...)
		}
		return query, args
	}

	var query string
	var args []any
	switch req.direction {
	case In:
		query, args = side("to_id", "from_id")
	case Both:
		outQ, outArgs := side("from_id", "to_id")
		inQ, inArgs := side("to_id", "from_id")
		query = outQ + " UNION ALL " + inQ
		args = append(outArgs, inArgs...)
	default:
		query, args = side("from_id", "to_id")
	}
	query = "SELECT id, metadata FROM (" + query + ") ORDER BY created_at, id"

	g.lookups.Add(1)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand frontier: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]bool)
	var out []step
	for rows.Next() {
		var id string
		var meta sql.NullString
		if err := rows.Scan(&id, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		s := step{id: id}
		if meta.Valid {
			if s.metadata, err = encoding.DecodeObject(meta.String); err != nil {
				return nil, fmt.Errorf("edge metadata: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Expand returns the distinct ids one hop away from ids over the given
// relations (any relation when empty), in a single lookup.
func (g *GraphStore) Expand(ctx context.Context, q core.Querier, ids []string, relations []string, dir Direction) ([]string, error) {
	steps, err := g.hop(ctx, q, hopRequest{ids: dedupe(ids), relations: relations, direction: dir})
	if err != nil {
		return nil, core.WrapError("expand", err)
	}
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.id)
	}
	return out, nil
}

// GetEntitiesBatch loads every entity whose id is in ids with one query,
// ordered by position in ids and then by type. typeName restricts the types
// when non-empty. Ids without an entity are skipped.
func GetEntitiesBatch(ctx context.Context, q core.Querier, ids []string, typeName string) ([]*core.Entity, error) {
	if len(ids) == 0 {
		return []*core.Entity{}, nil
	}
	idList, err := encoding.EncodeJSON(ids)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT d.type, d.id, d.data, d.created_at, d.updated_at FROM _data d ")
	b.WriteString("JOIN json_each(?) f ON d.id = f.value")
	args := []any{idList}
	if typeName != "" {
		b.WriteString(" WHERE d.type = ?")
		args = append(args, typeName)
	}
	b.WriteString(" ORDER BY f.key, d.type")

	rows, err := q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load entities: %w", err)
	}
	list, err := core.ScanEntities(rows)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*core.Entity{}
	}
	return list, nil
}

// LookupCount returns how many relationship lookups this store has issued.
// Each traversal hop costs exactly one regardless of frontier size.
func (g *GraphStore) LookupCount() int64 {
	return g.lookups.Load()
}
