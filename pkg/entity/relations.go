package entity

import (
	"context"
	"sort"

	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/events"
	"github.com/liliang-cn/sqgraph/pkg/schema"
)

// syncRelations keeps the edges implied by relationship fields in step with
// the record: ids added to a field are related, ids removed are unrelated.
// The edge is named after the field; "<~" fields point from the target to id.
func (s *Store) syncRelations(ctx context.Context, q core.Querier, op string, t *schema.Type, id string, before, after map[string]any) ([]*events.Event, error) {
	if t == nil {
		return nil, nil
	}
	var evs []*events.Event
	for _, rel := range t.Relations() {
		oldIDs := refIDs(before[rel.Field])
		newIDs := refIDs(after[rel.Field])

		added := difference(newIDs, oldIDs)
		if len(added) > 0 {
			if err := s.graphRequire(ctx, q, op, rel, added); err != nil {
				return nil, err
			}
		}
		for _, target := range added {
			from, to := edgeEnds(rel, id, target)
			_, relEvents, err := s.graph.Relate(ctx, q, from, rel.Field, to, nil)
			if err != nil {
				return nil, err
			}
			evs = append(evs, relEvents...)
		}
		for _, target := range difference(oldIDs, newIDs) {
			from, to := edgeEnds(rel, id, target)
			_, relEvents, err := s.graph.Unrelate(ctx, q, from, rel.Field, to)
			if err != nil {
				return nil, err
			}
			evs = append(evs, relEvents...)
		}
	}
	return evs, nil
}

func (s *Store) graphRequire(ctx context.Context, q core.Querier, op string, rel schema.Relation, ids []string) error {
	var missing []string
	rows, err := q.QueryContext(ctx, "SELECT id FROM _data WHERE type = ? AND id IN (SELECT value FROM json_each(?))",
		rel.Target, jsonList(ids))
	if err != nil {
		return core.WrapError(op, err)
	}
	found := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return core.WrapError(op, err)
		}
		found[id] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return core.WrapError(op, err)
	}
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return core.Errorf(op, core.ErrReferentialIntegrity, "field %s references missing %s %q", rel.Field, rel.Target, missing[0])
	}
	return nil
}

func edgeEnds(rel schema.Relation, id, target string) (from, to string) {
	if rel.Arrow == schema.ReverseMany {
		return target, id
	}
	return id, target
}

// refIDs extracts the ids held by a relationship field value
func refIDs(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		if t != "" {
			out = append(out, t)
		}
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range t {
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// difference returns the sorted distinct values of a that are not in b
func difference(a, b []string) []string {
	skip := make(map[string]bool, len(b))
	for _, s := range b {
		skip[s] = true
	}
	var out []string
	for _, s := range a {
		if !skip[s] {
			skip[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
