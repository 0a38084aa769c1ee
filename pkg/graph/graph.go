// Package graph stores directed, named edges between entities in _rels and
// walks them.
//
// Edges are keyed by (from_id, relation, to_id). Endpoints are entity ids
// (not type qualified) and must exist in _data when the edge is written.
// Mutations take a core.Querier so they can run inside the caller's
// transaction, and return the events describing what changed.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/events"
)

// Direction selects which way edges are followed
type Direction string

const (
	Out  Direction = "out"  // from_id -> to_id
	In   Direction = "in"   // to_id -> from_id
	Both Direction = "both" // union of Out and In
)

// ParseDirection validates a direction string; empty means Out
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(s)) {
	case "", Out:
		return Out, nil
	case In:
		return In, nil
	case Both:
		return Both, nil
	}
	return "", core.ValidationError("direction", fmt.Sprintf("invalid direction %q (use out, in or both)", s))
}

// GraphStore manages the relationships of one namespace
type GraphStore struct {
	store   *core.Store
	logger  core.Logger
	lookups atomic.Int64
}

// NewGraphStore creates a graph store over an initialized namespace store
func NewGraphStore(store *core.Store) *GraphStore {
	return &GraphStore{store: store, logger: store.Logger().With("component", "graph")}
}

// Filter selects relationships for List. Empty fields match anything.
type Filter struct {
	FromID   string `json:"from_id,omitempty"`
	ToID     string `json:"to_id,omitempty"`
	Relation string `json:"relation,omitempty"`
	Limit    int    `json:"limit,omitempty"` // 0 means no limit
	Offset   int    `json:"offset,omitempty"`
}

// Relate creates the edge fromID -relation-> toID. Relating an existing triple
// is idempotent: supplied metadata replaces the stored metadata (emitting
// relationship.updated when it differs), nil metadata leaves it untouched.
func (g *GraphStore) Relate(ctx context.Context, q core.Querier, fromID, relation, toID string, metadata map[string]any) (*core.Relationship, []*events.Event, error) {
	if err := checkTriple("relate", fromID, relation, toID); err != nil {
		return nil, nil, err
	}
	if err := g.requireEntities(ctx, q, "relate", fromID, toID); err != nil {
		return nil, nil, err
	}

	existing, err := getRelationship(ctx, q, fromID, relation, toID)
	if err != nil {
		return nil, nil, core.WrapError("relate", err)
	}

	var meta sql.NullString
	if metadata != nil {
		text, err := encoding.EncodeJSON(metadata)
		if err != nil {
			return nil, nil, core.ValidationError("relate", "metadata: "+err.Error())
		}
		meta = sql.NullString{String: text, Valid: true}
	}
	now := core.Now()

	if existing == nil {
		_, err := q.ExecContext(ctx, `
			INSERT INTO _rels (from_id, relation, to_id, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			fromID, relation, toID, meta, core.FormatTime(now), core.FormatTime(now))
		if err != nil {
			return nil, nil, core.WrapError("relate", fmt.Errorf("failed to insert relationship: %w", err))
		}
		rel := &core.Relationship{
			FromID: fromID, Relation: relation, ToID: toID,
			Metadata: encoding.Clone(metadata), CreatedAt: now, UpdatedAt: now,
		}
		g.logger.Debug("relationship created", "from", fromID, "relation", relation, "to", toID)
		ev := events.RelationshipEvent(events.RelationshipCreated, fromID, relation, toID, metadata, nil)
		return rel, []*events.Event{ev}, nil
	}

	if metadata == nil || sameMetadata(existing.Metadata, metadata) {
		return existing, nil, nil
	}

	_, err = q.ExecContext(ctx, `
		UPDATE _rels SET metadata = ?, updated_at = ?
		WHERE from_id = ? AND relation = ? AND to_id = ?`,
		meta, core.FormatTime(now), fromID, relation, toID)
	if err != nil {
		return nil, nil, core.WrapError("relate", fmt.Errorf("failed to update relationship: %w", err))
	}
	previous := existing.Metadata
	if previous == nil {
		previous = map[string]any{}
	}
	ev := events.RelationshipEvent(events.RelationshipUpdated, fromID, relation, toID, metadata, previous)
	existing.Metadata = encoding.Clone(metadata)
	existing.UpdatedAt = now
	return existing, []*events.Event{ev}, nil
}

// Unrelate deletes the edge if present and reports whether it existed
func (g *GraphStore) Unrelate(ctx context.Context, q core.Querier, fromID, relation, toID string) (bool, []*events.Event, error) {
	if err := checkTriple("unrelate", fromID, relation, toID); err != nil {
		return false, nil, err
	}
	existing, err := getRelationship(ctx, q, fromID, relation, toID)
	if err != nil {
		return false, nil, core.WrapError("unrelate", err)
	}
	if existing == nil {
		return false, nil, nil
	}
	if _, err := q.ExecContext(ctx,
		"DELETE FROM _rels WHERE from_id = ? AND relation = ? AND to_id = ?",
		fromID, relation, toID); err != nil {
		return false, nil, core.WrapError("unrelate", fmt.Errorf("failed to delete relationship: %w", err))
	}
	ev := events.RelationshipEvent(events.RelationshipDeleted, fromID, relation, toID, existing.Metadata, nil)
	return true, []*events.Event{ev}, nil
}

// Get returns one relationship or ErrNotFound
func (g *GraphStore) Get(ctx context.Context, fromID, relation, toID string) (*core.Relationship, error) {
	q, err := g.store.Querier()
	if err != nil {
		return nil, core.WrapError("get_relationship", err)
	}
	rel, err := getRelationship(ctx, q, fromID, relation, toID)
	if err != nil {
		return nil, core.WrapError("get_relationship", err)
	}
	if rel == nil {
		return nil, core.NotFound("get_relationship", fromID+" -"+relation+"-> "+toID)
	}
	return rel, nil
}

// List returns relationships matching f in creation order
func (g *GraphStore) List(ctx context.Context, f Filter) ([]*core.Relationship, error) {
	q, err := g.store.Querier()
	if err != nil {
		return nil, core.WrapError("list_relationships", err)
	}
	var clauses []string
	var args []any
	if f.FromID != "" {
		clauses = append(clauses, "from_id = ?")
		args = append(args, f.FromID)
	}
	if f.ToID != "" {
		clauses = append(clauses, "to_id = ?")
		args = append(args, f.ToID)
	}
	if f.Relation != "" {
		clauses = append(clauses, "relation = ?")
		args = append(args, f.Relation)
	}
	query := "SELECT " + core.RelationshipColumns + " FROM _rels"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, from_id, relation, to_id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, max(f.Offset, 0))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError("list_relationships", err)
	}
	rels, err := scanRelationships(rows)
	if err != nil {
		return nil, core.WrapError("list_relationships", err)
	}
	return rels, nil
}

// RemoveEdgesOf deletes every edge touching any of ids, in either direction,
// and returns the relationship.deleted events for them.
func (g *GraphStore) RemoveEdgesOf(ctx context.Context, q core.Querier, ids []string) ([]*events.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idList, err := encoding.EncodeJSON(ids)
	if err != nil {
		return nil, core.WrapError("remove_edges", err)
	}
	rows, err := q.QueryContext(ctx, "SELECT "+core.RelationshipColumns+` FROM _rels
		WHERE from_id IN (SELECT value FROM json_each(?)) OR to_id IN (SELECT value FROM json_each(?))
		ORDER BY created_at, from_id, relation, to_id`, idList, idList)
	if err != nil {
		return nil, core.WrapError("remove_edges", err)
	}
	rels, err := scanRelationships(rows)
	if err != nil {
		return nil, core.WrapError("remove_edges", err)
	}
	if len(rels) == 0 {
		return nil, nil
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM _rels
		WHERE from_id IN (SELECT value FROM json_each(?)) OR to_id IN (SELECT value FROM json_each(?))`,
		idList, idList); err != nil {
		return nil, core.WrapError("remove_edges", fmt.Errorf("failed to delete edges: %w", err))
	}

	evs := make([]*events.Event, 0, len(rels))
	for _, r := range rels {
		evs = append(evs, events.RelationshipEvent(events.RelationshipDeleted, r.FromID, r.Relation, r.ToID, r.Metadata, nil))
	}
	g.logger.Debug("edges removed", "entities", len(ids), "edges", len(rels))
	return evs, nil
}

// Count returns the number of relationships, optionally for one relation name
func (g *GraphStore) Count(ctx context.Context, relation string) (int64, error) {
	q, err := g.store.Querier()
	if err != nil {
		return 0, core.WrapError("count_relationships", err)
	}
	query := "SELECT COUNT(*) FROM _rels"
	var args []any
	if relation != "" {
		query += " WHERE relation = ?"
		args = append(args, relation)
	}
	var n int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, core.WrapError("count_relationships", err)
	}
	return n, nil
}

func checkTriple(op, fromID, relation, toID string) error {
	var details []string
	if fromID == "" {
		details = append(details, "from_id is required")
	}
	if strings.TrimSpace(relation) == "" {
		details = append(details, "relation must not be empty")
	}
	if toID == "" {
		details = append(details, "to_id is required")
	}
	if len(details) > 0 {
		return core.ValidationError(op, details...)
	}
	return nil
}

// requireEntities fails with ErrReferentialIntegrity naming the first id
// that has no row in _data.
func (g *GraphStore) requireEntities(ctx context.Context, q core.Querier, op string, ids ...string) error {
	missing, err := MissingEntities(ctx, q, ids)
	if err != nil {
		return core.WrapError(op, err)
	}
	if len(missing) > 0 {
		return core.Errorf(op, core.ErrReferentialIntegrity, "entity %q does not exist", missing[0])
	}
	return nil
}

// MissingEntities returns the ids (in input order, deduplicated) that no entity
// of any type carries.
func MissingEntities(ctx context.Context, q core.Querier, ids []string) ([]string, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	idList, err := encoding.EncodeJSON(ids)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		"SELECT DISTINCT id FROM _data WHERE id IN (SELECT value FROM json_each(?))", idList)
	if err != nil {
		return nil, fmt.Errorf("failed to check entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func getRelationship(ctx context.Context, q core.Querier, fromID, relation, toID string) (*core.Relationship, error) {
	row := q.QueryRowContext(ctx, "SELECT "+core.RelationshipColumns+
		" FROM _rels WHERE from_id = ? AND relation = ? AND to_id = ?", fromID, relation, toID)
	rel, err := core.ScanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	return rel, nil
}

func scanRelationships(rows *sql.Rows) ([]*core.Relationship, error) {
	defer func() { _ = rows.Close() }()
	rels := []*core.Relationship{}
	for rows.Next() {
		r, err := core.ScanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

func sameMetadata(a, b map[string]any) bool {
	ta, errA := encoding.EncodeJSON(a)
	tb, errB := encoding.EncodeJSON(b)
	return errA == nil && errB == nil && ta == tb
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
