// Package entity implements CRUD over typed JSON records in _data.
//
// Writes are validated and coerced against the live schema of their type
// (when one exists), materialize relationship fields as edges, and return the
// events describing the change. Every mutation takes the caller's Querier so it
// can share a transaction with the event append.
package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/events"
	"github.com/liliang-cn/sqgraph/pkg/graph"
	"github.com/liliang-cn/sqgraph/pkg/schema"
)

// Store manages the entities of one namespace
type Store struct {
	store   *core.Store
	schemas *schema.Registry
	graph   *graph.GraphStore
	logger  core.Logger
}

// NewStore creates an entity store
func NewStore(store *core.Store, schemas *schema.Registry, g *graph.GraphStore) *Store {
	return &Store{
		store:   store,
		schemas: schemas,
		graph:   g,
		logger:  store.Logger().With("component", "entity"),
	}
}

// Create stores a new entity. An empty id is replaced by a generated one.
// Creating an existing (type, id) is a conflict.
func (s *Store) Create(ctx context.Context, q core.Querier, typeName, id string, data map[string]any) (*core.Entity, []*events.Event, error) {
	if !core.ValidTypeName(typeName) {
		return nil, nil, core.ValidationError("create", fmt.Sprintf("invalid type name %q", typeName))
	}
	if id == "" {
		id = uuid.NewString()
	}

	existing, err := s.get(ctx, q, typeName, id)
	if err != nil {
		return nil, nil, core.WrapError("create", err)
	}
	if existing != nil {
		return nil, nil, core.ConflictError("create", fmt.Sprintf("%s/%s already exists", typeName, id))
	}

	t, prepared, err := s.prepare(ctx, q, "create", typeName, id, data)
	if err != nil {
		return nil, nil, err
	}

	raw, err := encoding.EncodeJSON(prepared)
	if err != nil {
		return nil, nil, core.ValidationError("create", err.Error())
	}
	now := core.Now()
	_, err = q.ExecContext(ctx,
		"INSERT INTO _data (type, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		typeName, id, raw, core.FormatTime(now), core.FormatTime(now))
	if err != nil {
		if core.IsUniqueViolation(err) {
			return nil, nil, core.ConflictError("create", fmt.Sprintf("%s/%s already exists", typeName, id))
		}
		return nil, nil, core.WrapError("create", fmt.Errorf("failed to insert entity: %w", err))
	}

	evs := []*events.Event{events.EntityEvent(typeName, id, events.VerbCreated, prepared, nil)}
	relEvents, err := s.syncRelations(ctx, q, "create", t, id, nil, prepared)
	if err != nil {
		return nil, nil, err
	}
	evs = append(evs, relEvents...)

	s.logger.Debug("entity created", "type", typeName, "id", id)
	return &core.Entity{Type: typeName, ID: id, Data: prepared, CreatedAt: now, UpdatedAt: now}, evs, nil
}

// Get returns an entity or ErrNotFound
func (s *Store) Get(ctx context.Context, typeName, id string) (*core.Entity, error) {
	q, err := s.store.Querier()
	if err != nil {
		return nil, core.WrapError("get", err)
	}
	return s.GetTx(ctx, q, typeName, id)
}

// GetTx is Get through q
func (s *Store) GetTx(ctx context.Context, q core.Querier, typeName, id string) (*core.Entity, error) {
	ent, err := s.get(ctx, q, typeName, id)
	if err != nil {
		return nil, core.WrapError("get", err)
	}
	if ent == nil {
		return nil, core.NotFound("get", typeName+"/"+id)
	}
	return ent, nil
}

// Update merges patch into the stored data. Top level keys overwrite; a key
// containing dots ("address.city") sets that nested path and leaves its
// siblings alone. The merged record is validated as a whole.
func (s *Store) Update(ctx context.Context, q core.Querier, typeName, id string, patch map[string]any) (*core.Entity, []*events.Event, error) {
	existing, err := s.get(ctx, q, typeName, id)
	if err != nil {
		return nil, nil, core.WrapError("update", err)
	}
	if existing == nil {
		return nil, nil, core.NotFound("update", typeName+"/"+id)
	}

	merged := encoding.Clone(existing.Data)
	for _, key := range sortedKeys(patch) {
		if err := setPath(merged, key, encoding.CloneValue(patch[key])); err != nil {
			return nil, nil, core.ValidationError("update", err.Error())
		}
	}
	return s.write(ctx, q, "update", existing, merged)
}

// Upsert replaces the data of (type, id), creating the entity when missing
func (s *Store) Upsert(ctx context.Context, q core.Querier, typeName, id string, data map[string]any) (*core.Entity, []*events.Event, error) {
	if id == "" {
		return s.Create(ctx, q, typeName, id, data)
	}
	existing, err := s.get(ctx, q, typeName, id)
	if err != nil {
		return nil, nil, core.WrapError("upsert", err)
	}
	if existing == nil {
		return s.Create(ctx, q, typeName, id, data)
	}
	return s.write(ctx, q, "upsert", existing, data)
}

// write stores data over existing and emits <Type>.updated
func (s *Store) write(ctx context.Context, q core.Querier, op string, existing *core.Entity, data map[string]any) (*core.Entity, []*events.Event, error) {
	t, prepared, err := s.prepare(ctx, q, op, existing.Type, existing.ID, data)
	if err != nil {
		return nil, nil, err
	}
	raw, err := encoding.EncodeJSON(prepared)
	if err != nil {
		return nil, nil, core.ValidationError(op, err.Error())
	}
	now := core.Now()
	if _, err := q.ExecContext(ctx,
		"UPDATE _data SET data = ?, updated_at = ? WHERE type = ? AND id = ?",
		raw, core.FormatTime(now), existing.Type, existing.ID); err != nil {
		if core.IsUniqueViolation(err) {
			return nil, nil, core.ConflictError(op, err.Error())
		}
		return nil, nil, core.WrapError(op, fmt.Errorf("failed to update entity: %w", err))
	}

	evs := []*events.Event{events.EntityEvent(existing.Type, existing.ID, events.VerbUpdated, prepared, existing.Data)}
	relEvents, err := s.syncRelations(ctx, q, op, t, existing.ID, existing.Data, prepared)
	if err != nil {
		return nil, nil, err
	}
	evs = append(evs, relEvents...)

	return &core.Entity{
		Type: existing.Type, ID: existing.ID, Data: prepared,
		CreatedAt: existing.CreatedAt, UpdatedAt: now,
	}, evs, nil
}

// prepare runs schema validation and maps its outcome to error kinds:
// malformed input is ErrValidation, @unique collisions alone are ErrConflict.
func (s *Store) prepare(ctx context.Context, q core.Querier, op, typeName, id string, data map[string]any) (*schema.Type, map[string]any, error) {
	if data == nil {
		data = map[string]any{}
	}
	t, prepared, res, err := s.schemas.Prepare(ctx, q, typeName, id, data)
	if err != nil {
		return nil, nil, err
	}
	if len(res.Errors) > 0 {
		return nil, nil, core.ValidationError(op, res.Errors...)
	}
	if len(res.Conflicts) > 0 {
		return nil, nil, core.ConflictError(op, res.Conflicts...)
	}
	if t == nil {
		prepared = encoding.Clone(prepared)
		if prepared == nil {
			prepared = map[string]any{}
		}
	}
	encoding.Normalize(prepared)
	return t, prepared, nil
}

// Count returns how many entities of typeName exist
func (s *Store) Count(ctx context.Context, typeName string) (int64, error) {
	q, err := s.store.Querier()
	if err != nil {
		return 0, core.WrapError("count", err)
	}
	var n int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM _data WHERE type = ?", typeName).Scan(&n); err != nil {
		return 0, core.WrapError("count", err)
	}
	return n, nil
}

// Exists reports whether any entity carries id
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	q, err := s.store.Querier()
	if err != nil {
		return false, core.WrapError("exists", err)
	}
	var one int
	err = q.QueryRowContext(ctx, "SELECT 1 FROM _data WHERE id = ? LIMIT 1", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, core.WrapError("exists", err)
	}
	return true, nil
}

// Types lists the entity types that have at least one row
func (s *Store) Types(ctx context.Context) ([]string, error) {
	q, err := s.store.Querier()
	if err != nil {
		return nil, core.WrapError("types", err)
	}
	rows, err := q.QueryContext(ctx, "SELECT DISTINCT type FROM _data ORDER BY type")
	if err != nil {
		return nil, core.WrapError("types", err)
	}
	defer func() { _ = rows.Close() }()
	types := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, core.WrapError("types", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *Store) get(ctx context.Context, q core.Querier, typeName, id string) (*core.Entity, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+core.EntityColumns+" FROM _data WHERE type = ? AND id = ?", typeName, id)
	ent, err := core.ScanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return ent, nil
}

// setPath assigns v at a dotted key, creating intermediate objects
func setPath(data map[string]any, key string, v any) error {
	if !strings.Contains(key, ".") {
		if key == "" {
			return fmt.Errorf("empty field name")
		}
		data[key] = v
		return nil
	}
	parts := strings.Split(key, ".")
	cur := data
	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("invalid field path %q", key)
		}
		if i == len(parts)-1 {
			cur[part] = v
			break
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	return nil
}
