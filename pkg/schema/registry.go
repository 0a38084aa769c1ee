package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

// ChangeKind classifies a schema change
type ChangeKind string

const (
	FieldAdded   ChangeKind = "field_added"
	FieldRemoved ChangeKind = "field_removed"
	FieldChanged ChangeKind = "field_changed"
)

// Change is one field level difference between the live schema and a proposal
type Change struct {
	Kind   ChangeKind `json:"type"`
	Entity string     `json:"entity"`
	Field  string     `json:"field"`
	From   string     `json:"from,omitempty"`
	To     string     `json:"to,omitempty"`
}

// DiffResult is returned by Diff
type DiffResult struct {
	HasChanges bool     `json:"hasChanges"`
	Changes    []Change `json:"changes"`
}

// SetResult is returned by Set
type SetResult struct {
	Version    int      `json:"version"`
	Changed    bool     `json:"changed"`
	Changes    []Change `json:"changes"`
	Backfilled int64    `json:"backfilled"` // rows that received a default value
	Stripped   int64    `json:"stripped"`   // rows that lost the value of a removed field
}

// Snapshot is the full schema of a namespace at one version
type Snapshot struct {
	Version   int       `json:"version"`
	Types     TypeMap   `json:"types"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// HistoryEntry describes one schema version
type HistoryEntry struct {
	Version   int       `json:"version"`
	Changes   []Change  `json:"changes"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry stores versioned type definitions in _schema and _schema_history
type Registry struct {
	store  *core.Store
	logger core.Logger
}

// NewRegistry creates a registry over an initialized store
func NewRegistry(store *core.Store) *Registry {
	return &Registry{store: store, logger: store.Logger().With("component", "schema")}
}

// Lookup returns the live compiled type, or nil when typeName has no schema
func (r *Registry) Lookup(ctx context.Context, q core.Querier, typeName string) (*Type, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT fields FROM _schema WHERE type = ?", typeName).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.WrapError("lookup_schema", err)
	}
	var fields Fields
	if err := decodeJSON(raw, &fields); err != nil {
		return nil, core.WrapError("lookup_schema", err)
	}
	t, errs := Compile(typeName, fields)
	if len(errs) > 0 {
		return nil, core.WrapError("lookup_schema", fmt.Errorf("stored schema for %s is invalid: %v", typeName, errs))
	}
	return t, nil
}

// Diff compares types against the live schema without writing anything.
// Only the types named in the map are compared.
func (r *Registry) Diff(ctx context.Context, types TypeMap) (*DiffResult, error) {
	q, err := r.store.Querier()
	if err != nil {
		return nil, core.WrapError("diff_schema", err)
	}
	changes, err := r.diff(ctx, q, types)
	if err != nil {
		return nil, err
	}
	return &DiffResult{HasChanges: len(changes) > 0, Changes: changes}, nil
}

func (r *Registry) diff(ctx context.Context, q core.Querier, types TypeMap) ([]Change, error) {
	var problems []string
	compiled := make(map[string]*Type, len(types))
	for _, name := range sortedKeys(types) {
		t, errs := Compile(name, types[name])
		problems = append(problems, errs...)
		compiled[name] = t
	}
	if len(problems) > 0 {
		return nil, core.ValidationError("diff_schema", problems...)
	}

	changes := []Change{}
	for _, name := range sortedKeys(compiled) {
		next := compiled[name]
		live, err := r.Lookup(ctx, q, name)
		if err != nil {
			return nil, err
		}
		if live == nil {
			live = &Type{Name: name}
		}
		for _, field := range next.FieldNames() {
			nf := next.Fields[field]
			of, ok := live.Fields[field]
			switch {
			case !ok:
				changes = append(changes, Change{Kind: FieldAdded, Entity: name, Field: field, To: next.Descriptors[field]})
			case of.String() != nf.String():
				changes = append(changes, Change{Kind: FieldChanged, Entity: name, Field: field, From: live.Descriptors[field], To: next.Descriptors[field]})
			}
		}
		for _, field := range live.FieldNames() {
			if _, ok := next.Fields[field]; !ok {
				changes = append(changes, Change{Kind: FieldRemoved, Entity: name, Field: field, From: live.Descriptors[field]})
			}
		}
	}
	return changes, nil
}

// Set replaces the definitions of the given types, leaving other types untouched.
// When anything changed it writes a new namespace version with a full snapshot
// backfills declared defaults into existing rows and strips removed fields from
// them, so stored rows keep validating. Setting an identical
// schema is a no-op that returns the current version.
func (r *Registry) Set(ctx context.Context, types TypeMap) (*SetResult, error) {
	if len(types) == 0 {
		return nil, core.ValidationError("set_schema", "at least one type is required")
	}

	var res *SetResult
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		changes, err := r.diff(ctx, tx, types)
		if err != nil {
			return err
		}
		current, err := currentVersion(ctx, tx)
		if err != nil {
			return err
		}
		res = &SetResult{Version: current, Changes: changes}
		if len(changes) == 0 {
			return nil
		}

		res.Version = current + 1
		res.Changed = true
		now := core.FormatTime(core.Now())

		touched := map[string]bool{}
		for _, ch := range changes {
			touched[ch.Entity] = true
		}
		for _, name := range sortedKeys(touched) {
			t, _ := Compile(name, types[name])
			raw, err := encoding.EncodeJSON(t.Descriptors)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO _schema (type, fields, version, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(type) DO UPDATE SET fields = excluded.fields, version = excluded.version, updated_at = excluded.updated_at`,
				name, raw, res.Version, now); err != nil {
				return fmt.Errorf("failed to store schema %s: %w", name, err)
			}

			for _, ch := range changes {
				if ch.Entity != name || ch.Kind != FieldRemoved {
					continue
				}
				n, err := strip(ctx, tx, name, ch.Field)
				if err != nil {
					return err
				}
				res.Stripped += n
			}
			for _, field := range t.FieldNames() {
				ft := t.Fields[field]
				if !ft.HasDefault || !addedOrChanged(changes, name, field) {
					continue
				}
				n, err := backfill(ctx, tx, name, field, ft.Default)
				if err != nil {
					return err
				}
				res.Backfilled += n
			}
		}

		snapshot, err := liveTypes(ctx, tx)
		if err != nil {
			return err
		}
		snapRaw, err := encoding.EncodeJSON(snapshot)
		if err != nil {
			return err
		}
		changesRaw, err := encoding.EncodeJSON(changes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO _schema_history (version, schema, changes, created_at) VALUES (?, ?, ?, ?)",
			res.Version, snapRaw, changesRaw, now)
		return err
	})
	if err != nil {
		return nil, core.WrapError("set_schema", err)
	}
	if res.Changed {
		r.logger.Info("schema updated", "version", res.Version, "changes", len(res.Changes),
			"backfilled", res.Backfilled, "stripped", res.Stripped)
	}
	return res, nil
}

func addedOrChanged(changes []Change, typeName, field string) bool {
	for _, ch := range changes {
		if ch.Entity == typeName && ch.Field == field && ch.Kind != FieldRemoved {
			return true
		}
	}
	return false
}

// backfill writes the default into rows of typeName where field is absent
func backfill(ctx context.Context, q core.Querier, typeName, field string, value any) (int64, error) {
	lit, err := encoding.EncodeJSON(value)
	if err != nil {
		return 0, err
	}
	path := core.JSONPath(field)
	res, err := q.ExecContext(ctx,
		"UPDATE _data SET data = json_set(data, ?, json(?)) WHERE type = ? AND json_type(data, ?) IS NULL",
		path, lit, typeName, path)
	if err != nil {
		return 0, fmt.Errorf("failed to backfill %s.%s: %w", typeName, field, err)
	}
	return res.RowsAffected()
}

// strip removes field from the rows of typeName that still carry it
func strip(ctx context.Context, q core.Querier, typeName, field string) (int64, error) {
	path := core.JSONPath(field)
	res, err := q.ExecContext(ctx,
		"UPDATE _data SET data = json_remove(data, ?) WHERE type = ? AND json_type(data, ?) IS NOT NULL",
		path, typeName, path)
	if err != nil {
		return 0, fmt.Errorf("failed to strip %s.%s: %w", typeName, field, err)
	}
	return res.RowsAffected()
}

func currentVersion(ctx context.Context, q core.Querier) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM _schema_history").Scan(&v)
	return v, err
}

func liveTypes(ctx context.Context, q core.Querier) (TypeMap, error) {
	rows, err := q.QueryContext(ctx, "SELECT type, fields FROM _schema ORDER BY type")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := TypeMap{}
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var fields Fields
		if err := decodeJSON(raw, &fields); err != nil {
			return nil, err
		}
		out[name] = fields
	}
	return out, rows.Err()
}

// Version returns the live namespace schema version, 0 when no schema was ever set
func (r *Registry) Version(ctx context.Context) (int, error) {
	q, err := r.store.Querier()
	if err != nil {
		return 0, core.WrapError("schema_version", err)
	}
	v, err := currentVersion(ctx, q)
	if err != nil {
		return 0, core.WrapError("schema_version", err)
	}
	return v, nil
}

// Get returns the snapshot at version, or the live schema when version <= 0
func (r *Registry) Get(ctx context.Context, version int) (*Snapshot, error) {
	q, err := r.store.Querier()
	if err != nil {
		return nil, core.WrapError("get_schema", err)
	}
	if version <= 0 {
		if version, err = currentVersion(ctx, q); err != nil {
			return nil, core.WrapError("get_schema", err)
		}
		if version == 0 {
			return &Snapshot{Version: 0, Types: TypeMap{}}, nil
		}
	}

	var raw, created string
	err = q.QueryRowContext(ctx, "SELECT schema, created_at FROM _schema_history WHERE version = ?", version).Scan(&raw, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("get_schema", fmt.Sprintf("schema version %d", version))
	}
	if err != nil {
		return nil, core.WrapError("get_schema", err)
	}
	snap := &Snapshot{Version: version, Types: TypeMap{}}
	if err := decodeJSON(raw, &snap.Types); err != nil {
		return nil, core.WrapError("get_schema", err)
	}
	if snap.CreatedAt, err = core.ParseTime(created); err != nil {
		return nil, core.WrapError("get_schema", err)
	}
	return snap, nil
}

// History lists every schema version, oldest first
func (r *Registry) History(ctx context.Context) ([]*HistoryEntry, error) {
	q, err := r.store.Querier()
	if err != nil {
		return nil, core.WrapError("schema_history", err)
	}
	rows, err := q.QueryContext(ctx, "SELECT version, changes, created_at FROM _schema_history ORDER BY version")
	if err != nil {
		return nil, core.WrapError("schema_history", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var changes, created string
		if err := rows.Scan(&h.Version, &changes, &created); err != nil {
			return nil, core.WrapError("schema_history", err)
		}
		if err := decodeJSON(changes, &h.Changes); err != nil {
			return nil, core.WrapError("schema_history", err)
		}
		if h.CreatedAt, err = core.ParseTime(created); err != nil {
			return nil, core.WrapError("schema_history", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// Types lists the types that have a schema
func (r *Registry) Types(ctx context.Context) ([]string, error) {
	q, err := r.store.Querier()
	if err != nil {
		return nil, core.WrapError("schema_types", err)
	}
	rows, err := q.QueryContext(ctx, "SELECT type FROM _schema ORDER BY type")
	if err != nil {
		return nil, core.WrapError("schema_types", err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, core.WrapError("schema_types", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
