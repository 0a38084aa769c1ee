package sqgraph

import (
	"context"

	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/schema"
)

// TypeMap maps type names to field descriptors such as "number @min(0)"
type TypeMap = schema.TypeMap

// SetSchema applies a new schema version. Fields added with a default are
// backfilled into existing rows and removed fields are stripped from them
// before it returns; the affected rows are re-embedded.
func (n *Namespace) SetSchema(ctx context.Context, types TypeMap) (*schema.SetResult, error) {
	n.mu.Lock()
	res, err := n.schemas.Set(ctx, types)
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if res.Backfilled+res.Stripped > 0 && n.embed != nil {
		n.reembed(ctx, res.Changes)
	}
	return res, nil
}

func (n *Namespace) reembed(ctx context.Context, changes []schema.Change) {
	done := map[string]bool{}
	for _, c := range changes {
		if (c.Kind != schema.FieldAdded && c.Kind != schema.FieldRemoved) || done[c.Entity] {
			continue
		}
		done[c.Entity] = true
		ids, err := n.entityIDs(ctx, c.Entity)
		if err != nil {
			n.logger.Warn("re-embedding after schema change failed", "type", c.Entity, "error", err)
			continue
		}
		for _, id := range ids {
			n.scheduleEmbedding(ctx, c.Entity, id)
		}
	}
}

func (n *Namespace) entityIDs(ctx context.Context, typeName string) ([]string, error) {
	q, err := n.store.Querier()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, "SELECT id FROM _data WHERE type = ? ORDER BY id", typeName)
	if err != nil {
		return nil, core.WrapError("entity_ids", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.WrapError("entity_ids", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DiffSchema compares types with the live schema without changing anything
func (n *Namespace) DiffSchema(ctx context.Context, types TypeMap) (*schema.DiffResult, error) {
	return n.schemas.Diff(ctx, types)
}

// Schema returns the snapshot at version; 0 means the live schema
func (n *Namespace) Schema(ctx context.Context, version int) (*schema.Snapshot, error) {
	return n.schemas.Get(ctx, version)
}

// SchemaHistory lists every schema version, oldest first
func (n *Namespace) SchemaHistory(ctx context.Context) ([]*schema.HistoryEntry, error) {
	return n.schemas.History(ctx)
}

// Validate checks data against the live schema of typeName without writing
func (n *Namespace) Validate(ctx context.Context, typeName string, data map[string]any) (*schema.Result, error) {
	return n.schemas.Validate(ctx, typeName, data)
}

// Migrate runs a raw migration statement atomically under version
func (n *Namespace) Migrate(ctx context.Context, version int, up, down string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.schemas.Migrate(ctx, version, up, down)
}

// Rollback runs the down statement of the migration recorded under version
func (n *Namespace) Rollback(ctx context.Context, version int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.schemas.Rollback(ctx, version)
}

// Migrations lists the applied raw migrations
func (n *Namespace) Migrations(ctx context.Context) ([]*schema.Migration, error) {
	return n.schemas.Migrations(ctx)
}
