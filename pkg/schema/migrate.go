package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/sqgraph/pkg/core"
)

// Migration is an applied raw migration
type Migration struct {
	Version   int       `json:"version"`
	Up        string    `json:"up"`
	Down      string    `json:"down,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// Migrate runs up inside a transaction and records it under version. Versions
// must be strictly ascending. A failing statement is rolled back completely and
// reported as ErrMigration.
func (r *Registry) Migrate(ctx context.Context, version int, up, down string) error {
	if version <= 0 {
		return core.ValidationError("migrate", "version must be positive")
	}
	if strings.TrimSpace(up) == "" {
		return core.ValidationError("migrate", "up statement is required")
	}

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := migrationVersion(ctx, tx)
		if err != nil {
			return err
		}
		if version <= current {
			return core.ValidationError("migrate", fmt.Sprintf("version %d must be greater than the applied version %d", version, current))
		}
		if _, err := tx.ExecContext(ctx, up); err != nil {
			return core.Errorf("migrate", core.ErrMigration, "version %d: %v", version, err)
		}
		var downArg sql.NullString
		if strings.TrimSpace(down) != "" {
			downArg = sql.NullString{String: down, Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO _migrations (version, up, down, applied_at) VALUES (?, ?, ?, ?)",
			version, up, downArg, core.FormatTime(core.Now()))
		return err
	})
	if err != nil {
		return core.WrapError("migrate", err)
	}
	r.logger.Info("migration applied", "version", version)
	return nil
}

// Rollback runs the down statement of the latest migration and forgets it
func (r *Registry) Rollback(ctx context.Context, version int) error {
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := migrationVersion(ctx, tx)
		if err != nil {
			return err
		}
		if current == 0 {
			return core.NotFound("rollback", "applied migration")
		}
		if version != current {
			return core.ValidationError("rollback", fmt.Sprintf("only the latest migration (%d) can be rolled back", current))
		}
		var down sql.NullString
		if err := tx.QueryRowContext(ctx, "SELECT down FROM _migrations WHERE version = ?", version).Scan(&down); err != nil {
			return err
		}
		if !down.Valid || strings.TrimSpace(down.String) == "" {
			return core.ValidationError("rollback", fmt.Sprintf("migration %d has no down statement", version))
		}
		if _, err := tx.ExecContext(ctx, down.String); err != nil {
			return core.Errorf("rollback", core.ErrMigration, "version %d: %v", version, err)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM _migrations WHERE version = ?", version)
		return err
	})
	if err != nil {
		return core.WrapError("rollback", err)
	}
	r.logger.Info("migration rolled back", "version", version)
	return nil
}

// MigrationVersion returns the highest applied migration version, 0 if none
func (r *Registry) MigrationVersion(ctx context.Context) (int, error) {
	q, err := r.store.Querier()
	if err != nil {
		return 0, core.WrapError("migration_version", err)
	}
	v, err := migrationVersion(ctx, q)
	if err != nil {
		return 0, core.WrapError("migration_version", err)
	}
	return v, nil
}

// Migrations lists applied migrations in version order
func (r *Registry) Migrations(ctx context.Context) ([]*Migration, error) {
	q, err := r.store.Querier()
	if err != nil {
		return nil, core.WrapError("migrations", err)
	}
	rows, err := q.QueryContext(ctx, "SELECT version, up, down, applied_at FROM _migrations ORDER BY version")
	if err != nil {
		return nil, core.WrapError("migrations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Migration
	for rows.Next() {
		var m Migration
		var down sql.NullString
		var applied string
		if err := rows.Scan(&m.Version, &m.Up, &down, &applied); err != nil {
			return nil, core.WrapError("migrations", err)
		}
		m.Down = down.String
		if m.AppliedAt, err = core.ParseTime(applied); err != nil {
			return nil, core.WrapError("migrations", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func migrationVersion(ctx context.Context, q core.Querier) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM _migrations").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func decodeJSON(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode stored json: %w", err)
	}
	return nil
}
