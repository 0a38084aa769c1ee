package schema

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

func newTestRegistry(t *testing.T) (*Registry, *core.Store) {
	t.Helper()
	store, err := core.Open(filepath.Join(t.TempDir(), "schema.db"), "test", core.Options{})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(store), store
}

func insertRow(t *testing.T, store *core.Store, typeName, id string, data map[string]any) {
	t.Helper()
	raw, err := encoding.EncodeJSON(data)
	require.NoError(t, err)
	now := core.FormatTime(core.Now())
	_, err = store.DB().Exec("INSERT INTO _data (type, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		typeName, id, raw, now, now)
	require.NoError(t, err)
}

func readRow(t *testing.T, store *core.Store, typeName, id string) map[string]any {
	t.Helper()
	var raw string
	require.NoError(t, store.DB().QueryRow("SELECT data FROM _data WHERE type = ? AND id = ?", typeName, id).Scan(&raw))
	obj, err := encoding.DecodeObject(raw)
	require.NoError(t, err)
	return obj
}

func TestParseDescriptors(t *testing.T) {
	tests := []struct {
		in    string
		canon string
		check func(t *testing.T, ft *FieldType)
	}{
		{"string", "string", func(t *testing.T, ft *FieldType) {
			assert.Equal(t, KindString, ft.Kind)
			assert.False(t, ft.Optional)
		}},
		{"  number?  ", "number?", func(t *testing.T, ft *FieldType) {
			assert.True(t, ft.Optional)
		}},
		{"number @min(0) @max(100)", "number @min(0) @max(100)", func(t *testing.T, ft *FieldType) {
			assert.Equal(t, 0.0, *ft.Min)
			assert.Equal(t, 100.0, *ft.Max)
		}},
		{`string = "active"`, `string = "active"`, func(t *testing.T, ft *FieldType) {
			assert.Equal(t, "active", ft.Default)
		}},
		{"string = active", `string = "active"`, nil},
		{"number = 5 @min(1)", "number = 5 @min(1)", func(t *testing.T, ft *FieldType) {
			assert.Equal(t, int64(5), ft.Default)
		}},
		{"boolean = false", "boolean = false", nil},
		{"string[] @max(3)", "string[] @max(3)", func(t *testing.T, ft *FieldType) {
			assert.True(t, ft.Array)
		}},
		{`string[] = ["a","b"]`, `string[] = ["a","b"]`, nil},
		{"string @unique @pattern(^(foo|bar)[()]+$)", "string @unique @pattern(^(foo|bar)[()]+$)", func(t *testing.T, ft *FieldType) {
			assert.True(t, ft.Unique)
			assert.True(t, ft.Pattern.MatchString("foo(("))
		}},
		{"->Post[]", "-> Post[]", func(t *testing.T, ft *FieldType) {
			assert.Equal(t, OneToMany, ft.Arrow)
			assert.Equal(t, "Post", ft.Ref)
			assert.True(t, ft.IsRelation())
		}},
		{"~> Tag[]?", "~> Tag[]?", nil},
		{"<~ User.posts", "<~ User.posts", func(t *testing.T, ft *FieldType) {
			assert.Equal(t, "posts", ft.RefField)
		}},
		{"Address?", "Address?", func(t *testing.T, ft *FieldType) {
			assert.Equal(t, KindRef, ft.Kind)
		}},
		{"date", "date", nil},
		{"json = {\"a\":1}", `json = {"a":1}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ft, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.canon, ft.String())
			if tt.check != nil {
				tt.check(t, ft)
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"strng",
		"string @min",
		"string @min(abc)",
		"number @min(5) @max(1)",
		"string @bogus",
		"string @pattern((unclosed)",
		"string @pattern([)",
		"-> string",
		"number = abc",
		"string[] @unique",
		"number @pattern(x)",
		"string extra",
		"number = 5 @max(3)",
	} {
		_, err := Parse(in)
		assert.Error(t, err, "descriptor %q", in)
	}
}

func TestSetGetDiffRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	s := TypeMap{
		"User": {"name": "string", "age": "number? @min(0)", "email": "string @unique"},
		"Post": {"title": "string", "author": "<~ User.posts"},
	}
	res, err := r.Set(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.True(t, res.Changed)
	assert.Len(t, res.Changes, 5)

	snap, err := r.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, s, snap.Types)

	diff, err := r.Diff(ctx, s)
	require.NoError(t, err)
	assert.False(t, diff.HasChanges)
	assert.Empty(t, diff.Changes)

	// identical schema writes no version
	res, err = r.Set(ctx, s)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, res.Version)

	types, err := r.Types(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Post", "User"}, types)
}

func TestDiffReportsEachKind(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Set(ctx, TypeMap{"User": {"name": "string", "age": "number", "nick": "string?"}})
	require.NoError(t, err)

	diff, err := r.Diff(ctx, TypeMap{"User": {"name": "string", "age": "number @min(0)", "email": "string"}})
	require.NoError(t, err)
	assert.True(t, diff.HasChanges)
	assert.ElementsMatch(t, []Change{
		{Kind: FieldAdded, Entity: "User", Field: "email", To: "string"},
		{Kind: FieldChanged, Entity: "User", Field: "age", From: "number", To: "number @min(0)"},
		{Kind: FieldRemoved, Entity: "User", Field: "nick", From: "string?"},
	}, diff.Changes)

	// diff is read only
	snap, err := r.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "number", snap.Types["User"]["age"])

	_, err = r.Diff(ctx, TypeMap{"User": {"name": "strng"}})
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestVersionsAndHistory(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Set(ctx, TypeMap{"User": {"name": "string"}})
	require.NoError(t, err)
	res, err := r.Set(ctx, TypeMap{"Post": {"title": "string"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	res, err = r.Set(ctx, TypeMap{"User": {"name": "string", "bio": "string?"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)

	v1, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, TypeMap{"User": {"name": "string"}}, v1.Types)

	// snapshots hold every type, not just the one that changed
	v3, err := r.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, TypeMap{
		"User": {"name": "string", "bio": "string?"},
		"Post": {"title": "string"},
	}, v3.Types)

	_, err = r.Get(ctx, 9)
	require.ErrorIs(t, err, core.ErrNotFound)

	history, err := r.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []Change{{Kind: FieldAdded, Entity: "User", Field: "bio", To: "string?"}}, history[2].Changes)

	v, err := r.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestSetRejectsBadGrammarAndKeepsSchema(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Set(ctx, TypeMap{"User": {"name": "string"}})
	require.NoError(t, err)

	_, err = r.Set(ctx, TypeMap{"User": {"name": "string", "age": "number @min("}})
	require.ErrorIs(t, err, core.ErrValidation)
	assert.NotEmpty(t, core.Details(err))

	snap, err := r.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, TypeMap{"User": {"name": "string"}}, snap.Types)
}

func TestDefaultBackfill(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Set(ctx, TypeMap{"User": {"name": "string"}})
	require.NoError(t, err)
	insertRow(t, store, "User", "u1", map[string]any{"name": "Ada"})
	insertRow(t, store, "User", "u2", map[string]any{"name": "Grace"})
	insertRow(t, store, "Other", "o1", map[string]any{"name": "x"})

	res, err := r.Set(ctx, TypeMap{"User": {"name": "string", "status": `string = "active"`, "nick": "string?"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Backfilled)

	assert.Equal(t, map[string]any{"name": "Ada", "status": "active"}, readRow(t, store, "User", "u1"))
	assert.Equal(t, map[string]any{"name": "Grace", "status": "active"}, readRow(t, store, "User", "u2"))
	assert.Equal(t, map[string]any{"name": "x"}, readRow(t, store, "Other", "o1"))
}

func TestRemovedFieldIsStripped(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Set(ctx, TypeMap{"User": {"name": "string", "legacy": "string?"}})
	require.NoError(t, err)
	insertRow(t, store, "User", "u1", map[string]any{"name": "a", "legacy": "x"})
	insertRow(t, store, "User", "u2", map[string]any{"name": "b"})
	insertRow(t, store, "Other", "o1", map[string]any{"legacy": "kept"})

	res, err := r.Set(ctx, TypeMap{"User": {"name": "string"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Stripped)
	assert.Equal(t, map[string]any{"name": "a"}, readRow(t, store, "User", "u1"))
	assert.Equal(t, map[string]any{"legacy": "kept"}, readRow(t, store, "Other", "o1"))

	result, err := r.Validate(ctx, "User", readRow(t, store, "User", "u1"))
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Errors)
}

func TestValidate(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Set(ctx, TypeMap{
		"User": {
			"name":   "string @min(2) @max(10)",
			"age":    "number? @min(0) @max(150)",
			"email":  "string @unique @pattern(^[^@]+@[^@]+$)",
			"active": "boolean = true",
			"tags":   "string[]? @max(2)",
			"home":   "Address?",
		},
		"Address": {"city": "string"},
	})
	require.NoError(t, err)
	insertRow(t, store, "User", "taken", map[string]any{"name": "Bob", "email": "bob@example.com"})

	tests := []struct {
		name      string
		data      map[string]any
		valid     bool
		errors    int
		conflicts int
	}{
		{"valid", map[string]any{"name": "Ada", "email": "ada@example.com"}, true, 0, 0},
		{"coerced", map[string]any{"name": "Ada", "email": "ada@example.com", "age": "42", "active": "false"}, true, 0, 0},
		{"missing required", map[string]any{"email": "ada@example.com"}, false, 1, 0},
		{"wrong type", map[string]any{"name": 5, "email": "ada@example.com"}, false, 1, 0},
		{"range", map[string]any{"name": "Ada", "email": "ada@example.com", "age": -1}, false, 1, 0},
		{"length", map[string]any{"name": "A", "email": "ada@example.com"}, false, 1, 0},
		{"pattern", map[string]any{"name": "Ada", "email": "nope"}, false, 1, 0},
		{"array length", map[string]any{"name": "Ada", "email": "a@b", "tags": []any{"x", "y", "z"}}, false, 1, 0},
		{"unknown field", map[string]any{"name": "Ada", "email": "a@b", "shoe": 42}, false, 1, 0},
		{"unique", map[string]any{"name": "Bobby", "email": "bob@example.com"}, false, 0, 1},
		{"nested", map[string]any{"name": "Ada", "email": "a@b", "home": map[string]any{"zip": "1"}}, false, 2, 0},
		{"nested ok", map[string]any{"name": "Ada", "email": "a@b", "home": map[string]any{"city": "Paris"}}, true, 0, 0},
		{"null required", map[string]any{"name": nil, "email": "a@b"}, false, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Validate(ctx, "User", tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid, "errors: %v conflicts: %v", res.Errors, res.Conflicts)
			assert.Len(t, res.Errors, tt.errors)
			assert.Len(t, res.Conflicts, tt.conflicts)
		})
	}

	res, err := r.Validate(ctx, "Schemaless", map[string]any{"anything": true})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestPrepareCoercesAndFillsDefaults(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Set(ctx, TypeMap{"Item": {"price": "number", "live": "boolean = true", "sku": "string @unique"}})
	require.NoError(t, err)
	insertRow(t, store, "Item", "i1", map[string]any{"price": 1, "live": true, "sku": "A"})

	in := map[string]any{"price": "19.5", "sku": "A"}
	typ, out, res, err := r.Prepare(ctx, store.DB(), "Item", "i1", in)
	require.NoError(t, err)
	require.NotNil(t, typ)
	// the row's own value does not conflict with itself
	assert.True(t, res.Valid, "%v %v", res.Errors, res.Conflicts)
	assert.Equal(t, map[string]any{"price": 19.5, "live": true, "sku": "A"}, out)
	assert.Equal(t, map[string]any{"price": "19.5", "sku": "A"}, in)
}

func TestMigrateIsAtomic(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Set(ctx, TypeMap{"User": {"name": "string"}})
	require.NoError(t, err)
	insertRow(t, store, "User", "u1", map[string]any{"name": "Ada"})

	var before string
	require.NoError(t, store.DB().QueryRow("SELECT data FROM _data WHERE id = 'u1'").Scan(&before))

	err = r.Migrate(ctx, 1, "UPDATE _data SET data = '{}'; THIS IS NOT SQL", "")
	require.ErrorIs(t, err, core.ErrMigration)

	var after string
	require.NoError(t, store.DB().QueryRow("SELECT data FROM _data WHERE id = 'u1'").Scan(&after))
	assert.Equal(t, before, after)

	mv, err := r.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, mv)
	sv, err := r.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sv)
}

func TestMigrateOrderAndRollback(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Migrate(ctx, 1, "CREATE TABLE audit (id TEXT)", "DROP TABLE audit"))
	require.NoError(t, r.Migrate(ctx, 3, "CREATE INDEX idx_audit ON audit(id)", ""))
	require.ErrorIs(t, r.Migrate(ctx, 2, "SELECT 1", ""), core.ErrValidation)
	require.ErrorIs(t, r.Migrate(ctx, 3, "SELECT 1", ""), core.ErrValidation)
	require.ErrorIs(t, r.Migrate(ctx, 4, "  ", ""), core.ErrValidation)

	list, err := r.Migrations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "DROP TABLE audit", list[0].Down)

	// 3 has no down statement, 1 is not the latest
	require.ErrorIs(t, r.Rollback(ctx, 3), core.ErrValidation)
	require.ErrorIs(t, r.Rollback(ctx, 1), core.ErrValidation)

	require.NoError(t, r.Migrate(ctx, 4, "ALTER TABLE audit ADD COLUMN note TEXT", "ALTER TABLE audit DROP COLUMN note"))
	require.NoError(t, r.Rollback(ctx, 4))
	mv, err := r.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, mv)

	_, err = store.DB().Exec("INSERT INTO audit (id) VALUES ('x')")
	require.NoError(t, err)
}
