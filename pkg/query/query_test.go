package query

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

func newTestEngine(t *testing.T) (*Engine, *core.Store) {
	t.Helper()
	store, err := core.Open(filepath.Join(t.TempDir(), "query.db"), "test", core.Options{})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store), store
}

func insert(t *testing.T, store *core.Store, typeName, id string, data map[string]any) {
	t.Helper()
	raw, err := encoding.EncodeJSON(data)
	require.NoError(t, err)
	now := core.FormatTime(core.Now())
	_, err = store.DB().Exec("INSERT INTO _data (type, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		typeName, id, raw, now, now)
	require.NoError(t, err)
}

func seedProducts(t *testing.T, store *core.Store) {
	t.Helper()
	products := []struct {
		id    string
		price int
		name  string
		cat   string
		stock bool
	}{
		{"p1", 29, "USB cable", "accessories", true},
		{"p2", 79, "Keyboard", "accessories", true},
		{"p3", 299, "Monitor", "displays", false},
		{"p4", 499, "Laptop stand", "furniture", true},
		{"p5", 999, "Laptop", "computers", true},
	}
	for _, p := range products {
		insert(t, store, "Product", p.id, map[string]any{
			"name":     p.name,
			"price":    p.price,
			"category": p.cat,
			"in_stock": p.stock,
			"specs":    map[string]any{"weight": p.price / 10},
		})
	}
}

func ids(list []*core.Entity) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}

func sortedIDs(list []*core.Entity) []string {
	out := ids(list)
	sort.Strings(out)
	return out
}

func TestListOperators(t *testing.T) {
	e, store := newTestEngine(t)
	seedProducts(t, store)
	ctx := context.Background()

	tests := []struct {
		name  string
		where map[string]any
		want  []string
	}{
		{"gt", map[string]any{"price": map[string]any{"$gt": 100}}, []string{"p3", "p4", "p5"}},
		{"gte lte", map[string]any{"price": map[string]any{"$gte": 79, "$lte": 299}}, []string{"p2", "p3"}},
		{"lt", map[string]any{"price": map[string]any{"$lt": 79}}, []string{"p1"}},
		{"eq", map[string]any{"category": "accessories"}, []string{"p1", "p2"}},
		{"eq operator", map[string]any{"category": map[string]any{"$eq": "furniture"}}, []string{"p4"}},
		{"ne", map[string]any{"category": map[string]any{"$ne": "accessories"}}, []string{"p3", "p4", "p5"}},
		{"in", map[string]any{"category": map[string]any{"$in": []any{"displays", "computers"}}}, []string{"p3", "p5"}},
		{"nin", map[string]any{"category": map[string]any{"$nin": []any{"displays", "computers"}}}, []string{"p1", "p2", "p4"}},
		{"empty in", map[string]any{"category": map[string]any{"$in": []any{}}}, []string{}},
		{"bool", map[string]any{"in_stock": false}, []string{"p3"}},
		{"nested path", map[string]any{"specs.weight": map[string]any{"$gt": 40}}, []string{"p4", "p5"}},
		{"nested object", map[string]any{"specs": map[string]any{"weight": 2}}, []string{"p1"}},
		{"exists", map[string]any{"discount": map[string]any{"$exists": true}}, []string{}},
		{"not exists", map[string]any{"discount": map[string]any{"$exists": false}}, []string{"p1", "p2", "p3", "p4", "p5"}},
		{"and", map[string]any{"category": "accessories", "price": map[string]any{"$gt": 50}}, []string{"p2"}},
		{"string vs number", map[string]any{"name": map[string]any{"$gt": 100}}, []string{}},
		{"id column", map[string]any{"id": "p4"}, []string{"p4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := e.List(ctx, "Product", Options{Where: tt.where})
			require.NoError(t, err)
			assert.Equal(t, tt.want, sortedIDs(list))
		})
	}
}

func TestListOrderingAndPaging(t *testing.T) {
	e, store := newTestEngine(t)
	seedProducts(t, store)
	ctx := context.Background()

	list, err := e.List(ctx, "Product", Options{OrderBy: "price", Order: "desc", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"p5", "p4"}, ids(list))

	list, err = e.List(ctx, "Product", Options{OrderBy: "price", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"p3", "p4"}, ids(list))

	// default order is insertion order
	list, err = e.List(ctx, "Product", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5"}, ids(list))

	// absurd paging is clamped, not an error
	list, err = e.List(ctx, "Product", Options{Limit: -5, Offset: -10})
	require.NoError(t, err)
	assert.Len(t, list, 5)
	list, err = e.List(ctx, "Product", Options{Limit: 1 << 30})
	require.NoError(t, err)
	assert.Len(t, list, 5)

	list, err = e.List(ctx, "Nothing", Options{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)
}

func TestListRejectsUnsafeIdentifiers(t *testing.T) {
	e, store := newTestEngine(t)
	seedProducts(t, store)
	ctx := context.Background()

	for _, opts := range []Options{
		{OrderBy: "price; DROP TABLE _data"},
		{OrderBy: "price", Order: "sideways"},
		{Where: map[string]any{"price') OR 1=1 --": 1}},
		{Where: map[string]any{"price": map[string]any{"$regex": ".*"}}},
		{Where: map[string]any{"price": map[string]any{"$gt": []any{1}}}},
		{Where: map[string]any{"price": map[string]any{"$gt": 1, "nested": 2}}},
		{Where: map[string]any{"price": map[string]any{"$in": "notalist"}}},
	} {
		_, err := e.List(ctx, "Product", opts)
		require.ErrorIs(t, err, core.ErrValidation, "%+v", opts)
	}

	n, err := e.Count(ctx, "Product", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestFind(t *testing.T) {
	e, store := newTestEngine(t)
	seedProducts(t, store)
	ctx := context.Background()

	got, err := e.Find(ctx, "Product", Options{Where: map[string]any{"category": "accessories"}, OrderBy: "price", Order: "desc"})
	require.NoError(t, err)
	assert.Equal(t, "p2", got.ID)

	got, err = e.Find(ctx, "Product", Options{Where: map[string]any{"category": "accessories"}, OrderBy: "price"})
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)

	_, err = e.Find(ctx, "Product", Options{Where: map[string]any{"category": "toys"}})
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.True(t, IsNotFound(err))

	n, err := e.Count(ctx, "Product", map[string]any{"price": map[string]any{"$gt": 100}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSearch(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	insert(t, store, "Doc", "d1", map[string]any{"title": "Laptop", "body": "a portable computer"})
	insert(t, store, "Doc", "d2", map[string]any{"title": "Laptop stand", "body": "holds a laptop"})
	insert(t, store, "Doc", "d3", map[string]any{"title": "Gaming laptops", "body": "fast"})
	insert(t, store, "Doc", "d4", map[string]any{"title": "Discount 100% off", "body": "under_score"})
	insert(t, store, "Doc", "d5", map[string]any{"title": "Discount 1000 off", "body": "underXscore"})
	insert(t, store, "Doc", "d6", map[string]any{"title": "Unrelated", "tags": []any{"LAPTOP"}})

	list, err := e.Search(ctx, "Doc", "LAPTOP", SearchOptions{})
	require.NoError(t, err)
	// exact matches first (ties by id), then prefix, then substring
	assert.Equal(t, []string{"d1", "d6", "d2", "d3"}, ids(list))
	assert.InDelta(t, 1.0, list[0].Score, 1e-9)
	assert.Greater(t, list[2].Score, list[3].Score)

	list, err = e.Search(ctx, "Doc", "100%", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d4"}, ids(list))

	list, err = e.Search(ctx, "Doc", "under_score", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d4"}, ids(list))

	list, err = e.Search(ctx, "Doc", "laptop", SearchOptions{Fields: []string{"title"}, MinScore: 0.9})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, ids(list))

	list, err = e.Search(ctx, "Doc", "laptop", SearchOptions{Fields: []string{"body"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, ids(list))

	list, err = e.Search(ctx, "Doc", "laptop", SearchOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = e.Search(ctx, "Doc", "   ", SearchOptions{})
	require.ErrorIs(t, err, core.ErrEmptyQuery)
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = e.Search(ctx, "Doc", "x", SearchOptions{Fields: []string{"bad field"}})
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 1.0, Score("go", []string{"go"}, []string{"Go"}), 1e-9)
	assert.InDelta(t, 0.7*0.8+0.3, Score("go", []string{"go"}, []string{"golang"}), 1e-9)
	assert.InDelta(t, 0.7*0.6+0.3, Score("go", []string{"go"}, []string{"let's go now"}), 1e-9)
	assert.InDelta(t, 0.7*0.4+0.3, Score("go", []string{"go"}, []string{"ergo"}), 1e-9)
	assert.InDelta(t, 0.3*0.5, Score("red car", []string{"red", "car"}, []string{"a red bike"}), 1e-9)
	assert.Zero(t, Score("zzz", []string{"zzz"}, []string{"abc"}))
}

func TestMatchExpression(t *testing.T) {
	expr, ok := MatchExpression([]string{"100%", `say "hi"`, "a_b"})
	require.True(t, ok)
	assert.Equal(t, `"100%" OR "say ""hi""" OR "a_b"`, expr)

	_, ok = MatchExpression([]string{"laptop", "go"})
	assert.False(t, ok)
	_, ok = MatchExpression(nil)
	assert.False(t, ok)
}

func TestSearchFoldsUnicodeCase(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	insert(t, store, "School", "s1", map[string]any{"title": "ÉCOLE Normale"})
	insert(t, store, "School", "s2", map[string]any{"title": "Straße"})
	insert(t, store, "School", "s3", map[string]any{"title": "Other"})

	list, err := e.Search(ctx, "School", "école", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids(list))

	list, err = e.Search(ctx, "School", "STRASSE", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = e.Search(ctx, "School", "STRAßE", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids(list))

	// too short for the trigram index, scored by scanning the type
	list, err = e.Search(ctx, "School", "ÉC", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids(list))
}

func TestSearchScoresEveryCandidate(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	tx, err := store.DB().Begin()
	require.NoError(t, err)
	now := core.FormatTime(core.Now())
	for i := 0; i < 2000; i++ {
		_, err := tx.Exec("INSERT INTO _data (type, id, data, created_at, updated_at) VALUES ('Doc', ?, ?, ?, ?)",
			fmt.Sprintf("d%04d", i), fmt.Sprintf(`{"title":"report %d about widgets"}`, i), now, now)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	// the best match is written last
	insert(t, store, "Doc", "best", map[string]any{"title": "widgets"})

	list, err := e.Search(ctx, "Doc", "widgets", SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "best", list[0].ID)
	assert.InDelta(t, 1.0, list[0].Score, 1e-9)
}

func TestSearchIndexFollowsWrites(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	insert(t, store, "Doc", "d1", map[string]any{"title": "alpha"})

	_, err := store.DB().Exec(`UPDATE _data SET data = '{"title":"omega"}' WHERE id = 'd1'`)
	require.NoError(t, err)
	list, err := e.Search(ctx, "Doc", "alpha", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = e.Search(ctx, "Doc", "omega", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.DB().Exec(`DELETE FROM _data WHERE id = 'd1'`)
	require.NoError(t, err)
	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM _data_fts").Scan(&n))
	assert.Zero(t, n)
}
