package embedding

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqgraph/internal/backoff"
	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

func newTestStore(t *testing.T) *core.Store {
	t.Helper()
	store, err := core.Open(filepath.Join(t.TempDir(), "embedding.db"), "test", core.Options{})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func put(t *testing.T, store *core.Store, typeName, id string, data map[string]any) {
	t.Helper()
	raw, err := encoding.EncodeJSON(data)
	require.NoError(t, err)
	now := core.FormatTime(core.Now())
	_, err = store.DB().Exec(`
		INSERT INTO _data (type, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(type, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		typeName, id, raw, now, now)
	require.NoError(t, err)
}

func ids(ents []*core.Entity) []string {
	out := make([]string, len(ents))
	for i, e := range ents {
		out[i] = e.ID
	}
	return out
}

// failingEmbedder rejects texts containing "fail"
type failingEmbedder struct {
	*HashEmbedder
}

func (f failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "fail") {
		return nil, errors.New("provider rejected input")
	}
	return f.HashEmbedder.Embed(ctx, text)
}

func TestIdenticalContentEmbeddedOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	counter := NewCountingEmbedder(NewHashEmbedder(64))
	eng := NewEngine(store, counter, Options{})

	put(t, store, "Doc", "a", map[string]any{"title": "same words", "body": "here"})
	put(t, store, "Doc", "b", map[string]any{"title": "same words", "body": "here"})

	ra, err := eng.EnsureByID(ctx, "Doc", "a")
	require.NoError(t, err)
	rb, err := eng.EnsureByID(ctx, "Doc", "b")
	require.NoError(t, err)

	assert.Equal(t, int64(1), counter.Calls())
	assert.Equal(t, ra.ContentHash, rb.ContentHash)
	assert.Equal(t, ra.Vector, rb.Vector)
	assert.Equal(t, "hash-64", ra.Model)

	// unchanged content is a no-op
	_, err = eng.EnsureByID(ctx, "Doc", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.Calls())

	// a fresh engine finds the vector in the table instead of calling the provider
	fresh := NewEngine(store, counter, Options{})
	put(t, store, "Doc", "c", map[string]any{"title": "same words", "body": "here"})
	_, err = fresh.EnsureByID(ctx, "Doc", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.Calls())
}

func TestContentChangeRegenerates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	counter := NewCountingEmbedder(NewHashEmbedder(64))
	eng := NewEngine(store, counter, Options{})

	put(t, store, "Doc", "a", map[string]any{"title": "first version"})
	before, err := eng.EnsureByID(ctx, "Doc", "a")
	require.NoError(t, err)

	put(t, store, "Doc", "a", map[string]any{"title": "second version"})
	after, err := eng.EnsureByID(ctx, "Doc", "a")
	require.NoError(t, err)

	assert.Equal(t, int64(2), counter.Calls())
	assert.NotEqual(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, encoding.ContentHash("second version"), after.ContentHash)

	// no text left, no embedding
	put(t, store, "Doc", "a", map[string]any{"count": 3})
	rec, err := eng.EnsureByID(ctx, "Doc", "a")
	require.NoError(t, err)
	assert.Nil(t, rec)
	_, err = eng.Get(ctx, "Doc", "a")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestTextUsesKeyOrder(t *testing.T) {
	text := Text(map[string]any{"b": "second", "a": "first", "n": 1, "nested": map[string]any{"z": "last"}})
	assert.Equal(t, "first\nsecond\nlast", text)
}

func TestSemanticSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	eng := NewEngine(store, NewHashEmbedder(256), Options{})

	put(t, store, "Doc", "go", map[string]any{"title": "golang concurrency channels"})
	put(t, store, "Doc", "bread", map[string]any{"title": "baking bread recipe"})
	put(t, store, "Doc", "numbers", map[string]any{"count": 42})
	for _, id := range []string{"go", "bread", "numbers"} {
		_, err := eng.EnsureByID(ctx, "Doc", id)
		require.NoError(t, err)
	}

	results, err := eng.SemanticSearch(ctx, "Doc", "golang channels", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "go", results[0].ID)
	assert.Greater(t, results[0].Score, results[1].Score)

	results, err = eng.SemanticSearch(ctx, "Doc", "golang channels", SearchOptions{MinScore: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, ids(results))

	results, err = eng.SemanticSearch(ctx, "Doc", "golang channels", SearchOptions{Where: map[string]any{"title": "baking bread recipe"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bread"}, ids(results))

	results, err = eng.SemanticSearch(ctx, "Other", "golang channels", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = eng.SemanticSearch(ctx, "Doc", "   ", SearchOptions{})
	require.ErrorIs(t, err, core.ErrEmptyQuery)
}

func TestAsyncScheduleIsAwaitedBySearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	eng := NewEngine(store, NewHashEmbedder(128), Options{Async: true})
	t.Cleanup(eng.Close)

	for _, id := range []string{"a", "b", "c"} {
		put(t, store, "Doc", id, map[string]any{"title": "async document " + id})
		require.NoError(t, eng.Schedule(ctx, "Doc", id))
	}

	results, err := eng.SemanticSearch(ctx, "Doc", "async document", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSimilar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	eng := NewEngine(store, NewHashEmbedder(256), Options{})

	put(t, store, "Doc", "a", map[string]any{"title": "graph traversal database"})
	put(t, store, "Doc", "b", map[string]any{"title": "graph database engine"})
	put(t, store, "Doc", "c", map[string]any{"title": "chocolate cake"})
	for _, id := range []string{"a", "b", "c"} {
		_, err := eng.EnsureByID(ctx, "Doc", id)
		require.NoError(t, err)
	}

	results, err := eng.Similar(ctx, "Doc", "a", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(results))

	_, err = eng.Similar(ctx, "Doc", "missing", 5)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestHybridSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	eng := NewEngine(store, NewHashEmbedder(256), Options{})

	put(t, store, "Doc", "d1", map[string]any{"title": "sqlite graph engine"})
	put(t, store, "Doc", "d2", map[string]any{"title": "graph theory notes"})
	put(t, store, "Doc", "d3", map[string]any{"title": "weekend hiking trip"})
	for _, id := range []string{"d1", "d2", "d3"} {
		_, err := eng.EnsureByID(ctx, "Doc", id)
		require.NoError(t, err)
	}

	first, err := eng.HybridSearch(ctx, "Doc", "sqlite graph", HybridOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, "d1", first[0].Entity.ID)
	assert.Equal(t, 1, first[0].FTSRank)
	assert.Equal(t, 1, first[0].SemanticRank)
	assert.InDelta(t, 2.0/61.0, first[0].Score, 1e-12)

	again, err := eng.HybridSearch(ctx, "Doc", "sqlite graph", HybridOptions{})
	require.NoError(t, err)
	require.Len(t, again, len(first))
	for i := range first {
		assert.Equal(t, first[i].Entity.ID, again[i].Entity.ID)
		assert.Equal(t, first[i].Score, again[i].Score)
	}

	smallK, err := eng.HybridSearch(ctx, "Doc", "sqlite graph", HybridOptions{RRFK: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, smallK[0].Score, 1e-12)

	lexicalOnly, err := eng.HybridSearch(ctx, "Doc", "sqlite graph", HybridOptions{FTSWeight: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0/61.0, lexicalOnly[0].Score, 1e-12)

	_, err = eng.HybridSearch(ctx, "Doc", "", HybridOptions{})
	require.ErrorIs(t, err, core.ErrEmptyQuery)
	_, err = eng.HybridSearch(ctx, "Doc", "graph", HybridOptions{RRFK: -1})
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestBatchEmbedPartialFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	eng := NewEngine(store, failingEmbedder{NewHashEmbedder(32)}, Options{})

	put(t, store, "Doc", "ok1", map[string]any{"title": "works fine"})
	put(t, store, "Doc", "ok2", map[string]any{"title": "also works"})
	put(t, store, "Doc", "bad", map[string]any{"title": "this will fail"})

	res, err := eng.BatchEmbed(ctx, "Doc", []string{"ok1", "ok2", "bad", "ghost"}, BatchOptions{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 2, res.Errors)
	assert.Contains(t, res.Failures, "bad")
	assert.Contains(t, res.Failures, "ghost")

	res, err = eng.BatchEmbed(ctx, "Doc", []string{"ok1", "ok2"}, BatchOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Processed)

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Doc": 2}, stats)
}

func TestRetryEmbedderReportsUnavailable(t *testing.T) {
	calls := 0
	flaky := embedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return nil, errors.New("503 service unavailable")
	})
	r := NewRetryEmbedder(flaky, nil)
	r.Config = backoff.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	_, err := r.Embed(context.Background(), "x")
	require.ErrorIs(t, err, core.ErrUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRetryEmbedderPassesPermanentErrors(t *testing.T) {
	calls := 0
	denied := embedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return nil, errors.New("401 Unauthorized: invalid api key")
	})
	r := NewRetryEmbedder(denied, nil)
	r.Config = backoff.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	_, err := r.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrUnavailable)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, 1, calls)
}

func TestDeleteDuringEmbeddingLeavesNoRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	hash := NewHashEmbedder(32)
	deleting := embedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		_, err := store.DB().Exec("DELETE FROM _data WHERE type = 'Doc' AND id = 'gone'")
		require.NoError(t, err)
		return hash.Embed(ctx, text)
	})
	eng := NewEngine(store, deleting, Options{})
	put(t, store, "Doc", "gone", map[string]any{"title": "short lived"})

	rec, err := eng.EnsureByID(ctx, "Doc", "gone")
	require.NoError(t, err)
	assert.Nil(t, rec)

	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM _embeddings").Scan(&n))
	assert.Zero(t, n)
}

func TestUpdateDuringEmbeddingStoresNewestContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	hash := NewHashEmbedder(32)
	first := true
	updating := embedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		if first {
			first = false
			put(t, store, "Doc", "d1", map[string]any{"title": "second draft"})
		}
		return hash.Embed(ctx, text)
	})
	eng := NewEngine(store, updating, Options{})
	put(t, store, "Doc", "d1", map[string]any{"title": "first draft"})

	rec, err := eng.EnsureByID(ctx, "Doc", "d1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, encoding.ContentHash("second draft"), rec.ContentHash)
}

type embedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedderFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }
func (f embedderFunc) Model() string                                              { return "func" }

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
