package sqgraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqgraph/pkg/embedding"
	"github.com/liliang-cn/sqgraph/pkg/events"
)

func newTestDB(t *testing.T, configure func(*Config), opts ...Option) *DB {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	if configure != nil {
		configure(&cfg)
	}
	db, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestNamespace(t *testing.T, configure func(*Config), opts ...Option) *Namespace {
	t.Helper()
	ns, err := newTestDB(t, configure, opts...).Namespace(context.Background(), "test")
	require.NoError(t, err)
	return ns
}

func TestNamespaceRegistry(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil)

	a, err := db.Namespace(ctx, "tenant-a")
	require.NoError(t, err)
	again, err := db.Namespace(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Same(t, a, again)
	_, err = db.Namespace(ctx, "tenant_b")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(db.cfg.DataDir, "tenant-a.db"))
	require.NoError(t, err)

	names, err := db.Namespaces()
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant_b"}, names)

	for _, bad := range []string{"", "../etc", "a b", "ns.db", string(make([]byte, 65))} {
		_, err := db.Namespace(ctx, bad)
		require.ErrorIs(t, err, ErrInvalidNamespace, bad)
		require.ErrorIs(t, err, ErrValidation, bad)
	}

	require.NoError(t, db.Close())
	_, err = db.Namespace(ctx, "tenant-a")
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil)
	a, err := db.Namespace(ctx, "a")
	require.NoError(t, err)
	b, err := db.Namespace(ctx, "b")
	require.NoError(t, err)

	_, err = a.Create(ctx, "User", "u1", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	_, err = b.Get(ctx, "User", "u1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMutationsRecordEventsWithActor(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()

	_, err := ns.Create(WithActor(ctx, "alice"), "User", "u1", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	_, err = ns.Update(ctx, "User", "u1", map[string]any{"name": "Anne"})
	require.NoError(t, err)

	page, err := ns.QueryEvents(ctx, EventFilter{Object: "User/u1"})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "User.created", page.Events[0].Event)
	assert.Equal(t, "alice", page.Events[0].Actor)
	assert.Equal(t, "User.updated", page.Events[1].Event)
	assert.Equal(t, "system", page.Events[1].Actor)
	assert.Equal(t, map[string]any{"name": "Ann"}, page.Events[1].PreviousData)

	// a failed write leaves neither row nor event behind
	_, err = ns.Create(ctx, "User", "u1", map[string]any{"name": "dup"})
	require.ErrorIs(t, err, ErrConflict)
	stats, err := ns.EventStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"User.created": 1, "User.updated": 1}, stats)
}

func TestEventOrdering(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := ns.Create(ctx, "Task", fmt.Sprintf("t%d", i), map[string]any{"n": i})
		require.NoError(t, err)
	}

	page, err := ns.QueryEvents(ctx, EventFilter{Event: "*.created", Order: "asc"})
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	for i, ev := range page.Events {
		assert.Equal(t, fmt.Sprintf("Task/t%d", i+1), ev.Object)
		if i > 0 {
			assert.Greater(t, ev.Seq, page.Events[i-1].Seq)
			assert.False(t, ev.Timestamp.Before(page.Events[i-1].Timestamp))
		}
	}

	got, err := ns.Event(ctx, page.Events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, page.Events[0].Object, got.Object)
}

func TestCustomEvents(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()

	ev, err := ns.AppendEvent(WithActor(ctx, "ci"), &Event{Event: "deploy:finished", Object: "pipeline/42", Data: map[string]any{"ok": true}})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "ci", ev.Actor)

	_, err = ns.AppendEvent(ctx, &Event{Object: "x"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubscribersSeeOnlyCommittedEvents(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()

	ch := make(chan *events.Event, 8)
	id, err := ns.Subscribe("User.*", events.ChannelSink(ch))
	require.NoError(t, err)

	_, err = ns.Create(ctx, "User", "u1", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	_, err = ns.Create(ctx, "User", "u1", map[string]any{"name": "dup"})
	require.ErrorIs(t, err, ErrConflict)
	_, err = ns.Create(ctx, "Post", "p1", map[string]any{"title": "ignored"})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "User.created", ev.Event)
		assert.Equal(t, "User/u1", ev.Object)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected delivery %s", ev.Event)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, ns.Unsubscribe(id))
	_, err = ns.Create(ctx, "User", "u2", map[string]any{"name": "Bob"})
	require.NoError(t, err)
	select {
	case ev := <-ch:
		t.Fatalf("delivery after unsubscribe: %s", ev.Object)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelateIsIdempotent(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()
	_, err := ns.Create(ctx, "User", "user-1", map[string]any{})
	require.NoError(t, err)
	_, err = ns.Create(ctx, "Post", "post-1", map[string]any{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := ns.Relate(ctx, "user-1", "authored", "post-1", nil)
		require.NoError(t, err)
	}
	rels, err := ns.Relationships(ctx, RelationshipFilter{FromID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, rels, 1)

	stats, err := ns.EventStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[events.RelationshipCreated])

	rel, err := ns.Relate(ctx, "user-1", "authored", "post-1", map[string]any{"role": "editor"})
	require.NoError(t, err)
	assert.Equal(t, "editor", rel.Metadata["role"])

	_, err = ns.Relate(ctx, "user-1", "authored", "ghost", nil)
	require.ErrorIs(t, err, ErrReferentialIntegrity)

	removed, err := ns.Unrelate(ctx, "user-1", "authored", "post-1")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = ns.Relationship(ctx, "user-1", "authored", "post-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTraverseDepartments(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()
	_, err := ns.Create(ctx, "Company", "acme", map[string]any{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		dept, team := fmt.Sprintf("dept-%d", i), fmt.Sprintf("team-%d", i)
		_, err := ns.Create(ctx, "Department", dept, map[string]any{})
		require.NoError(t, err)
		_, err = ns.Create(ctx, "Team", team, map[string]any{})
		require.NoError(t, err)
		_, err = ns.Relate(ctx, "acme", "has_department", dept, nil)
		require.NoError(t, err)
		_, err = ns.Relate(ctx, dept, "has_team", team, nil)
		require.NoError(t, err)
	}

	teams, err := ns.Traverse(ctx, "acme", []string{"has_department", "has_team"}, TraversalOptions{})
	require.NoError(t, err)
	assert.Len(t, teams, 10)
	for _, team := range teams {
		assert.Equal(t, "Team", team.Type)
	}
}

func TestCascadeDeleteAuthor(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()
	_, err := ns.Create(ctx, "Author", "author-1", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	for _, id := range []string{"blog-1", "blog-2"} {
		_, err := ns.Create(ctx, "Blog", id, map[string]any{"title": id})
		require.NoError(t, err)
		_, err = ns.Relate(ctx, "author-1", "authored", id, nil)
		require.NoError(t, err)
	}

	res, err := ns.Delete(ctx, "Author", "author-1", DeleteOptions{Cascade: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"blog-1", "blog-2"}, res.Cascaded)

	for _, id := range []string{"blog-1", "blog-2"} {
		_, err := ns.Get(ctx, "Blog", id)
		require.ErrorIs(t, err, ErrNotFound)
	}
	rels, err := ns.Relationships(ctx, RelationshipFilter{})
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestSchemaDefaultBackfill(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()
	_, err := ns.Create(ctx, "User", "u1", map[string]any{"name": "Ann"})
	require.NoError(t, err)

	res, err := ns.SetSchema(ctx, TypeMap{"User": {"name": "string", "status": `string = "active"`}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, int64(1), res.Backfilled)

	u, err := ns.Get(ctx, "User", "u1")
	require.NoError(t, err)
	assert.Equal(t, "active", u.Data["status"])

	diff, err := ns.DiffSchema(ctx, TypeMap{"User": {"name": "string", "status": `string = "active"`}})
	require.NoError(t, err)
	assert.False(t, diff.HasChanges)

	_, err = ns.Create(ctx, "User", "u2", map[string]any{"name": 5})
	require.ErrorIs(t, err, ErrValidation)
}

func TestMalformedMigrationChangesNothing(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()
	_, err := ns.Create(ctx, "User", "u1", map[string]any{"name": "Ann"})
	require.NoError(t, err)

	err = ns.Migrate(ctx, 1, "UPDATE _data SET data = json_set(data, '$.x', 1); THIS IS NOT SQL", "")
	require.ErrorIs(t, err, ErrMigration)

	u, err := ns.Get(ctx, "User", "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ann"}, u.Data)
	migrations, err := ns.Migrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, migrations)
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()

	const n = 20
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ent, err := ns.Create(ctx, "Item", "", map[string]any{"i": i})
			if assert.NoError(t, err) {
				ids <- ent.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, n)
	count, err := ns.Count(ctx, "Item", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(n), count)
}

func TestRebuildDeletedEntity(t *testing.T) {
	ns := newTestNamespace(t, nil)
	ctx := context.Background()
	_, err := ns.Create(ctx, "User", "u1", map[string]any{"name": "Ann", "age": 30})
	require.NoError(t, err)
	_, err = ns.Update(ctx, "User", "u1", map[string]any{"age": 31})
	require.NoError(t, err)
	_, err = ns.Delete(ctx, "User", "u1", DeleteOptions{})
	require.NoError(t, err)

	u, err := ns.Rebuild(ctx, "User/u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ann", "age": int64(31)}, u.Data)

	page, err := ns.QueryEvents(ctx, EventFilter{Object: "User/u1", Order: "desc", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "rebuilt", page.Events[0].Result)
}

func TestEmbeddingsThroughNamespace(t *testing.T) {
	counter := embedding.NewCountingEmbedder(embedding.NewHashEmbedder(128))
	ns := newTestNamespace(t, func(c *Config) { c.Embedding.Async = false }, WithEmbedder(counter))
	ctx := context.Background()

	_, err := ns.Create(ctx, "Doc", "a", map[string]any{"title": "identical text"})
	require.NoError(t, err)
	_, err = ns.Create(ctx, "Doc", "b", map[string]any{"title": "identical text"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.Calls())

	ra, err := ns.Embedding(ctx, "Doc", "a")
	require.NoError(t, err)
	rb, err := ns.Embedding(ctx, "Doc", "b")
	require.NoError(t, err)
	assert.Equal(t, ra.ContentHash, rb.ContentHash)
	assert.Equal(t, ra.Vector, rb.Vector)

	_, err = ns.Delete(ctx, "Doc", "b", DeleteOptions{})
	require.NoError(t, err)
	_, err = ns.Embedding(ctx, "Doc", "b")
	require.ErrorIs(t, err, ErrNotFound)

	hits, err := ns.SemanticSearch(ctx, "Doc", "identical text", SemanticOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestAsyncEmbeddingsConvergeBeforeSearch(t *testing.T) {
	ns := newTestNamespace(t, nil, WithEmbedder(embedding.NewHashEmbedder(128)))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := ns.Create(ctx, "Doc", fmt.Sprintf("d%d", i), map[string]any{"title": fmt.Sprintf("note number %d", i)})
		require.NoError(t, err)
	}

	hits, err := ns.SemanticSearch(ctx, "Doc", "note number", SemanticOptions{})
	require.NoError(t, err)
	assert.Len(t, hits, 5)

	fused, err := ns.HybridSearch(ctx, "Doc", "note number", HybridOptions{})
	require.NoError(t, err)
	assert.Len(t, fused, 5)
}

// gatedEmbedder blocks every Embed call until release is closed
type gatedEmbedder struct {
	embedding.Embedder
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEmbedder() *gatedEmbedder {
	return &gatedEmbedder{
		Embedder: embedding.NewHashEmbedder(32),
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (g *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Embedder.Embed(ctx, text)
}

func TestSlowEmbeddingDoesNotBlockWriters(t *testing.T) {
	gate := newGatedEmbedder()
	ns := newTestNamespace(t, func(c *Config) { c.Embedding.Async = false }, WithEmbedder(gate))
	ctx := context.Background()

	docDone := make(chan error, 1)
	go func() {
		_, err := ns.Create(ctx, "Doc", "slow", map[string]any{"title": "long essay"})
		docDone <- err
	}()

	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("embedding never started")
	}

	tagDone := make(chan error, 1)
	go func() {
		_, err := ns.Create(ctx, "Tag", "x", map[string]any{"n": 1})
		tagDone <- err
	}()
	select {
	case err := <-tagDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(gate.release)
		t.Fatal("write waited for an unrelated embedding")
	}

	// the committed row is visible while its embedding is still running
	got, err := ns.Get(ctx, "Doc", "slow")
	require.NoError(t, err)
	assert.Equal(t, "long essay", got.Data["title"])
	select {
	case <-docDone:
		t.Fatal("synchronous create returned before its embedding")
	default:
	}

	close(gate.release)
	require.NoError(t, <-docDone)
	rec, err := ns.Embedding(ctx, "Doc", "slow")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Vector)
}

func TestAsyncCreateReturnsBeforeEmbedding(t *testing.T) {
	gate := newGatedEmbedder()
	ns := newTestNamespace(t, nil, WithEmbedder(gate))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := ns.Create(ctx, "Doc", "d1", map[string]any{"title": "draft"})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(gate.release)
		t.Fatal("create waited for its embedding")
	}

	close(gate.release)
	rec, err := ns.Embedding(ctx, "Doc", "d1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Vector)
}

func TestCapabilities(t *testing.T) {
	ctx := context.Background()

	full := newTestNamespace(t, nil, WithEmbedder(embedding.NewHashEmbedder(16)))
	caps := full.Capabilities()
	assert.True(t, caps.SupportsEvents())
	assert.True(t, caps.SupportsEmbeddings())
	assert.True(t, caps.SupportsSearch())

	bare := newTestNamespace(t, func(c *Config) { c.Events.Enabled = false })
	caps = bare.Capabilities()
	assert.False(t, caps.Events)
	assert.False(t, caps.Embeddings)

	_, err := bare.Create(ctx, "User", "u1", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	_, err = bare.QueryEvents(ctx, EventFilter{})
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = bare.SemanticSearch(ctx, "User", "Ann", SemanticOptions{})
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = bare.Rebuild(ctx, "User/u1")
	require.ErrorIs(t, err, ErrUnavailable)

	hits, err := bare.Search(ctx, "User", "ann", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.ErrorIs(t, err, ErrValidation)

	cfg := DefaultConfig(t.TempDir())
	cfg.Embedding.Provider = "word2vec"
	_, err = Open(context.Background(), cfg)
	require.ErrorIs(t, err, ErrValidation)
}
