package embedding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/query"
)

// Options configures an Engine
type Options struct {
	// Async makes Schedule generate embeddings in the background
	Async bool
	// CacheSize bounds the in-memory vector cache, default 4096 entries
	CacheSize int
	Logger    core.Logger
}

// Record is one row of _embeddings
type Record struct {
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Vector      []float32 `json:"vector"`
	Model       string    `json:"model"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Engine maintains and searches the embeddings of one namespace
type Engine struct {
	store    *core.Store
	embedder Embedder
	query    *query.Engine
	logger   core.Logger
	async    bool

	cache   *vectorCache
	flight  singleflight.Group
	tracker *tracker
	writeMu sync.Mutex
}

// NewEngine creates an embedding engine. embedder must not be nil.
func NewEngine(store *core.Store, embedder Embedder, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = store.Logger()
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		query:    query.NewEngine(store),
		logger:   opts.Logger.With("component", "embedding", "model", embedder.Model()),
		async:    opts.Async,
		cache:    newVectorCache(opts.CacheSize),
		tracker:  newTracker(),
	}
}

// Model returns the embedder's model name
func (e *Engine) Model() string {
	return e.embedder.Model()
}

// Text returns the embeddable text of data: its string leaves in key order joined by newlines
func Text(data map[string]any) string {
	return strings.Join(query.TextLeaves(data, nil), "\n")
}

// Schedule (re)generates the embedding of (typeName, id). In async mode it
// returns at once and SemanticSearch on typeName waits for the work to finish;
// failures are logged, leaving the entity unsearchable until a later write or
// BatchEmbed backfills it.
func (e *Engine) Schedule(ctx context.Context, typeName, id string) error {
	if !e.async {
		_, err := e.EnsureByID(ctx, typeName, id)
		return err
	}
	e.tracker.begin(typeName)
	go func() {
		defer e.tracker.end(typeName)
		// the caller's request may finish before the job does
		jobCtx := context.WithoutCancel(ctx)
		if _, err := e.EnsureByID(jobCtx, typeName, id); err != nil && !errors.Is(err, core.ErrNotFound) {
			e.logger.Warn("background embedding failed", "type", typeName, "id", id, "error", err)
		}
	}()
	return nil
}

// Wait blocks until no scheduled work for typeName is in flight
func (e *Engine) Wait(ctx context.Context, typeName string) error {
	return e.tracker.wait(ctx, typeName)
}

// Close waits for all scheduled work
func (e *Engine) Close() {
	e.tracker.waitAll()
}

// EnsureByID loads the entity and ensures its embedding is current
func (e *Engine) EnsureByID(ctx context.Context, typeName, id string) (*Record, error) {
	q, err := e.store.Querier()
	if err != nil {
		return nil, core.WrapError("embed", err)
	}
	ent, err := loadEntity(ctx, q, typeName, id)
	if err != nil {
		return nil, err
	}
	return e.EnsureEmbedding(ctx, ent)
}

// EnsureEmbedding stores a vector for the current content of ent, calling the
// embedder only when no vector is known for the content hash. Entities without
// text have no embedding. If the entity changes while its vector is being
// generated, the newer content wins.
func (e *Engine) EnsureEmbedding(ctx context.Context, ent *core.Entity) (*Record, error) {
	const maxRounds = 3
	for round := 0; ; round++ {
		text := Text(ent.Data)
		if text == "" {
			return nil, e.remove(ctx, ent.Type, ent.ID)
		}
		hash := encoding.ContentHash(text)

		current, err := e.Get(ctx, ent.Type, ent.ID)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		if current != nil && current.ContentHash == hash && current.Model == e.Model() {
			return current, nil
		}

		vec, err := e.vectorFor(ctx, hash, text)
		if err != nil {
			return nil, core.WrapError("embed", err)
		}

		e.writeMu.Lock()
		rec, latest, err := e.storeIfCurrent(ctx, ent, hash, vec)
		e.writeMu.Unlock()
		if err != nil {
			return nil, err
		}
		if rec != nil || latest == nil {
			return rec, nil
		}
		if round+1 >= maxRounds {
			return nil, core.Errorf("embed", core.ErrConflict, "%s changed while embedding", ent.Ref())
		}
		ent = latest
	}
}

// storeIfCurrent writes the vector if the stored entity still has the hashed
// content. The check and the write are one statement, so a concurrent delete
// or update never leaves a stale row behind. It returns the latest entity
// instead when the content moved on, and neither when the entity is gone.
func (e *Engine) storeIfCurrent(ctx context.Context, ent *core.Entity, hash string, vec []float32) (*Record, *core.Entity, error) {
	q, err := e.store.Querier()
	if err != nil {
		return nil, nil, core.WrapError("embed", err)
	}
	var raw string
	err = q.QueryRowContext(ctx, "SELECT data FROM _data WHERE type = ? AND id = ?", ent.Type, ent.ID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, core.WrapError("embed", err)
	}
	data, err := encoding.DecodeObject(raw)
	if err != nil {
		return nil, nil, core.WrapError("embed", err)
	}
	if encoding.ContentHash(Text(data)) != hash {
		return e.latest(ctx, q, ent)
	}

	blob, err := encoding.EncodeVector(vec)
	if err != nil {
		return nil, nil, core.WrapError("embed", err)
	}
	now := core.FormatTime(core.Now())
	res, err := q.ExecContext(ctx, `
		INSERT INTO _embeddings (entity_type, entity_id, vector, model, content_hash, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM _data WHERE type = ? AND id = ? AND data = ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			vector = excluded.vector,
			model = excluded.model,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`,
		ent.Type, ent.ID, blob, e.Model(), hash, now, now,
		ent.Type, ent.ID, raw)
	if err != nil {
		return nil, nil, core.WrapError("embed", fmt.Errorf("failed to store embedding: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, nil, core.WrapError("embed", err)
	} else if n == 0 {
		return e.latest(ctx, q, ent)
	}
	e.logger.Debug("embedding stored", "type", ent.Type, "id", ent.ID, "hash", hash[:12])
	rec, err := e.Get(ctx, ent.Type, ent.ID)
	if err != nil {
		return nil, nil, err
	}
	return rec, nil, nil
}

func (e *Engine) latest(ctx context.Context, q core.Querier, ent *core.Entity) (*Record, *core.Entity, error) {
	latest, err := loadEntity(ctx, q, ent.Type, ent.ID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return nil, latest, nil
}

// vectorFor resolves a vector by content hash: memory cache, then any stored
// row with the same hash and model, then the embedder (one call per hash even
// under concurrency).
func (e *Engine) vectorFor(ctx context.Context, hash, text string) ([]float32, error) {
	key := e.Model() + ":" + hash
	if vec, ok := e.cache.get(key); ok {
		return vec, nil
	}
	v, err, _ := e.flight.Do(key, func() (any, error) {
		if vec, ok := e.cache.get(key); ok {
			return vec, nil
		}
		vec, err := e.storedVector(ctx, hash)
		if err != nil {
			return nil, err
		}
		if vec == nil {
			if vec, err = e.embedder.Embed(ctx, text); err != nil {
				return nil, err
			}
			if err := encoding.ValidateVector(vec); err != nil {
				return nil, fmt.Errorf("embedder returned an invalid vector: %w", err)
			}
		}
		e.cache.put(key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (e *Engine) storedVector(ctx context.Context, hash string) ([]float32, error) {
	q, err := e.store.Querier()
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = q.QueryRowContext(ctx,
		"SELECT vector FROM _embeddings WHERE content_hash = ? AND model = ? LIMIT 1", hash, e.Model()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up cached vector: %w", err)
	}
	return encoding.DecodeVector(blob)
}

// Get returns the stored embedding of (typeName, id) or ErrNotFound
func (e *Engine) Get(ctx context.Context, typeName, id string) (*Record, error) {
	q, err := e.store.Querier()
	if err != nil {
		return nil, core.WrapError("get_embedding", err)
	}
	var rec Record
	var blob []byte
	var created, updated string
	err = q.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, vector, model, content_hash, created_at, updated_at
		FROM _embeddings WHERE entity_type = ? AND entity_id = ?`, typeName, id).
		Scan(&rec.EntityType, &rec.EntityID, &blob, &rec.Model, &rec.ContentHash, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("get_embedding", typeName+"/"+id)
	}
	if err != nil {
		return nil, core.WrapError("get_embedding", err)
	}
	if rec.Vector, err = encoding.DecodeVector(blob); err != nil {
		return nil, core.WrapError("get_embedding", err)
	}
	if rec.CreatedAt, err = core.ParseTime(created); err != nil {
		return nil, core.WrapError("get_embedding", err)
	}
	if rec.UpdatedAt, err = core.ParseTime(updated); err != nil {
		return nil, core.WrapError("get_embedding", err)
	}
	return &rec, nil
}

// Delete removes the embedding of (typeName, id) through q
func (e *Engine) Delete(ctx context.Context, q core.Querier, typeName, id string) error {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM _embeddings WHERE entity_type = ? AND entity_id = ?", typeName, id); err != nil {
		return core.WrapError("delete_embedding", err)
	}
	return nil
}

func (e *Engine) remove(ctx context.Context, typeName, id string) error {
	q, err := e.store.Querier()
	if err != nil {
		return core.WrapError("embed", err)
	}
	return e.Delete(ctx, q, typeName, id)
}

func loadEntity(ctx context.Context, q core.Querier, typeName, id string) (*core.Entity, error) {
	row := q.QueryRowContext(ctx, "SELECT "+core.EntityColumns+" FROM _data WHERE type = ? AND id = ?", typeName, id)
	ent, err := core.ScanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("embed", typeName+"/"+id)
	}
	if err != nil {
		return nil, core.WrapError("embed", err)
	}
	return ent, nil
}
