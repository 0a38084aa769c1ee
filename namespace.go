package sqgraph

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/embedding"
	"github.com/liliang-cn/sqgraph/pkg/entity"
	"github.com/liliang-cn/sqgraph/pkg/events"
	"github.com/liliang-cn/sqgraph/pkg/graph"
	"github.com/liliang-cn/sqgraph/pkg/query"
	"github.com/liliang-cn/sqgraph/pkg/replay"
	"github.com/liliang-cn/sqgraph/pkg/schema"
)

// Namespace is the single coordination point of one namespace. Mutations are
// serialized by a write mutex and each runs in one transaction together with
// the events it produces. Subscribers and embedding generation see the
// events only after commit.
type Namespace struct {
	name   string
	store  *core.Store
	logger core.Logger
	search SearchConfig

	schemas  *schema.Registry
	entities *entity.Store
	graph    *graph.GraphStore
	query    *query.Engine

	// nil when the feature is disabled
	log       *events.Log
	archiver  *events.FileArchiver
	retention *events.Retention
	embed     *embedding.Engine
	replay    *replay.Engine

	mu sync.Mutex
}

func openNamespace(ctx context.Context, db *DB, name string) (*Namespace, error) {
	cfg := db.cfg
	store, err := core.Open(filepath.Join(cfg.DataDir, name+".db"), name, core.Options{Logger: db.logger})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	ns := &Namespace{
		name:    name,
		store:   store,
		logger:  store.Logger(),
		search:  cfg.Search,
		schemas: schema.NewRegistry(store),
		graph:   graph.NewGraphStore(store),
		query:   query.NewEngine(store),
	}
	ns.entities = entity.NewStore(store, ns.schemas, ns.graph)

	if db.embedder != nil {
		ns.embed = embedding.NewEngine(store, db.embedder, embedding.Options{
			Async:     cfg.Embedding.Async,
			CacheSize: cfg.Embedding.CacheSize,
		})
	}

	if cfg.Events.Enabled {
		opts := events.Options{}
		if cfg.Events.ArchiveDir != "" {
			ns.archiver, err = events.NewFileArchiver(filepath.Join(cfg.Events.ArchiveDir, name))
			if err != nil {
				_ = store.Close()
				return nil, core.WrapError("namespace", err)
			}
			opts.Archiver = ns.archiver
		}
		ns.log = events.NewLog(store, opts)

		var external replay.Source
		if ns.archiver != nil {
			external = ns.archiver
		}
		ns.replay = replay.NewEngine(store, ns.log, ns.entities, ns.graph, external)

		if maxAge := time.Duration(cfg.Events.Retention.MaxAge); maxAge > 0 {
			ns.retention, err = events.NewRetention(ns.log, maxAge, cfg.Events.Retention.Schedule)
			if err != nil {
				_ = ns.log.Close()
				_ = store.Close()
				return nil, err
			}
			ns.retention.Start()
		}
	}
	return ns, nil
}

// Name returns the namespace name
func (n *Namespace) Name() string {
	return n.name
}

// Capabilities reports which optional features this namespace provides
func (n *Namespace) Capabilities() Capabilities {
	return Capabilities{
		Events:     n.log != nil,
		Embeddings: n.embed != nil,
		Search:     true,
	}
}

// Capabilities is a snapshot of the optional features of a namespace
type Capabilities struct {
	Events     bool `json:"events"`
	Embeddings bool `json:"embeddings"`
	Search     bool `json:"search"`
}

// SupportsEvents implements core.Capabilities
func (c Capabilities) SupportsEvents() bool { return c.Events }

// SupportsEmbeddings implements core.Capabilities
func (c Capabilities) SupportsEmbeddings() bool { return c.Embeddings }

// SupportsSearch implements core.Capabilities
func (c Capabilities) SupportsSearch() bool { return c.Search }

var _ core.Capabilities = Capabilities{}

// mutate runs fn under the write mutex in one transaction, appending the
// returned events in the same transaction. Committed events are published
// before the mutex is released so subscribers see commit order; embedding
// work for the touched entities starts after it is released.
func (n *Namespace) mutate(ctx context.Context, fn func(q core.Querier) ([]*events.Event, error)) error {
	committed, err := n.commit(ctx, fn)
	if err != nil {
		return err
	}
	n.embedTouched(ctx, committed)
	return nil
}

func (n *Namespace) commit(ctx context.Context, fn func(q core.Querier) ([]*events.Event, error)) ([]*events.Event, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	actor := ActorFrom(ctx)
	var committed []*events.Event
	err := n.store.WithTx(ctx, func(tx *sql.Tx) error {
		evs, err := fn(tx)
		if err != nil {
			return err
		}
		if n.log != nil {
			for _, ev := range evs {
				if ev.Actor == "" {
					ev.Actor = actor
				}
				if _, err := n.log.AppendTx(ctx, tx, ev); err != nil {
					return err
				}
			}
		}
		committed = evs
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n.log != nil && len(committed) > 0 {
		n.log.Publish(committed...)
	}
	return committed, nil
}

// embedTouched schedules embeddings for the entities evs created or updated
func (n *Namespace) embedTouched(ctx context.Context, evs []*events.Event) {
	if n.embed == nil {
		return
	}
	for _, ev := range evs {
		typeName, verb, ok := events.Verb(ev.Event)
		if !ok || verb == events.VerbDeleted {
			continue
		}
		_, id, ok := events.EntityRef(ev.Object)
		if !ok {
			continue
		}
		n.scheduleEmbedding(ctx, typeName, id)
	}
}

// scheduleEmbedding never fails the caller: the write is already committed
// and a missing vector is backfilled by the next write or BatchEmbed.
func (n *Namespace) scheduleEmbedding(ctx context.Context, typeName, id string) {
	if err := n.embed.Schedule(ctx, typeName, id); err != nil && !errors.Is(err, core.ErrNotFound) {
		n.logger.Warn("embedding failed, entity stays unsearchable until backfilled", "type", typeName, "id", id, "error", err)
	}
}

// close releases the namespace; DB.Close calls it for every open handle
func (n *Namespace) close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.retention != nil {
		n.retention.Stop()
	}
	if n.embed != nil {
		n.embed.Close()
	}
	var errs []error
	if n.log != nil {
		errs = append(errs, n.log.Close())
	}
	errs = append(errs, n.store.Close())
	return errors.Join(errs...)
}
