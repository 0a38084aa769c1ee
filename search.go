package sqgraph

import (
	"context"

	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/embedding"
)

type (
	// SemanticOptions controls SemanticSearch
	SemanticOptions = embedding.SearchOptions
	// HybridOptions controls HybridSearch
	HybridOptions = embedding.HybridOptions
	// HybridResult is one fused hybrid search hit
	HybridResult = embedding.HybridResult
	// BatchOptions controls BatchEmbed
	BatchOptions = embedding.BatchOptions
	// BatchResult reports a BatchEmbed run
	BatchResult = embedding.BatchResult
)

func (n *Namespace) embeddings(op string) (*embedding.Engine, error) {
	if n.embed == nil {
		return nil, unavailable(op, "no embedder configured for namespace "+n.name)
	}
	return n.embed, nil
}

// SemanticSearch ranks entities of typeName by vector similarity to text.
// Embeddings still being generated for the type are waited for.
func (n *Namespace) SemanticSearch(ctx context.Context, typeName, text string, opts SemanticOptions) ([]*core.Entity, error) {
	e, err := n.embeddings("semantic_search")
	if err != nil {
		return nil, err
	}
	return e.SemanticSearch(ctx, typeName, text, opts)
}

// HybridSearch fuses lexical and semantic rankings with reciprocal rank
// fusion. Zero weights and k fall back to the namespace search defaults.
func (n *Namespace) HybridSearch(ctx context.Context, typeName, text string, opts HybridOptions) ([]*HybridResult, error) {
	e, err := n.embeddings("hybrid_search")
	if err != nil {
		return nil, err
	}
	if opts.FTSWeight == 0 && opts.SemanticWeight == 0 {
		opts.FTSWeight, opts.SemanticWeight = n.search.FTSWeight, n.search.SemanticWeight
	}
	if opts.RRFK == 0 {
		opts.RRFK = n.search.RRFK
	}
	return e.HybridSearch(ctx, typeName, text, opts)
}

// Similar returns the entities of typeName closest to (typeName, id)
func (n *Namespace) Similar(ctx context.Context, typeName, id string, limit int) ([]*core.Entity, error) {
	e, err := n.embeddings("similar")
	if err != nil {
		return nil, err
	}
	return e.Similar(ctx, typeName, id, limit)
}

// BatchEmbed (re)generates embeddings for ids. Failing ids are counted, never fatal.
func (n *Namespace) BatchEmbed(ctx context.Context, typeName string, ids []string, opts BatchOptions) (*BatchResult, error) {
	e, err := n.embeddings("batch_embed")
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		if ids, err = n.entityIDs(ctx, typeName); err != nil {
			return nil, err
		}
	}
	return e.BatchEmbed(ctx, typeName, ids, opts)
}

// Embedding returns the stored embedding of an entity or ErrNotFound. It
// waits for scheduled work on typeName first.
func (n *Namespace) Embedding(ctx context.Context, typeName, id string) (*embedding.Record, error) {
	e, err := n.embeddings("get_embedding")
	if err != nil {
		return nil, err
	}
	if err := e.Wait(ctx, typeName); err != nil {
		return nil, err
	}
	return e.Get(ctx, typeName, id)
}
