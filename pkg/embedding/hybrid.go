package embedding

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/query"
)

// DefaultRRFK is the reciprocal rank fusion constant used when none is given
const DefaultRRFK = 60.0

// HybridOptions controls HybridSearch
type HybridOptions struct {
	// Weights of the lexical and semantic rankings; both zero means 1 each
	FTSWeight      float64 `json:"ftsWeight,omitempty"`
	SemanticWeight float64 `json:"semanticWeight,omitempty"`
	// RRFK is the fusion constant k, default 60
	RRFK  float64 `json:"rrfK,omitempty"`
	Limit int     `json:"limit,omitempty"`
	// Fields restricts the lexical side to these fields
	Fields []string `json:"fields,omitempty"`
}

// HybridResult is one fused hit. A rank of 0 means the source did not return it.
type HybridResult struct {
	Entity        *core.Entity `json:"entity"`
	Score         float64      `json:"score"`
	FTSRank       int          `json:"ftsRank,omitempty"`
	SemanticRank  int          `json:"semanticRank,omitempty"`
	FTSScore      float64      `json:"ftsScore,omitempty"`
	SemanticScore float64      `json:"semanticScore,omitempty"`
}

// HybridSearch fuses lexical search and semantic search with weighted
// reciprocal rank fusion: score = Σ w_s / (k + rank_s) over the sources that
// returned the entity, ranks starting at 1. Ties order by type then id.
func (e *Engine) HybridSearch(ctx context.Context, typeName, text string, opts HybridOptions) ([]*HybridResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.EmptyQueryError("hybrid_search")
	}
	if opts.FTSWeight < 0 || opts.SemanticWeight < 0 || opts.RRFK < 0 {
		return nil, core.ValidationError("hybrid_search", "weights and k must not be negative")
	}
	if opts.FTSWeight == 0 && opts.SemanticWeight == 0 {
		opts.FTSWeight, opts.SemanticWeight = 1, 1
	}
	k := opts.RRFK
	if k == 0 {
		k = DefaultRRFK
	}

	lexical, err := e.query.Search(ctx, typeName, text, query.SearchOptions{Fields: opts.Fields, Limit: query.MaxLimit})
	if err != nil {
		return nil, core.WrapError("hybrid_search", fmt.Errorf("lexical search failed: %w", err))
	}
	semantic, err := e.SemanticSearch(ctx, typeName, text, SearchOptions{Limit: query.MaxLimit})
	if err != nil {
		return nil, core.WrapError("hybrid_search", fmt.Errorf("semantic search failed: %w", err))
	}

	fused := map[string]*HybridResult{}
	hit := func(ent *core.Entity) *HybridResult {
		key := ent.Ref()
		r, ok := fused[key]
		if !ok {
			r = &HybridResult{Entity: ent}
			fused[key] = r
		}
		return r
	}
	for i, ent := range lexical {
		r := hit(ent)
		r.FTSRank = i + 1
		r.FTSScore = ent.Score
		r.Score += opts.FTSWeight / (k + float64(i+1))
	}
	for i, ent := range semantic {
		r := hit(ent)
		r.SemanticRank = i + 1
		r.SemanticScore = ent.Score
		r.Score += opts.SemanticWeight / (k + float64(i+1))
	}

	results := make([]*HybridResult, 0, len(fused))
	for _, r := range fused {
		r.Entity.Score = r.Score
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Entity.Type != results[j].Entity.Type {
			return results[i].Entity.Type < results[j].Entity.Type
		}
		return results[i].Entity.ID < results[j].Entity.ID
	})
	if limit := query.ClampLimit(opts.Limit); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
