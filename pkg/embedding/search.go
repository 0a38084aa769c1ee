package embedding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/query"
)

// SearchOptions controls SemanticSearch
type SearchOptions struct {
	Limit    int            `json:"limit,omitempty"`
	MinScore float64        `json:"minScore,omitempty"` // hard floor; 0 disables it
	Where    map[string]any `json:"where,omitempty"`
	Since    string         `json:"since,omitempty"` // updated_at lower bound, inclusive
	Until    string         `json:"until,omitempty"` // updated_at upper bound, inclusive
}

// SemanticSearch ranks entities of typeName by cosine similarity between their
// stored vectors and the embedding of text. Scheduled embedding work for the
// type is waited for first so results never depend on timing.
func (e *Engine) SemanticSearch(ctx context.Context, typeName, text string, opts SearchOptions) ([]*core.Entity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.EmptyQueryError("semantic_search")
	}
	where, args, err := query.BuildWhere(typeName, opts.Where)
	if err != nil {
		return nil, err
	}
	where, args = query.TimeRange(where, args, opts.Since, opts.Until)

	if err := e.Wait(ctx, typeName); err != nil {
		return nil, core.WrapError("semantic_search", err)
	}
	qvec, err := e.vectorFor(ctx, encoding.ContentHash(text), text)
	if err != nil {
		return nil, core.WrapError("semantic_search", err)
	}

	results, err := e.rank(ctx, "semantic_search", where, args, qvec, "")
	if err != nil {
		return nil, err
	}
	results = floor(results, opts.MinScore)
	if limit := query.ClampLimit(opts.Limit); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Similar returns the entities of the same type closest to (typeName, id),
// excluding the entity itself.
func (e *Engine) Similar(ctx context.Context, typeName, id string, limit int) ([]*core.Entity, error) {
	if err := e.Wait(ctx, typeName); err != nil {
		return nil, core.WrapError("similar", err)
	}
	rec, err := e.Get(ctx, typeName, id)
	if errors.Is(err, core.ErrNotFound) {
		rec, err = e.EnsureByID(ctx, typeName, id)
		if err == nil && rec == nil {
			return []*core.Entity{}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	results, err := e.rank(ctx, "similar", "type = ?", []any{typeName}, rec.Vector, id)
	if err != nil {
		return nil, err
	}
	if limit = query.ClampLimit(limit); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// rank scores every entity selected by where that has a vector of the
// current model, best first, ties by id.
func (e *Engine) rank(ctx context.Context, op, where string, args []any, qvec []float32, exclude string) ([]*core.Entity, error) {
	q, err := e.store.Querier()
	if err != nil {
		return nil, core.WrapError(op, err)
	}
	stmt := "SELECT d.type, d.id, d.data, d.created_at, d.updated_at, e.vector " +
		"FROM (SELECT * FROM _data WHERE " + where + ") d " +
		"JOIN _embeddings e ON e.entity_type = d.type AND e.entity_id = d.id " +
		"WHERE e.model = ?"
	args = append(args, e.Model())
	if exclude != "" {
		stmt += " AND d.id <> ?"
		args = append(args, exclude)
	}

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, core.WrapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	results := []*core.Entity{}
	for rows.Next() {
		var blob []byte
		ent, err := core.ScanEntity(scanWithVector{rows, &blob})
		if err != nil {
			return nil, core.WrapError(op, err)
		}
		vec, err := encoding.DecodeVector(blob)
		if err != nil {
			return nil, core.WrapError(op, err)
		}
		ent.Score = CosineSimilarity(qvec, vec)
		results = append(results, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(op, err)
	}
	sortByScore(results)
	return results, nil
}

// scanWithVector lets ScanEntity read rows that carry a trailing vector column
type scanWithVector struct {
	rows interface{ Scan(...any) error }
	blob *[]byte
}

func (s scanWithVector) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.blob)...)
}

func floor(results []*core.Entity, minScore float64) []*core.Entity {
	if minScore == 0 {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if r.Score >= minScore {
			kept = append(kept, r)
		}
	}
	return kept
}

func sortByScore(results []*core.Entity) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].ID != results[j].ID {
			return results[i].ID < results[j].ID
		}
		return results[i].Type < results[j].Type
	})
}

// BatchOptions controls BatchEmbed
type BatchOptions struct {
	SkipExisting bool `json:"skipExisting,omitempty"` // leave entities that already have a vector alone
	Concurrency  int  `json:"concurrency,omitempty"`  // default 4
}

// BatchResult reports a BatchEmbed run. Failures maps ids to their error.
type BatchResult struct {
	Processed int               `json:"processed"`
	Skipped   int               `json:"skipped"`
	Errors    int               `json:"errors"`
	Failures  map[string]string `json:"failures,omitempty"`
}

// BatchEmbed ensures embeddings for ids of typeName. A failing or unknown id
// is counted in Errors and never aborts the rest of the batch.
func (e *Engine) BatchEmbed(ctx context.Context, typeName string, ids []string, opts BatchOptions) (*BatchResult, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	res := &BatchResult{Failures: map[string]string{}}
	var mu sync.Mutex
	record := func(id string, skipped bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			res.Errors++
			res.Failures[id] = err.Error()
		case skipped:
			res.Skipped++
		default:
			res.Processed++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if opts.SkipExisting {
				if _, err := e.Get(gctx, typeName, id); err == nil {
					record(id, true, nil)
					return nil
				}
			}
			_, err := e.EnsureByID(gctx, typeName, id)
			record(id, false, err)
			if errors.Is(err, core.ErrStoreClosed) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, core.WrapError("batch_embed", fmt.Errorf("batch aborted: %w", err))
	}
	e.logger.Info("batch embed finished", "type", typeName, "processed", res.Processed, "skipped", res.Skipped, "errors", res.Errors)
	return res, nil
}

// Stats counts stored embeddings per entity type for the current model
func (e *Engine) Stats(ctx context.Context) (map[string]int64, error) {
	q, err := e.store.Querier()
	if err != nil {
		return nil, core.WrapError("embedding_stats", err)
	}
	rows, err := q.QueryContext(ctx,
		"SELECT entity_type, COUNT(*) FROM _embeddings WHERE model = ? GROUP BY entity_type", e.Model())
	if err != nil {
		return nil, core.WrapError("embedding_stats", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]int64{}
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, core.WrapError("embedding_stats", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}
