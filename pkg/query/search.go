package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/liliang-cn/sqgraph/pkg/core"
)

// minTrigramRunes is the shortest token the trigram index can match
const minTrigramRunes = 3

// Match quality of the best matching text field
const (
	scoreExact     = 1.0
	scorePrefix    = 0.8
	scoreWord      = 0.6
	scoreSubstring = 0.4

	fieldWeight    = 0.7
	coverageWeight = 0.3
)

// SearchOptions controls Search
type SearchOptions struct {
	Fields   []string `json:"fields,omitempty"` // Default: every text leaf
	Limit    int      `json:"limit,omitempty"`
	MinScore float64  `json:"minScore,omitempty"`
}

// Search ranks entities of typeName by how well their text fields match text.
// Matching is case-insensitive (Unicode case folding) and every character of
// text, '%' and '_' included, matches literally. The score is 0.7 times the
// best field match (exact 1, prefix 0.8, whole word 0.6, substring 0.4) plus
// 0.3 times the fraction of query words found anywhere.
//
// Candidates come from the _data_fts trigram index when every query word has
// at least three characters; otherwise every entity of the type is scored.
// All candidates are scored before the limit is applied.
func (e *Engine) Search(ctx context.Context, typeName, text string, opts SearchOptions) ([]*core.Entity, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, core.EmptyQueryError("search")
	}
	for _, f := range opts.Fields {
		if !core.ValidIdentifier(f) {
			return nil, core.ValidationError("search", fmt.Sprintf("invalid field name %q", f))
		}
	}
	q, err := e.store.Querier()
	if err != nil {
		return nil, core.WrapError("search", err)
	}

	tokens := strings.Fields(needle)
	query := "SELECT " + core.EntityColumns + " FROM _data WHERE type = ?"
	args := []any{typeName}
	if match, ok := MatchExpression(tokens); ok {
		query += " AND rid IN (SELECT rowid FROM _data_fts WHERE _data_fts MATCH ?)"
		args = append(args, match)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError("search", err)
	}
	candidates, err := core.ScanEntities(rows)
	if err != nil {
		return nil, core.WrapError("search", err)
	}

	results := make([]*core.Entity, 0, len(candidates))
	for _, ent := range candidates {
		leaves := TextLeaves(ent.Data, opts.Fields)
		score := Score(needle, tokens, leaves)
		if score <= 0 || score < opts.MinScore {
			continue
		}
		ent.Score = score
		results = append(results, ent)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit := ClampLimit(opts.Limit); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// MatchExpression builds an FTS5 query matching rows that contain any of
// tokens as a substring. Each token is a quoted phrase so FTS5 syntax in it is
// literal. It reports false when a token is too short for the trigram index.
func MatchExpression(tokens []string) (string, bool) {
	if len(tokens) == 0 {
		return "", false
	}
	phrases := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if utf8.RuneCountInString(tok) < minTrigramRunes {
			return "", false
		}
		phrases = append(phrases, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"`)
	}
	return strings.Join(phrases, " OR "), true
}

// Score rates lowercase needle against text values
func Score(needle string, tokens []string, values []string) float64 {
	best := 0.0
	found := make([]bool, len(tokens))
	for _, raw := range values {
		v := strings.ToLower(raw)
		switch {
		case v == needle:
			best = max(best, scoreExact)
		case strings.HasPrefix(v, needle):
			best = max(best, scorePrefix)
		case containsWord(v, needle):
			best = max(best, scoreWord)
		case strings.Contains(v, needle):
			best = max(best, scoreSubstring)
		}
		for i, tok := range tokens {
			if !found[i] && strings.Contains(v, tok) {
				found[i] = true
			}
		}
	}
	covered := 0
	for _, ok := range found {
		if ok {
			covered++
		}
	}
	coverage := 0.0
	if len(tokens) > 0 {
		coverage = float64(covered) / float64(len(tokens))
	}
	return fieldWeight*best + coverageWeight*coverage
}

// containsWord reports whether needle occurs in v bounded by non-word runes
func containsWord(v, needle string) bool {
	for start := 0; ; {
		i := strings.Index(v[start:], needle)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(needle)
		before, _ := utf8.DecodeLastRuneInString(v[:i])
		after, _ := utf8.DecodeRuneInString(v[end:])
		if (i == 0 || !isWordRune(before)) && (end == len(v) || !isWordRune(after)) {
			return true
		}
		start = i + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// TextLeaves collects string values of data in key order, restricted to fields
// (dotted paths, including everything below them) when given.
func TextLeaves(data map[string]any, fields []string) []string {
	var out []string
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case string:
			if fieldSelected(prefix, fields) {
				out = append(out, t)
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				p := k
				if prefix != "" {
					p = prefix + "." + k
				}
				walk(p, t[k])
			}
		case []any:
			for _, item := range t {
				walk(prefix, item)
			}
		}
	}
	walk("", data)
	return out
}

func fieldSelected(path string, fields []string) bool {
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		if path == f || strings.HasPrefix(path, f+".") {
			return true
		}
	}
	return false
}
