package graph

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/liliang-cn/sqgraph/pkg/core"
)

// RankResult is the PageRank score of one entity id
type RankResult struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// PageRankOptions controls PageRank
type PageRankOptions struct {
	Iterations int      `json:"iterations,omitempty"` // default 100
	Damping    float64  `json:"damping,omitempty"`    // default 0.85
	Relations  []string `json:"relations,omitempty"`  // default every relation
	Limit      int      `json:"limit,omitempty"`      // 0 means all
}

// topology is the id-level adjacency of a namespace
type topology struct {
	ids   []string
	index map[string]int
	edges [][2]int
}

// loadTopology reads entity ids and the edges between them. Ids are
// namespace-unique for graph purposes; an id present under several types is
// one node.
func loadTopology(ctx context.Context, q core.Querier, relations []string) (*topology, error) {
	rows, err := q.QueryContext(ctx, "SELECT DISTINCT id FROM _data ORDER BY id")
	if err != nil {
		return nil, err
	}
	t := &topology{index: map[string]int{}}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		t.index[id] = len(t.ids)
		t.ids = append(t.ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	query := "SELECT from_id, to_id FROM _rels"
	var args []any
	if len(relations) > 0 {
		query += " WHERE relation IN (?" + strings.Repeat(", ?", len(relations)-1) + ")"
		for _, r := range relations {
			args = append(args, r)
		}
	}
	edgeRows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = edgeRows.Close() }()
	for edgeRows.Next() {
		var from, to string
		if err := edgeRows.Scan(&from, &to); err != nil {
			return nil, err
		}
		u, ok1 := t.index[from]
		v, ok2 := t.index[to]
		if ok1 && ok2 {
			t.edges = append(t.edges, [2]int{u, v})
		}
	}
	return t, edgeRows.Err()
}

// PageRank scores entities by the structure of their inbound edges. Results
// are ordered by score, ties by id.
func (g *GraphStore) PageRank(ctx context.Context, opts PageRankOptions) ([]RankResult, error) {
	if opts.Iterations <= 0 {
		opts.Iterations = 100
	}
	if opts.Damping <= 0 || opts.Damping > 1 {
		opts.Damping = 0.85
	}
	q, err := g.store.Querier()
	if err != nil {
		return nil, core.WrapError("pagerank", err)
	}
	t, err := loadTopology(ctx, q, opts.Relations)
	if err != nil {
		return nil, core.WrapError("pagerank", err)
	}
	n := len(t.ids)
	if n == 0 {
		return []RankResult{}, nil
	}

	outDegree := make([]int, n)
	inLinks := make([][]int, n)
	for _, e := range t.edges {
		outDegree[e[0]]++
		inLinks[e[1]] = append(inLinks[e[1]], e[0])
	}

	nodeCount := float64(n)
	scores := make([]float64, n)
	next := make([]float64, n)
	for i := range scores {
		scores[i] = 1.0 / nodeCount
	}

	for iter := 0; iter < opts.Iterations; iter++ {
		// mass of entities without outbound edges is spread evenly
		dangling := 0.0
		for i := range scores {
			if outDegree[i] == 0 {
				dangling += scores[i]
			}
		}
		maxDiff := 0.0
		for i := 0; i < n; i++ {
			rank := (1.0-opts.Damping)/nodeCount + opts.Damping*dangling/nodeCount
			for _, in := range inLinks[i] {
				rank += opts.Damping * scores[in] / float64(outDegree[in])
			}
			next[i] = rank
			maxDiff = math.Max(maxDiff, math.Abs(rank-scores[i]))
		}
		scores, next = next, scores
		if maxDiff < 1e-9 {
			break
		}
	}

	results := make([]RankResult, n)
	for i, id := range t.ids {
		results[i] = RankResult{ID: id, Score: scores[i]}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if opts.Limit > 0 && opts.Limit < len(results) {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Statistics describes the shape of a namespace graph
type Statistics struct {
	Entities            int            `json:"entities"`
	Relationships       int            `json:"relationships"`
	Relations           map[string]int `json:"relations"` // edge count per relation name
	AverageDegree       float64        `json:"average_degree"`
	Density             float64        `json:"density"`
	ConnectedComponents int            `json:"connected_components"`
	Isolated            int            `json:"isolated"` // entities without any edge
}

// Statistics counts entities and edges and finds weakly connected components
func (g *GraphStore) Statistics(ctx context.Context) (*Statistics, error) {
	q, err := g.store.Querier()
	if err != nil {
		return nil, core.WrapError("graph_statistics", err)
	}
	t, err := loadTopology(ctx, q, nil)
	if err != nil {
		return nil, core.WrapError("graph_statistics", err)
	}

	stats := &Statistics{Entities: len(t.ids), Relations: map[string]int{}}
	rows, err := q.QueryContext(ctx, "SELECT relation, COUNT(*) FROM _rels GROUP BY relation")
	if err != nil {
		return nil, core.WrapError("graph_statistics", err)
	}
	for rows.Next() {
		var rel string
		var n int
		if err := rows.Scan(&rel, &n); err != nil {
			_ = rows.Close()
			return nil, core.WrapError("graph_statistics", err)
		}
		stats.Relations[rel] = n
		stats.Relationships += n
	}
	_ = rows.Close()
	if stats.Entities == 0 {
		return stats, nil
	}

	stats.AverageDegree = 2.0 * float64(stats.Relationships) / float64(stats.Entities)
	if maxEdges := float64(stats.Entities) * float64(stats.Entities-1); maxEdges > 0 {
		stats.Density = float64(stats.Relationships) / maxEdges
	}

	adj := make([][]int, len(t.ids))
	for _, e := range t.edges {
		adj[e[0]] = append(adj[e[0]], e[1])
		adj[e[1]] = append(adj[e[1]], e[0])
	}
	visited := make([]bool, len(t.ids))
	for start := range t.ids {
		if visited[start] {
			continue
		}
		if len(adj[start]) == 0 {
			stats.Isolated++
		}
		stats.ConnectedComponents++
		visited[start] = true
		queue := []int{start}
		for len(queue) > 0 {
			curr := queue[0]
			queue = queue[1:]
			for _, next := range adj[curr] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	return stats, nil
}
