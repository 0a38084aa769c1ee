package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageRank(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()
	for _, id := range []string{"hub", "a", "b", "c", "lonely"} {
		addEntity(t, store, "Page", id)
	}
	relate(t, g, store, "a", "links", "hub", nil)
	relate(t, g, store, "b", "links", "hub", nil)
	relate(t, g, store, "c", "links", "hub", nil)
	relate(t, g, store, "hub", "links", "a", nil)

	ranks, err := g.PageRank(ctx, PageRankOptions{})
	require.NoError(t, err)
	require.Len(t, ranks, 5)
	assert.Equal(t, "hub", ranks[0].ID)
	assert.Equal(t, "a", ranks[1].ID)

	total := 0.0
	for _, r := range ranks {
		total += r.Score
	}
	assert.InDelta(t, 1.0, total, 1e-6)

	// b, c and lonely have no inbound edges and tie; ties are ordered by id
	assert.Equal(t, []string{"b", "c", "lonely"}, []string{ranks[2].ID, ranks[3].ID, ranks[4].ID})
	assert.InDelta(t, ranks[2].Score, ranks[4].Score, 1e-12)

	top, err := g.PageRank(ctx, PageRankOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestPageRankRelationFilter(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()
	for _, id := range []string{"x", "y", "z"} {
		addEntity(t, store, "Node", id)
	}
	relate(t, g, store, "x", "cites", "y", nil)
	relate(t, g, store, "z", "cites", "y", nil)
	relate(t, g, store, "y", "mentions", "z", nil)
	relate(t, g, store, "x", "mentions", "z", nil)

	ranks, err := g.PageRank(ctx, PageRankOptions{Relations: []string{"mentions"}})
	require.NoError(t, err)
	assert.Equal(t, "z", ranks[0].ID)

	ranks, err = g.PageRank(ctx, PageRankOptions{Relations: []string{"cites"}})
	require.NoError(t, err)
	assert.Equal(t, "y", ranks[0].ID)
}

func TestPageRankEmpty(t *testing.T) {
	g, _ := newTestGraph(t)
	ranks, err := g.PageRank(context.Background(), PageRankOptions{})
	require.NoError(t, err)
	assert.Empty(t, ranks)
}

func TestStatistics(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	stats, err := g.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entities)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		addEntity(t, store, "Node", id)
	}
	relate(t, g, store, "a", "next", "b", nil)
	relate(t, g, store, "b", "next", "c", nil)
	relate(t, g, store, "d", "knows", "c", nil)

	stats, err = g.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Entities)
	assert.Equal(t, 3, stats.Relationships)
	assert.Equal(t, map[string]int{"next": 2, "knows": 1}, stats.Relations)
	assert.Equal(t, 2, stats.ConnectedComponents)
	assert.Equal(t, 1, stats.Isolated)
	assert.InDelta(t, 1.2, stats.AverageDegree, 1e-9)
	assert.InDelta(t, 3.0/20.0, stats.Density, 1e-9)
}
