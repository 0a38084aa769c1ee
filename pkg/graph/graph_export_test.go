package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqgraph/pkg/core"
)

func TestExportGraphML(t *testing.T) {
	g, store := newTestGraph(t)
	addEntity(t, store, "User", "ann")
	addEntity(t, store, "User", "bob")
	addEntity(t, store, "Admin", "bob")
	relate(t, g, store, "ann", "knows", "bob", map[string]any{"since": 2020})

	var buf bytes.Buffer
	require.NoError(t, g.Export(context.Background(), &buf, FormatGraphML))

	var doc GraphMLDocument
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "directed", doc.Graph.EdgeDefault)
	require.Len(t, doc.Graph.Nodes, 2)
	assert.Equal(t, "ann", doc.Graph.Nodes[0].ID)
	require.Len(t, doc.Graph.Edges, 1)
	edge := doc.Graph.Edges[0]
	assert.Equal(t, "ann", edge.Source)
	assert.Equal(t, "bob", edge.Target)
	assert.Equal(t, []GraphMLData{{Key: "d2", Value: "knows"}, {Key: "d3", Value: `{"since":2020}`}}, edge.Data)
}

func TestExportJSON(t *testing.T) {
	g, store := newTestGraph(t)
	addEntity(t, store, "Doc", "d1")
	addEntity(t, store, "Doc", "d2")
	relate(t, g, store, "d1", "cites", "d2", nil)

	var buf bytes.Buffer
	require.NoError(t, g.Export(context.Background(), &buf, FormatJSON))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &snap))
	assert.Len(t, snap.Entities, 2)
	require.Len(t, snap.Relationships, 1)
	assert.Equal(t, "cites", snap.Relationships[0].Relation)
}

func TestExportUnknownFormat(t *testing.T) {
	g, _ := newTestGraph(t)
	err := g.Export(context.Background(), &bytes.Buffer{}, "gexf")
	assert.True(t, errors.Is(err, core.ErrValidation))
}
