package graph

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

// GraphMLDocument is the root element of a GraphML export
type GraphMLDocument struct {
	XMLName xml.Name     `xml:"graphml"`
	XMLNS   string       `xml:"xmlns,attr"`
	Keys    []GraphMLKey `xml:"key"`
	Graph   GraphMLGraph `xml:"graph"`
}

// GraphMLKey declares a data attribute
type GraphMLKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

// GraphMLGraph holds the nodes and edges
type GraphMLGraph struct {
	ID          string        `xml:"id,attr"`
	EdgeDefault string        `xml:"edgedefault,attr"`
	Nodes       []GraphMLNode `xml:"node"`
	Edges       []GraphMLEdge `xml:"edge"`
}

// GraphMLNode is one entity. An id stored under several types is a single
// node carrying the first type.
type GraphMLNode struct {
	ID   string        `xml:"id,attr"`
	Data []GraphMLData `xml:"data"`
}

// GraphMLEdge is one relationship
type GraphMLEdge struct {
	ID     string        `xml:"id,attr"`
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []GraphMLData `xml:"data"`
}

// GraphMLData is a keyed value
type GraphMLData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// ExportFormat names an export encoding
type ExportFormat string

const (
	FormatGraphML ExportFormat = "graphml"
	FormatJSON    ExportFormat = "json"
)

// Snapshot is the JSON export of a namespace graph
type Snapshot struct {
	Entities      []*core.Entity       `json:"entities"`
	Relationships []*core.Relationship `json:"relationships"`
}

// Export writes every entity and relationship of the namespace
func (g *GraphStore) Export(ctx context.Context, w io.Writer, format ExportFormat) error {
	snap, err := g.snapshot(ctx)
	if err != nil {
		return core.WrapError("export", err)
	}
	switch format {
	case FormatGraphML:
		return writeGraphML(w, snap)
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		return nil
	}
	return core.ValidationError("format", fmt.Sprintf("unsupported export format %q (use graphml or json)", format))
}

func (g *GraphStore) snapshot(ctx context.Context) (*Snapshot, error) {
	q, err := g.store.Querier()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, "SELECT "+core.EntityColumns+" FROM _data ORDER BY id, type")
	if err != nil {
		return nil, err
	}
	ents, err := core.ScanEntities(rows)
	if err != nil {
		return nil, err
	}
	rels, err := g.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return &Snapshot{Entities: ents, Relationships: rels}, nil
}

func writeGraphML(w io.Writer, snap *Snapshot) error {
	doc := GraphMLDocument{
		XMLNS: "http://graphml.graphdrawing.org/xmlns",
		Keys: []GraphMLKey{
			{ID: "d0", For: "node", AttrName: "type", AttrType: "string"},
			{ID: "d1", For: "node", AttrName: "data", AttrType: "string"},
			{ID: "d2", For: "edge", AttrName: "relation", AttrType: "string"},
			{ID: "d3", For: "edge", AttrName: "metadata", AttrType: "string"},
		},
		Graph: GraphMLGraph{
			ID:          "G",
			EdgeDefault: "directed",
			Nodes:       make([]GraphMLNode, 0, len(snap.Entities)),
			Edges:       make([]GraphMLEdge, 0, len(snap.Relationships)),
		},
	}

	seen := make(map[string]bool, len(snap.Entities))
	for _, e := range snap.Entities {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		data, err := encoding.EncodeJSON(e.Data)
		if err != nil {
			return fmt.Errorf("failed to encode entity %s: %w", e.Ref(), err)
		}
		doc.Graph.Nodes = append(doc.Graph.Nodes, GraphMLNode{
			ID:   e.ID,
			Data: []GraphMLData{{Key: "d0", Value: e.Type}, {Key: "d1", Value: data}},
		})
	}

	for i, r := range snap.Relationships {
		edge := GraphMLEdge{
			ID:     fmt.Sprintf("e%d", i),
			Source: r.FromID,
			Target: r.ToID,
			Data:   []GraphMLData{{Key: "d2", Value: r.Relation}},
		}
		if r.Metadata != nil {
			meta, err := encoding.EncodeJSON(r.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode edge metadata: %w", err)
			}
			edge.Data = append(edge.Data, GraphMLData{Key: "d3", Value: meta})
		}
		doc.Graph.Edges = append(doc.Graph.Edges, edge)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode GraphML: %w", err)
	}
	return nil
}
