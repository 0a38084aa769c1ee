// Package sqgraph is an embeddable, multi-tenant document and graph data engine for Go.
//
// Every namespace is one SQLite database file (modernc.org/sqlite, NO CGO REQUIRED)
// holding typed JSON entities, directed named relationships, versioned schemas,
// vector embeddings and an append-only event log.
//
// # Quick Start
//
//	db, _ := sqgraph.Open(ctx, sqgraph.DefaultConfig("./data"))
//	defer db.Close()
//
//	ns, _ := db.Namespace(ctx, "acme")
//	user, _ := ns.Create(ctx, "User", "", map[string]any{"name": "Ann"})
//	post, _ := ns.Create(ctx, "Post", "post-1", map[string]any{"title": "Hello"})
//	_, _ = ns.Relate(ctx, user.ID, "authored", post.ID, nil)
//
//	posts, _ := ns.Traverse(ctx, user.ID, []string{"authored"}, sqgraph.TraversalOptions{})
//
// # Schemas
//
// Types are schemaless until a schema is set. Field descriptors carry the base
// type, optionality, a default and constraints:
//
//	_, err := ns.SetSchema(ctx, sqgraph.TypeMap{
//	    "User": {
//	        "email":  "string @unique @pattern(^[^@]+@[^@]+$)",
//	        "age":    "number? @min(0) @max(150)",
//	        "status": `string = "active"`,
//	    },
//	    "Post": {"author": "<~ User", "tags": "~> Tag[]?"},
//	})
//
// Adding a field with a default backfills existing rows. Relationship fields
// (->, ~>, <~) are kept in sync with edges named after the field.
//
// # Search
//
// Lexical search scores text fields; semantic search needs an embedder
// (Config.Embedding or WithEmbedder). HybridSearch fuses both rankings with
// reciprocal rank fusion:
//
//	hits, _ := ns.HybridSearch(ctx, "Post", "sqlite graph", sqgraph.HybridOptions{RRFK: 60})
//
// # Events
//
// Every mutation appends events in its own transaction. Events can be queried
// with glob patterns, streamed to subscribers after commit, archived by the
// retention policy and replayed. Rebuild restores a deleted entity from its history.
//
// Errors match the kinds ErrValidation, ErrConflict, ErrNotFound,
// ErrReferentialIntegrity, ErrMigration, ErrStoreClosed, ErrEmptyQuery and
// ErrUnavailable with errors.Is.
package sqgraph
