// Package core is the storage accessor for sqgraph.
//
// A Store wraps one SQLite database file holding exactly one namespace. It owns the
// connection pool, creates the namespace tables lazily, and hands out transactional
// execute/query primitives to the higher level components.
//
// # Tables
//
//   - _data: typed JSON entities keyed by (type, id)
//   - _rels: directed, named edges keyed by (from_id, relation, to_id)
//   - _schema, _schema_history, _migrations: versioned type definitions and raw migrations
//   - _embeddings: cached vectors keyed by (entity_type, entity_id)
//   - _events: the append-only event log
//
// Errors leaving any sqgraph component are *StoreError values that match one of the
// sentinel kinds in this package (ErrValidation, ErrConflict, ErrNotFound, ...) with errors.Is.
package core
