package core

import (
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/liliang-cn/sqgraph/internal/encoding"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp,
// so that lexical order of the column equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// MetadataKey is the reserved key under which traversal attaches edge metadata
const MetadataKey = "$metadata"

var (
	clockMu   sync.Mutex
	lastClock time.Time
)

// Now returns the current UTC time, strictly increasing across calls in this process
func Now() time.Time {
	clockMu.Lock()
	defer clockMu.Unlock()
	now := time.Now().UTC().Truncate(time.Nanosecond)
	if !now.After(lastClock) {
		now = lastClock.Add(time.Nanosecond)
	}
	lastClock = now
	return now
}

// FormatTime formats t with TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Entity is a typed JSON record stored in _data
type Entity struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Score is set by search operations
	Score float64 `json:"score,omitempty"`
	// EdgeMetadata is set by traversals asked to include the last hop's edge metadata
	EdgeMetadata map[string]any `json:"$metadata,omitempty"`
}

// Ref returns the "<Type>/<id>" object reference used by the event log
func (e *Entity) Ref() string {
	return e.Type + "/" + e.ID
}

// EntityColumns is the column list ScanEntity expects
const EntityColumns = "type, id, data, created_at, updated_at"

// Relationship is a directed, named edge stored in _rels
type Relationship struct {
	FromID    string         `json:"from_id"`
	Relation  string         `json:"relation"`
	ToID      string         `json:"to_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RelationshipColumns is the column list ScanRelationship expects
const RelationshipColumns = "from_id, relation, to_id, metadata, created_at, updated_at"

// Scanner is implemented by *sql.Row and *sql.Rows
type Scanner interface {
	Scan(dest ...any) error
}

// ScanEntity scans one row selected with EntityColumns
func ScanEntity(row Scanner) (*Entity, error) {
	var e Entity
	var data, created, updated string
	if err := row.Scan(&e.Type, &e.ID, &data, &created, &updated); err != nil {
		return nil, err
	}
	obj, err := encoding.DecodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("entity %s/%s: %w", e.Type, e.ID, err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	e.Data = obj
	if e.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}

// ScanEntities drains rows selected with EntityColumns
func ScanEntities(rows *sql.Rows) ([]*Entity, error) {
	defer func() { _ = rows.Close() }()
	var out []*Entity
	for rows.Next() {
		e, err := ScanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ScanRelationship scans one row selected with RelationshipColumns
func ScanRelationship(row Scanner) (*Relationship, error) {
	var r Relationship
	var metadata sql.NullString
	var created, updated string
	if err := row.Scan(&r.FromID, &r.Relation, &r.ToID, &metadata, &created, &updated); err != nil {
		return nil, err
	}
	if metadata.Valid {
		obj, err := encoding.DecodeObject(metadata.String)
		if err != nil {
			return nil, fmt.Errorf("relationship metadata: %w", err)
		}
		r.Metadata = obj
	}
	var err error
	if r.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// ValidIdentifier reports whether s is a field name or dotted field path that
// may address JSON data (letters, digits and underscores).
func ValidIdentifier(s string) bool {
	return identPattern.MatchString(s)
}

var typePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidTypeName reports whether s is usable as an entity type name
func ValidTypeName(s string) bool {
	return typePattern.MatchString(s)
}

// JSONPath turns a dotted field path into a SQLite JSON path ("a.b" -> "$.a.b")
func JSONPath(field string) string {
	return "$." + field
}

// Capabilities lets callers check once per call which optional features a
// namespace provides instead of probing for them.
type Capabilities interface {
	SupportsEvents() bool
	SupportsEmbeddings() bool
	SupportsSearch() bool
}
