// Package query implements list, find, count and lexical search over _data.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/liliang-cn/sqgraph/pkg/core"
)

// Pagination bounds
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Options controls List and Find
type Options struct {
	Where   map[string]any `json:"where,omitempty"`
	OrderBy string         `json:"orderBy,omitempty"`
	Order   string         `json:"order,omitempty"` // "asc" (default) or "desc"
	Limit   int            `json:"limit,omitempty"`
	Offset  int            `json:"offset,omitempty"`

	// Since and Until bound updated_at (inclusive); zero means unbounded
	Since string `json:"since,omitempty"`
	Until string `json:"until,omitempty"`
}

// Engine runs read queries against one namespace
type Engine struct {
	store  *core.Store
	logger core.Logger
}

// NewEngine creates a query engine
func NewEngine(store *core.Store) *Engine {
	return &Engine{store: store, logger: store.Logger().With("component", "query")}
}

// ClampLimit applies the default and maximum page size
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// List returns entities of typeName matching opts.Where. Unknown types yield an empty slice.
func (e *Engine) List(ctx context.Context, typeName string, opts Options) ([]*core.Entity, error) {
	q, err := e.store.Querier()
	if err != nil {
		return nil, core.WrapError("list", err)
	}

	where, args, err := BuildWhere(typeName, opts.Where)
	if err != nil {
		return nil, err
	}
	where, args = TimeRange(where, args, opts.Since, opts.Until)
	order, orderArgs, err := orderClause(opts.OrderBy, opts.Order)
	if err != nil {
		return nil, err
	}

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	query := "SELECT " + core.EntityColumns + " FROM _data WHERE " + where + order + " LIMIT ? OFFSET ?"
	args = append(args, orderArgs...)
	args = append(args, ClampLimit(opts.Limit), offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError("list", err)
	}
	list, err := core.ScanEntities(rows)
	if err != nil {
		return nil, core.WrapError("list", err)
	}
	if list == nil {
		list = []*core.Entity{}
	}
	return list, nil
}

// Find returns the first entity matching opts.Where under opts ordering
func (e *Engine) Find(ctx context.Context, typeName string, opts Options) (*core.Entity, error) {
	opts.Limit = 1
	opts.Offset = 0
	list, err := e.List(ctx, typeName, opts)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, core.NotFound("find", typeName+" matching filter")
	}
	return list[0], nil
}

// Count returns the number of entities of typeName matching where
func (e *Engine) Count(ctx context.Context, typeName string, where map[string]any) (int64, error) {
	q, err := e.store.Querier()
	if err != nil {
		return 0, core.WrapError("count", err)
	}
	clause, args, err := BuildWhere(typeName, where)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM _data WHERE "+clause, args...).Scan(&n); err != nil {
		return 0, core.WrapError("count", err)
	}
	return n, nil
}

// BuildWhere compiles the type restriction plus a where mapping into a WHERE body over _data
func BuildWhere(typeName string, where map[string]any) (string, []any, error) {
	clause := "type = ?"
	args := []any{typeName}
	expr, err := CompileFilter(where)
	if err != nil {
		return "", nil, err
	}
	if sqlPart, filterArgs := expr.SQL(EntityTarget); sqlPart != "" {
		clause += " AND " + sqlPart
		args = append(args, filterArgs...)
	}
	return clause, args, nil
}

// TimeRange appends inclusive updated_at bounds to a WHERE body built by BuildWhere
func TimeRange(where string, args []any, since, until string) (string, []any) {
	if since != "" {
		where += " AND updated_at >= ?"
		args = append(args, normalizeTime(since))
	}
	if until != "" {
		where += " AND updated_at <= ?"
		args = append(args, normalizeTime(until))
	}
	return where, args
}

func normalizeTime(s string) string {
	if t, err := core.ParseTime(s); err == nil {
		return core.FormatTime(t)
	}
	return s
}

func orderClause(orderBy, order string) (string, []any, error) {
	dir := "ASC"
	switch strings.ToLower(order) {
	case "", "asc":
	case "desc":
		dir = "DESC"
	default:
		return "", nil, core.ValidationError("list", fmt.Sprintf("invalid order %q (use asc or desc)", order))
	}

	if orderBy == "" {
		return " ORDER BY created_at " + dir + ", id " + dir, nil, nil
	}
	if !core.ValidIdentifier(orderBy) {
		return "", nil, core.ValidationError("list", fmt.Sprintf("invalid orderBy field %q", orderBy))
	}
	if col, ok := EntityTarget.Columns[orderBy]; ok {
		return " ORDER BY " + col + " " + dir + ", id ASC", nil, nil
	}
	return " ORDER BY json_extract(data, ?) " + dir + ", id ASC", []any{core.JSONPath(orderBy)}, nil
}

// IsNotFound reports whether err is a not-found outcome
func IsNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
