package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

// MaxNestingDepth bounds validation of nested type objects
const MaxNestingDepth = 8

// Result is the outcome of validating a record. Conflicts are @unique
// collisions with stored rows and are reported apart from Errors.
type Result struct {
	Valid     bool     `json:"valid"`
	Errors    []string `json:"errors"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Validate checks data against the live schema of typeName. Invalid data is
// reported in the Result; the error is only for storage failures.
func (r *Registry) Validate(ctx context.Context, typeName string, data map[string]any) (*Result, error) {
	q, err := r.store.Querier()
	if err != nil {
		return nil, core.WrapError("validate", err)
	}
	_, _, res, err := r.Prepare(ctx, q, typeName, "", data)
	return res, err
}

// Prepare coerces data, fills defaults and validates it for a write of (typeName, id).
// The returned Type is nil for schemaless types, in which case data is returned as is.
// The caller's map is never modified.
func (r *Registry) Prepare(ctx context.Context, q core.Querier, typeName, id string, data map[string]any) (*Type, map[string]any, *Result, error) {
	t, err := r.Lookup(ctx, q, typeName)
	if err != nil {
		return nil, nil, nil, err
	}
	if t == nil {
		return nil, data, &Result{Valid: true, Errors: []string{}}, nil
	}

	c := &checker{ctx: ctx, q: q, registry: r}
	out := encoding.Clone(data)
	if out == nil {
		out = map[string]any{}
	}
	c.object(t, "", out, id, 0)
	if c.err != nil {
		return nil, nil, nil, core.WrapError("validate", c.err)
	}

	res := &Result{
		Valid:     len(c.errors) == 0 && len(c.conflicts) == 0,
		Errors:    c.errors,
		Conflicts: c.conflicts,
	}
	if res.Errors == nil {
		res.Errors = []string{}
	}
	return t, out, res, nil
}

type checker struct {
	ctx       context.Context
	q         core.Querier
	registry  *Registry
	errors    []string
	conflicts []string
	err       error
}

func (c *checker) fail(format string, args ...any) {
	c.errors = append(c.errors, fmt.Sprintf(format, args...))
}

// object validates data in place against t. Unique checks only apply at depth 0.
func (c *checker) object(t *Type, prefix string, data map[string]any, id string, depth int) {
	for _, name := range sortedKeys(data) {
		if _, ok := t.Fields[name]; !ok {
			c.fail("unknown field: %s%s", prefix, name)
		}
	}

	for _, name := range t.FieldNames() {
		ft := t.Fields[name]
		label := prefix + name
		val, present := data[name]

		if !present || val == nil {
			switch {
			case !present && ft.HasDefault:
				data[name] = ft.DefaultValue()
			case ft.Optional:
			case present:
				c.fail("field %s must not be null", label)
			default:
				c.fail("missing required field: %s", label)
			}
			continue
		}

		coerced, msg := coerce(ft, label, val)
		if msg != "" {
			c.errors = append(c.errors, msg)
			continue
		}
		data[name] = coerced

		if ft.Kind == KindRef && ft.Arrow == NoArrow {
			c.nested(ft, label, coerced, depth)
		}
		c.errors = append(c.errors, checkBounds(ft, label, coerced)...)

		if ft.Unique && depth == 0 {
			c.unique(t.Name, name, coerced, id)
		}
		if c.err != nil {
			return
		}
	}
}

func (c *checker) nested(ft *FieldType, label string, v any, depth int) {
	var objs []map[string]any
	switch t := v.(type) {
	case map[string]any:
		objs = append(objs, t)
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				objs = append(objs, m)
			}
		}
	}
	if len(objs) == 0 {
		return
	}
	if depth+1 > MaxNestingDepth {
		c.fail("field %s nests deeper than %d levels", label, MaxNestingDepth)
		return
	}
	nt, err := c.registry.Lookup(c.ctx, c.q, ft.Ref)
	if err != nil {
		c.err = err
		return
	}
	if nt == nil {
		return
	}
	for _, obj := range objs {
		c.object(nt, label+".", obj, "", depth+1)
	}
}

func (c *checker) unique(typeName, field string, v any, id string) {
	arg, ok := sqlValue(v)
	if !ok {
		return
	}
	var other string
	err := c.q.QueryRowContext(c.ctx,
		"SELECT id FROM _data WHERE type = ? AND id <> ? AND json_extract(data, ?) = ? LIMIT 1",
		typeName, id, core.JSONPath(field), arg).Scan(&other)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		c.err = err
	default:
		c.conflicts = append(c.conflicts, fmt.Sprintf("%s.%s value %v already used by %s", typeName, field, v, other))
	}
}

// sqlValue converts a scalar to what json_extract yields for it
func sqlValue(v any) (any, bool) {
	switch t := v.(type) {
	case string, int64, float64:
		return t, true
	case bool:
		if t {
			return int64(1), true
		}
		return int64(0), true
	}
	return nil, false
}

// coerce checks v against the base type of ft, converting lenient inputs
// (numeric strings, "true"/"false", time.Time). It returns a message on mismatch.
func coerce(ft *FieldType, label string, v any) (any, string) {
	if !ft.Array {
		return coerceScalar(ft, label, v)
	}
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case []string:
		for _, s := range t {
			items = append(items, s)
		}
	default:
		return nil, fmt.Sprintf("field %s must be an array", label)
	}
	out := make([]any, len(items))
	for i, item := range items {
		c, msg := coerceScalar(ft, fmt.Sprintf("%s[%d]", label, i), item)
		if msg != "" {
			return nil, msg
		}
		out[i] = c
	}
	return out, ""
}

func coerceScalar(ft *FieldType, label string, v any) (any, string) {
	switch ft.Kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, ""
		}
		return nil, fmt.Sprintf("field %s must be a string", label)

	case KindNumber:
		if f, ok := encoding.ToFloat(v); ok {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Sprintf("field %s must be a finite number", label)
			}
			return encoding.Normalize(v), ""
		}
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i, ""
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f, ""
			}
		}
		return nil, fmt.Sprintf("field %s must be a number", label)

	case KindBoolean:
		switch t := v.(type) {
		case bool:
			return t, ""
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "true":
				return true, ""
			case "false":
				return false, ""
			}
		}
		return nil, fmt.Sprintf("field %s must be a boolean", label)

	case KindDate:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), ""
		case string:
			if _, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return t, ""
			}
			if _, err := time.Parse(time.DateOnly, t); err == nil {
				return t, ""
			}
		}
		return nil, fmt.Sprintf("field %s must be an RFC 3339 date", label)

	case KindJSON:
		return v, ""

	default:
		if s, ok := v.(string); ok {
			if s == "" {
				return nil, fmt.Sprintf("field %s must not be an empty id", label)
			}
			return s, ""
		}
		if m, ok := v.(map[string]any); ok && ft.Arrow == NoArrow {
			return m, ""
		}
		if ft.Arrow != NoArrow {
			return nil, fmt.Sprintf("field %s must hold %s ids", label, ft.Ref)
		}
		return nil, fmt.Sprintf("field %s must be a %s object or id", label, ft.Ref)
	}
}

// checkBounds applies @min, @max and @pattern. Numbers are bounded by value,
// strings and arrays by length.
func checkBounds(ft *FieldType, label string, v any) []string {
	var msgs []string

	if ft.Min != nil || ft.Max != nil {
		var measure float64
		var unit string
		ok := true
		switch t := v.(type) {
		case []any:
			measure, unit = float64(len(t)), " items"
		case string:
			measure, unit = float64(utf8.RuneCountInString(t)), " characters"
		default:
			measure, ok = encoding.ToFloat(v)
		}
		if ok && ft.Kind != KindNumber && unit == "" {
			ok = false
		}
		if ok {
			if ft.Min != nil && measure < *ft.Min {
				msgs = append(msgs, fmt.Sprintf("field %s must be at least %g%s", label, *ft.Min, unit))
			}
			if ft.Max != nil && measure > *ft.Max {
				msgs = append(msgs, fmt.Sprintf("field %s must be at most %g%s", label, *ft.Max, unit))
			}
		}
	}

	if ft.Pattern != nil {
		var values []string
		switch t := v.(type) {
		case string:
			values = append(values, t)
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok {
					values = append(values, s)
				}
			}
		}
		for _, s := range values {
			if !ft.Pattern.MatchString(s) {
				msgs = append(msgs, fmt.Sprintf("field %s does not match pattern %s", label, ft.Pattern.String()))
				break
			}
		}
	}
	return msgs
}
