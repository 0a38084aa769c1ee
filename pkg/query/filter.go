package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

// FilterOperator represents the operators of the filter algebra
type FilterOperator string

const (
	FilterAND    FilterOperator = "AND"
	FilterEQ     FilterOperator = "$eq"
	FilterNE     FilterOperator = "$ne"
	FilterGT     FilterOperator = "$gt"
	FilterGTE    FilterOperator = "$gte"
	FilterLT     FilterOperator = "$lt"
	FilterLTE    FilterOperator = "$lte"
	FilterIN     FilterOperator = "$in"
	FilterNIN    FilterOperator = "$nin"
	FilterEXISTS FilterOperator = "$exists"
)

var comparisons = map[FilterOperator]string{
	FilterGT:  ">",
	FilterGTE: ">=",
	FilterLT:  "<",
	FilterLTE: "<=",
}

// FilterExpression is a compiled where clause
type FilterExpression struct {
	Operator FilterOperator
	Field    string
	Value    any
	Children []*FilterExpression
}

// Target tells the compiler which JSON column a filter addresses and which
// field names map to plain columns instead.
type Target struct {
	JSONColumn string
	Columns    map[string]string
}

// EntityTarget addresses _data rows
var EntityTarget = Target{
	JSONColumn: "data",
	Columns:    map[string]string{"id": "id", "created_at": "created_at", "updated_at": "updated_at"},
}

// MetadataTarget addresses edge metadata in _rels, optionally through a table alias
func MetadataTarget(alias string) Target {
	col := "metadata"
	if alias != "" {
		col = alias + ".metadata"
	}
	return Target{JSONColumn: col}
}

// CompileFilter turns a where mapping into a FilterExpression.
//
//	{"status": "active"}                     equality
//	{"price": {"$gt": 100, "$lte": 500}}     operators, ANDed
//	{"address.city": "Paris"}                nested path
//	{"address": {"city": "Paris"}}           nested path, object form
//
// Top level fields are ANDed. A nil or empty map compiles to nil.
func CompileFilter(where map[string]any) (*FilterExpression, error) {
	if len(where) == 0 {
		return nil, nil
	}
	root := &FilterExpression{Operator: FilterAND}
	if err := compileInto(root, "", where); err != nil {
		return nil, err
	}
	return root, nil
}

func compileInto(root *FilterExpression, prefix string, where map[string]any) error {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		field := prefix + key
		if !core.ValidIdentifier(field) {
			return core.ValidationError("filter", fmt.Sprintf("invalid field name %q", field))
		}
		val := where[key]

		obj, isObj := val.(map[string]any)
		if !isObj {
			leaf, err := leafExpr(FilterEQ, field, val)
			if err != nil {
				return err
			}
			root.Children = append(root.Children, leaf)
			continue
		}

		ops, plain := 0, 0
		for k := range obj {
			if strings.HasPrefix(k, "$") {
				ops++
			} else {
				plain++
			}
		}
		switch {
		case ops > 0 && plain > 0:
			return core.ValidationError("filter", fmt.Sprintf("field %q mixes operators and nested fields", field))
		case plain > 0:
			if err := compileInto(root, field+".", obj); err != nil {
				return err
			}
		case ops == 0:
			return core.ValidationError("filter", fmt.Sprintf("field %q has an empty condition", field))
		default:
			opKeys := make([]string, 0, len(obj))
			for k := range obj {
				opKeys = append(opKeys, k)
			}
			sort.Strings(opKeys)
			for _, op := range opKeys {
				leaf, err := leafExpr(FilterOperator(op), field, obj[op])
				if err != nil {
					return err
				}
				root.Children = append(root.Children, leaf)
			}
		}
	}
	return nil
}

func leafExpr(op FilterOperator, field string, val any) (*FilterExpression, error) {
	switch op {
	case FilterEQ, FilterNE, FilterGT, FilterGTE, FilterLT, FilterLTE:
		v, err := scalar(field, val)
		if err != nil {
			return nil, err
		}
		if _, ordered := comparisons[op]; ordered {
			if _, isStr := v.(string); !isStr {
				if _, isNum := encoding.ToFloat(v); !isNum {
					return nil, core.ValidationError("filter", fmt.Sprintf("%s on %q needs a number or string", op, field))
				}
			}
		}
		return &FilterExpression{Operator: op, Field: field, Value: v}, nil

	case FilterIN, FilterNIN:
		list, ok := val.([]any)
		if !ok {
			if strs, isStrs := val.([]string); isStrs {
				for _, s := range strs {
					list = append(list, s)
				}
				ok = true
			}
		}
		if !ok {
			return nil, core.ValidationError("filter", fmt.Sprintf("%s on %q needs an array", op, field))
		}
		values := make([]any, 0, len(list))
		for _, item := range list {
			v, err := scalar(field, item)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return &FilterExpression{Operator: op, Field: field, Value: values}, nil

	case FilterEXISTS:
		b, ok := val.(bool)
		if !ok {
			return nil, core.ValidationError("filter", fmt.Sprintf("$exists on %q needs a boolean", field))
		}
		return &FilterExpression{Operator: op, Field: field, Value: b}, nil
	}
	return nil, core.ValidationError("filter", fmt.Sprintf("unknown operator %q on %q", op, field))
}

// scalar normalizes a filter operand; only JSON scalars are comparable
func scalar(field string, v any) (any, error) {
	v = encoding.Normalize(v)
	switch t := v.(type) {
	case nil, string, int64, float64:
		return t, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, core.ValidationError("filter", fmt.Sprintf("unsupported value for %q: %T", field, v))
}

// SQL renders the expression as a WHERE fragment. Field paths and values are
// always bound parameters.
func (e *FilterExpression) SQL(target Target) (string, []any) {
	if e == nil {
		return "", nil
	}

	if e.Operator == FilterAND {
		var clauses []string
		var args []any
		for _, child := range e.Children {
			clause, childArgs := child.SQL(target)
			if clause != "" {
				clauses = append(clauses, "("+clause+")")
				args = append(args, childArgs...)
			}
		}
		return strings.Join(clauses, " AND "), args
	}

	expr, args := target.operand(e.Field)

	switch e.Operator {
	case FilterEQ:
		if e.Value == nil {
			return expr + " IS NULL", args
		}
		return expr + " = ?", append(args, e.Value)

	case FilterNE:
		return expr + " IS NOT ?", append(args, e.Value)

	case FilterGT, FilterGTE, FilterLT, FilterLTE:
		cmp := expr + " " + comparisons[e.Operator] + " ?"
		guard, guardArgs := target.typeGuard(e.Field, e.Value)
		if guard == "" {
			return cmp, append(args, e.Value)
		}
		return guard + " AND " + cmp, append(append(guardArgs, args...), e.Value)

	case FilterIN, FilterNIN:
		values := e.Value.([]any)
		if len(values) == 0 {
			if e.Operator == FilterIN {
				return "0", nil
			}
			return "1", nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		if e.Operator == FilterIN {
			return expr + " IN (" + placeholders + ")", append(args, values...)
		}
		// missing fields are "not in" anything
		clause := "(" + expr + " IS NULL OR " + expr + " NOT IN (" + placeholders + "))"
		out := append([]any{}, args...)
		out = append(out, args...)
		return clause, append(out, values...)

	case FilterEXISTS:
		typeExpr, typeArgs := target.jsonType(e.Field)
		if typeExpr == "" {
			if e.Value.(bool) {
				return "1", nil
			}
			return "0", nil
		}
		if e.Value.(bool) {
			return typeExpr + " IS NOT NULL", typeArgs
		}
		return typeExpr + " IS NULL", typeArgs
	}
	return "", nil
}

func (t Target) operand(field string) (string, []any) {
	if col, ok := t.Columns[field]; ok {
		return col, nil
	}
	return "json_extract(" + t.JSONColumn + ", ?)", []any{core.JSONPath(field)}
}

func (t Target) jsonType(field string) (string, []any) {
	if _, ok := t.Columns[field]; ok {
		return "", nil
	}
	return "json_type(" + t.JSONColumn + ", ?)", []any{core.JSONPath(field)}
}

// typeGuard keeps ordered comparisons within one type class, since SQLite
// orders every number before every string.
func (t Target) typeGuard(field string, v any) (string, []any) {
	typeExpr, args := t.jsonType(field)
	if typeExpr == "" {
		return "", nil
	}
	if _, isStr := v.(string); isStr {
		return typeExpr + " = 'text'", args
	}
	return typeExpr + " IN ('integer', 'real')", args
}
