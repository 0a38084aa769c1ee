// Package schema implements the versioned type registry of a namespace.
//
// A type declares its fields with small descriptor strings:
//
//	"string"                    required string
//	"number? @min(0) @max(100)" optional number in [0, 100]
//	"string = \"active\""       string defaulting to "active"
//	"string[] @max(5)"          at most five strings
//	"string @unique @pattern(^[a-z]+$)"
//	"-> Post[]"                 ids of Post entities, materialized as edges
//	"Address"                   nested Address object (or an entity id)
//
// Descriptors are parsed once into FieldType values.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

// Kind is the base type of a field
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBoolean
	KindDate
	KindJSON
	KindRef
)

var kindNames = map[Kind]string{
	KindString:  "string",
	KindNumber:  "number",
	KindBoolean: "boolean",
	KindDate:    "date",
	KindJSON:    "json",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "ref"
}

// Arrow marks a relationship field
type Arrow string

const (
	NoArrow     Arrow = ""
	OneToMany   Arrow = "->"
	ManyToMany  Arrow = "~>"
	ReverseMany Arrow = "<~"
)

// FieldType is a parsed field descriptor. Values are shared and must not be modified.
type FieldType struct {
	Arrow    Arrow
	Kind     Kind
	Ref      string // Referenced type name when Kind is KindRef
	RefField string // Optional field of the referenced type
	Array    bool
	Optional bool

	HasDefault bool
	Default    any

	Unique  bool
	Min     *float64
	Max     *float64
	Pattern *regexp.Regexp
}

// IsRelation reports whether the field materializes edges
func (f *FieldType) IsRelation() bool {
	return f.Arrow != NoArrow
}

// DefaultValue returns a copy of the default
func (f *FieldType) DefaultValue() any {
	return encoding.CloneValue(f.Default)
}

// String returns the canonical descriptor; two descriptors are equivalent iff
// their canonical forms are equal.
func (f *FieldType) String() string {
	var b strings.Builder
	if f.Arrow != NoArrow {
		b.WriteString(string(f.Arrow))
		b.WriteByte(' ')
	}
	if f.Kind == KindRef {
		b.WriteString(f.Ref)
		if f.RefField != "" {
			b.WriteByte('.')
			b.WriteString(f.RefField)
		}
	} else {
		b.WriteString(f.Kind.String())
	}
	if f.Array {
		b.WriteString("[]")
	}
	if f.Optional {
		b.WriteByte('?')
	}
	if f.HasDefault {
		lit, _ := encoding.EncodeJSON(f.Default)
		b.WriteString(" = ")
		b.WriteString(lit)
	}
	if f.Unique {
		b.WriteString(" @unique")
	}
	if f.Min != nil {
		b.WriteString(" @min(" + strconv.FormatFloat(*f.Min, 'g', -1, 64) + ")")
	}
	if f.Max != nil {
		b.WriteString(" @max(" + strconv.FormatFloat(*f.Max, 'g', -1, 64) + ")")
	}
	if f.Pattern != nil {
		b.WriteString(" @pattern(" + f.Pattern.String() + ")")
	}
	return b.String()
}

var parseCache sync.Map // descriptor -> *FieldType

// Parse parses a field descriptor
func Parse(descriptor string) (*FieldType, error) {
	if ft, ok := parseCache.Load(descriptor); ok {
		return ft.(*FieldType), nil
	}
	p := &parser{src: strings.TrimSpace(descriptor)}
	ft, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor %q: %w", descriptor, err)
	}
	parseCache.Store(descriptor, ft)
	return ft, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) rest() string { return p.src[p.pos:] }
func (p *parser) done() bool   { return p.pos >= len(p.src) }

func (p *parser) skipSpace() {
	for !p.done() {
		r, size := utf8.DecodeRuneInString(p.rest())
		if !unicode.IsSpace(r) {
			return
		}
		p.pos += size
	}
}

func (p *parser) consume(tok string) bool {
	if strings.HasPrefix(p.rest(), tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *parser) word(extra string) string {
	start := p.pos
	for !p.done() {
		c := p.src[p.pos]
		if c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') || strings.IndexByte(extra, c) >= 0 {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *parser) parse() (*FieldType, error) {
	if p.src == "" {
		return nil, fmt.Errorf("empty descriptor")
	}
	ft := &FieldType{}

	for _, a := range []Arrow{OneToMany, ManyToMany, ReverseMany} {
		if p.consume(string(a)) {
			ft.Arrow = a
			break
		}
	}
	p.skipSpace()

	base := p.word(".")
	if base == "" {
		return nil, fmt.Errorf("expected a base type at offset %d", p.pos)
	}
	if err := ft.setBase(base); err != nil {
		return nil, err
	}
	if p.consume("[]") {
		ft.Array = true
	}
	if p.consume("?") {
		ft.Optional = true
	}

	p.skipSpace()
	if p.consume("=") {
		p.skipSpace()
		v, err := p.literal()
		if err != nil {
			return nil, err
		}
		ft.HasDefault = true
		ft.Default = v
	}

	for {
		p.skipSpace()
		if p.done() {
			break
		}
		if !p.consume("@") {
			return nil, fmt.Errorf("unexpected %q at offset %d", p.rest(), p.pos)
		}
		if err := p.constraint(ft); err != nil {
			return nil, err
		}
	}

	return ft, ft.check()
}

func (ft *FieldType) setBase(base string) error {
	for kind, name := range kindNames {
		if base == name {
			ft.Kind = kind
			return nil
		}
	}
	name, field, _ := strings.Cut(base, ".")
	first, _ := utf8.DecodeRuneInString(name)
	if !core.ValidTypeName(name) || !unicode.IsUpper(first) {
		return fmt.Errorf("unknown base type %q", base)
	}
	if strings.Contains(base, ".") && !core.ValidTypeName(field) {
		return fmt.Errorf("invalid referenced field in %q", base)
	}
	ft.Kind = KindRef
	ft.Ref = name
	ft.RefField = field
	return nil
}

// literal reads a JSON literal, falling back to a bare word for unquoted strings
func (p *parser) literal() (any, error) {
	rest := p.rest()
	if rest == "" {
		return nil, fmt.Errorf("missing default value after '='")
	}
	dec := json.NewDecoder(strings.NewReader(rest))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		off := int(dec.InputOffset())
		if off >= len(rest) || rest[off] == ' ' || rest[off] == '\t' {
			p.pos += off
			return encoding.Normalize(v), nil
		}
	}
	start := p.pos
	for !p.done() && p.src[p.pos] != ' ' && p.src[p.pos] != '\t' {
		p.pos++
	}
	return p.src[start:p.pos], nil
}

// args reads a parenthesized argument; nested parens, escapes and character
// classes are kept intact so regular expressions survive.
func (p *parser) args(name string) (string, error) {
	if !p.consume("(") {
		return "", fmt.Errorf("@%s requires an argument", name)
	}
	start := p.pos
	depth := 1
	inClass := false
	for !p.done() {
		c := p.src[p.pos]
		switch {
		case c == '\\':
			p.pos++
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				arg := p.src[start:p.pos]
				p.pos++
				return arg, nil
			}
		}
		p.pos++
	}
	return "", fmt.Errorf("unterminated @%s(", name)
}

func (p *parser) constraint(ft *FieldType) error {
	name := p.word("")
	switch name {
	case "unique":
		ft.Unique = true
	case "min", "max":
		arg, err := p.args(name)
		if err != nil {
			return err
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return fmt.Errorf("@%s needs a number, got %q", name, arg)
		}
		if name == "min" {
			ft.Min = &n
		} else {
			ft.Max = &n
		}
	case "pattern":
		arg, err := p.args(name)
		if err != nil {
			return err
		}
		re, err := regexp.Compile(arg)
		if err != nil {
			return fmt.Errorf("@pattern: %w", err)
		}
		ft.Pattern = re
	case "":
		return fmt.Errorf("missing constraint name at offset %d", p.pos)
	default:
		return fmt.Errorf("unknown constraint @%s", name)
	}
	return nil
}

func (ft *FieldType) check() error {
	if ft.Arrow != NoArrow && ft.Kind != KindRef {
		return fmt.Errorf("relationship field must reference a type")
	}
	if ft.Unique && (ft.Array || ft.Kind == KindJSON || ft.Arrow != NoArrow) {
		return fmt.Errorf("@unique needs a scalar field")
	}
	if ft.Pattern != nil && ft.Kind != KindString {
		return fmt.Errorf("@pattern needs a string field")
	}
	if ft.Min != nil && ft.Max != nil && *ft.Min > *ft.Max {
		return fmt.Errorf("@min(%g) is greater than @max(%g)", *ft.Min, *ft.Max)
	}
	if ft.HasDefault {
		if ft.Arrow != NoArrow {
			return fmt.Errorf("relationship fields cannot have a default")
		}
		if _, msg := coerce(ft, "default", ft.Default); msg != "" {
			return fmt.Errorf("%s", msg)
		}
		if msgs := checkBounds(ft, "default", ft.Default); len(msgs) > 0 {
			return fmt.Errorf("%s", msgs[0])
		}
	}
	return nil
}

// Fields maps field names to descriptors
type Fields map[string]string

// TypeMap maps type names to their fields
type TypeMap map[string]Fields

// Type is a compiled type definition
type Type struct {
	Name        string
	Fields      map[string]*FieldType
	Descriptors Fields
}

// Relation is a relationship field of a type
type Relation struct {
	Field  string
	Arrow  Arrow
	Target string
	Array  bool
}

// Compile parses every descriptor of a type and returns all problems found
func Compile(name string, fields Fields) (*Type, []string) {
	var errs []string
	if !core.ValidTypeName(name) {
		errs = append(errs, fmt.Sprintf("invalid type name %q", name))
	}
	t := &Type{Name: name, Fields: make(map[string]*FieldType, len(fields)), Descriptors: make(Fields, len(fields))}
	for _, field := range sortedKeys(fields) {
		if !core.ValidTypeName(field) {
			errs = append(errs, fmt.Sprintf("%s: invalid field name %q", name, field))
			continue
		}
		ft, err := Parse(fields[field])
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s.%s: %v", name, field, err))
			continue
		}
		t.Fields[field] = ft
		t.Descriptors[field] = strings.TrimSpace(fields[field])
	}
	return t, errs
}

// FieldNames returns the declared fields in sorted order
func (t *Type) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for name := range t.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Relations returns the relationship fields in field order
func (t *Type) Relations() []Relation {
	var out []Relation
	for _, name := range t.FieldNames() {
		ft := t.Fields[name]
		if ft.IsRelation() {
			out = append(out, Relation{Field: name, Arrow: ft.Arrow, Target: ft.Ref, Array: ft.Array})
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
