package shelterbase

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Operator is one of the allow-listed comparison operators.
type Operator string

const (
	OpEq  Operator = "$eq"
	OpNe  Operator = "$ne"
	OpGt  Operator = "$gt"
	OpGte Operator = "$gte"
	OpLt  Operator = "$lt"
	OpLte Operator = "$lte"
	OpIn  Operator = "$in"
	OpNin Operator = "$nin"
)

var operators = map[Operator]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {}, OpIn: {}, OpNin: {},
}

// Valid reports whether op is in the closed operator set.
func (op Operator) Valid() bool {
	_, ok := operators[op]
	return ok
}

// Condition constrains one field. For OpIn and OpNin Value is a []interface{}.
type Condition struct {
	Field string
	Op    Operator
	Value interface{}
}

func Eq(field string, v interface{}) Condition  { return Condition{field, OpEq, v} }
func Ne(field string, v interface{}) Condition  { return Condition{field, OpNe, v} }
func Gt(field string, v interface{}) Condition  { return Condition{field, OpGt, v} }
func Gte(field string, v interface{}) Condition { return Condition{field, OpGte, v} }
func Lt(field string, v interface{}) Condition  { return Condition{field, OpLt, v} }
func Lte(field string, v interface{}) Condition { return Condition{field, OpLte, v} }

func In(field string, vs ...interface{}) Condition {
	return Condition{field, OpIn, vs}
}

func NotIn(field string, vs ...interface{}) Condition {
	return Condition{field, OpNin, vs}
}

func (c Condition) validate() error {
	reject := func(reason string) error {
		return WithContext(ErrQuery, map[string]interface{}{
			"field":    c.Field,
			"operator": string(c.Op),
			"reason":   reason,
		})
	}
	if c.Field == "" {
		return reject("field name is empty")
	}
	if strings.HasPrefix(c.Field, "$") {
		return reject("top-level operators are not allowed")
	}
	for _, part := range strings.Split(c.Field, ".") {
		if part == "" || strings.HasPrefix(part, "$") {
			return reject("malformed field path")
		}
	}
	if !c.Op.Valid() {
		return reject("operator is not allowed")
	}
	switch c.Op {
	case OpIn, OpNin:
		if _, ok := c.Value.([]interface{}); !ok {
			return reject("value must be a list")
		}
	default:
		if _, ok := asMap(c.Value); ok {
			return reject("embedded document values are not supported")
		}
		if _, ok := c.Value.([]interface{}); ok {
			return reject("list values are only allowed with $in and $nin")
		}
	}
	return nil
}

// Filter is a conjunction of conditions. The zero Filter matches everything.
type Filter struct {
	conds []Condition
}

// NewFilter validates conds against the closed operator set.
func NewFilter(conds ...Condition) (Filter, error) {
	seen := make(map[string]struct{}, len(conds))
	out := make([]Condition, 0, len(conds))
	for _, c := range conds {
		c.Value = normalizeValue(c.Value)
		if err := c.validate(); err != nil {
			return Filter{}, err
		}
		key := c.Field + "\x00" + string(c.Op)
		if _, dup := seen[key]; dup {
			return Filter{}, WithContext(ErrQuery, map[string]interface{}{
				"field":    c.Field,
				"operator": string(c.Op),
				"reason":   "operator repeated for field",
			})
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Op < out[j].Op
	})
	return Filter{conds: out}, nil
}

// MustFilter is NewFilter for literals known to be valid.
func MustFilter(conds ...Condition) Filter {
	f, err := NewFilter(conds...)
	if err != nil {
		panic(err)
	}
	return f
}

// ParseFilter accepts the wire form {"field": value} or
// {"field": {"$op": value, ...}}. An empty or nil map is the empty filter.
func ParseFilter(raw map[string]interface{}) (Filter, error) {
	conds := make([]Condition, 0, len(raw))
	for field, value := range raw {
		if strings.HasPrefix(field, "$") {
			return Filter{}, WithContext(ErrQuery, map[string]interface{}{
				"field":  field,
				"reason": "top-level operators are not allowed",
			})
		}
		m, isMap := asMap(value)
		if !isMap {
			conds = append(conds, Eq(field, value))
			continue
		}
		if len(m) == 0 {
			return Filter{}, WithContext(ErrQuery, map[string]interface{}{
				"field":  field,
				"reason": "empty operator document",
			})
		}
		for op, v := range m {
			if !strings.HasPrefix(op, "$") {
				return Filter{}, WithContext(ErrQuery, map[string]interface{}{
					"field":  field,
					"reason": "embedded document values are not supported",
				})
			}
			conds = append(conds, Condition{Field: field, Op: Operator(op), Value: v})
		}
	}
	return NewFilter(conds...)
}

// Conditions returns the conditions in canonical (field, operator) order.
func (f Filter) Conditions() []Condition {
	return append([]Condition(nil), f.conds...)
}

// IsEmpty reports whether the filter matches every record.
func (f Filter) IsEmpty() bool { return len(f.conds) == 0 }

// Fields returns the distinct filtered field names, sorted.
func (f Filter) Fields() []string {
	var out []string
	for _, c := range f.conds {
		if len(out) == 0 || out[len(out)-1] != c.Field {
			out = append(out, c.Field)
		}
	}
	return out
}

// And returns a filter with extra conditions appended.
func (f Filter) And(conds ...Condition) (Filter, error) {
	return NewFilter(append(f.Conditions(), conds...)...)
}

// Document renders the canonical wire form {"field": {"$op": value}}.
func (f Filter) Document() map[string]interface{} {
	out := make(map[string]interface{}, len(f.conds))
	for _, c := range f.conds {
		ops, ok := out[c.Field].(map[string]interface{})
		if !ok {
			ops = map[string]interface{}{}
			out[c.Field] = ops
		}
		ops[string(c.Op)] = c.Value
	}
	return out
}

func (f Filter) String() string {
	parts := make([]string, 0, len(f.conds))
	for _, c := range f.conds {
		parts = append(parts, fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// normalizeValue turns typed slices into []interface{} so every adapter sees
// one list shape.
func normalizeValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if _, ok := v.([]interface{}); ok {
		return v
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return v
}
