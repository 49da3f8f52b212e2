package objectstore

import (
	"reflect"
	"strings"
	"time"

	"github.com/adrianmcphee/shelterbase"
)

// matches reports whether doc satisfies every condition in f.
func matches(doc shelterbase.Document, f shelterbase.Filter) bool {
	for _, c := range f.Conditions() {
		if !matchCondition(doc, c) {
			return false
		}
	}
	return true
}

func matchCondition(doc shelterbase.Document, c shelterbase.Condition) bool {
	actual, present := doc.Lookup(c.Field)
	switch c.Op {
	case shelterbase.OpEq:
		return equalsOrContains(actual, present, c.Value)
	case shelterbase.OpNe:
		return !equalsOrContains(actual, present, c.Value)
	case shelterbase.OpIn:
		for _, v := range asList(c.Value) {
			if equalsOrContains(actual, present, v) {
				return true
			}
		}
		return false
	case shelterbase.OpNin:
		for _, v := range asList(c.Value) {
			if equalsOrContains(actual, present, v) {
				return false
			}
		}
		return true
	case shelterbase.OpGt, shelterbase.OpGte, shelterbase.OpLt, shelterbase.OpLte:
		if !present {
			return false
		}
		for _, candidate := range elements(actual) {
			if orderedMatch(c.Op, candidate, c.Value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// equalsOrContains applies equality the document-store way: a missing field
// equals null, and an array field matches when any element is equal.
func equalsOrContains(actual interface{}, present bool, want interface{}) bool {
	if !present {
		return want == nil
	}
	if equalValues(actual, want) {
		return true
	}
	if list, ok := actual.([]interface{}); ok {
		for _, e := range list {
			if equalValues(e, want) {
				return true
			}
		}
	}
	return false
}

func orderedMatch(op shelterbase.Operator, a, b interface{}) bool {
	cmp, ok := compareComparable(a, b)
	if !ok {
		return false
	}
	switch op {
	case shelterbase.OpGt:
		return cmp > 0
	case shelterbase.OpGte:
		return cmp >= 0
	case shelterbase.OpLt:
		return cmp < 0
	default:
		return cmp <= 0
	}
}

// equalValues compares scalars across numeric kinds and across date forms.
func equalValues(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if cmp, ok := compareComparable(a, b); ok {
		return cmp == 0
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return reflect.DeepEqual(a, b)
}

// compareComparable orders two values of the same family: numbers, dates
// (time.Time against a parseable string too) or strings.
func compareComparable(a, b interface{}) (int, bool) {
	if af, ok := shelterbase.ToFloat(a); ok {
		bf, ok := shelterbase.ToFloat(b)
		if !ok {
			return 0, false
		}
		return compareFloat(af, bf), true
	}
	_, aIsTime := a.(time.Time)
	_, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		at, ok1 := shelterbase.ToTime(a)
		bt, ok2 := shelterbase.ToTime(b)
		if !ok1 || !ok2 {
			return 0, false
		}
		return at.Compare(bt), true
	}
	as, ok1 := a.(string)
	bs, ok2 := b.(string)
	if ok1 && ok2 {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// typeRank orders value families for sorting: null, numbers, strings,
// objects, arrays, booleans, dates.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case string:
		return 2
	case map[string]interface{}, shelterbase.Document:
		return 3
	case []interface{}:
		return 4
	case bool:
		return 5
	case time.Time:
		return 6
	}
	if _, ok := shelterbase.ToFloat(v); ok {
		return 1
	}
	return 7
}

// compareAny is a total order used by sort stages, group keys and _id order.
func compareAny(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	if cmp, ok := compareComparable(a, b); ok {
		return cmp
	}
	if ab, ok := a.(bool); ok {
		bb := b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	}
	return 0
}

func asList(v interface{}) []interface{} {
	if list, ok := v.([]interface{}); ok {
		return list
	}
	return []interface{}{v}
}

func elements(v interface{}) []interface{} {
	if list, ok := v.([]interface{}); ok {
		return list
	}
	return []interface{}{v}
}
