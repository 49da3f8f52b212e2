package shelterbase

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// FieldType is the value kind a schema field accepts.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeNumber   FieldType = "number"
	TypeInteger  FieldType = "integer"
	TypeBool     FieldType = "bool"
	TypeDate     FieldType = "date"
	TypeGeoPoint FieldType = "geopoint"
)

// FieldRule constrains one top-level field.
type FieldRule struct {
	Name     string
	Type     FieldType
	Required bool
	Nullable bool
	Enum     []string
	Min      *float64
	Max      *float64
}

// Schema is the structural contract every persisted record satisfies.
// Fields not listed are allowed, subject to key safety.
type Schema struct {
	Name   string
	Fields []FieldRule

	// Ordered pairs of date fields where the first may not be after the second.
	Before [][2]string
}

// Bound is a convenience for FieldRule.Min/Max.
func Bound(v float64) *float64 { return &v }

// Field returns the rule for name.
func (s *Schema) Field(name string) (FieldRule, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldRule{}, false
}

// DateFields lists fields declared as dates.
func (s *Schema) DateFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Type == TypeDate {
			out = append(out, f.Name)
		}
	}
	return out
}

// Validate checks doc against every rule and reports all violations at once.
// It returns nil or a *SchemaError.
func (s *Schema) Validate(doc Document) error {
	var violations []Violation

	violations = append(violations, checkKeys("", map[string]interface{}(doc))...)

	for _, rule := range s.Fields {
		value, present := doc[rule.Name]
		if !present || value == nil {
			if rule.Required {
				violations = append(violations, Violation{rule.Name, "required", "is required"})
			} else if present && !rule.Nullable {
				violations = append(violations, Violation{rule.Name, "type", "may not be null"})
			}
			continue
		}
		violations = append(violations, checkRule(rule, value)...)
	}

	for _, pair := range s.Before {
		first, ok1 := ToTime(doc[pair[0]])
		second, ok2 := ToTime(doc[pair[1]])
		if ok1 && ok2 && first.After(second) {
			violations = append(violations, Violation{
				Field:   pair[0],
				Rule:    "order",
				Message: fmt.Sprintf("must not be after %s", pair[1]),
			})
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &SchemaError{Violations: violations}
}

func checkRule(rule FieldRule, value interface{}) []Violation {
	typeErr := func(want string) []Violation {
		return []Violation{{rule.Name, "type", fmt.Sprintf("must be %s, got %T", want, value)}}
	}

	switch rule.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return typeErr("a string")
		}
		if rule.Required && strings.TrimSpace(s) == "" {
			return []Violation{{rule.Name, "required", "may not be blank"}}
		}
		if len(rule.Enum) > 0 && !containsString(rule.Enum, s) {
			return []Violation{{rule.Name, "enum", fmt.Sprintf("must be one of [%s]", strings.Join(rule.Enum, ", "))}}
		}
	case TypeNumber, TypeInteger:
		n, ok := ToFloat(value)
		if !ok {
			return typeErr("a number")
		}
		if rule.Type == TypeInteger && n != float64(int64(n)) {
			return typeErr("an integer")
		}
		return checkRange(rule, n)
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return typeErr("a boolean")
		}
	case TypeDate:
		if _, ok := ToTime(value); !ok {
			return typeErr("a date")
		}
	case TypeGeoPoint:
		return checkGeoPoint(rule.Name, value)
	}
	return nil
}

func checkRange(rule FieldRule, n float64) []Violation {
	if !finite(n) {
		return []Violation{{rule.Name, "range", "must be a finite number"}}
	}
	if rule.Min != nil && n < *rule.Min {
		return []Violation{{rule.Name, "range", fmt.Sprintf("must be >= %g", *rule.Min)}}
	}
	if rule.Max != nil && n > *rule.Max {
		return []Violation{{rule.Name, "range", fmt.Sprintf("must be <= %g", *rule.Max)}}
	}
	return nil
}

// finite rejects NaN and the infinities; NaN fails every comparison.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func checkGeoPoint(field string, value interface{}) []Violation {
	m, ok := asMap(value)
	if !ok {
		return []Violation{{field, "type", "must be a GeoJSON point"}}
	}
	if m["type"] != "Point" {
		return []Violation{{field, "type", `must have type "Point"`}}
	}
	lon, lat, ok := PointCoordinates(m["coordinates"])
	if !ok {
		return []Violation{{field, "type", "coordinates must be [longitude, latitude]"}}
	}
	var out []Violation
	if !finite(lon) || lon < -180 || lon > 180 {
		out = append(out, Violation{field, "range", "longitude must be between -180 and 180"})
	}
	if !finite(lat) || lat < -90 || lat > 90 {
		out = append(out, Violation{field, "range", "latitude must be between -90 and 90"})
	}
	return out
}

// PointCoordinates reads a [lon, lat] pair in any of the slice forms that
// come out of JSON, BSON or Go callers.
func PointCoordinates(v interface{}) (lon, lat float64, ok bool) {
	var pair []interface{}
	switch c := v.(type) {
	case []interface{}:
		pair = c
	case []float64:
		pair = []interface{}{}
		for _, f := range c {
			pair = append(pair, f)
		}
	default:
		return 0, 0, false
	}
	if len(pair) != 2 {
		return 0, 0, false
	}
	lon, ok1 := ToFloat(pair[0])
	lat, ok2 := ToFloat(pair[1])
	return lon, lat, ok1 && ok2
}

// checkKeys rejects operator-looking or dotted keys at any depth.
func checkKeys(prefix string, m map[string]interface{}) []Violation {
	var out []Violation
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch {
		case k == "":
			out = append(out, Violation{path, "key", "field names may not be empty"})
		case strings.HasPrefix(k, "$"):
			out = append(out, Violation{path, "key", "field names may not start with '$'"})
		case strings.Contains(k, "."):
			out = append(out, Violation{path, "key", "field names may not contain '.'"})
		}
		if nested, ok := asMap(m[k]); ok {
			out = append(out, checkKeys(path, nested)...)
		}
	}
	return out
}

// JSONSchema renders the schema as a MongoDB $jsonSchema document. Extra
// properties stay allowed.
func (s *Schema) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Fields))
	var required []string

	for _, f := range s.Fields {
		prop := map[string]interface{}{}
		var types []string
		switch f.Type {
		case TypeString:
			types = []string{"string"}
		case TypeNumber:
			types = []string{"double", "int", "long", "decimal"}
		case TypeInteger:
			types = []string{"int", "long"}
		case TypeBool:
			types = []string{"bool"}
		case TypeDate:
			types = []string{"date", "string"}
		case TypeGeoPoint:
			types = []string{"object"}
			prop["required"] = []string{"type", "coordinates"}
			prop["properties"] = map[string]interface{}{
				"type": map[string]interface{}{"enum": []string{"Point"}},
				"coordinates": map[string]interface{}{
					"bsonType": "array",
					"minItems": 2,
					"maxItems": 2,
					"items": []interface{}{
						map[string]interface{}{"bsonType": []string{"double", "int", "long"}, "minimum": -180, "maximum": 180},
						map[string]interface{}{"bsonType": []string{"double", "int", "long"}, "minimum": -90, "maximum": 90},
					},
				},
			}
		}
		if f.Nullable && !f.Required {
			types = append(types, "null")
		}
		prop["bsonType"] = types
		if len(f.Enum) > 0 {
			enum := make([]interface{}, 0, len(f.Enum)+1)
			for _, e := range f.Enum {
				enum = append(enum, e)
			}
			if f.Nullable && !f.Required {
				enum = append(enum, nil)
			}
			prop["enum"] = enum
		}
		if f.Min != nil {
			prop["minimum"] = *f.Min
		}
		if f.Max != nil {
			prop["maximum"] = *f.Max
		}
		if f.Required {
			required = append(required, f.Name)
		}
		props[f.Name] = prop
	}

	out := map[string]interface{}{
		"bsonType":   "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
