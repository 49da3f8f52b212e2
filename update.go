package shelterbase

import (
	"sort"
	"strings"
)

// ChangeKind is one of the two allowed update variants.
type ChangeKind int

const (
	ChangeSet ChangeKind = iota
	ChangeUnset
)

func (k ChangeKind) String() string {
	if k == ChangeUnset {
		return "$unset"
	}
	return "$set"
}

// Change assigns or removes one top-level field.
type Change struct {
	Kind  ChangeKind
	Field string
	Value interface{}
}

// Set assigns value to field.
func Set(field string, value interface{}) Change {
	return Change{Kind: ChangeSet, Field: field, Value: value}
}

// Unset removes field.
func Unset(field string) Change {
	return Change{Kind: ChangeUnset, Field: field}
}

// Changes is an ordered update. A later change to the same field wins.
type Changes []Change

// NewChanges validates field names and rejects empty updates.
func NewChanges(changes ...Change) (Changes, error) {
	if len(changes) == 0 {
		return nil, WithContext(ErrQuery, map[string]interface{}{"reason": "update has no changes"})
	}
	for _, c := range changes {
		if c.Field == "" || strings.HasPrefix(c.Field, "$") || strings.Contains(c.Field, ".") {
			return nil, WithContext(ErrQuery, map[string]interface{}{
				"field":  c.Field,
				"reason": "update field names may not be empty, start with '$' or contain '.'",
			})
		}
		if c.Kind != ChangeSet && c.Kind != ChangeUnset {
			return nil, WithContext(ErrQuery, map[string]interface{}{
				"field":  c.Field,
				"reason": "unknown change kind",
			})
		}
	}
	return Changes(changes), nil
}

// ParseChanges accepts either a flat {"field": value} map (treated as $set)
// or an operator document using only $set and $unset.
func ParseChanges(raw map[string]interface{}) (Changes, error) {
	var changes []Change
	hasOps, hasFields := false, false
	for key := range raw {
		if strings.HasPrefix(key, "$") {
			hasOps = true
		} else {
			hasFields = true
		}
	}
	if hasOps && hasFields {
		return nil, WithContext(ErrQuery, map[string]interface{}{
			"reason": "update mixes operators and plain fields",
		})
	}

	if !hasOps {
		for _, field := range sortedKeys(raw) {
			changes = append(changes, Set(field, raw[field]))
		}
		return NewChanges(changes...)
	}

	for _, op := range sortedKeys(raw) {
		body := raw[op]
		switch op {
		case "$set":
			m, ok := asMap(body)
			if !ok {
				return nil, WithContext(ErrQuery, map[string]interface{}{"operator": op, "reason": "expects a document"})
			}
			for _, field := range sortedKeys(m) {
				changes = append(changes, Set(field, m[field]))
			}
		case "$unset":
			fields, err := unsetFields(body)
			if err != nil {
				return nil, err
			}
			for _, field := range fields {
				changes = append(changes, Unset(field))
			}
		default:
			return nil, WithContext(ErrQuery, map[string]interface{}{
				"operator": op,
				"reason":   "update operator is not allowed",
			})
		}
	}
	return NewChanges(changes...)
}

func unsetFields(body interface{}) ([]string, error) {
	if m, ok := asMap(body); ok {
		return sortedKeys(m), nil
	}
	if list, ok := normalizeValue(body).([]interface{}); ok {
		out := make([]string, 0, len(list))
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				return nil, WithContext(ErrQuery, map[string]interface{}{"operator": "$unset", "reason": "field names must be strings"})
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, WithContext(ErrQuery, map[string]interface{}{"operator": "$unset", "reason": "expects a document or a list"})
}

// Fields returns the distinct touched field names, sorted.
func (c Changes) Fields() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, ch := range c {
		if _, ok := seen[ch.Field]; ok {
			continue
		}
		seen[ch.Field] = struct{}{}
		out = append(out, ch.Field)
	}
	sort.Strings(out)
	return out
}

// Touches reports whether any change names field.
func (c Changes) Touches(field string) bool {
	for _, ch := range c {
		if ch.Field == field {
			return true
		}
	}
	return false
}

// Apply returns a copy of doc with the changes merged in.
func (c Changes) Apply(doc Document) Document {
	out := doc.Clone()
	if out == nil {
		out = Document{}
	}
	for _, ch := range c {
		if ch.Kind == ChangeUnset {
			delete(out, ch.Field)
		} else {
			out[ch.Field] = cloneValue(ch.Value)
		}
	}
	return out
}

// SetDocument and UnsetDocument render the final effect of the changes.
func (c Changes) SetDocument() map[string]interface{} {
	out := map[string]interface{}{}
	for _, ch := range c.collapse() {
		if ch.Kind == ChangeSet {
			out[ch.Field] = ch.Value
		}
	}
	return out
}

func (c Changes) UnsetDocument() map[string]interface{} {
	out := map[string]interface{}{}
	for _, ch := range c.collapse() {
		if ch.Kind == ChangeUnset {
			out[ch.Field] = ""
		}
	}
	return out
}

// collapse keeps the last change per field so $set and $unset never overlap.
func (c Changes) collapse() []Change {
	last := map[string]Change{}
	for _, ch := range c {
		last[ch.Field] = ch
	}
	out := make([]Change, 0, len(last))
	for _, ch := range last {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// AllowList is the set of fields Update may modify.
type AllowList struct {
	fields map[string]struct{}
}

// NewAllowList builds an allow-list from field names.
func NewAllowList(fields ...string) AllowList {
	a := AllowList{fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		a.fields[f] = struct{}{}
	}
	return a
}

// Allows reports whether field is mutable.
func (a AllowList) Allows(field string) bool {
	_, ok := a.fields[field]
	return ok
}

// Check fails with *ForbiddenFieldError naming every field outside the list.
func (a AllowList) Check(c Changes) error {
	var forbidden []string
	for _, f := range c.Fields() {
		if !a.Allows(f) {
			forbidden = append(forbidden, f)
		}
	}
	if len(forbidden) > 0 {
		return &ForbiddenFieldError{Fields: forbidden}
	}
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
