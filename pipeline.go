package shelterbase

import (
	"strings"
)

// StageKind identifies an aggregation stage.
type StageKind string

const (
	StageMatch   StageKind = "$match"
	StageGroup   StageKind = "$group"
	StageSort    StageKind = "$sort"
	StageLimit   StageKind = "$limit"
	StageSkip    StageKind = "$skip"
	StageProject StageKind = "$project"
)

// AccumulatorOp is a $group accumulator.
type AccumulatorOp string

const (
	AccCount AccumulatorOp = "$count"
	AccSum   AccumulatorOp = "$sum"
	AccAvg   AccumulatorOp = "$avg"
	AccMin   AccumulatorOp = "$min"
	AccMax   AccumulatorOp = "$max"
)

// Accumulator computes one output field of a group.
type Accumulator struct {
	Name  string
	Op    AccumulatorOp
	Field string
}

// Count counts the records in each group.
func Count(name string) Accumulator { return Accumulator{Name: name, Op: AccCount} }

// Sum adds field across each group.
func Sum(name, field string) Accumulator { return Accumulator{Name: name, Op: AccSum, Field: field} }

// Avg averages field across each group.
func Avg(name, field string) Accumulator { return Accumulator{Name: name, Op: AccAvg, Field: field} }

// MinOf keeps the smallest value of field in each group.
func MinOf(name, field string) Accumulator { return Accumulator{Name: name, Op: AccMin, Field: field} }

// MaxOf keeps the largest value of field in each group.
func MaxOf(name, field string) Accumulator { return Accumulator{Name: name, Op: AccMax, Field: field} }

// Direction orders a sort key.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// SortKey is one field of a sort stage.
type SortKey struct {
	Field     string
	Direction Direction
}

// Stage is one step of a pipeline. Build stages with the constructors below.
type Stage struct {
	kind    StageKind
	filter  Filter
	groupBy string
	accs    []Accumulator
	keys    []SortKey
	n       int
	fields  []string
}

// Match keeps documents satisfying f.
func Match(f Filter) Stage { return Stage{kind: StageMatch, filter: f} }

// GroupBy groups on field ("" groups everything) and computes accs.
// The group key is emitted as _id.
func GroupBy(field string, accs ...Accumulator) Stage {
	return Stage{kind: StageGroup, groupBy: field, accs: accs}
}

// Sort orders by a single field.
func Sort(field string, dir Direction) Stage {
	return SortBy(SortKey{Field: field, Direction: dir})
}

// SortBy orders by several fields, most significant first.
func SortBy(keys ...SortKey) Stage { return Stage{kind: StageSort, keys: keys} }

// Limit keeps the first n documents.
func Limit(n int) Stage { return Stage{kind: StageLimit, n: n} }

// Skip drops the first n documents.
func Skip(n int) Stage { return Stage{kind: StageSkip, n: n} }

// Project keeps only fields (plus _id).
func Project(fields ...string) Stage { return Stage{kind: StageProject, fields: fields} }

// Kind returns the stage operator.
func (s Stage) Kind() StageKind { return s.kind }

// Filter returns the condition of a match stage.
func (s Stage) Filter() Filter { return s.filter }

// GroupField returns the field a group stage keys on.
func (s Stage) GroupField() string { return s.groupBy }

// Accumulators returns a copy of a group stage's accumulators.
func (s Stage) Accumulators() []Accumulator { return append([]Accumulator(nil), s.accs...) }

// SortKeys returns a copy of a sort stage's keys, in priority order.
func (s Stage) SortKeys() []SortKey { return append([]SortKey(nil), s.keys...) }

// N returns the count of a limit or skip stage.
func (s Stage) N() int { return s.n }

// Fields returns a copy of a project stage's fields.
func (s Stage) Fields() []string { return append([]string(nil), s.fields...) }

func (s Stage) validate(pos int) error {
	reject := func(reason string) error {
		return WithContext(ErrQuery, map[string]interface{}{
			"stage":    string(s.kind),
			"position": pos,
			"reason":   reason,
		})
	}
	switch s.kind {
	case StageMatch:
		return nil
	case StageGroup:
		if strings.HasPrefix(s.groupBy, "$") {
			return reject("group field is a bare name, not an expression")
		}
		if len(s.accs) == 0 {
			return reject("group needs at least one accumulator")
		}
		names := map[string]struct{}{}
		for _, a := range s.accs {
			if !validOutputName(a.Name) || a.Name == IDField {
				return reject("invalid accumulator name " + a.Name)
			}
			if _, dup := names[a.Name]; dup {
				return reject("duplicate accumulator name " + a.Name)
			}
			names[a.Name] = struct{}{}
			switch a.Op {
			case AccCount:
			case AccSum, AccAvg, AccMin, AccMax:
				if a.Field == "" || strings.HasPrefix(a.Field, "$") {
					return reject("accumulator " + a.Name + " needs a field")
				}
			default:
				return reject("accumulator operator is not allowed")
			}
		}
	case StageSort:
		if len(s.keys) == 0 {
			return reject("sort needs at least one key")
		}
		for _, k := range s.keys {
			if k.Field == "" || strings.HasPrefix(k.Field, "$") {
				return reject("invalid sort field")
			}
			if k.Direction != Ascending && k.Direction != Descending {
				return reject("sort direction must be 1 or -1")
			}
		}
	case StageLimit:
		if s.n <= 0 {
			return reject("limit must be positive")
		}
	case StageSkip:
		if s.n < 0 {
			return reject("skip must be non-negative")
		}
	case StageProject:
		if len(s.fields) == 0 {
			return reject("project needs at least one field")
		}
		for _, f := range s.fields {
			if f == "" || strings.HasPrefix(f, "$") {
				return reject("invalid projection field")
			}
		}
	default:
		return reject("stage is not allowed")
	}
	return nil
}

func validOutputName(name string) bool {
	return name != "" && !strings.HasPrefix(name, "$") && !strings.Contains(name, ".")
}

// Pipeline is an ordered, validated list of stages.
type Pipeline struct {
	stages []Stage
}

// NewPipeline validates stages and keeps them in the given order.
func NewPipeline(stages ...Stage) (Pipeline, error) {
	if len(stages) == 0 {
		return Pipeline{}, WithContext(ErrQuery, map[string]interface{}{"reason": "pipeline has no stages"})
	}
	for i, s := range stages {
		if err := s.validate(i); err != nil {
			return Pipeline{}, err
		}
	}
	return Pipeline{stages: append([]Stage(nil), stages...)}, nil
}

// Stages returns the stages in execution order.
func (p Pipeline) Stages() []Stage { return append([]Stage(nil), p.stages...) }

// Documents renders the pipeline in the store's wire form.
func (p Pipeline) Documents() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(p.stages))
	for _, s := range p.stages {
		out = append(out, map[string]interface{}{string(s.kind): s.body()})
	}
	return out
}

func (s Stage) body() interface{} {
	switch s.kind {
	case StageMatch:
		return s.filter.Document()
	case StageGroup:
		g := map[string]interface{}{}
		if s.groupBy == "" {
			g[IDField] = nil
		} else {
			g[IDField] = "$" + s.groupBy
		}
		for _, a := range s.accs {
			if a.Op == AccCount {
				g[a.Name] = map[string]interface{}{"$sum": 1}
			} else {
				g[a.Name] = map[string]interface{}{string(a.Op): "$" + a.Field}
			}
		}
		return g
	case StageSort:
		keys := make([]interface{}, 0, len(s.keys))
		for _, k := range s.keys {
			keys = append(keys, map[string]interface{}{k.Field: int(k.Direction)})
		}
		return keys
	case StageLimit, StageSkip:
		return s.n
	case StageProject:
		fields := make([]interface{}, 0, len(s.fields))
		for _, f := range s.fields {
			fields = append(fields, f)
		}
		return fields
	}
	return nil
}

// ParsePipeline accepts the wire form: a list of single-key stage documents.
// $sort takes a single-key document or a list of them, $project takes a
// list of field names or a {field: 1} document.
func ParsePipeline(raw []map[string]interface{}) (Pipeline, error) {
	stages := make([]Stage, 0, len(raw))
	for i, doc := range raw {
		if len(doc) != 1 {
			return Pipeline{}, WithContext(ErrQuery, map[string]interface{}{
				"position": i,
				"reason":   "each stage must have exactly one operator",
			})
		}
		for op, body := range doc {
			stage, err := parseStage(StageKind(op), body, i)
			if err != nil {
				return Pipeline{}, err
			}
			stages = append(stages, stage)
		}
	}
	return NewPipeline(stages...)
}

func parseStage(kind StageKind, body interface{}, pos int) (Stage, error) {
	reject := func(reason string) (Stage, error) {
		return Stage{}, WithContext(ErrQuery, map[string]interface{}{
			"stage":    string(kind),
			"position": pos,
			"reason":   reason,
		})
	}

	switch kind {
	case StageMatch:
		m, ok := asMap(body)
		if !ok {
			return reject("expects a filter document")
		}
		f, err := ParseFilter(m)
		if err != nil {
			return Stage{}, err
		}
		return Match(f), nil

	case StageGroup:
		m, ok := asMap(body)
		if !ok {
			return reject("expects a document")
		}
		idExpr, hasID := m[IDField]
		if !hasID {
			return reject("group needs _id")
		}
		groupBy := ""
		if idExpr != nil {
			s, ok := idExpr.(string)
			if !ok || !strings.HasPrefix(s, "$") || len(s) < 2 {
				return reject(`_id must be null or "$field"`)
			}
			groupBy = s[1:]
		}
		var accs []Accumulator
		for _, name := range sortedKeys(m) {
			if name == IDField {
				continue
			}
			spec, ok := asMap(m[name])
			if !ok || len(spec) != 1 {
				return reject("accumulator " + name + " must have exactly one operator")
			}
			for op, arg := range spec {
				acc, err := parseAccumulator(name, AccumulatorOp(op), arg)
				if err != nil {
					return reject(err.Error())
				}
				accs = append(accs, acc)
			}
		}
		return GroupBy(groupBy, accs...), nil

	case StageSort:
		var docs []interface{}
		if list, ok := normalizeValue(body).([]interface{}); ok {
			docs = list
		} else {
			docs = []interface{}{body}
		}
		var keys []SortKey
		for _, d := range docs {
			m, ok := asMap(d)
			if !ok || len(m) != 1 {
				return reject("sort keys must be single-field documents; use a list for several keys")
			}
			for field, dir := range m {
				n, ok := ToFloat(dir)
				if !ok {
					return reject("sort direction must be 1 or -1")
				}
				keys = append(keys, SortKey{Field: field, Direction: Direction(int(n))})
			}
		}
		return SortBy(keys...), nil

	case StageLimit, StageSkip:
		n, ok := ToFloat(body)
		if !ok || n != float64(int(n)) {
			return reject("expects an integer")
		}
		if kind == StageLimit {
			return Limit(int(n)), nil
		}
		return Skip(int(n)), nil

	case StageProject:
		var fields []string
		if list, ok := normalizeValue(body).([]interface{}); ok {
			for _, v := range list {
				s, ok := v.(string)
				if !ok {
					return reject("field names must be strings")
				}
				fields = append(fields, s)
			}
		} else if m, ok := asMap(body); ok {
			for _, f := range sortedKeys(m) {
				if f == IDField {
					continue
				}
				if n, ok := ToFloat(m[f]); !ok || n != 1 {
					if b, isBool := m[f].(bool); !isBool || !b {
						return reject("only inclusion projections are supported")
					}
				}
				fields = append(fields, f)
			}
		} else {
			return reject("expects a list or a document")
		}
		return Project(fields...), nil
	}

	return reject("stage is not allowed")
}

func parseAccumulator(name string, op AccumulatorOp, arg interface{}) (Accumulator, error) {
	if op == AccSum {
		if n, ok := ToFloat(arg); ok && n == 1 {
			return Count(name), nil
		}
	}
	if op == AccCount {
		return Count(name), nil
	}
	s, ok := arg.(string)
	if !ok || !strings.HasPrefix(s, "$") || len(s) < 2 {
		return Accumulator{}, WithContext(ErrQuery, map[string]interface{}{
			"accumulator": name,
			"reason":      `argument must be "$field"`,
		})
	}
	return Accumulator{Name: name, Op: op, Field: s[1:]}, nil
}
