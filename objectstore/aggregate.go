package objectstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adrianmcphee/shelterbase"
)

// runPipeline evaluates p over docs in memory, one stage at a time.
func runPipeline(docs []shelterbase.Document, p shelterbase.Pipeline) []shelterbase.Document {
	for _, stage := range p.Stages() {
		switch stage.Kind() {
		case shelterbase.StageMatch:
			docs = filterDocuments(docs, stage.Filter())
		case shelterbase.StageGroup:
			docs = groupDocuments(docs, stage.GroupField(), stage.Accumulators())
		case shelterbase.StageSort:
			sortDocuments(docs, stage.SortKeys())
		case shelterbase.StageSkip:
			if stage.N() >= len(docs) {
				docs = docs[:0]
			} else {
				docs = docs[stage.N():]
			}
		case shelterbase.StageLimit:
			if stage.N() < len(docs) {
				docs = docs[:stage.N()]
			}
		case shelterbase.StageProject:
			for i, d := range docs {
				docs[i] = project(d, stage.Fields())
			}
		}
	}
	return docs
}

func filterDocuments(docs []shelterbase.Document, f shelterbase.Filter) []shelterbase.Document {
	if f.IsEmpty() {
		return docs
	}
	out := make([]shelterbase.Document, 0, len(docs))
	for _, d := range docs {
		if matches(d, f) {
			out = append(out, d)
		}
	}
	return out
}

type group struct {
	key   interface{}
	state []accState
}

type accState struct {
	acc   shelterbase.Accumulator
	count int64
	sum   float64
	n     int64
	best  interface{}
	seen  bool
}

// groupDocuments buckets docs by field (all docs in one bucket when field is
// empty). A missing field groups under null. Buckets keep first-seen order.
func groupDocuments(docs []shelterbase.Document, field string, accs []shelterbase.Accumulator) []shelterbase.Document {
	groups := map[string]*group{}
	var order []*group

	for _, d := range docs {
		var key interface{}
		if field != "" {
			key, _ = d.Lookup(field)
		}
		gk := groupKey(key)
		g, ok := groups[gk]
		if !ok {
			g = &group{key: key, state: make([]accState, len(accs))}
			for i, a := range accs {
				g.state[i].acc = a
			}
			groups[gk] = g
			order = append(order, g)
		}
		for i := range g.state {
			g.state[i].add(d)
		}
	}

	out := make([]shelterbase.Document, 0, len(order))
	for _, g := range order {
		row := shelterbase.Document{shelterbase.IDField: g.key}
		for _, s := range g.state {
			row[s.acc.Name] = s.result()
		}
		out = append(out, row)
	}
	return out
}

func groupKey(v interface{}) string {
	return fmt.Sprintf("%d:%v", typeRank(v), v)
}

func (s *accState) add(d shelterbase.Document) {
	if s.acc.Op == shelterbase.AccCount {
		s.count++
		return
	}
	v, ok := d.Lookup(s.acc.Field)
	if !ok || v == nil {
		return
	}
	switch s.acc.Op {
	case shelterbase.AccSum, shelterbase.AccAvg:
		if f, ok := shelterbase.ToFloat(v); ok {
			s.sum += f
			s.n++
		}
	case shelterbase.AccMin:
		if !s.seen || compareAny(v, s.best) < 0 {
			s.best, s.seen = v, true
		}
	case shelterbase.AccMax:
		if !s.seen || compareAny(v, s.best) > 0 {
			s.best, s.seen = v, true
		}
	}
}

func (s *accState) result() interface{} {
	switch s.acc.Op {
	case shelterbase.AccCount:
		return s.count
	case shelterbase.AccSum:
		return s.sum
	case shelterbase.AccAvg:
		if s.n == 0 {
			return nil
		}
		return s.sum / float64(s.n)
	default:
		return s.best
	}
}

func sortDocuments(docs []shelterbase.Document, keys []shelterbase.SortKey) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			a, _ := docs[i].Lookup(k.Field)
			b, _ := docs[j].Lookup(k.Field)
			cmp := compareAny(a, b)
			if cmp == 0 {
				continue
			}
			if k.Direction == shelterbase.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// project keeps _id and the named fields, dotted paths included.
func project(d shelterbase.Document, fields []string) shelterbase.Document {
	out := shelterbase.Document{}
	if id, ok := d[shelterbase.IDField]; ok {
		out[shelterbase.IDField] = id
	}
	for _, f := range fields {
		if v, ok := d.Lookup(f); ok {
			setPath(out, f, v)
		}
	}
	return out
}

func setPath(d shelterbase.Document, path string, v interface{}) {
	parts := strings.Split(path, ".")
	cur := map[string]interface{}(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}
