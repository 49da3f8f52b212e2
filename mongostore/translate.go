package mongostore

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/adrianmcphee/shelterbase"
)

// translator renders shelterbase values as BSON. Identifier strings that are
// ObjectID hex become ObjectIDs, and date strings on date fields become
// BSON dates, so comparisons happen on the stored types.
type translator struct {
	dateFields map[string]struct{}
}

func newTranslator(dateFields []string) translator {
	set := make(map[string]struct{}, len(dateFields))
	for _, f := range dateFields {
		set[f] = struct{}{}
	}
	return translator{dateFields: set}
}

func (tr translator) filter(f shelterbase.Filter) bson.D {
	out := bson.D{}
	var current string
	var ops bson.D
	flush := func() {
		if current != "" {
			out = append(out, bson.E{Key: current, Value: ops})
		}
	}
	for _, c := range f.Conditions() {
		if c.Field != current {
			flush()
			current, ops = c.Field, bson.D{}
		}
		ops = append(ops, bson.E{Key: string(c.Op), Value: tr.value(c.Field, c.Value)})
	}
	flush()
	return out
}

// findFilter adds the cursor bound to f.
func (tr translator) findFilter(f shelterbase.Filter, afterID string) bson.D {
	base := tr.filter(f)
	if afterID == "" {
		return base
	}
	after := bson.D{{Key: shelterbase.IDField, Value: bson.D{{Key: "$gt", Value: tr.value(shelterbase.IDField, afterID)}}}}
	if len(base) == 0 {
		return after
	}
	return bson.D{{Key: "$and", Value: bson.A{base, after}}}
}

func (tr translator) value(field string, v interface{}) interface{} {
	if list, ok := v.([]interface{}); ok {
		out := make(bson.A, len(list))
		for i, e := range list {
			out[i] = tr.value(field, e)
		}
		return out
	}
	switch field {
	case shelterbase.IDField:
		if s, ok := v.(string); ok {
			if oid, err := primitive.ObjectIDFromHex(s); err == nil {
				return oid
			}
		}
		return v
	}
	if _, ok := tr.dateFields[field]; ok {
		if s, ok := v.(string); ok {
			if t, ok := shelterbase.ToTime(s); ok {
				return t
			}
		}
	}
	return v
}

func (tr translator) update(c shelterbase.Changes) bson.D {
	out := bson.D{}
	if set := c.SetDocument(); len(set) > 0 {
		out = append(out, bson.E{Key: "$set", Value: bson.M(set)})
	}
	if unset := c.UnsetDocument(); len(unset) > 0 {
		out = append(out, bson.E{Key: "$unset", Value: bson.M(unset)})
	}
	return out
}

func (tr translator) projection(fields []string) bson.D {
	if len(fields) == 0 {
		return nil
	}
	out := make(bson.D, 0, len(fields))
	for _, f := range fields {
		out = append(out, bson.E{Key: f, Value: 1})
	}
	return out
}

func (tr translator) pipeline(p shelterbase.Pipeline) []bson.D {
	out := make([]bson.D, 0, len(p.Stages()))
	for _, s := range p.Stages() {
		var body interface{}
		switch s.Kind() {
		case shelterbase.StageMatch:
			body = tr.filter(s.Filter())
		case shelterbase.StageGroup:
			body = tr.group(s)
		case shelterbase.StageSort:
			keys := bson.D{}
			for _, k := range s.SortKeys() {
				keys = append(keys, bson.E{Key: k.Field, Value: int(k.Direction)})
			}
			body = keys
		case shelterbase.StageLimit, shelterbase.StageSkip:
			body = int64(s.N())
		case shelterbase.StageProject:
			body = tr.projection(s.Fields())
		}
		out = append(out, bson.D{{Key: string(s.Kind()), Value: body}})
	}
	return out
}

func (tr translator) group(s shelterbase.Stage) bson.D {
	var id interface{}
	if s.GroupField() != "" {
		id = "$" + s.GroupField()
	}
	g := bson.D{{Key: shelterbase.IDField, Value: id}}
	for _, a := range s.Accumulators() {
		var expr bson.D
		if a.Op == shelterbase.AccCount {
			expr = bson.D{{Key: "$sum", Value: 1}}
		} else {
			expr = bson.D{{Key: string(a.Op), Value: "$" + a.Field}}
		}
		g = append(g, bson.E{Key: a.Name, Value: expr})
	}
	return g
}

func indexKeys(spec shelterbase.IndexSpec) bson.D {
	keys := make(bson.D, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		var v interface{}
		switch k.Kind {
		case shelterbase.IndexDesc:
			v = -1
		case shelterbase.Index2DSphere:
			v = "2dsphere"
		default:
			v = 1
		}
		keys = append(keys, bson.E{Key: k.Field, Value: v})
	}
	return keys
}

// near is the $near clause for a GeoJSON point field.
func near(g shelterbase.GeoQuery) bson.D {
	return bson.D{{Key: "$near", Value: bson.D{
		{Key: "$geometry", Value: bson.D{
			{Key: "type", Value: "Point"},
			{Key: "coordinates", Value: bson.A{g.Longitude, g.Latitude}},
		}},
		{Key: "$maxDistance", Value: g.MaxMeters},
	}}}
}

// normalize converts decoded BSON into plain Go values: maps, slices,
// time.Time and hex string identifiers.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case int32:
		return int64(x)
	case primitive.M:
		return normalizeMap(x)
	case map[string]interface{}:
		return normalizeMap(x)
	case primitive.D:
		out := make(map[string]interface{}, len(x))
		for _, e := range x {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		return normalizeList(x)
	case []interface{}:
		return normalizeList(x)
	default:
		return v
	}
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, e := range m {
		out[k] = normalize(e)
	}
	return out
}

func normalizeList(list []interface{}) []interface{} {
	out := make([]interface{}, len(list))
	for i, e := range list {
		out[i] = normalize(e)
	}
	return out
}

func toDocuments(raw []bson.M) []shelterbase.Document {
	out := make([]shelterbase.Document, len(raw))
	for i, m := range raw {
		out[i] = shelterbase.Document(normalizeMap(m))
	}
	return out
}
