package objectstore

import (
	"encoding/json"
	"time"

	"github.com/adrianmcphee/shelterbase"
)

// dateKey wraps time values on disk. Record keys may not start with '$', so
// the wrapper cannot collide with caller data.
const dateKey = "$date"

func encodeDocument(doc shelterbase.Document) ([]byte, error) {
	return json.Marshal(toWire(map[string]interface{}(doc)))
}

func decodeDocument(data []byte) (shelterbase.Document, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return shelterbase.Document(fromWire(raw).(map[string]interface{})), nil
}

func toWire(v interface{}) interface{} {
	switch x := v.(type) {
	case time.Time:
		return map[string]interface{}{dateKey: x.UTC().Format(time.RFC3339Nano)}
	case shelterbase.Document:
		return toWire(map[string]interface{}(x))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = toWire(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = toWire(e)
		}
		return out
	default:
		return v
	}
}

func fromWire(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		if len(x) == 1 {
			if s, ok := x[dateKey].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					return t
				}
			}
		}
		for k, e := range x {
			x[k] = fromWire(e)
		}
		return x
	case []interface{}:
		for i, e := range x {
			x[i] = fromWire(e)
		}
		return x
	default:
		return v
	}
}
