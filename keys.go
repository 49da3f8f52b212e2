package shelterbase

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// Cache key spaces
const (
	KeySpaceRead      = "read"
	KeySpaceAggregate = "aggregate"
	KeySpaceNear      = "near"
)

// maxInlineKey bounds the readable part of a key; longer canonical forms are
// replaced by their xxhash digest.
const maxInlineKey = 512

// ReadKey is the canonical cache key for q. Equivalent queries (same
// conditions in any order, same projection set, same page) share a key.
func ReadKey(collection string, q Query) string {
	projection := append([]string(nil), q.Projection...)
	sort.Strings(projection)
	fields := make([]interface{}, len(projection))
	for i, f := range projection {
		fields[i] = f
	}
	return buildKey(KeySpaceRead, collection,
		serializeValue(q.Filter.Document()),
		"proj="+serializeValue(fields),
		fmt.Sprintf("page=%d,%d,%s", q.Page.Offset, q.Page.Limit, strconv.Quote(q.Page.After)),
	)
}

// AggregateKey is the canonical cache key for a pipeline. Stage order is
// significant.
func AggregateKey(collection string, p Pipeline) string {
	parts := make([]string, 0, len(p.stages))
	for _, doc := range p.Documents() {
		parts = append(parts, serializeValue(doc))
	}
	return buildKey(KeySpaceAggregate, collection, strings.Join(parts, "|"))
}

// NearKey is the canonical cache key for a proximity query.
func NearKey(collection string, g GeoQuery) string {
	return buildKey(KeySpaceNear, collection,
		fmt.Sprintf("%s,%s,%s,%d",
			strconv.FormatFloat(g.Longitude, 'f', -1, 64),
			strconv.FormatFloat(g.Latitude, 'f', -1, 64),
			strconv.FormatFloat(g.MaxMeters, 'f', -1, 64),
			g.Limit),
		serializeValue(g.Filter.Document()),
	)
}

// KeySpaceOf returns the key space prefix of a cache key.
func KeySpaceOf(key string) string {
	if i := strings.Index(key, KeySeparator); i >= 0 {
		return key[:i]
	}
	return key
}

func buildKey(space, collection string, parts ...string) string {
	body := strings.Join(parts, KeySeparator)
	if len(body) > maxInlineKey {
		body = "h=" + strconv.FormatUint(xxhash.Sum64String(body), 16)
	}
	return space + KeySeparator + collection + KeySeparator + body
}

// serializeValue renders v deterministically: maps with sorted keys, typed
// scalars tagged so 1 and "1" never collide.
func serializeValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case string:
		return "s:" + strconv.Quote(t)
	case bool:
		return "b:" + strconv.FormatBool(t)
	case time.Time:
		return "t:" + t.UTC().Format(time.RFC3339Nano)
	case Document:
		return serializeMap(t)
	case map[string]interface{}:
		return serializeMap(t)
	case []interface{}:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = serializeValue(e)
		}
		return fmt.Sprintf("slice[%d]:{%s}", len(t), strings.Join(parts, ","))
	}
	if n, ok := ToFloat(v); ok {
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64)
	}
	if s, ok := normalizeValue(v).([]interface{}); ok {
		return serializeValue(s)
	}
	return jsonFallback(v)
}

func serializeMap(m map[string]interface{}) string {
	keys := sortedKeys(m)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = strconv.Quote(k) + "=" + serializeValue(m[k])
	}
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ","))
}

func jsonFallback(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return "json:" + string(data)
}
