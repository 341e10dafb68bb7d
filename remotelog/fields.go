package remotelog

import (
	"encoding/json"
	"sort"
)

// Increment is a field transform that atomically adds its value to the
// current numeric field value. A missing field counts as zero.
type Increment int64

// applyWrite computes the stored document after writing incoming onto
// current. Without merge the document is replaced; with merge nested maps
// are merged key by key.
func applyWrite(current, incoming Fields, merge bool) Fields {
	if !merge {
		current = nil
	}
	return mergeMaps(current, incoming)
}

func mergeMaps(current, incoming map[string]any) Fields {
	out := make(Fields, len(current)+len(incoming))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range incoming {
		switch typed := v.(type) {
		case Increment:
			out[k] = toInt64(out[k]) + int64(typed)
		case map[string]any:
			existing, _ := asMap(out[k])
			out[k] = map[string]any(mergeMaps(existing, typed))
		case Fields:
			existing, _ := asMap(out[k])
			out[k] = map[string]any(mergeMaps(existing, typed))
		default:
			out[k] = v
		}
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch typed := v.(type) {
	case map[string]any:
		return typed, true
	case Fields:
		return map[string]any(typed), true
	default:
		return nil, false
	}
}

func toInt64(v any) int64 {
	switch typed := v.(type) {
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	case int64:
		return typed
	case float32:
		return int64(typed)
	case float64:
		return int64(typed)
	case Increment:
		return int64(typed)
	case json.Number:
		n, err := typed.Int64()
		if err != nil {
			f, _ := typed.Float64()
			return int64(f)
		}
		return n
	default:
		return 0
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func toStrings(v any) []string {
	switch typed := v.(type) {
	case []string:
		return append([]string(nil), typed...)
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

func toInt64Map(v any) map[string]int64 {
	out := make(map[string]int64)
	m, ok := asMap(v)
	if !ok {
		return out
	}
	for k, val := range m {
		out[k] = toInt64(val)
	}
	return out
}

func toIntMap(v any) map[string]int {
	out := make(map[string]int)
	m, ok := asMap(v)
	if !ok {
		return out
	}
	for k, val := range m {
		out[k] = int(toInt64(val))
	}
	return out
}

func containsString(v any, want string) bool {
	for _, s := range toStrings(v) {
		if s == want {
			return true
		}
	}
	return false
}

// cloneFields deep-copies nested maps so stored documents never alias
// caller-owned values.
func cloneFields(in Fields) Fields {
	if in == nil {
		return nil
	}
	out := make(Fields, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return map[string]any(cloneFields(typed))
	case Fields:
		return map[string]any(cloneFields(typed))
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

// matches reports whether a document with fields belongs to query results.
func (q Query) matches(docID string, fields Fields) bool {
	if q.ArrayContains != nil && !containsString(fields[q.ArrayContains.Field], q.ArrayContains.Value) {
		return false
	}
	if len(q.DocIDs) > 0 {
		found := false
		for _, id := range q.DocIDs {
			if id == docID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type document struct {
	id     string
	fields Fields
}

// window orders documents by the query's sort field and applies its limit.
func (q Query) window(docs []document) []document {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := toInt64(docs[i].fields[q.OrderBy]), toInt64(docs[j].fields[q.OrderBy])
		if a == b {
			if q.Descending {
				return docs[i].id > docs[j].id
			}
			return docs[i].id < docs[j].id
		}
		if q.Descending {
			return a > b
		}
		return a < b
	})
	if q.Limit <= 0 || len(docs) <= q.Limit {
		return docs
	}
	if q.LimitToLast {
		return docs[len(docs)-q.Limit:]
	}
	return docs[:q.Limit]
}
