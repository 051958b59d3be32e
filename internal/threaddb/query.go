package threaddb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidQuery = errors.New("invalid query")

type filterKind uint8

const (
	filterUnset filterKind = iota
	filterEquals
	filterStartsWith
	filterAbsent
)

// MetadataFilter constrains one metadata key. The zero value imposes no
// constraint, which is different from Absent.
type MetadataFilter struct {
	kind   filterKind
	value  any
	prefix string
}

func Equals(value any) MetadataFilter {
	return MetadataFilter{kind: filterEquals, value: normalizeValue(value)}
}

func StartsWith(prefix string) MetadataFilter {
	return MetadataFilter{kind: filterStartsWith, prefix: prefix}
}

// Absent matches records where the key is missing. It is what a JSON null
// decodes to.
func Absent() MetadataFilter {
	return MetadataFilter{kind: filterAbsent}
}

func (f MetadataFilter) IsUnset() bool {
	return f.kind == filterUnset
}

func (f MetadataFilter) match(meta Metadata, key string) bool {
	value, ok := meta[key]
	switch f.kind {
	case filterEquals:
		return ok && valuesEqual(value, f.value)
	case filterStartsWith:
		s, isString := value.(string)
		return ok && isString && strings.HasPrefix(s, f.prefix)
	case filterAbsent:
		return !ok
	default:
		return true
	}
}

func (f MetadataFilter) MarshalJSON() ([]byte, error) {
	switch f.kind {
	case filterEquals:
		return json.Marshal(f.value)
	case filterStartsWith:
		return json.Marshal(map[string]string{"startsWith": f.prefix})
	default:
		return []byte("null"), nil
	}
}

func (f *MetadataFilter) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = Absent()
		return nil
	}
	if len(data) > 0 && data[0] == '{' {
		var op map[string]json.RawMessage
		if err := json.Unmarshal(data, &op); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		raw, ok := op["startsWith"]
		if !ok || len(op) != 1 {
			return fmt.Errorf("%w: unsupported metadata operator", ErrInvalidQuery)
		}
		var prefix string
		if err := json.Unmarshal(raw, &prefix); err != nil {
			return fmt.Errorf("%w: startsWith expects a string", ErrInvalidQuery)
		}
		*f = StartsWith(prefix)
		return nil
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	switch value.(type) {
	case string, float64, bool:
		*f = Equals(value)
		return nil
	default:
		return fmt.Errorf("%w: metadata values must be string, number or boolean", ErrInvalidQuery)
	}
}

// Query is a declarative filter over threads. All clauses must hold.
type Query struct {
	Resolved *bool                     `json:"resolved,omitempty"`
	Metadata map[string]MetadataFilter `json:"metadata,omitempty"`
}

func (q Query) IsEmpty() bool {
	if q.Resolved != nil {
		return false
	}
	for _, f := range q.Metadata {
		if !f.IsUnset() {
			return false
		}
	}
	return true
}

func (q Query) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if q.Resolved != nil {
		out["resolved"] = *q.Resolved
	}
	meta := map[string]MetadataFilter{}
	for k, f := range q.Metadata {
		if !f.IsUnset() {
			meta[k] = f
		}
	}
	if len(meta) > 0 {
		out["metadata"] = meta
	}
	return json.Marshal(out)
}

// ParseQuery decodes a JSON query. An empty input is the empty query.
func ParseQuery(raw string) (Query, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Query{}, nil
	}
	var q Query
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		if errors.Is(err, ErrInvalidQuery) {
			return Query{}, err
		}
		return Query{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return q, nil
}

type Predicate func(ThreadRecord) bool

// Compile turns q into a predicate. The returned function does not retain q's
// map, so later edits to q do not affect it.
func Compile(q Query) Predicate {
	var resolved *bool
	if q.Resolved != nil {
		v := *q.Resolved
		resolved = &v
	}
	keys := make([]string, 0, len(q.Metadata))
	filters := make([]MetadataFilter, 0, len(q.Metadata))
	for k, f := range q.Metadata {
		if f.IsUnset() {
			continue
		}
		keys = append(keys, k)
		filters = append(filters, f)
	}
	return func(t ThreadRecord) bool {
		if resolved != nil && t.Resolved != *resolved {
			return false
		}
		for i, f := range filters {
			if !f.match(t.Metadata, keys[i]) {
				return false
			}
		}
		return true
	}
}

func RoomPredicate(roomID string) Predicate {
	if roomID == "" {
		return nil
	}
	return func(t ThreadRecord) bool { return t.RoomID == roomID }
}

func And(preds ...Predicate) Predicate {
	active := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			active = append(active, p)
		}
	}
	return func(t ThreadRecord) bool {
		for _, p := range active {
			if !p(t) {
				return false
			}
		}
		return true
	}
}

// valuesEqual compares scalar metadata values. Anything else never matches.
func valuesEqual(a, b any) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		return v
	}
}

func normalizeMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}
