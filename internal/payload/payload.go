// Package payload provides a tagged-union view over JSON-like values
// (null, bool, number, string, sequence, map) and the traversal helpers
// shared by the sanitizer, threat analyzer, cleanser and redactor.
//
// Sequences are []interface{} or []string; maps are map[string]interface{}
// or map[string]string. Any other value is a scalar and passes through.
package payload

import (
	"sort"
	"strconv"
	"strings"
)

// Kind is the variant tag of a value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMap
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMap:
		return "map"
	default:
		return "other"
	}
}

// KindOf returns the variant of v.
func KindOf(v interface{}) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return KindNumber
	case string:
		return KindString
	case []interface{}, []string:
		return KindSequence
	case map[string]interface{}, map[string]string:
		return KindMap
	default:
		return KindOther
	}
}

// IsContainer reports whether v is a map or a sequence.
func IsContainer(v interface{}) bool {
	k := KindOf(v)
	return k == KindMap || k == KindSequence
}

// Path addresses a value inside a container: map keys and sequence indexes.
type Path []string

// String renders the dot-path form, e.g. "address.street" or "items.0.sku".
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Child returns a new path extended by seg. The receiver is not modified.
func (p Path) Child(seg string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// ParsePath splits a dot-path. The empty string is the root.
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// Rewriter rebuilds a value through a single generic visitor. Nil hooks
// leave the corresponding part unchanged; the zero Rewriter deep-copies.
type Rewriter struct {
	// MaxDepth bounds recursion; values nested deeper are replaced by
	// DepthExceeded. Zero means unbounded.
	MaxDepth      int
	DepthExceeded interface{}

	// String rewrites string leaves.
	String func(path Path, s string) string
	// Key rewrites map keys.
	Key func(key string) string
	// Field may replace a map entry's value wholesale (replaced=true),
	// skipping descent into it.
	Field func(path Path, key string, value interface{}) (replacement interface{}, replaced bool)
}

// Rewrite returns a rebuilt copy of v. The input is never mutated.
func (r Rewriter) Rewrite(v interface{}) interface{} {
	return r.rewrite(v, nil, 0)
}

func (r Rewriter) rewrite(v interface{}, path Path, depth int) interface{} {
	if r.MaxDepth > 0 && depth > r.MaxDepth {
		return r.DepthExceeded
	}

	switch t := v.(type) {
	case string:
		if r.String != nil {
			return r.String(path, t)
		}
		return t
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, el := range t {
			out[i] = r.rewrite(el, path.Child(strconv.Itoa(i)), depth+1)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, el := range t {
			out[i] = r.rewrite(el, path.Child(strconv.Itoa(i)), depth+1)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for _, k := range sortedKeys(t) {
			r.rewriteEntry(out, path, k, t[k], depth)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			r.rewriteEntry(out, path, k, t[k], depth)
		}
		return out
	default:
		return v
	}
}

func (r Rewriter) rewriteEntry(out map[string]interface{}, path Path, key string, value interface{}, depth int) {
	newKey := key
	if r.Key != nil {
		newKey = r.Key(key)
	}
	child := path.Child(newKey)
	if r.Field != nil {
		if repl, ok := r.Field(child, key, value); ok {
			out[newKey] = repl
			return
		}
	}
	out[newKey] = r.rewrite(value, child, depth+1)
}

// Clone deep-copies v.
func Clone(v interface{}) interface{} {
	return Rewriter{}.Rewrite(v)
}

// Walk calls fn for every string leaf in v in a deterministic order
// (map keys sorted, sequences by index). A string root is visited with an
// empty path.
func Walk(v interface{}, fn func(path Path, s string)) {
	walk(v, nil, fn)
}

func walk(v interface{}, path Path, fn func(Path, string)) {
	switch t := v.(type) {
	case string:
		fn(path, t)
	case []interface{}:
		for i, el := range t {
			walk(el, path.Child(strconv.Itoa(i)), fn)
		}
	case []string:
		for i, el := range t {
			fn(path.Child(strconv.Itoa(i)), el)
		}
	case map[string]interface{}:
		for _, k := range sortedKeys(t) {
			walk(t[k], path.Child(k), fn)
		}
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fn(path.Child(k), t[k])
		}
	}
}

// Lookup resolves path inside v.
func Lookup(v interface{}, path Path) (interface{}, bool) {
	cur := v
	for _, seg := range path {
		switch t := cur.(type) {
		case map[string]interface{}:
			next, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		case []string:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// UpdateString applies fn to the string at path, in place. It returns false
// when the path does not resolve to a string inside a container.
func UpdateString(v interface{}, path Path, fn func(string) string) bool {
	if len(path) == 0 {
		return false
	}
	parent, ok := Lookup(v, path[:len(path)-1])
	if !ok {
		return false
	}
	last := path[len(path)-1]
	switch t := parent.(type) {
	case map[string]interface{}:
		s, ok := t[last].(string)
		if !ok {
			return false
		}
		t[last] = fn(s)
		return true
	case map[string]string:
		s, ok := t[last]
		if !ok {
			return false
		}
		t[last] = fn(s)
		return true
	case []interface{}:
		i, err := strconv.Atoi(last)
		if err != nil || i < 0 || i >= len(t) {
			return false
		}
		s, ok := t[i].(string)
		if !ok {
			return false
		}
		t[i] = fn(s)
		return true
	case []string:
		i, err := strconv.Atoi(last)
		if err != nil || i < 0 || i >= len(t) {
			return false
		}
		t[i] = fn(t[i])
		return true
	}
	return false
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
