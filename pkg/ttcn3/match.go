package ttcn3

import (
	"bytes"
	"fmt"
	"strings"
)

// MatchResult is the outcome of matching a template against a message.
type MatchResult struct {
	// OK reports whether the message satisfied the template.
	OK bool
	// Decoded is the message with codec-wrapped parts replaced by their
	// decoded form. Equal to the message when no codec was involved.
	Decoded interface{}
	// Path locates the first mismatching element ("header.code[1]").
	// Empty on success or when the mismatch is at the root.
	Path string
	// Bindings holds the values captured by Extract templates. Only
	// meaningful when OK is true.
	Bindings map[string]interface{}
}

// Match evaluates a template against a received message. It is a pure
// function: extraction bindings are returned in the result and only
// applied by the caller on overall success.
func Match(template, message interface{}) MatchResult {
	st := &matchState{}
	decoded, ok := st.match(template, message, "")
	res := MatchResult{OK: ok, Decoded: decoded}
	if !ok {
		res.Path = st.path
		return res
	}
	if len(st.bindings) > 0 {
		res.Bindings = make(map[string]interface{}, len(st.bindings))
		for _, b := range st.bindings {
			res.Bindings[b.name] = b.value
		}
	}
	return res
}

type binding struct {
	name  string
	value interface{}
}

type matchState struct {
	bindings []binding
	path     string
}

func (st *matchState) fail(path string) (interface{}, bool) {
	if st.path == "" {
		st.path = strings.TrimPrefix(path, ".")
	}
	return nil, false
}

// mark/rollback bracket backtracking sections so that bindings recorded on
// an abandoned branch do not leak into the final result.
func (st *matchState) mark() int { return len(st.bindings) }

func (st *matchState) rollback(mark int) { st.bindings = st.bindings[:mark] }

func (st *matchState) match(template, message interface{}, path string) (interface{}, bool) {
	switch t := template.(type) {
	case nil:
		return message, true
	case anyOrNone:
		return message, true
	case anyValue:
		if message == nil || isEmptyCollection(message) {
			return st.fail(path)
		}
		return message, true
	case omitValue:
		// Present values never match omit; absence is handled by the
		// record matcher before recursing.
		return st.fail(path)
	case emptyValue:
		if message != nil && isEmptyCollection(message) {
			return message, true
		}
		return st.fail(path)
	case greaterThan:
		if n, ok := toFloat(message); ok && n > t.bound {
			return message, true
		}
		return st.fail(path)
	case lowerThan:
		if n, ok := toFloat(message); ok && n < t.bound {
			return message, true
		}
		return st.fail(path)
	case betweenRange:
		if n, ok := toFloat(message); ok && n >= t.lo && n <= t.hi {
			return message, true
		}
		return st.fail(path)
	case patternMatch:
		if s, ok := toString(message); ok && t.re.MatchString(s) {
			return message, true
		}
		return st.fail(path)
	case lengthMatch:
		n, ok := collectionLength(message)
		if !ok {
			return st.fail(path)
		}
		if _, ok := st.match(t.inner, float64(n), path); !ok {
			return st.fail(path)
		}
		return message, true
	case setMatch:
		return st.matchSet(t.elements, message, path)
	case supersetMatch:
		return st.matchSuperset(t.elements, message, path)
	case subsetMatch:
		return st.matchSubset(t.elements, message, path)
	case containsMatch:
		return st.matchContains(t.inner, message, path)
	case inMatch:
		for _, v := range t.values {
			mark := st.mark()
			if _, ok := st.match(v, message, path); ok {
				return message, true
			}
			st.rollback(mark)
		}
		return st.fail(path)
	case complementMatch:
		for _, v := range t.values {
			mark := st.mark()
			_, ok := st.match(v, message, path)
			st.rollback(mark)
			if ok {
				return st.fail(path)
			}
		}
		return message, true
	case andMatch:
		decoded := message
		for _, term := range t.terms {
			d, ok := st.match(term, message, path)
			if !ok {
				return st.fail(path)
			}
			decoded = d
		}
		return decoded, true
	case orMatch:
		for _, term := range t.terms {
			mark := st.mark()
			if d, ok := st.match(term, message, path); ok {
				return d, true
			}
			st.rollback(mark)
		}
		return st.fail(path)
	case notMatch:
		mark := st.mark()
		_, ok := st.match(t.inner, message, path)
		st.rollback(mark)
		if ok {
			return st.fail(path)
		}
		return message, true
	case ifPresent:
		// Absence is handled by the record matcher; a present value must
		// match the inner template.
		return st.match(t.inner, message, path)
	case extractTemplate:
		decoded, ok := st.match(t.inner, message, path)
		if !ok {
			return nil, false
		}
		st.bindings = append(st.bindings, binding{name: t.name, value: decoded})
		return decoded, true
	case codecTemplate:
		codec, err := lookupCodec(t.codec)
		if err != nil {
			return st.fail(path + fmt.Sprintf(".<codec %s?>", t.codec))
		}
		decoded, err := codec.Decode(message)
		if err != nil {
			return st.fail(path + fmt.Sprintf(".<codec %s>", t.codec))
		}
		return st.match(t.inner, decoded, path)
	case Choice:
		return st.matchChoice(t, message, path)
	case map[string]interface{}:
		return st.matchRecord(t, message, path)
	case []interface{}:
		list, ok := message.([]interface{})
		if !ok {
			return st.fail(path)
		}
		return st.matchList(t, list, path)
	default:
		if equalScalars(template, message) {
			return message, true
		}
		return st.fail(path)
	}
}

func (st *matchState) matchChoice(t Choice, message interface{}, path string) (interface{}, bool) {
	c, ok := asChoice(message)
	if !ok || c.Name != t.Name {
		return st.fail(path)
	}
	decoded, ok := st.match(t.Value, c.Value, path+"."+t.Name)
	if !ok {
		return nil, false
	}
	return Choice{Name: c.Name, Value: decoded}, true
}

// matchRecord matches every template field against the message record.
// Extra message fields are carried into the decoded value but never cause
// a mismatch.
func (st *matchState) matchRecord(t map[string]interface{}, message interface{}, path string) (interface{}, bool) {
	record, ok := message.(map[string]interface{})
	if !ok {
		return st.fail(path)
	}
	decoded := make(map[string]interface{}, len(record))
	for k, v := range record {
		decoded[k] = v
	}
	for name, sub := range t {
		fieldPath := path + "." + name
		value, present := record[name]
		if !present {
			if acceptsAbsence(sub) {
				continue
			}
			return st.fail(fieldPath)
		}
		if _, isOmit := sub.(omitValue); isOmit {
			return st.fail(fieldPath)
		}
		d, ok := st.match(sub, value, fieldPath)
		if !ok {
			return nil, false
		}
		decoded[name] = d
	}
	return decoded, true
}

func acceptsAbsence(template interface{}) bool {
	switch template.(type) {
	case nil, anyOrNone, omitValue, ifPresent:
		return true
	default:
		return false
	}
}

// matchList performs a positional match with backtracking: an AnyOrNone
// element absorbs a run of zero or more message elements, and IfPresent
// elements may be skipped entirely.
func (st *matchState) matchList(t []interface{}, msg []interface{}, path string) (interface{}, bool) {
	decoded, ok := st.matchListFrom(t, msg, 0, 0, path)
	if !ok {
		return nil, false
	}
	return decoded, true
}

func (st *matchState) matchListFrom(t, msg []interface{}, ti, mi int, path string) ([]interface{}, bool) {
	if ti == len(t) {
		if mi == len(msg) {
			return []interface{}{}, true
		}
		return nil, st.failList(path, mi)
	}
	switch sub := t[ti].(type) {
	case nil, anyOrNone:
		// Try the shortest absorption first, growing on demand.
		for k := mi; k <= len(msg); k++ {
			mark := st.mark()
			if tail, ok := st.matchListFrom(t, msg, ti+1, k, path); ok {
				return append(append([]interface{}{}, msg[mi:k]...), tail...), true
			}
			st.rollback(mark)
		}
		return nil, st.failList(path, mi)
	case ifPresent:
		if mi < len(msg) {
			mark := st.mark()
			if d, ok := st.match(sub.inner, msg[mi], fmt.Sprintf("%s[%d]", path, mi)); ok {
				if tail, ok := st.matchListFrom(t, msg, ti+1, mi+1, path); ok {
					return append([]interface{}{d}, tail...), true
				}
			}
			st.rollback(mark)
		}
		// Treat the element as absent.
		return st.matchListFrom(t, msg, ti+1, mi, path)
	default:
		if mi >= len(msg) {
			return nil, st.failList(path, mi)
		}
		d, ok := st.match(t[ti], msg[mi], fmt.Sprintf("%s[%d]", path, mi))
		if !ok {
			return nil, false
		}
		tail, ok := st.matchListFrom(t, msg, ti+1, mi+1, path)
		if !ok {
			return nil, false
		}
		return append([]interface{}{d}, tail...), true
	}
}

func (st *matchState) failList(path string, index int) bool {
	st.fail(fmt.Sprintf("%s[%d]", path, index))
	return false
}

// matchSet checks both inclusion directions without enforcing a bijective
// pairing between template and message elements.
func (st *matchState) matchSet(elements []interface{}, message interface{}, path string) (interface{}, bool) {
	list, ok := message.([]interface{})
	if !ok || len(list) != len(elements) {
		return st.fail(path)
	}
	if _, ok := st.matchSuperset(elements, message, path); !ok {
		return nil, false
	}
	return st.matchSubset(elements, message, path)
}

func (st *matchState) matchSuperset(elements []interface{}, message interface{}, path string) (interface{}, bool) {
	list, ok := message.([]interface{})
	if !ok {
		return st.fail(path)
	}
	for _, elem := range elements {
		found := false
		for _, msg := range list {
			mark := st.mark()
			if _, ok := st.match(elem, msg, path); ok {
				found = true
				break
			}
			st.rollback(mark)
		}
		if !found {
			return st.fail(path)
		}
	}
	return message, true
}

func (st *matchState) matchSubset(elements []interface{}, message interface{}, path string) (interface{}, bool) {
	list, ok := message.([]interface{})
	if !ok {
		return st.fail(path)
	}
	for i, msg := range list {
		found := false
		for _, elem := range elements {
			mark := st.mark()
			if _, ok := st.match(elem, msg, path); ok {
				found = true
				break
			}
			st.rollback(mark)
		}
		if !found {
			return st.fail(fmt.Sprintf("%s[%d]", path, i))
		}
	}
	return message, true
}

func (st *matchState) matchContains(inner, message interface{}, path string) (interface{}, bool) {
	switch m := message.(type) {
	case string:
		if s, ok := toString(inner); ok && strings.Contains(m, s) {
			return message, true
		}
		return st.fail(path)
	case []interface{}:
		for _, elem := range m {
			mark := st.mark()
			if _, ok := st.match(inner, elem, path); ok {
				return message, true
			}
			st.rollback(mark)
		}
		return st.fail(path)
	default:
		return st.fail(path)
	}
}

// asChoice recognizes both the native Choice struct and its JSON wire
// shape, a two-field record {"choice": name, "value": v}.
func asChoice(message interface{}) (Choice, bool) {
	switch m := message.(type) {
	case Choice:
		return m, true
	case map[string]interface{}:
		if len(m) != 2 {
			return Choice{}, false
		}
		name, ok := m["choice"].(string)
		if !ok {
			return Choice{}, false
		}
		value, ok := m["value"]
		if !ok {
			return Choice{}, false
		}
		return Choice{Name: name, Value: value}, true
	default:
		return Choice{}, false
	}
}

func isEmptyCollection(v interface{}) bool {
	n, ok := collectionLength(v)
	return ok && n == 0
}

func collectionLength(v interface{}) (int, bool) {
	switch t := v.(type) {
	case string:
		return len(t), true
	case []byte:
		return len(t), true
	case []interface{}:
		return len(t), true
	case map[string]interface{}:
		return len(t), true
	default:
		return 0, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

// equalScalars compares primitive values, tolerating numeric type drift
// introduced by JSON round-trips and comparing strings and byte slices by
// content.
func equalScalars(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	if sa, ok := toString(a); ok {
		sb, ok := toString(b)
		if !ok {
			return false
		}
		return bytes.Equal([]byte(sa), []byte(sb))
	}
	return a == b
}
