package ttcn3

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Templates describe the messages a port expects to receive, and double as
// the values it sends. A template is an ordinary Go value tree:
//
//   - scalars (strings, numbers, booleans, byte slices)
//   - records: map[string]interface{}
//   - lists: []interface{}
//   - choices: Choice{Name, Value}
//
// plus the condition wrappers built by the constructors in this file
// (Any, Between, Pattern, Superset, ...). nil in a template position is
// shorthand for AnyOrNone.

// Choice is a single named alternative out of a union, carried both in
// templates and in concrete messages.
type Choice struct {
	Name  string      `json:"choice"`
	Value interface{} `json:"value"`
}

// NewChoice builds a union value selecting the named alternative.
func NewChoice(name string, value interface{}) Choice {
	return Choice{Name: name, Value: value}
}

type anyValue struct{}
type anyOrNone struct{}
type omitValue struct{}
type emptyValue struct{}

type greaterThan struct{ bound float64 }
type lowerThan struct{ bound float64 }
type betweenRange struct{ lo, hi float64 }

type patternMatch struct {
	expr string
	re   *regexp.Regexp
}

type lengthMatch struct{ inner interface{} }
type setMatch struct{ elements []interface{} }
type supersetMatch struct{ elements []interface{} }
type subsetMatch struct{ elements []interface{} }
type containsMatch struct{ inner interface{} }
type inMatch struct{ values []interface{} }
type complementMatch struct{ values []interface{} }
type andMatch struct{ terms []interface{} }
type orMatch struct{ terms []interface{} }
type notMatch struct{ inner interface{} }
type ifPresent struct{ inner interface{} }

type extractTemplate struct {
	inner interface{}
	name  string
}

type codecTemplate struct {
	codec string
	inner interface{}
}

// Any matches any present value. For strings, lists and records it
// additionally requires the value to be non-empty.
func Any() interface{} { return anyValue{} }

// AnyOrNone matches anything, including an absent record field or a run of
// zero or more consecutive list elements.
func AnyOrNone() interface{} { return anyOrNone{} }

// Omit matches only an absent record field.
func Omit() interface{} { return omitValue{} }

// Empty matches an empty string, list or record.
func Empty() interface{} { return emptyValue{} }

// GreaterThan matches any number strictly greater than bound.
func GreaterThan(bound float64) interface{} { return greaterThan{bound: bound} }

// LowerThan matches any number strictly lower than bound.
func LowerThan(bound float64) interface{} { return lowerThan{bound: bound} }

// Between matches any number in the inclusive range [lo, hi].
func Between(lo, hi float64) interface{} { return betweenRange{lo: lo, hi: hi} }

// Pattern matches a string against the given regular expression. The
// expression must compile; an invalid one panics, like regexp.MustCompile.
func Pattern(expr string) interface{} {
	return patternMatch{expr: expr, re: regexp.MustCompile(expr)}
}

// Length matches the inner template against the length of the received
// string, list or record. Combine with Between for ranged lengths.
func Length(inner interface{}) interface{} { return lengthMatch{inner: inner} }

// SetOf matches a list containing exactly the given elements, in any order.
func SetOf(elements ...interface{}) interface{} { return setMatch{elements: elements} }

// Superset matches a list containing at least one match for every given
// element, in any order.
func Superset(elements ...interface{}) interface{} { return supersetMatch{elements: elements} }

// Subset matches a list whose every element matches at least one of the
// given templates.
func Subset(elements ...interface{}) interface{} { return subsetMatch{elements: elements} }

// Contains matches a list in which at least one element matches inner.
func Contains(inner interface{}) interface{} { return containsMatch{inner: inner} }

// In matches a value equal to (or matching) one of the given templates.
func In(values ...interface{}) interface{} { return inMatch{values: values} }

// Complement matches a value matching none of the given templates.
func Complement(values ...interface{}) interface{} { return complementMatch{values: values} }

// And matches a value matching all of the given templates.
func And(terms ...interface{}) interface{} { return andMatch{terms: terms} }

// Or matches a value matching at least one of the given templates.
func Or(terms ...interface{}) interface{} { return orMatch{terms: terms} }

// Not matches a value that does not match inner.
func Not(inner interface{}) interface{} { return notMatch{inner: inner} }

// IfPresent matches an absent record field, or a present one matching
// inner.
func IfPresent(inner interface{}) interface{} { return ifPresent{inner: inner} }

// Extract matches inner and, on overall template match, binds the decoded
// sub-value under the given name on the receiving component. Retrieve it
// with Component.ExtractedValue.
func Extract(inner interface{}, name string) interface{} {
	return extractTemplate{inner: inner, name: name}
}

// WithCodec wraps a template with a registered codec: sending encodes the
// valuated inner template, receiving decodes the message before matching
// inner against the decoded form.
func WithCodec(codec string, inner interface{}) interface{} {
	return codecTemplate{codec: codec, inner: inner}
}

// describeTemplate renders a template for log output. Conditions render as
// a compact functional notation, structures recurse.
func describeTemplate(tmpl interface{}) string {
	switch t := tmpl.(type) {
	case nil:
		return "*"
	case anyValue:
		return "?"
	case anyOrNone:
		return "*"
	case omitValue:
		return "omit"
	case emptyValue:
		return "empty"
	case greaterThan:
		return fmt.Sprintf("greater_than(%v)", t.bound)
	case lowerThan:
		return fmt.Sprintf("lower_than(%v)", t.bound)
	case betweenRange:
		return fmt.Sprintf("between(%v, %v)", t.lo, t.hi)
	case patternMatch:
		return fmt.Sprintf("pattern(%s)", t.expr)
	case lengthMatch:
		return fmt.Sprintf("length(%s)", describeTemplate(t.inner))
	case setMatch:
		return "set(" + describeTemplates(t.elements) + ")"
	case supersetMatch:
		return "superset(" + describeTemplates(t.elements) + ")"
	case subsetMatch:
		return "subset(" + describeTemplates(t.elements) + ")"
	case containsMatch:
		return fmt.Sprintf("contains(%s)", describeTemplate(t.inner))
	case inMatch:
		return "in(" + describeTemplates(t.values) + ")"
	case complementMatch:
		return "complement(" + describeTemplates(t.values) + ")"
	case andMatch:
		return "and(" + describeTemplates(t.terms) + ")"
	case orMatch:
		return "or(" + describeTemplates(t.terms) + ")"
	case notMatch:
		return fmt.Sprintf("not(%s)", describeTemplate(t.inner))
	case ifPresent:
		return fmt.Sprintf("ifpresent(%s)", describeTemplate(t.inner))
	case extractTemplate:
		return fmt.Sprintf("extract(%s, %q)", describeTemplate(t.inner), t.name)
	case codecTemplate:
		return fmt.Sprintf("with_codec(%q, %s)", t.codec, describeTemplate(t.inner))
	case Choice:
		return fmt.Sprintf("(%s: %s)", t.Name, describeTemplate(t.Value))
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, describeTemplate(t[k])))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []interface{}:
		return "[" + describeTemplates(t) + "]"
	case string:
		return fmt.Sprintf("%q", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func describeTemplates(ts []interface{}) string {
	parts := make([]string, 0, len(ts))
	for _, e := range ts {
		parts = append(parts, describeTemplate(e))
	}
	return strings.Join(parts, ", ")
}
