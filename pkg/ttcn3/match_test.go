package ttcn3

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchScalars(t *testing.T) {
	assert.True(t, Match("hello", "hello").OK)
	assert.False(t, Match("hello", "world").OK)
	assert.True(t, Match(true, true).OK)
	assert.False(t, Match(true, false).OK)

	// Numeric values compare across Go types, as JSON round-trips turn
	// everything into float64.
	assert.True(t, Match(200, float64(200)).OK)
	assert.True(t, Match(float64(3), int64(3)).OK)
	assert.False(t, Match(200, 201).OK)

	// Strings and byte slices compare by content.
	assert.True(t, Match([]byte("abc"), "abc").OK)
	assert.True(t, Match("abc", []byte("abc")).OK)
}

func TestMatchWildcards(t *testing.T) {
	assert.True(t, Match(Any(), "x").OK)
	assert.True(t, Match(Any(), 0).OK)
	assert.False(t, Match(Any(), nil).OK)
	assert.False(t, Match(Any(), "").OK, "any requires a non-empty value")
	assert.False(t, Match(Any(), []interface{}{}).OK)

	assert.True(t, Match(AnyOrNone(), nil).OK)
	assert.True(t, Match(AnyOrNone(), "").OK)
	assert.True(t, Match(nil, "anything").OK, "nil template is shorthand for any-or-none")

	assert.True(t, Match(Empty(), "").OK)
	assert.True(t, Match(Empty(), []interface{}{}).OK)
	assert.False(t, Match(Empty(), "x").OK)
}

func TestMatchNumericConditions(t *testing.T) {
	assert.True(t, Match(GreaterThan(5), 6).OK)
	assert.False(t, Match(GreaterThan(5), 5).OK)
	assert.True(t, Match(LowerThan(5), 4.9).OK)
	assert.False(t, Match(LowerThan(5), "4").OK, "strings are not numbers")
	assert.True(t, Match(Between(1, 3), 1).OK)
	assert.True(t, Match(Between(1, 3), 3).OK)
	assert.False(t, Match(Between(1, 3), 3.01).OK)
}

func TestMatchStringConditions(t *testing.T) {
	assert.True(t, Match(Pattern(`^INVITE sip:`), "INVITE sip:alice@example.com").OK)
	assert.False(t, Match(Pattern(`^INVITE`), "BYE sip:alice").OK)

	assert.True(t, Match(Contains("lo wo"), "hello world").OK)
	assert.False(t, Match(Contains("xyz"), "hello world").OK)

	assert.True(t, Match(Length(Between(3, 5)), "abcd").OK)
	assert.False(t, Match(Length(2), "abcd").OK)
	assert.True(t, Match(Length(3), []interface{}{1, 2, 3}).OK)
}

func TestMatchCombinators(t *testing.T) {
	assert.True(t, Match(In(200, 202, 204), 202).OK)
	assert.False(t, Match(In(200, 202), 500).OK)

	assert.True(t, Match(Complement(404, 500), 200).OK)
	assert.False(t, Match(Complement(404, 500), 404).OK)

	assert.True(t, Match(And(GreaterThan(0), LowerThan(10)), 5).OK)
	assert.False(t, Match(And(GreaterThan(0), LowerThan(10)), 11).OK)

	assert.True(t, Match(Or("a", "b"), "b").OK)
	assert.False(t, Match(Or("a", "b"), "c").OK)

	assert.True(t, Match(Not("x"), "y").OK)
	assert.False(t, Match(Not(Any()), "y").OK)
}

func TestMatchRecord(t *testing.T) {
	template := map[string]interface{}{
		"method": "INVITE",
		"code":   Between(100, 699),
		"branch": IfPresent(Pattern(`^z9hG4bK`)),
		"route":  Omit(),
	}

	ok := map[string]interface{}{
		"method": "INVITE",
		"code":   180,
		"extra":  "kept",
	}
	res := Match(template, ok)
	require.True(t, res.OK)
	decoded, isRecord := res.Decoded.(map[string]interface{})
	require.True(t, isRecord)
	assert.Equal(t, "kept", decoded["extra"], "extra message fields never cause a mismatch")

	// A present field never matches omit.
	bad := map[string]interface{}{
		"method": "INVITE",
		"code":   180,
		"route":  "sip:proxy",
	}
	res = Match(template, bad)
	assert.False(t, res.OK)
	assert.Equal(t, "route", res.Path)

	// An absent required field is a mismatch at the field path.
	res = Match(template, map[string]interface{}{"code": 180})
	assert.False(t, res.OK)
	assert.Equal(t, "method", res.Path)

	// ifpresent accepts absence, rejects a present non-matching value.
	res = Match(template, map[string]interface{}{
		"method": "INVITE",
		"code":   180,
		"branch": "deadbeef",
	})
	assert.False(t, res.OK)
	assert.Equal(t, "branch", res.Path)
}

func TestMatchMismatchPathNesting(t *testing.T) {
	template := map[string]interface{}{
		"header": map[string]interface{}{
			"codes": []interface{}{200, 201},
		},
	}
	message := map[string]interface{}{
		"header": map[string]interface{}{
			"codes": []interface{}{200, 500},
		},
	}
	res := Match(template, message)
	require.False(t, res.OK)
	assert.Equal(t, "header.codes[1]", res.Path)
}

func TestMatchListBacktracking(t *testing.T) {
	// AnyOrNone absorbs a run of elements.
	assert.True(t, Match(
		[]interface{}{1, AnyOrNone(), 4},
		[]interface{}{1, 2, 3, 4},
	).OK)

	// Including an empty run.
	assert.True(t, Match(
		[]interface{}{1, AnyOrNone(), 2},
		[]interface{}{1, 2},
	).OK)

	// Trailing absorption.
	assert.True(t, Match(
		[]interface{}{1, AnyOrNone()},
		[]interface{}{1},
	).OK)

	assert.False(t, Match(
		[]interface{}{1, AnyOrNone(), 5},
		[]interface{}{1, 2, 3, 4},
	).OK)

	// ifpresent list elements may be skipped.
	assert.True(t, Match(
		[]interface{}{1, IfPresent(2), 3},
		[]interface{}{1, 3},
	).OK)
	assert.True(t, Match(
		[]interface{}{1, IfPresent(2), 3},
		[]interface{}{1, 2, 3},
	).OK)

	// Length mismatch without wildcards.
	assert.False(t, Match(
		[]interface{}{1, 2},
		[]interface{}{1, 2, 3},
	).OK)
}

func TestMatchSets(t *testing.T) {
	assert.True(t, Match(SetOf(1, 2, 3), []interface{}{3, 1, 2}).OK)
	assert.False(t, Match(SetOf(1, 2, 3), []interface{}{1, 2}).OK)
	assert.False(t, Match(SetOf(1, 2), []interface{}{1, 5}).OK)

	assert.True(t, Match(Superset(1, 2), []interface{}{3, 2, 1}).OK)
	assert.False(t, Match(Superset(1, 9), []interface{}{1, 2, 3}).OK)

	assert.True(t, Match(Subset(1, 2, 3), []interface{}{2, 2, 3}).OK)
	assert.False(t, Match(Subset(1, 2), []interface{}{1, 4}).OK)

	assert.True(t, Match(Contains(GreaterThan(10)), []interface{}{1, 5, 50}).OK)
	assert.False(t, Match(Contains(GreaterThan(10)), []interface{}{1, 5}).OK)
}

func TestMatchChoice(t *testing.T) {
	template := NewChoice("request", map[string]interface{}{"method": Any()})

	// Native form.
	res := Match(template, NewChoice("request", map[string]interface{}{"method": "GET"}))
	assert.True(t, res.OK)

	// JSON wire form.
	res = Match(template, map[string]interface{}{
		"choice": "request",
		"value":  map[string]interface{}{"method": "GET"},
	})
	assert.True(t, res.OK)

	// Selecting a different alternative is a mismatch.
	res = Match(template, NewChoice("response", map[string]interface{}{"method": "GET"}))
	assert.False(t, res.OK)
}

func TestMatchExtractBindings(t *testing.T) {
	template := map[string]interface{}{
		"call-id": Extract(Any(), "callID"),
		"code":    200,
	}
	res := Match(template, map[string]interface{}{
		"call-id": "abc@host",
		"code":    200,
	})
	require.True(t, res.OK)
	assert.Equal(t, "abc@host", res.Bindings["callID"])

	// No bindings escape an overall mismatch.
	res = Match(template, map[string]interface{}{
		"call-id": "abc@host",
		"code":    500,
	})
	require.False(t, res.OK)
	assert.Empty(t, res.Bindings)
}

func TestMatchExtractRollbackInOr(t *testing.T) {
	// The first Or branch binds, then fails; its binding must not leak.
	template := Or(
		map[string]interface{}{"a": Extract(Any(), "first"), "b": 1},
		map[string]interface{}{"a": Extract(Any(), "second"), "b": 2},
	)
	res := Match(template, map[string]interface{}{"a": "x", "b": 2})
	require.True(t, res.OK)
	assert.NotContains(t, res.Bindings, "first")
	assert.Equal(t, "x", res.Bindings["second"])
}

func TestMatchCodecDecodes(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("ping"))
	res := Match(WithCodec("base64", "ping"), encoded)
	require.True(t, res.OK)
	assert.Equal(t, "ping", res.Decoded)

	// Invalid encoding is a mismatch, not a panic.
	res = Match(WithCodec("base64", Any()), "%%%not-base64%%%")
	assert.False(t, res.OK)

	// Unknown codec names fail the match.
	res = Match(WithCodec("asn1-per", Any()), "x")
	assert.False(t, res.OK)

	// The json codec exposes the structured form to the inner template.
	res = Match(
		WithCodec("json", map[string]interface{}{"status": Between(200, 299)}),
		`{"status": 204}`,
	)
	require.True(t, res.OK)
}

func TestValuate(t *testing.T) {
	// Omitted fields are dropped from the sent value.
	v, err := valuate(map[string]interface{}{
		"keep": "x",
		"drop": Omit(),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"keep": "x"}, v)

	// Matching-only conditions cannot be sent.
	_, err = valuate(map[string]interface{}{"code": Between(1, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be sent")

	// Codec wrappers encode the valuated inner template.
	v, err = valuate(WithCodec("base64", "ping"))
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("ping")), v)

	// Choices valuate recursively.
	v, err = valuate(NewChoice("req", map[string]interface{}{"m": "GET"}))
	require.NoError(t, err)
	assert.Equal(t, NewChoice("req", map[string]interface{}{"m": "GET"}), v)
}
