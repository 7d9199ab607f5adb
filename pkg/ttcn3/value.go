package ttcn3

import "fmt"

// valuate turns a template into a concrete, sendable value. Codec wrappers
// encode their valuated inner template; matching-only conditions cannot be
// sent and fail synchronously.
func valuate(template interface{}) (interface{}, error) {
	switch t := template.(type) {
	case codecTemplate:
		inner, err := valuate(t.inner)
		if err != nil {
			return nil, err
		}
		codec, err := lookupCodec(t.codec)
		if err != nil {
			return nil, err
		}
		encoded, err := codec.Encode(inner)
		if err != nil {
			return nil, fmt.Errorf("codec %q: %w", t.codec, err)
		}
		return encoded, nil
	case extractTemplate:
		return valuate(t.inner)
	case ifPresent:
		return valuate(t.inner)
	case Choice:
		v, err := valuate(t.Value)
		if err != nil {
			return nil, err
		}
		return Choice{Name: t.Name, Value: v}, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, sub := range t {
			// An omitted field is simply left out of the sent value.
			if _, isOmit := sub.(omitValue); isOmit {
				continue
			}
			v, err := valuate(sub)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, sub := range t {
			v, err := valuate(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case anyValue, anyOrNone, omitValue, emptyValue, greaterThan, lowerThan,
		betweenRange, patternMatch, lengthMatch, setMatch, supersetMatch,
		subsetMatch, containsMatch, inMatch, complementMatch, andMatch,
		orMatch, notMatch:
		return nil, fmt.Errorf("template condition %s cannot be sent", describeTemplate(template))
	default:
		return template, nil
	}
}
